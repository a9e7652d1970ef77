// NXP USBOH3USBO2 / USBPHY clock gating constants
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago,arm

package imx6

// CCM_CCGR6 gates the clock for, among other peripherals, USBOH3; the
// register-level transfer state machine that uses it lives in
// imx6/usb, built against the Controller interface instead of a
// package-local singleton.
const (
	CCM_CCGR6     uint32 = 0x20c4080
	CCM_CCGR6_CG0        = 0
)
