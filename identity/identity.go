// Device identity derivation for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package identity derives the device's MAC address, IPv6 global address,
// and USB string-descriptor identity from its 32-bit serial number — the
// sole persisted-state seed named in spec.md §6. Nothing else about the
// device's identity is stored.
package identity

import (
	"fmt"
	"strings"

	"github.com/usbarmory/netdev6/ipv6"
)

// Identity is the full set of values derived from a serial number.
type Identity struct {
	Serial uint32
	MAC    ipv6.MAC
	Global ipv6.Addr
}

// New derives a device Identity from serial, matching spec.md §6:
// MAC = DE:sn3:sn2:sn1:sn0:CC, IPv6 global = fd:de:sn3:sn2:sn1:sn0::1.
func New(serial uint32) Identity {
	sn0 := byte(serial)
	sn1 := byte(serial >> 8)
	sn2 := byte(serial >> 16)
	sn3 := byte(serial >> 24)

	mac := ipv6.MAC{0xde, sn3, sn2, sn1, sn0, 0xcc}

	global := ipv6.Addr{0xfd, 0xde, sn3, sn2, sn1, sn0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

	return Identity{Serial: serial, MAC: mac, Global: global}
}

// SerialString returns the serial number as the eight-hex-digit string used
// in USB string descriptors (iSerialNumber) and product strings.
func (id Identity) SerialString() string {
	return fmt.Sprintf("%08x", id.Serial)
}

// MACString returns the MAC with colons stripped, as used in the CDC-ECM
// functional descriptor's iMACAddress string (a 12 hex-digit string per the
// CDC specification, no separators).
func (id Identity) MACString() string {
	return strings.ReplaceAll(id.MAC.String(), ":", "")
}
