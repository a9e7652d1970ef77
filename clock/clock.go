// Monotonic microsecond clock for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package clock provides the free-running monotonic microsecond counter
// used for TCP pseudo-ISN generation, connection LRU eviction, and the
// ICMPv6 beacon cadence. On tamago targets time.Now() reads the hardware
// counter wired up by board bring-up (see imx6.initGlobalTimers /
// initGenericTimers, which install the runtime's nanotime1 via go:linkname
// onto the ARM generic/global timer) — this package only needs the
// standard time package on top of that, not a bespoke register driver.
package clock

import "time"

var epoch = time.Now()

// MicrosSince64 returns the number of microseconds elapsed since the
// process epoch as a full-width counter, for callers (the firmware's TCP
// and ICMPv6 clocks, the HTTP index page) that do not need the wraparound
// behaviour of Micros32.
func MicrosSince64() uint64 {
	return uint64(time.Since(epoch) / time.Microsecond)
}

// Micros32 returns the low 32 bits of the elapsed-microseconds counter,
// matching the original firmware's free-running 32-bit microsecond timer:
// it wraps around every ~71 minutes, so callers must compare elapsed time
// with unsigned subtraction (Since), never direct ordering comparisons.
func Micros32() uint32 {
	return uint32(MicrosSince64())
}

// Since returns the elapsed microseconds between a prior Micros32 reading
// and now, correct across a single wraparound because the subtraction is
// performed in the unsigned 32-bit domain.
func Since(prev uint32) uint32 {
	return Micros32() - prev
}
