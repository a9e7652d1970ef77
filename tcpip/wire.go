// TCP header framing for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tcpip implements the embedded TCP endpoint state machine: a
// fixed-size listener table and connection-slot table supporting passive
// opens only, no retransmission or congestion control. It is layered
// directly on package ipv6's Ethernet+IPv6 header helpers and checksum.
package tcpip

import "encoding/binary"

const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagACK = 0x10

	// HeaderLen is the fixed 20-byte TCP header with no options.
	HeaderLen = 20

	// WindowSize is the fixed receive window advertised on every segment.
	WindowSize = 16384
)

// Header is the fixed-size portion of a TCP segment (RFC 793); options, if
// any, follow immediately after and are handled by the caller.
type Header struct {
	SourcePort, DestPort   uint16
	Sequence, Ack          uint32
	DataOffsetWords        uint8 // header length in 32-bit words, options included
	Flags                  uint16
	WindowSize             uint16
	Checksum               uint16
	UrgentPointer          uint16
}

func (h *Header) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(b[2:4], h.DestPort)
	binary.BigEndian.PutUint32(b[4:8], h.Sequence)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	binary.BigEndian.PutUint16(b[12:14], uint16(h.DataOffsetWords)<<12|h.Flags)
	binary.BigEndian.PutUint16(b[14:16], h.WindowSize)
	binary.BigEndian.PutUint16(b[16:18], h.Checksum)
	binary.BigEndian.PutUint16(b[18:20], h.UrgentPointer)
}

func (h *Header) Unmarshal(b []byte) {
	h.SourcePort = binary.BigEndian.Uint16(b[0:2])
	h.DestPort = binary.BigEndian.Uint16(b[2:4])
	h.Sequence = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	offsetControl := binary.BigEndian.Uint16(b[12:14])
	h.DataOffsetWords = uint8(offsetControl >> 12)
	h.Flags = offsetControl & 0x0fff
	h.WindowSize = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.UrgentPointer = binary.BigEndian.Uint16(b[18:20])
}

// mssOption builds the 4-byte maximum-segment-size option carried on
// SYN-only segments: kind=2, length=4, mss=bufferCapacity-TotalHeaderLen.
func mssOption(mss uint16) [4]byte {
	return [4]byte{0x02, 0x04, byte(mss >> 8), byte(mss)}
}
