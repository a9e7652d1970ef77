// Microsoft RNDIS control+data path for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbnet

import (
	"encoding/binary"

	"github.com/usbarmory/netdev6/pool"
)

// RNDIS message types, Remote NDIS Specification v1.00 §2.2.
const (
	rndisPacketMsg          = 0x00000001
	rndisInitializeMsg      = 0x00000002
	rndisHaltMsg            = 0x00000003
	rndisQueryMsg           = 0x00000004
	rndisSetMsg             = 0x00000005
	rndisResetMsg           = 0x00000006
	rndisKeepaliveMsg       = 0x00000008
	rndisMsgCompletionFlag  = 0x80000000
)

const (
	rndisStatusSuccess     = 0x00000000
	rndisStatusNotSupported = 0xc00000bb
)

// Standard NDIS object IDs queried/set by every RNDIS host driver,
// Remote NDIS Specification v1.00 §3.
const (
	oidGenSupportedList        = 0x00010101
	oidGenPhysicalMedium       = 0x00010202
	oidGenCurrentPacketFilter  = 0x0001010e
	oid8023PermanentAddress    = 0x01010101
	oid8023CurrentAddress      = 0x01010102
)

// rndisState holds the OID-driven connection state and the data-endpoint
// reassembly state for the RNDIS function.
type rndisState struct {
	connected bool

	responses pool.Queue

	rxBuf          []byte
	rxTransferSize int
	rxFrameOffset  int
	rxFrameSize    int
}

// ClassRequest handles the three class-specific control requests this
// gadget supports: CDC-NCM's GET_NTB_PARAMETERS (answered directly) and
// RNDIS's SEND_ENCAPSULATED_COMMAND / GET_ENCAPSULATED_RESPONSE (routed
// to the RNDIS command processor). It returns handled=false for any
// other class request so the caller can stall it.
func (l *Link) ClassRequest(request uint8, index uint16, payload []byte) (reply []byte, handled bool) {
	const (
		getNTBParameters           = 0x80
		rndisSendEncapsulatedCmd   = 0x00
		rndisGetEncapsulatedResp   = 0x01
	)

	switch request {
	case getNTBParameters:
		l.mu.Lock()
		l.queriedNTB = true
		l.mu.Unlock()
		return GetNTBParameters(), true
	case rndisSendEncapsulatedCmd:
		l.handleRNDISCommand(payload)
		return nil, true
	case rndisGetEncapsulatedResp:
		return l.rndisGetResponse(), true
	default:
		return nil, false
	}
}

func (l *Link) rndisGetResponse() []byte {
	b := l.rndis.responses.Pop()
	if b == nil {
		return nil
	}
	defer l.Pool.Release(b)

	reply := make([]byte, b.Len())
	copy(reply, b.Bytes())
	return reply
}

// rndisNotify implements the RNDIS interrupt IN endpoint function: it
// sends nothing on its own, RESPONSE_AVAILABLE notifications are pushed
// by handleRNDISCommand via Link's caller, matching rndis_send_response's
// separate usbd_ep_write_packet call on the IRQ endpoint.
func (l *Link) rndisNotify(_ []byte, lastErr error) ([]byte, error) {
	return nil, nil
}

func rndisPrepareResponse(size int, requestID uint32, messageType uint32) []byte {
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:4], messageType|rndisMsgCompletionFlag)
	binary.LittleEndian.PutUint32(b[4:8], uint32(size))
	binary.LittleEndian.PutUint32(b[8:12], requestID)
	binary.LittleEndian.PutUint32(b[12:16], rndisStatusSuccess)
	return b
}

func (l *Link) sendRNDISResponse(payload []byte) {
	b, err := l.Pool.Allocate(len(payload))
	if err != nil {
		l.logger().Printf("usbnet: rndis: %v, response dropped", err)
		return
	}
	b.SetLen(len(payload))
	copy(b.Bytes(), payload)
	l.rndis.responses.Push(b)
}

// handleRNDISCommand processes one SEND_ENCAPSULATED_COMMAND payload,
// generalizing usbnet.c's rndis_send_command dispatch (RNDIS_INITIALIZE,
// RNDIS_HALT, RNDIS_QUERY of the five OIDs handleRNDISQuery answers,
// RNDIS_SET of OID_GEN_CURRENT_PACKET_FILTER, RNDIS_RESET and
// RNDIS_KEEPALIVE).
func (l *Link) handleRNDISCommand(buf []byte) {
	if len(buf) < 12 {
		return
	}

	messageType := binary.LittleEndian.Uint32(buf[0:4])
	requestID := binary.LittleEndian.Uint32(buf[8:12])

	switch messageType {
	case rndisInitializeMsg:
		// rndis_initialize_cmplt: header(16) + MajorVersion + MinorVersion
		// + DeviceFlags + Medium + MaxPacketsPerTransfer + MaxTransferSize
		// + PacketAlignmentFactor + 2 reserved words = 52 bytes.
		resp := rndisPrepareResponse(52, requestID, rndisInitializeMsg)
		binary.LittleEndian.PutUint32(resp[16:20], 1)                        // MajorVersion
		binary.LittleEndian.PutUint32(resp[20:24], 0)                        // MinorVersion
		binary.LittleEndian.PutUint32(resp[24:28], 0x10)                     // DeviceFlags
		binary.LittleEndian.PutUint32(resp[28:32], 0)                        // Medium (802.3)
		binary.LittleEndian.PutUint32(resp[32:36], 1)                        // MaxPacketsPerTransfer
		binary.LittleEndian.PutUint32(resp[36:40], uint32(36+pool.LargeCapacity)) // MaxTransferSize: RNDIS packet message header (36) + buffer capacity
		binary.LittleEndian.PutUint32(resp[40:44], 2)                        // PacketAlignmentFactor
		l.sendRNDISResponse(resp)
		l.rndisNotifyAvailable()

	case rndisHaltMsg:
		l.mu.Lock()
		l.rndis.connected = false
		l.mu.Unlock()

	case rndisQueryMsg:
		if len(buf) < 20 {
			return
		}
		oid := binary.LittleEndian.Uint32(buf[12:16])
		l.handleRNDISQuery(requestID, oid)
		l.rndisNotifyAvailable()

	case rndisSetMsg:
		if len(buf) < 28 {
			return
		}
		oid := binary.LittleEndian.Uint32(buf[12:16])
		l.handleRNDISSet(requestID, oid, buf[28:])
		l.rndisNotifyAvailable()

	case rndisResetMsg, rndisKeepaliveMsg:
		resp := rndisPrepareResponse(16, requestID, messageType)
		l.sendRNDISResponse(resp)
		l.rndisNotifyAvailable()
	}
}

func (l *Link) handleRNDISQuery(requestID, oid uint32) {
	const headerLen = 24 // rndis_query_cmplt up to (not including) Buffer

	var value []byte
	supported := true

	switch oid {
	case oidGenSupportedList:
		value = make([]byte, 16)
		binary.LittleEndian.PutUint32(value[0:4], oidGenSupportedList)
		binary.LittleEndian.PutUint32(value[4:8], oidGenPhysicalMedium)
		binary.LittleEndian.PutUint32(value[8:12], oid8023PermanentAddress)
		binary.LittleEndian.PutUint32(value[12:16], oid8023CurrentAddress)
	case oidGenPhysicalMedium:
		value = make([]byte, 4)
	case oidGenCurrentPacketFilter:
		value = make([]byte, 4)
		if l.Up() {
			binary.LittleEndian.PutUint32(value, 0xffffffff)
		}
	case oid8023PermanentAddress, oid8023CurrentAddress:
		value = append([]byte{}, l.MAC[:]...)
	default:
		supported = false
	}

	if !supported {
		resp := rndisPrepareResponse(headerLen, requestID, rndisQueryMsg)
		binary.LittleEndian.PutUint32(resp[12:16], rndisStatusNotSupported)
		l.sendRNDISResponse(resp)
		return
	}

	resp := rndisPrepareResponse(headerLen+len(value), requestID, rndisQueryMsg)
	binary.LittleEndian.PutUint32(resp[16:20], uint32(len(value))) // InformationBufferLength
	binary.LittleEndian.PutUint32(resp[20:24], 16)                 // InformationBufferOffset
	copy(resp[headerLen:], value)

	l.sendRNDISResponse(resp)
}

func (l *Link) handleRNDISSet(requestID, oid uint32, buf []byte) {
	resp := rndisPrepareResponse(16, requestID, rndisSetMsg)

	switch oid {
	case oidGenCurrentPacketFilter:
		filter := uint32(0)
		if len(buf) >= 4 {
			filter = binary.LittleEndian.Uint32(buf[0:4])
		}
		l.mu.Lock()
		l.rndis.connected = filter != 0
		l.mu.Unlock()
	default:
		binary.LittleEndian.PutUint32(resp[12:16], rndisStatusNotSupported)
	}

	l.sendRNDISResponse(resp)
}

// rndisNotifyAvailable pushes the interrupt-endpoint RESPONSE_AVAILABLE
// notification via NotifyResponseAvailable if the caller (cmd/netdev6's
// USB wiring) set one; left nil, unit tests can drive the command
// processor without a live interrupt endpoint.
func (l *Link) rndisNotifyAvailable() {
	if l.NotifyResponseAvailable != nil {
		l.NotifyResponseAvailable()
	}
}

// RNDISRx implements the RNDIS data OUT endpoint function, generalizing
// usbnet.c's rndis_rx_callback: each RNDIS_PACKET_MSG header precedes
// one Ethernet frame, possibly followed by padding to the next USB
// packet boundary.
func (l *Link) RNDISRx(out []byte, lastErr error) ([]byte, error) {
	s := &l.rndis

	if s.rxTransferSize == 0 {
		if len(out) >= 16 && binary.LittleEndian.Uint32(out[0:4]) == rndisPacketMsg {
			messageLength := int(binary.LittleEndian.Uint32(out[4:8]))
			dataOffset := int(binary.LittleEndian.Uint32(out[8:12]))
			dataLength := int(binary.LittleEndian.Uint32(out[12:16]))

			s.rxTransferSize = messageLength
			s.rxFrameOffset = dataOffset + 8
			s.rxFrameSize = dataLength
			s.rxBuf = s.rxBuf[:0]

			if s.rxFrameOffset < len(out) {
				s.rxBuf = append(s.rxBuf, out[s.rxFrameOffset:]...)
			}
		}

		if len(out) < USBPacketSize {
			l.finishRNDISTransfer()
		}
		return nil, nil
	}

	s.rxBuf = append(s.rxBuf, out...)

	if len(s.rxBuf) >= s.rxFrameSize || len(out) < USBPacketSize {
		l.finishRNDISTransfer()
	}

	return nil, nil
}

func (l *Link) finishRNDISTransfer() {
	s := &l.rndis

	if len(s.rxBuf) > s.rxFrameSize {
		s.rxBuf = s.rxBuf[:s.rxFrameSize]
	}

	if len(s.rxBuf) > 0 {
		b, err := l.Pool.Allocate(len(s.rxBuf))
		if err == nil {
			b.SetLen(len(s.rxBuf))
			copy(b.Bytes(), s.rxBuf)
			l.deliver(b)
		}
	}

	s.rxBuf = s.rxBuf[:0]
	s.rxTransferSize = 0
	s.rxFrameOffset = 0
	s.rxFrameSize = 0
}

// RNDISTx implements the RNDIS data IN endpoint function, generalizing
// rndis_start_tx: a 44-byte rndis_packet_msg header precedes the whole
// Ethernet frame.
func (l *Link) RNDISTx(_ []byte, lastErr error) ([]byte, error) {
	b := l.txQueue.Pop()
	if b == nil {
		return nil, nil
	}
	defer l.Pool.Release(b)

	frame := b.Bytes()

	const hdrLen = 44
	hdr := make([]byte, hdrLen)
	binary.LittleEndian.PutUint32(hdr[0:4], rndisPacketMsg)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(hdrLen+len(frame)))
	binary.LittleEndian.PutUint32(hdr[8:12], hdrLen-8)  // DataOffset
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(frame)))

	in := append(hdr, frame...)
	return in, nil
}
