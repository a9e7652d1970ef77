// CDC-ECM / CDC-NCM data path for netdev6
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

	"github.com/usbarmory/netdev6/ipv6"
	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/usb"
)

const (
	nth16Signature = 0x484d434e // "NCMH"
	ndp16Signature = 0x304d434e // "NCM0"
	nth16Len       = 12
	ndp16HeaderLen = 8
	ndp16PointerLen = 4
)

// ntbParameters is the exact GET_NTB_PARAMETERS response, grounded on
// cdcncm.c's ntb_parameters struct literal (see SPEC_FULL.md §12): every
// field value below is required, not illustrative.
var ntbParameters = buildNTBParameters()

func buildNTBParameters() []byte {
	b := make([]byte, 28)
	binary.LittleEndian.PutUint16(b[0:2], 28)                       // wLength
	binary.LittleEndian.PutUint16(b[2:4], 1)                        // bmNtbFormatsSupported
	binary.LittleEndian.PutUint32(b[4:8], 4096)                     // dwNtbInMaxSize
	binary.LittleEndian.PutUint16(b[8:10], USBPacketSize)           // wNdpInDivisor
	binary.LittleEndian.PutUint16(b[10:12], 14)                     // wNdpInPayloadRemainder
	binary.LittleEndian.PutUint16(b[12:14], 4)                      // wNdpInAlignment
	binary.LittleEndian.PutUint16(b[14:16], 0)                      // wReserved
	binary.LittleEndian.PutUint32(b[16:20], uint32(pool.LargeCapacity+USBPacketSize)) // dwNtbOutMaxSize
	binary.LittleEndian.PutUint16(b[20:22], USBPacketSize)          // wNdpOutDivisor
	binary.LittleEndian.PutUint16(b[22:24], 0)                      // wNdpOutPayloadRemainder
	binary.LittleEndian.PutUint16(b[24:26], 4)                      // wNdpOutAlignment
	binary.LittleEndian.PutUint16(b[26:28], 1)                      // wNtbOutMaxDatagrams
	return b
}

// GetNTBParameters answers the class-specific USB_CDC_REQ_GET_NTB_PARAMETERS
// control request.
func GetNTBParameters() []byte {
	return ntbParameters
}

// ecmState holds the CDC-ECM raw-framing reassembly state; ncmState below
// holds the CDC-NCM counterpart. A single data interface speaks either
// framing depending on whether the host has issued GET_NTB_PARAMETERS
// (NCM) or not (plain ECM): dataRx/dataTx pick the path from queriedNTB.
type ecmState struct {
	connected bool
	rxBuf     []byte
}

func (s *ecmState) reset() {
	s.rxBuf = s.rxBuf[:0]
}

type ncmState struct {
	connected bool
	rxBuf     []byte
	seq       uint16
}

func (s *ncmState) reset() {
	s.rxBuf = s.rxBuf[:0]
}

// ECMControl implements the CDC interrupt IN endpoint function. It always
// returns no data: no CDC notification (connection-speed-change or
// NETWORK_CONNECTION) is ever sent on this endpoint.
func (l *Link) ECMControl(_ []byte, lastErr error) (in []byte, err error) {
	return nil, nil
}

// SetConnected marks the ECM/NCM link as up and selects the matching
// mode. It only updates link state: it neither builds nor sends a CDC
// NETWORK_CONNECTION notification.
func (l *Link) SetConnected(ncm bool) {
	l.mu.Lock()
	if ncm {
		l.mode = ModeNCM
		l.ncm.connected = true
	} else {
		l.mode = ModeECM
		l.ecm.connected = true
	}
	l.mu.Unlock()
}

// ECMRx implements the data OUT endpoint function for raw CDC-ECM
// framing: accumulate packets until a short (or zero-length) packet
// signals the frame boundary, matching ethernet.NIC.ECMRx.
func (l *Link) ECMRx(out []byte, lastErr error) (_ []byte, err error) {
	if len(l.ecm.rxBuf) == 0 && len(out) < ipv6.EthernetHeaderLen {
		return nil, nil
	}

	l.ecm.rxBuf = append(l.ecm.rxBuf, out...)

	if len(out) == USBPacketSize {
		// more data expected
		return nil, nil
	}

	b, aerr := l.Pool.Allocate(len(l.ecm.rxBuf))
	if aerr != nil {
		l.ecm.rxBuf = l.ecm.rxBuf[:0]
		return nil, nil
	}

	b.SetLen(len(l.ecm.rxBuf))
	copy(b.Bytes(), l.ecm.rxBuf)
	l.ecm.rxBuf = l.ecm.rxBuf[:0]

	l.deliver(b)

	return nil, nil
}

// ECMTx implements the data IN endpoint function for raw CDC-ECM framing:
// pop the next queued frame whole, the Controller is responsible for
// packetizing it and terminating with a short/ZLP packet.
func (l *Link) ECMTx(_ []byte, lastErr error) (in []byte, err error) {
	b := l.txQueue.Pop()
	if b == nil {
		return nil, nil
	}
	defer l.Pool.Release(b)

	in = append(in, b.Bytes()...)
	return in, nil
}

// NCMRx implements the data OUT endpoint function for CDC-NCM framing:
// accumulate the whole NTB (it always fits the large buffer class) until
// a short packet ends the transfer, then unwrap NTH16/NDP16 and deliver
// the single datagram it names — dwNtbOutMaxDatagrams=1 above means the
// host never packs more than one Ethernet frame per NTB.
func (l *Link) NCMRx(out []byte, lastErr error) (_ []byte, err error) {
	l.ncm.rxBuf = append(l.ncm.rxBuf, out...)

	if len(out) == USBPacketSize {
		return nil, nil
	}

	buf := l.ncm.rxBuf
	l.ncm.rxBuf = nil

	if len(buf) < nth16Len+ndp16HeaderLen+2*ndp16PointerLen {
		return nil, nil
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != nth16Signature {
		return nil, nil
	}

	ndpIndex := binary.LittleEndian.Uint16(buf[10:12])
	if int(ndpIndex)+ndp16HeaderLen+ndp16PointerLen > len(buf) {
		return nil, nil
	}

	ndp := buf[ndpIndex:]
	if binary.LittleEndian.Uint32(ndp[0:4]) != ndp16Signature {
		return nil, nil
	}

	datagramIndex := binary.LittleEndian.Uint16(ndp[8:10])
	datagramLength := binary.LittleEndian.Uint16(ndp[10:12])

	if int(datagramIndex)+int(datagramLength) > len(buf) {
		return nil, nil
	}

	b, aerr := l.Pool.Allocate(int(datagramLength))
	if aerr != nil {
		return nil, nil
	}

	b.SetLen(int(datagramLength))
	copy(b.Bytes(), buf[datagramIndex:int(datagramIndex)+int(datagramLength)])

	l.deliver(b)

	return nil, nil
}

// NCMTx implements the data IN endpoint function for CDC-NCM framing: wrap
// the next queued frame in a single-datagram NTH16/NDP16 NTB, matching
// cdcncm_start_tx's fixed 64-byte header layout.
func (l *Link) NCMTx(_ []byte, lastErr error) (in []byte, err error) {
	b := l.txQueue.Pop()
	if b == nil {
		return nil, nil
	}
	defer l.Pool.Release(b)

	frame := b.Bytes()

	header := make([]byte, USBPacketSize)
	binary.LittleEndian.PutUint32(header[0:4], nth16Signature)
	binary.LittleEndian.PutUint16(header[4:6], nth16Len)
	binary.LittleEndian.PutUint16(header[6:8], l.ncm.nextSeq())
	binary.LittleEndian.PutUint16(header[8:10], uint16(USBPacketSize+len(frame)))
	binary.LittleEndian.PutUint16(header[10:12], nth16Len)

	ndp := header[nth16Len:]
	binary.LittleEndian.PutUint32(ndp[0:4], ndp16Signature)
	binary.LittleEndian.PutUint16(ndp[4:6], uint16(ndp16HeaderLen+2*ndp16PointerLen))
	binary.LittleEndian.PutUint16(ndp[8:10], USBPacketSize)
	binary.LittleEndian.PutUint16(ndp[10:12], uint16(len(frame)))
	// terminator pointer (both fields zero) already present from make()

	in = append(in, header...)
	in = append(in, frame...)

	return in, nil
}

func (s *ncmState) nextSeq() uint16 {
	v := s.seq
	s.seq++
	return v
}

var _ usb.EndpointFunction = (*Link)(nil).ECMRx
