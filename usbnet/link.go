// USB network link layer for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbnet implements the USB-attached virtual Ethernet link: a
// composite USB device exposing a CDC-ECM/NCM function and a Microsoft
// RNDIS function side by side (two Interface Association Descriptors, as
// the host-side drivers for each are mutually exclusive — a host binds
// at most one of them, generalizing the teacher's single-function
// imx6/usb/ethernet package to the two-function composite gadget
// original_source/src/usbnet.c implements). The package is written
// entirely against usb.Controller and carries no dependency on any
// particular SoC's USB IP.
package usbnet

import (
	"errors"
	"log"
	"sync"

	"github.com/usbarmory/netdev6/ipv6"
	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/usb"
)

// Mode identifies which host-side driver is currently bound to the
// network function. ECM and RNDIS bind to different interfaces
// entirely, so at most one is ever Up at a time.
type Mode int

const (
	ModeNone Mode = iota
	ModeECM
	ModeNCM
	ModeRNDIS
)

func (m Mode) String() string {
	switch m {
	case ModeECM:
		return "ECM"
	case ModeNCM:
		return "NCM"
	case ModeRNDIS:
		return "RNDIS"
	default:
		return "none"
	}
}

// ErrOversizedFrame is logged (never returned to the host transport) when
// a reassembled frame would exceed the link MTU; the partial frame is
// discarded and reassembly restarts on the next packet.
var ErrOversizedFrame = errors.New("usbnet: oversized frame discarded")

// MTU is the maximum Ethernet frame size accepted end to end, matching
// the CDC Ethernet Functional Descriptor's wMaxSegmentSize and the NCM
// dwNtbOutMaxSize/dwNtbInMaxSize sizing below.
const MTU = usb.MaxSegmentSize

// USBPacketSize is the bulk endpoint's wMaxPacketSize: every full-speed
// transfer on the data endpoints is chunked to this size, and a transfer
// ends on the first short (or zero-length) packet.
const USBPacketSize = 64

// FrameSink receives a fully reassembled inbound Ethernet+IPv6 frame. The
// Link hands frames off as soon as they are complete; demultiplexing by
// IPv6 next-header (ICMPv6 vs TCP) happens above this package.
type FrameSink interface {
	Receive(b *pool.Buffer)
}

// Link is the USB network function: buffer pool access, the single
// outbound queue shared by whichever mode is currently bound, and the
// reassembly state for each of the three framings it can speak.
type Link struct {
	Pool *pool.Pool
	Sink FrameSink
	MAC  ipv6.MAC
	Log  *log.Logger

	// NotifyResponseAvailable, if set, is invoked whenever an RNDIS
	// response is queued, so the caller can write the notification to
	// the RNDIS interrupt endpoint (see rndisNotifyAvailable).
	NotifyResponseAvailable func()

	txQueue pool.Queue

	mu   sync.Mutex
	mode Mode

	ecm  ecmState
	ncm  ncmState
	rndis rndisState

	// queriedNTB is set once the host issues GET_NTB_PARAMETERS,
	// switching the shared data endpoints from ECM to NCM framing for
	// the remainder of the session (see ClassRequest).
	queriedNTB bool
}

func (l *Link) logger() *log.Logger {
	if l.Log != nil {
		return l.Log
	}
	return log.Default()
}

// Mode reports the currently bound host driver, ModeNone if neither CDC
// function's data interface is active and RNDIS has not been initialized.
func (l *Link) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// setMode transitions the active mode. Binding a new mode always wins:
// a host driver switch (e.g. altsetting 1 -> 0 -> new bind) is assumed
// to mean the previous driver detached. The reassembly state of the
// newly inactive modes is reset so stale partial frames from a detached
// driver are never delivered once a new one attaches.
func (l *Link) setMode(m Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode == m {
		return
	}

	l.logger().Printf("usbnet: link mode %s -> %s", l.mode, m)
	l.mode = m
	l.ecm.reset()
	l.ncm.reset()

	if m != ModeRNDIS {
		l.rndis.connected = false
		l.rndis.rxBuf = l.rndis.rxBuf[:0]
		l.rndis.rxTransferSize = 0
	}
}

// Up reports whether a mode is bound and the host has signaled the
// connection as active (CDC NETWORK_CONNECTION notification sent, or the
// RNDIS packet filter set non-zero).
func (l *Link) Up() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.mode {
	case ModeECM, ModeNCM:
		return l.ecm.connected || l.ncm.connected
	case ModeRNDIS:
		return l.rndis.connected
	default:
		return false
	}
}

// Transmit implements ipv6.Transmitter and tcpip.Transmitter: it
// enqueues a fully-built outbound Ethernet+IPv6(+payload) frame for
// whichever mode is currently bound to drain from txQueue.
func (l *Link) Transmit(b *pool.Buffer) {
	l.txQueue.Push(b)
}

// TxQueueLen reports the number of frames currently queued for
// transmission, matching usbnet_get_tx_queue_size — callers like
// chargen use it to throttle generation to what the link can drain.
func (l *Link) TxQueueLen() int {
	return l.txQueue.Len()
}

// deliver hands a reassembled frame to the sink, or releases it and logs
// if it exceeds the link MTU — this is the single point every framing's
// reassembly path funnels through.
func (l *Link) deliver(b *pool.Buffer) {
	if b.Len() > MTU {
		l.logger().Printf("usbnet: %v (%d bytes)", ErrOversizedFrame, b.Len())
		l.Pool.Release(b)
		return
	}

	if l.Sink != nil {
		l.Sink.Receive(b)
	} else {
		l.Pool.Release(b)
	}
}
