// RFC 862/863/864 diagnostic services for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diagapps implements the echo (RFC 862), discard (RFC 863) and
// chargen (RFC 864) diagnostic services, grounded on
// original_source/src/tcpip_diagnostics.c. Unlike that file, chargen's
// generator state lives in Conn.State rather than three package-level
// statics: the original's static counters are shared across every chargen
// connection, so two simultaneous clients corrupt each other's character
// stream — package-level state was a C-ism forced by the lack of a
// per-connection context, not a behavior spec.md asks preserved.
package diagapps

import (
	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/tcpip"
)

// Ports are the well-known RFC ports for the three services.
const (
	EchoPort    = 7
	DiscardPort = 9
	ChargenPort = 19
)

// Register installs all three listeners on ep, matching
// tcpip_diagnostics_init's single init call.
func Register(ep *tcpip.Endpoint) error {
	if err := ep.RegisterListener(EchoPort, echoCallback(ep), nil); err != nil {
		return err
	}
	if err := ep.RegisterListener(DiscardPort, discardCallback(ep), nil); err != nil {
		return err
	}
	if err := ep.RegisterListener(ChargenPort, chargenCallback(ep), newChargenState); err != nil {
		return err
	}
	return nil
}

// echoCallback sends every received segment straight back, matching
// echo_callback.
func echoCallback(ep *tcpip.Endpoint) tcpip.Callback {
	return func(conn *tcpip.Conn, payload *pool.Buffer) {
		if payload == nil {
			return
		}
		ep.Send(conn, payload)
	}
}

// discardCallback releases every received segment without replying,
// matching discard_callback.
func discardCallback(ep *tcpip.Endpoint) tcpip.Callback {
	return func(conn *tcpip.Conn, payload *pool.Buffer) {
		if payload == nil {
			return
		}
		ep.Release(payload)
	}
}
