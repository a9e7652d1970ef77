// i.MX6 USBOH3USBO2 adapter for the abstract Controller interface
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"log"
	"runtime"
	"time"

	"github.com/usbarmory/netdev6/internal/reg"
	"github.com/usbarmory/netdev6/usb"
)

// endpointState is the per-(number,direction) registration installed by
// EnableEP, generalizing the fixed *Device-walking Start/endpointHandler of
// the single-function ECM driver this package originally shipped to a
// Controller that is handed one endpoint at a time by usb.Device.Bind.
type endpointState struct {
	fn           usb.EndpointFunction
	transferType int
	maxPacketSize uint16
}

// SetupData is the layout the hardware deposits into a queue head's
// Setup field (p3784, 56.4.5.1 Endpoint Queue Head, IMX6ULLRM); its
// field sizes, not its field names, are what make binary.Read's decode
// line up with the 8 bytes of a USB SETUP packet.
type SetupData struct {
	bRequestType uint8
	bRequest     uint8
	wValue       uint16
	wIndex       uint16
	wLength      uint16
}

// swap corrects the endianness of the 16-bit fields, which the hardware
// deposits byte-swapped relative to what Go expects.
func (s *SetupData) swap() {
	s.wValue = s.wValue<<8 | s.wValue>>8
	s.wIndex = s.wIndex<<8 | s.wIndex>>8
	s.wLength = s.wLength<<8 | s.wLength>>8
}

// bytes renders the USB-wire SETUP packet byte layout
// usb.ParseSetupData expects, from the pre-parsed struct the hardware
// leaves behind.
func (s *SetupData) bytes() []byte {
	b := make([]byte, 8)
	b[0] = s.bRequestType
	b[1] = s.bRequest
	b[2] = byte(s.wValue)
	b[3] = byte(s.wValue >> 8)
	b[4] = byte(s.wIndex)
	b[5] = byte(s.wIndex >> 8)
	b[6] = byte(s.wLength)
	b[7] = byte(s.wLength >> 8)
	return b
}

// deviceMode brings the controller up in device-only mode and primes EP0,
// generalizing the board bring-up formerly done once by a *Device-specific
// DeviceMode/Start pair in this package's earlier ECM-only incarnation.
func (hw *USB) deviceMode() {
	hw.Lock()
	defer hw.Unlock()

	if hw.deviceModeOnce {
		return
	}

	log.Printf("imx6_usb: resetting")
	reg.Set(hw.cmd, USBCMD_RST)
	reg.Wait(hw.cmd, USBCMD_RST, 0b1, 0)

	m := reg.Read(hw.mode)
	m = (m &^ uint32(0b11<<USBMODE_CM)) | (USBMODE_CM_DEVICE << USBMODE_CM)
	m |= 1 << USBMODE_SLOM
	m &^= 1 << USBMODE_SDIS
	reg.Write(hw.mode, m)
	reg.Wait(hw.mode, USBMODE_CM, 0b11, USBMODE_CM_DEVICE)

	hw.initEP()
	reg.Write(hw.eplist, reg.Read(hw.eplist))

	hw.setEP(0, IN, 64, false, 0)
	hw.setEP(0, OUT, 64, false, 0)

	reg.Set(hw.otg, OTGSC_OT)
	reg.Write(hw.sts, 0xffffffff)
	reg.Set(hw.cmd, USBCMD_RS)

	hw.deviceModeOnce = true
}

// EnableEP implements usb.Controller: it records fn and, for every
// endpoint but EP0, spawns the same rx/Function/tx or Function/tx pumping
// loop the original endpointHandler ran per descriptor, adapted to run
// off the Controller-facing registration instead of a *Device walk. EP0
// runs its own loop (controlLoop) since the control transfer's SETUP
// stage has no counterpart on any other endpoint.
func (hw *USB) EnableEP(number, dir, transferType int, maxPacketSize uint16, fn usb.EndpointFunction) {
	hw.deviceMode()

	hw.Lock()
	hw.endpoints[number][dir] = &endpointState{fn: fn, transferType: transferType, maxPacketSize: maxPacketSize}
	hw.Unlock()

	if number == 0 {
		go hw.controlLoop()
		return
	}

	log.Printf("imx6_usb: enabling EP%d.%d", number, dir)
	hw.setEP(number, dir, int(maxPacketSize), true, 0)
	hw.enable(number, dir, transferType)

	go hw.dataLoop(number, dir)
}

// Stall implements usb.Controller.
func (hw *USB) Stall(number, dir int) {
	hw.Lock()
	defer hw.Unlock()
	hw.stall(number, dir)
}

// Reset implements usb.Controller, wrapping the blocking hardware
// bus-reset wait in a channel so callers (usbnet.Link) can select on it
// instead of blocking a whole goroutine on it directly.
func (hw *USB) Reset() <-chan struct{} {
	c := make(chan struct{})

	go func() {
		for {
			hw.waitForReset()
			c <- struct{}{}
		}
	}()

	return c
}

// waitForReset is the blocking bus-reset handler formerly exported as
// USB.Reset before that name was claimed by the channel-returning
// Controller method above.
func (hw *USB) waitForReset() {
	hw.Lock()
	defer hw.Unlock()

	reg.Wait(hw.sts, USBSTS_URI, 1, 1)

	reg.WriteBack(hw.setup)
	reg.WriteBack(hw.complete)
	reg.Write(hw.flush, 0xffffffff)

	reg.Wait(hw.sc, PORTSC_PR, 1, 0)

	reg.Or(hw.sts, (1<<USBSTS_URI | 1<<USBSTS_UI))
}

// getSetup reads the EP0 OUT queue head's hardware-filled Setup field and
// returns it as raw SETUP-stage bytes, following the tripwire protocol of
// p3801, 56.4.6.4.2.1 Setup Phase, IMX6ULLRM.
func (hw *USB) getSetup() []byte {
	hw.Lock()
	defer hw.Unlock()

	reg.Set(hw.setup, 0)
	reg.Set(hw.cmd, USBCMD_SUTW)

	for reg.Get(hw.cmd, USBCMD_SUTW, 0b1) == 0 {
		reg.Set(hw.cmd, USBCMD_SUTW)
	}

	reg.Clear(hw.cmd, USBCMD_SUTW)
	reg.Set(hw.flush, ENDPTFLUSH_FETB+0)
	reg.Set(hw.flush, ENDPTFLUSH_FERB+0)

	dqh := hw.getEP(0, OUT)
	s := dqh.Setup
	s.swap()

	return s.bytes()
}

// controlLoop drives EP0: read the SETUP (and, for a write request, the
// OUT data stage), hand it to the registered EndpointFunction, and send
// whatever it returns as the IN data stage — a status-stage ack follows
// automatically for OUT requests as tx already does for n == 0.
func (hw *USB) controlLoop() {
	for {
		runtime.Gosched()

		hw.Lock()
		ep := hw.endpoints[0][0]
		hw.Unlock()

		if ep == nil || ep.fn == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		setup := hw.getSetup()

		in, err := ep.fn(setup, nil)
		if err != nil {
			log.Printf("imx6_usb: EP0 control error, %v", err)
			continue
		}

		if err := hw.tx(0, false, in); err != nil {
			log.Printf("imx6_usb: EP0 reply error, %v", err)
		}
	}
}

// dataLoop pumps a single bulk/interrupt endpoint, exactly as
// endpointHandler's OUT/IN split did: OUT reads hardware bytes into fn,
// IN asks fn for bytes and writes them out.
func (hw *USB) dataLoop(number, dir int) {
	for {
		runtime.Gosched()

		hw.Lock()
		ep := hw.endpoints[number][dir]
		hw.Unlock()

		if ep == nil || ep.fn == nil {
			return
		}

		if dir == OUT {
			out, err := hw.rx(number, true, nil)
			if err != nil {
				log.Printf("imx6_usb: EP%d.OUT transfer error, %v", number, err)
				continue
			}

			if _, err := ep.fn(out, err); err != nil {
				log.Printf("imx6_usb: EP%d.OUT handler error, %v", number, err)
			}
		} else {
			in, err := ep.fn(nil, nil)
			if err != nil {
				log.Printf("imx6_usb: EP%d.IN handler error, %v", number, err)
				continue
			}

			if in == nil {
				runtime.Gosched()
				continue
			}

			if err := hw.tx(number, true, in); err != nil {
				log.Printf("imx6_usb: EP%d.IN transfer error, %v", number, err)
			}
		}
	}
}
