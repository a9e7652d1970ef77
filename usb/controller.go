// USB Controller boundary and standard request dispatch for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"encoding/binary"
	"errors"
)

// p279, Table 9-4. Standard Request Codes, USB Specification Revision 2.0
const (
	GET_STATUS        = 0
	CLEAR_FEATURE     = 1
	SET_FEATURE       = 3
	SET_ADDRESS       = 5
	GET_DESCRIPTOR    = 6
	SET_DESCRIPTOR    = 7
	GET_CONFIGURATION = 8
	SET_CONFIGURATION = 9
	GET_INTERFACE     = 10
	SET_INTERFACE     = 11
	SYNCH_FRAME       = 12
)

// p280, Table 9-5 bmRequestType direction/type/recipient bit layout
const (
	RequestDirectionMask = 0b10000000
	RequestTypeMask      = 0b01100000
	RequestTypeClass     = 0b00100000
	RequestTypeVendor    = 0b01000000
	RequestRecipientMask = 0b00011111
)

// SetupData implements p288, Table 9-2. Format of Setup Data, USB
// Specification Revision 2.0.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupData unmarshals the 8-byte SETUP packet.
func ParseSetupData(b []byte) (s SetupData, err error) {
	if len(b) < 8 {
		return s, errors.New("short setup packet")
	}

	s.RequestType = b[0]
	s.Request = b[1]
	s.Value = binary.LittleEndian.Uint16(b[2:4])
	s.Index = binary.LittleEndian.Uint16(b[4:6])
	s.Length = binary.LittleEndian.Uint16(b[6:8])

	return s, nil
}

// IsIn reports whether the SETUP packet requests a device-to-host
// transfer.
func (s SetupData) IsIn() bool {
	return s.RequestType&RequestDirectionMask != 0
}

// IsClass reports whether the SETUP packet is a class-specific request
// (SEND_ENCAPSULATED_COMMAND, GET_ENCAPSULATED_RESPONSE, the various
// CDC-ECM/NCM set/get requests).
func (s SetupData) IsClass() bool {
	return s.RequestType&RequestTypeMask == RequestTypeClass
}

// IsVendor reports whether the SETUP packet is a vendor-specific request —
// the Microsoft OS Descriptor Extended Compat ID query Windows issues using
// Device.MSVendorCode as bRequest.
func (s SetupData) IsVendor() bool {
	return s.RequestType&RequestTypeMask == RequestTypeVendor
}

// Controller is the boundary behind which the hardware USB device
// controller driver lives. It is out of spec scope (a black box):
// usbnet, and this package's standard-request dispatch, are written
// entirely against this interface so they carry no dependency on any
// particular SoC's USB IP.
type Controller interface {
	// EnableEP configures an endpoint for transfer according to dir (0
	// OUT, 1 IN) and transferType (0 control, 1 isochronous, 2 bulk, 3
	// interrupt), and installs fn as its per-transfer handler.
	EnableEP(number int, dir int, transferType int, maxPacketSize uint16, fn EndpointFunction)
	// Stall asserts a protocol STALL on the given endpoint/direction, the
	// standard way to reject an unsupported or malformed control request.
	Stall(number int, dir int)
	// Reset returns the channel the controller signals on each USB bus
	// reset, so upper layers can drop link state (see usbnet.Link).
	Reset() <-chan struct{}
}

// StandardRequest dispatches a standard (non-class, non-vendor) SETUP
// request against dev, generalizing imx6/usb/setup.go's doSetup switch
// to the abstract Controller. Class requests (CDC-ECM/NCM/RNDIS) are
// handled by usbnet and never reach this function — the caller must
// check SetupData.IsClass() first and route class requests to the link
// layer's ClassRequest handler instead.
func StandardRequest(dev *Device, setup SetupData) (reply []byte, stall bool) {
	switch setup.Request {
	case GET_DESCRIPTOR:
		return handleGetDescriptor(dev, setup)
	case SET_ADDRESS:
		// address switch is applied by the Controller itself after the
		// status stage; nothing to do at this layer.
		return nil, false
	case SET_CONFIGURATION:
		dev.ConfigurationValue = uint8(setup.Value)
		return nil, false
	case GET_CONFIGURATION:
		return []byte{dev.ConfigurationValue}, false
	case GET_INTERFACE:
		return []byte{dev.AlternateSetting}, false
	case SET_INTERFACE:
		dev.AlternateSetting = uint8(setup.Value)
		return nil, false
	case GET_STATUS:
		return []byte{0x00, 0x00}, false
	case CLEAR_FEATURE, SET_FEATURE:
		return nil, false
	default:
		return nil, true
	}
}

func handleGetDescriptor(dev *Device, setup SetupData) (reply []byte, stall bool) {
	descType := uint8(setup.Value >> 8)
	descIndex := uint8(setup.Value)

	switch descType {
	case DescriptorDevice:
		return dev.Descriptor.Bytes(), false
	case DescriptorDeviceQualifier:
		if dev.Qualifier == nil {
			return nil, true
		}
		return dev.Qualifier.Bytes(), false
	case DescriptorConfiguration, DescriptorOtherSpeedConfiguration:
		buf, err := dev.Configuration(uint16(descIndex), setup.Length)
		if err != nil {
			return nil, true
		}
		return buf, false
	case DescriptorString:
		if descIndex == MSOSStringIndex && dev.MSOSString != nil {
			buf := dev.MSOSString
			if int(setup.Length) < len(buf) {
				buf = buf[:setup.Length]
			}
			return buf, false
		}
		if int(descIndex) >= len(dev.Strings) {
			return nil, true
		}
		buf := dev.Strings[descIndex]
		if int(setup.Length) < len(buf) {
			buf = buf[:setup.Length]
		}
		return buf, false
	default:
		return nil, true
	}
}

// handleMSVendorRequest answers the Microsoft OS Descriptor vendor request
// Windows sends (using Device.MSVendorCode as bRequest) after reading the
// 0xEE string descriptor, dispatching on wIndex — only the Extended Compat
// ID query (0x0004) is supported, matching what dev.CompatibleIDs reports.
func handleMSVendorRequest(dev *Device, setup SetupData) (reply []byte, stall bool) {
	if setup.Index != msOSExtendedCompatID {
		return nil, true
	}

	buf := dev.ExtendedCompatIDDescriptor()
	if int(setup.Length) < len(buf) {
		buf = buf[:setup.Length]
	}

	return buf, false
}
