// USB descriptor support for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb implements the USB descriptor framework (device,
// configuration, interface association, interface, endpoint, string) and
// the Controller boundary behind which the hardware device-controller
// driver lives, treated as a black box per spec.md §1. usbnet is built
// entirely against Controller and the descriptor types here; it has no
// hardware dependency of its own.
package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unicode/utf16"
)

const (
	DeviceDescriptorLength      = 18
	ConfigurationDescriptorLength = 9
	InterfaceAssociationLength  = 8
	InterfaceDescriptorLength   = 9
	EndpointDescriptorLength    = 7
	DeviceQualifierLength       = 10
)

// p279, Table 9-5. Descriptor Types, USB Specification Revision 2.0
const (
	DescriptorDevice                  = 0x01
	DescriptorConfiguration           = 0x02
	DescriptorString                  = 0x03
	DescriptorInterface                = 0x04
	DescriptorEndpoint                 = 0x05
	DescriptorDeviceQualifier          = 0x06
	DescriptorOtherSpeedConfiguration = 0x07
	DescriptorInterfacePower          = 0x08
	DescriptorInterfaceAssociation    = 0x0b
)

// DeviceDescriptor implements p290, Table 9-8, USB Specification Rev. 2.0.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults initializes default values for the USB device descriptor.
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = DeviceDescriptorLength
	d.DescriptorType = DescriptorDevice
	d.BcdUSB = 0x0200
	d.MaxPacketSize = 64
	// multi-function composite device, per-interface class at IAD level
	d.DeviceClass = 0xef
	d.DeviceSubClass = 0x02
	d.DeviceProtocol = 0x01
	d.NumConfigurations = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor implements p293, Table 9-10, USB Spec Rev. 2.0.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []*InterfaceDescriptor
}

// SetDefaults initializes default values for the USB configuration descriptor.
func (d *ConfigurationDescriptor) SetDefaults() {
	d.Length = ConfigurationDescriptorLength
	d.DescriptorType = DescriptorConfiguration
	d.ConfigurationValue = 1
	d.Attributes = 0xc0
	d.MaxPower = 250
}

// Bytes converts the 9-byte configuration descriptor itself to byte array
// format, with bNumInterfaces taken from len(Interfaces). The interface,
// IAD and endpoint descriptors are appended by Device.Configuration.
func (d *ConfigurationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.TotalLength)
	binary.Write(buf, binary.LittleEndian, uint8(len(d.Interfaces)))
	binary.Write(buf, binary.LittleEndian, d.ConfigurationValue)
	binary.Write(buf, binary.LittleEndian, d.Configuration)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPower)

	return buf.Bytes()
}

// InterfaceAssociationDescriptor groups the interfaces of a single function
// (RNDIS or CDC-ECM) so Windows and Linux bind one driver across them,
// p425, USB Interface Association Descriptor ECN.
type InterfaceAssociationDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	Function         uint8
}

// SetDefaults initializes default values for the IAD.
func (d *InterfaceAssociationDescriptor) SetDefaults() {
	d.Length = InterfaceAssociationLength
	d.DescriptorType = DescriptorInterfaceAssociation
	d.InterfaceCount = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *InterfaceAssociationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// EndpointFunction processes either IN or OUT transfers depending on the
// endpoint's configured direction.
//
// On OUT transfers the function receives host data in out; its return
// value is ignored. On IN transfers the function returns the next slice to
// transmit to the host; it is invoked by the Controller each time the
// endpoint needs new data queued.
type EndpointFunction func(out []byte, lastErr error) (in []byte, err error)

// EndpointDescriptor implements p297, Table 9-13, USB Spec Rev. 2.0.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8

	Function EndpointFunction

	sync.Mutex
	enabled bool
}

// SetDefaults initializes default values for the USB endpoint descriptor.
func (d *EndpointDescriptor) SetDefaults() {
	d.Length = EndpointDescriptorLength
	d.DescriptorType = DescriptorEndpoint
}

// Number returns the endpoint number.
func (d *EndpointDescriptor) Number() int {
	return int(d.EndpointAddress & 0b1111)
}

// Direction returns the endpoint direction (0 OUT, 1 IN).
func (d *EndpointDescriptor) Direction() int {
	return int(d.EndpointAddress&0b10000000) / 0b10000000
}

// TransferType returns the endpoint transfer type.
func (d *EndpointDescriptor) TransferType() int {
	return int(d.Attributes & 0b11)
}

// Bytes converts the descriptor structure to byte array format.
func (d *EndpointDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.EndpointAddress)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPacketSize)
	binary.Write(buf, binary.LittleEndian, d.Interval)

	return buf.Bytes()
}

// InterfaceDescriptor implements p296, Table 9-12, USB Spec Rev. 2.0.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	// IAD, when set, is emitted immediately before this interface in the
	// configuration descriptor's byte stream — it must be the first
	// interface of the function it groups.
	IAD *InterfaceAssociationDescriptor

	Endpoints        []*EndpointDescriptor
	ClassDescriptors [][]byte
}

// SetDefaults initializes default values for the USB interface descriptor.
func (d *InterfaceDescriptor) SetDefaults() {
	d.Length = InterfaceDescriptorLength
	d.DescriptorType = DescriptorInterface
}

// Bytes converts the descriptor structure, its class-specific descriptors
// and its IAD (if any — the IAD precedes the interface bytes) to byte
// array format. Endpoints are emitted by the caller (Device.Configuration
// walks them separately) to match the order the host expects.
func (d *InterfaceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	if d.IAD != nil {
		buf.Write(d.IAD.Bytes())
	}

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.InterfaceNumber)
	binary.Write(buf, binary.LittleEndian, d.AlternateSetting)
	binary.Write(buf, binary.LittleEndian, uint8(len(d.Endpoints)))
	binary.Write(buf, binary.LittleEndian, d.InterfaceClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceSubClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceProtocol)
	binary.Write(buf, binary.LittleEndian, d.Interface)

	for _, classDesc := range d.ClassDescriptors {
		buf.Write(classDesc)
	}

	return buf.Bytes()
}

// StringDescriptor implements p273, 9.6.7 String, USB Spec Rev. 2.0.
type StringDescriptor struct {
	Length         uint8
	DescriptorType uint8
}

// SetDefaults initializes default values for the USB string descriptor.
func (d *StringDescriptor) SetDefaults() {
	d.Length = 2
	d.DescriptorType = DescriptorString
}

// Bytes converts the descriptor structure to byte array format.
func (d *StringDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	return buf.Bytes()
}

// DeviceQualifierDescriptor implements p292, 9.6.2, USB Spec Rev. 2.0.
type DeviceQualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	NumConfigurations uint8
	Reserved          uint8
}

// SetDefaults initializes default values for the device qualifier descriptor.
func (d *DeviceQualifierDescriptor) SetDefaults() {
	d.Length = DeviceQualifierLength
	d.DescriptorType = DescriptorDeviceQualifier
	d.BcdUSB = 0x0200
	d.MaxPacketSize = 64
	d.NumConfigurations = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *DeviceQualifierDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// MSOSStringIndex is the fixed string-descriptor index ("0xEE descriptor")
// Windows probes for on every USB device to discover Microsoft OS
// Descriptor support, per the Microsoft OS Descriptors 1.0 specification.
const MSOSStringIndex = 0xee

// msOSExtendedCompatID is the wIndex value identifying an Extended Compat
// ID feature descriptor in the vendor request Windows issues after reading
// the 0xEE string descriptor.
const msOSExtendedCompatID = 0x0004

// CompatibleIDFunction names the compatible ID Windows should bind a driver
// against for one interface, reported in the Extended Compat ID descriptor
// (e.g. RNDIS/5162001, so Windows loads its inbox RNDIS driver without an
// INF file).
type CompatibleIDFunction struct {
	FirstInterface  uint8
	CompatibleID    string
	SubCompatibleID string
}

// Device is a collection of USB device descriptors and host-driven
// settings representing one composite USB device.
type Device struct {
	Descriptor     *DeviceDescriptor
	Qualifier      *DeviceQualifierDescriptor
	Configurations []*ConfigurationDescriptor
	Strings        [][]byte

	// MSVendorCode is the vendor bRequest Windows is told (via the 0xEE
	// string descriptor) to use for Microsoft OS Descriptor vendor
	// requests. Zero means no Microsoft OS Descriptor support is
	// advertised.
	MSVendorCode uint8
	// MSOSString holds the pre-built 0xEE string descriptor bytes, set
	// by SetMSOSStringDescriptor.
	MSOSString []byte
	// CompatibleIDs lists the functions reported by the Extended Compat
	// ID descriptor.
	CompatibleIDs []CompatibleIDFunction

	// Host requested settings
	ConfigurationValue uint8
	AlternateSetting   uint8
}

func (d *Device) setStringDescriptor(s []byte, zero bool) (uint8, error) {
	desc := &StringDescriptor{}
	desc.SetDefaults()
	desc.Length += uint8(len(s))

	if desc.Length > 255 {
		return 0, fmt.Errorf("string descriptor size (%d) cannot exceed 255", desc.Length)
	}

	buf := append(desc.Bytes(), s...)

	if zero && len(d.Strings) >= 1 {
		d.Strings[0] = buf
	} else {
		d.Strings = append(d.Strings, buf)
	}

	return uint8(len(d.Strings) - 1), nil
}

// SetLanguageCodes configures String Descriptor Zero's language codes.
func (d *Device) SetLanguageCodes(codes []uint16) error {
	if len(codes) > 1 {
		return fmt.Errorf("only a single language is currently supported")
	}

	var buf []byte
	for _, c := range codes {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, c)
		buf = append(buf, b...)
	}

	_, err := d.setStringDescriptor(buf, true)
	return err
}

// AddString adds a UTF-16LE string descriptor, returning its index for use
// in other descriptors' string-index fields.
func (d *Device) AddString(s string) (uint8, error) {
	u := utf16.Encode([]rune(s))

	buf := make([]byte, 0, len(u)*2)
	for _, c := range u {
		buf = append(buf, byte(c), byte(c>>8))
	}

	return d.setStringDescriptor(buf, false)
}

// Configuration converts the device configuration hierarchy to a buffer,
// as expected by GET_DESCRIPTOR for the configuration descriptor type.
func (d *Device) Configuration(index uint16, length uint16) ([]byte, error) {
	if int(index+1) > len(d.Configurations) {
		return nil, errors.New("invalid configuration index")
	}

	conf := d.Configurations[int(index)]
	buf := append([]byte{}, conf.Bytes()...)

	for _, iface := range conf.Interfaces {
		buf = append(buf, iface.Bytes()...)

		for _, ep := range iface.Endpoints {
			buf = append(buf, ep.Bytes()...)
		}
	}

	if int(length) > len(buf) || int(length) <= len(conf.Bytes()) {
		return buf, nil
	}

	return buf[:length], nil
}

// SetMSOSStringDescriptor builds the fixed 0xEE string descriptor
// ("MSFT100" signature plus vendorCode) Windows reads to discover
// Microsoft OS Descriptor support, storing the result directly in
// d.MSOSString — it bypasses the sequential indexing setStringDescriptor
// uses since 0xEE is a fixed index, never one of d.Strings' slots.
func (d *Device) SetMSOSStringDescriptor(vendorCode uint8) {
	d.MSVendorCode = vendorCode

	u := utf16.Encode([]rune("MSFT100"))

	buf := make([]byte, 0, len(u)*2+1)
	for _, c := range u {
		buf = append(buf, byte(c), byte(c>>8))
	}
	buf = append(buf, vendorCode)

	desc := &StringDescriptor{}
	desc.SetDefaults()
	desc.Length += uint8(len(buf))

	d.MSOSString = append(desc.Bytes(), buf...)
}

// padASCII right-pads s with zero bytes to n bytes, truncating if s is
// longer, matching the fixed-width ASCII fields of the Extended Compat ID
// descriptor.
func padASCII(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

// ExtendedCompatIDDescriptor builds the Extended Compat ID feature
// descriptor Windows requests (wIndex 0x0004) once it has read the 0xEE
// string descriptor, naming the compatible ID for each function in
// d.CompatibleIDs, per the Microsoft OS Descriptors 1.0 specification.
func (d *Device) ExtendedCompatIDDescriptor() []byte {
	buf := new(bytes.Buffer)

	dwLength := uint32(16 + 24*len(d.CompatibleIDs))

	binary.Write(buf, binary.LittleEndian, dwLength)
	binary.Write(buf, binary.LittleEndian, uint16(0x0100)) // bcdVersion
	binary.Write(buf, binary.LittleEndian, uint16(msOSExtendedCompatID))
	binary.Write(buf, binary.LittleEndian, uint8(len(d.CompatibleIDs)))
	buf.Write(make([]byte, 7)) // reserved

	for _, f := range d.CompatibleIDs {
		binary.Write(buf, binary.LittleEndian, f.FirstInterface)
		binary.Write(buf, binary.LittleEndian, uint8(0x01)) // reserved
		buf.Write(padASCII(f.CompatibleID, 8))
		buf.Write(padASCII(f.SubCompatibleID, 8))
		buf.Write(make([]byte, 6)) // reserved
	}

	return buf.Bytes()
}
