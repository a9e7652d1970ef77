// USB CDC functional descriptor support for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
)

// p66, Table 13, USB Class Definitions for Communications Devices 1.2
const (
	CS_INTERFACE = 0x24
)

// p67, Table 14, USB CDC 1.2
const (
	CDCHeaderType                     = 0x00
	CDCUnionType                      = 0x06
	CDCEthernetNetworkingFunctionType = 0x0f
)

// p16, Table 9.6.1.1, MDLM spec / p104, Table 5-2, RNDIS over USB
const (
	// maximum segment size advertised in the CDC Ethernet Networking
	// Functional Descriptor — matches the NCM/RNDIS MTU (1500 payload
	// plus the 14-byte Ethernet header).
	MaxSegmentSize = 1514
)

// CDCHeaderDescriptor implements p67, Table 15, USB CDC 1.2.
type CDCHeaderDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	CDC               uint16
}

// SetDefaults initializes default values for the CDC header descriptor.
func (d *CDCHeaderDescriptor) SetDefaults() {
	d.Length = 5
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = CDCHeaderType
	d.CDC = 0x0110
}

// Bytes converts the descriptor structure to byte array format.
func (d *CDCHeaderDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// CDCUnionDescriptor implements p68, Table 16, USB CDC 1.2.
type CDCUnionDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	MasterInterface   uint8
	SlaveInterface0   uint8
}

// SetDefaults initializes default values for the CDC union descriptor.
func (d *CDCUnionDescriptor) SetDefaults() {
	d.Length = 5
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = CDCUnionType
}

// Bytes converts the descriptor structure to byte array format.
func (d *CDCUnionDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// CDCEthernetDescriptor implements p69, Table 17, USB CDC 1.2 (Ethernet
// Networking Functional Descriptor), used by the CDC-ECM function only —
// RNDIS advertises its MTU/address through OIDs instead.
type CDCEthernetDescriptor struct {
	Length              uint8
	DescriptorType      uint8
	DescriptorSubType   uint8
	MacAddress          uint8
	EthernetStatistics  uint32
	MaxSegmentSize      uint16
	NumberMCFilters     uint16
	NumberPowerFilters  uint8
}

// SetDefaults initializes default values for the CDC Ethernet descriptor.
func (d *CDCEthernetDescriptor) SetDefaults() {
	d.Length = 13
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = CDCEthernetNetworkingFunctionType
	d.MaxSegmentSize = MaxSegmentSize
}

// Bytes converts the descriptor structure to byte array format.
func (d *CDCEthernetDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}
