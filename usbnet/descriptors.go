// USB descriptor assembly for the netdev6 composite network gadget
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbnet

import (
	"strings"

	"github.com/usbarmory/netdev6/usb"
)

// p66, USB Class Definitions for Communications Devices 1.2
const (
	classCDC = 0x02
	// subclassECM is reported at the function (IAD) and control-interface
	// level, per usbnet_descriptors.c's combined ECM+RNDIS layout; the
	// control interface's NCM functional descriptor is still present
	// underneath, but the advertised subclass is ECM's (0x06), not NCM's.
	subclassECM  = 0x06
	classCDCData = 0x0a

	// p171, Table 36, Microsoft RNDIS over USB
	classVendor       = 0xef
	subclassRNDIS     = 0x04
	protocolRNDIS     = 0x01
)

// BuildNetworkInterfaces assembles the CDC control + data interface pair
// that speaks both raw CDC-ECM framing and CDC-NCM framing, grounded on
// cdcncm_descriptors.c's interface layout (control interface carries the
// Header + NCM + Ethernet-Networking + Union functional descriptors,
// data interface carries the bulk IN/OUT endpoints). The data interface
// is described by a single descriptor with alternate setting 1; no
// altsetting-0 (no endpoints) descriptor is emitted. firstInterface is the
// interface number assigned to the control interface; the data
// interface immediately follows it.
func (l *Link) BuildNetworkInterfaces(device *usb.Device, firstInterface uint8, macString string) (control, data *usb.InterfaceDescriptor) {
	control = &usb.InterfaceDescriptor{}
	control.SetDefaults()
	control.InterfaceNumber = firstInterface
	control.NumEndpoints = 1
	control.InterfaceClass = classCDC
	control.InterfaceSubClass = subclassECM

	iInterface, _ := device.AddString("CDC Ethernet/NCM Control Model")
	control.Interface = iInterface

	control.IAD = &usb.InterfaceAssociationDescriptor{}
	control.IAD.SetDefaults()
	control.IAD.FirstInterface = firstInterface
	control.IAD.InterfaceCount = 2
	control.IAD.FunctionClass = control.InterfaceClass
	control.IAD.FunctionSubClass = control.InterfaceSubClass

	iFunction, _ := device.AddString("CDC")
	control.IAD.Function = iFunction

	header := &usb.CDCHeaderDescriptor{}
	header.SetDefaults()
	control.ClassDescriptors = append(control.ClassDescriptors, header.Bytes())

	ncmDesc := &cdcNCMDescriptor{}
	ncmDesc.SetDefaults()
	control.ClassDescriptors = append(control.ClassDescriptors, ncmDesc.Bytes())

	ethernet := &usb.CDCEthernetDescriptor{}
	ethernet.SetDefaults()
	iMacAddress, _ := device.AddString(strings.ToUpper(macString))
	ethernet.MacAddress = iMacAddress
	control.ClassDescriptors = append(control.ClassDescriptors, ethernet.Bytes())

	union := &usb.CDCUnionDescriptor{}
	union.SetDefaults()
	union.MasterInterface = firstInterface
	union.SlaveInterface0 = firstInterface + 1
	control.ClassDescriptors = append(control.ClassDescriptors, union.Bytes())

	epStatus := &usb.EndpointDescriptor{}
	epStatus.SetDefaults()
	epStatus.EndpointAddress = 0x83
	epStatus.Attributes = 3
	epStatus.MaxPacketSize = 16
	epStatus.Interval = 100
	epStatus.Function = l.ECMControl
	control.Endpoints = append(control.Endpoints, epStatus)

	data = &usb.InterfaceDescriptor{}
	data.SetDefaults()
	data.InterfaceNumber = firstInterface + 1
	data.AlternateSetting = 1
	data.NumEndpoints = 2
	data.InterfaceClass = classCDCData

	iData, _ := device.AddString("CDC Data")
	data.Interface = iData

	epOut := &usb.EndpointDescriptor{}
	epOut.SetDefaults()
	epOut.EndpointAddress = 0x02
	epOut.Attributes = 2
	epOut.MaxPacketSize = USBPacketSize
	epOut.Function = l.dataRx
	data.Endpoints = append(data.Endpoints, epOut)

	epIn := &usb.EndpointDescriptor{}
	epIn.SetDefaults()
	epIn.EndpointAddress = 0x82
	epIn.Attributes = 2
	epIn.MaxPacketSize = USBPacketSize
	epIn.Function = l.dataTx
	data.Endpoints = append(data.Endpoints, epIn)

	return
}

// dataRx dispatches the data OUT endpoint to ECM or NCM reassembly
// depending on whether the host has ever queried GET_NTB_PARAMETERS
// (see ClassRequest): a host that never does so is a plain ECM driver
// sending raw Ethernet frames, one that does is a CDC-NCM driver
// sending NTH16/NDP16-wrapped NTBs.
func (l *Link) dataRx(out []byte, lastErr error) ([]byte, error) {
	if l.queriedNTB {
		return l.NCMRx(out, lastErr)
	}
	return l.ECMRx(out, lastErr)
}

func (l *Link) dataTx(out []byte, lastErr error) ([]byte, error) {
	if l.queriedNTB {
		return l.NCMTx(out, lastErr)
	}
	return l.ECMTx(out, lastErr)
}

// cdcNCMDescriptor implements Table 5-2, NCM Functional Descriptor,
// USB CDC NCM 1.0 — kept local to this package since it is specific to
// the NCM function and has no other caller, unlike the descriptors in
// package usb shared across functions.
type cdcNCMDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	NcmVersion        uint16
	NetworkCapabilities uint8
}

func (d *cdcNCMDescriptor) SetDefaults() {
	d.Length = 6
	d.DescriptorType = usb.CS_INTERFACE
	d.DescriptorSubType = 0x1a
	d.NcmVersion = 0x0100
}

func (d *cdcNCMDescriptor) Bytes() []byte {
	b := make([]byte, 6)
	b[0] = d.Length
	b[1] = d.DescriptorType
	b[2] = d.DescriptorSubType
	b[3] = byte(d.NcmVersion)
	b[4] = byte(d.NcmVersion >> 8)
	b[5] = d.NetworkCapabilities
	return b
}

// BuildRNDISInterface assembles the single vendor-class RNDIS interface,
// grounded on usbnet.c's RNDIS endpoint/altsetting wiring: interrupt IN
// for RESPONSE_AVAILABLE notifications, bulk IN/OUT for the encapsulated
// Ethernet frames.
func (l *Link) BuildRNDISInterface(device *usb.Device, interfaceNumber uint8) (iface *usb.InterfaceDescriptor) {
	iface = &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceNumber = interfaceNumber
	iface.NumEndpoints = 3
	iface.InterfaceClass = classVendor
	iface.InterfaceSubClass = subclassRNDIS
	iface.InterfaceProtocol = protocolRNDIS

	iInterface, _ := device.AddString("RNDIS Communications Control")
	iface.Interface = iInterface

	iface.IAD = &usb.InterfaceAssociationDescriptor{}
	iface.IAD.SetDefaults()
	iface.IAD.FirstInterface = interfaceNumber
	iface.IAD.InterfaceCount = 1
	iface.IAD.FunctionClass = iface.InterfaceClass
	iface.IAD.FunctionSubClass = iface.InterfaceSubClass
	iface.IAD.FunctionProtocol = iface.InterfaceProtocol

	iFunction, _ := device.AddString("RNDIS")
	iface.IAD.Function = iFunction

	epIrq := &usb.EndpointDescriptor{}
	epIrq.SetDefaults()
	epIrq.EndpointAddress = 0x84
	epIrq.Attributes = 3
	epIrq.MaxPacketSize = 8
	epIrq.Interval = 100
	epIrq.Function = l.rndisNotify
	iface.Endpoints = append(iface.Endpoints, epIrq)

	epOut := &usb.EndpointDescriptor{}
	epOut.SetDefaults()
	epOut.EndpointAddress = 0x03
	epOut.Attributes = 2
	epOut.MaxPacketSize = USBPacketSize
	epOut.Function = l.RNDISRx
	iface.Endpoints = append(iface.Endpoints, epOut)

	epIn := &usb.EndpointDescriptor{}
	epIn.SetDefaults()
	epIn.EndpointAddress = 0x85
	epIn.Attributes = 2
	epIn.MaxPacketSize = USBPacketSize
	epIn.Function = l.RNDISTx
	iface.Endpoints = append(iface.Endpoints, epIn)

	return
}
