package usb

import (
	"encoding/binary"
	"testing"
)

func TestDeviceDescriptorBytesLength(t *testing.T) {
	d := &DeviceDescriptor{}
	d.SetDefaults()

	b := d.Bytes()
	if len(b) != DeviceDescriptorLength {
		t.Fatalf("length = %d, want %d", len(b), DeviceDescriptorLength)
	}
	if b[0] != DeviceDescriptorLength || b[1] != DescriptorDevice {
		t.Fatalf("unexpected header bytes: %x", b[:2])
	}
}

func TestInterfaceAssociationDescriptorBytes(t *testing.T) {
	iad := &InterfaceAssociationDescriptor{}
	iad.SetDefaults()
	iad.FirstInterface = 2
	iad.InterfaceCount = 2
	iad.FunctionClass = 0xef
	iad.FunctionSubClass = 0x04
	iad.FunctionProtocol = 0x01

	b := iad.Bytes()
	if len(b) != InterfaceAssociationLength {
		t.Fatalf("length = %d, want %d", len(b), InterfaceAssociationLength)
	}
	if b[1] != DescriptorInterfaceAssociation {
		t.Fatalf("descriptor type = %#x, want %#x", b[1], DescriptorInterfaceAssociation)
	}
	if b[2] != 2 || b[3] != 2 {
		t.Fatalf("unexpected interface range bytes: %x", b[2:4])
	}
}

func TestInterfaceBytesIncludesIADFirst(t *testing.T) {
	iface := &InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceNumber = 2

	iad := &InterfaceAssociationDescriptor{}
	iad.SetDefaults()
	iad.FirstInterface = 2
	iface.IAD = iad

	b := iface.Bytes()
	if len(b) != InterfaceAssociationLength+InterfaceDescriptorLength {
		t.Fatalf("length = %d, want %d", len(b), InterfaceAssociationLength+InterfaceDescriptorLength)
	}
	if b[1] != DescriptorInterfaceAssociation {
		t.Fatalf("expected IAD to precede the interface descriptor, got type %#x first", b[1])
	}
	if b[InterfaceAssociationLength+1] != DescriptorInterface {
		t.Fatalf("expected interface descriptor after IAD")
	}
}

func TestConfigurationDescriptorAssemblesInterfacesAndEndpoints(t *testing.T) {
	dev := &Device{}
	dev.Descriptor = &DeviceDescriptor{}
	dev.Descriptor.SetDefaults()

	conf := &ConfigurationDescriptor{}
	conf.SetDefaults()

	iface := &InterfaceDescriptor{}
	iface.SetDefaults()

	ep := &EndpointDescriptor{}
	ep.SetDefaults()
	ep.EndpointAddress = 0x81
	ep.Attributes = 2
	ep.MaxPacketSize = 512

	iface.Endpoints = append(iface.Endpoints, ep)
	conf.Interfaces = append(conf.Interfaces, iface)
	conf.TotalLength = ConfigurationDescriptorLength + InterfaceDescriptorLength + EndpointDescriptorLength

	dev.Configurations = append(dev.Configurations, conf)

	buf, err := dev.Configuration(0, conf.TotalLength)
	if err != nil {
		t.Fatalf("Configuration: %v", err)
	}
	if len(buf) != int(conf.TotalLength) {
		t.Fatalf("assembled length = %d, want %d", len(buf), conf.TotalLength)
	}
	if buf[4] != 1 {
		t.Fatalf("bNumInterfaces = %d, want 1", buf[4])
	}
}

func TestEndpointDescriptorNumberDirectionTransferType(t *testing.T) {
	ep := &EndpointDescriptor{EndpointAddress: 0x83, Attributes: 3}

	if ep.Number() != 3 {
		t.Fatalf("Number() = %d, want 3", ep.Number())
	}
	if ep.Direction() != 1 {
		t.Fatalf("Direction() = %d, want 1 (IN)", ep.Direction())
	}
	if ep.TransferType() != 3 {
		t.Fatalf("TransferType() = %d, want 3 (interrupt)", ep.TransferType())
	}

	out := &EndpointDescriptor{EndpointAddress: 0x02, Attributes: 2}
	if out.Direction() != 0 {
		t.Fatalf("Direction() = %d, want 0 (OUT)", out.Direction())
	}
}

func TestAddStringReturnsIncreasingIndexes(t *testing.T) {
	dev := &Device{}
	dev.SetLanguageCodes([]uint16{0x0409})

	i1, err := dev.AddString("netdev6")
	if err != nil {
		t.Fatalf("AddString: %v", err)
	}
	i2, err := dev.AddString("00000001")
	if err != nil {
		t.Fatalf("AddString: %v", err)
	}

	if i1 != 1 || i2 != 2 {
		t.Fatalf("indexes = %d, %d, want 1, 2 (index 0 reserved for language codes)", i1, i2)
	}

	if dev.Strings[1][1] != DescriptorString {
		t.Fatalf("string descriptor type mismatch")
	}
}

func TestCDCEthernetDescriptorDefaults(t *testing.T) {
	d := &CDCEthernetDescriptor{}
	d.SetDefaults()

	b := d.Bytes()
	mss := binary.LittleEndian.Uint16(b[8:10])
	if mss != MaxSegmentSize {
		t.Fatalf("wMaxSegmentSize = %d, want %d", mss, MaxSegmentSize)
	}
}

func TestStandardRequestGetDescriptorDevice(t *testing.T) {
	dev := &Device{}
	dev.Descriptor = &DeviceDescriptor{}
	dev.Descriptor.SetDefaults()

	setup := SetupData{Request: GET_DESCRIPTOR, Value: uint16(DescriptorDevice) << 8, Length: DeviceDescriptorLength}

	reply, stall := StandardRequest(dev, setup)
	if stall {
		t.Fatalf("unexpected stall")
	}
	if len(reply) != DeviceDescriptorLength {
		t.Fatalf("reply length = %d, want %d", len(reply), DeviceDescriptorLength)
	}
}

func TestStandardRequestSetConfiguration(t *testing.T) {
	dev := &Device{}
	setup := SetupData{Request: SET_CONFIGURATION, Value: 1}

	_, stall := StandardRequest(dev, setup)
	if stall {
		t.Fatalf("unexpected stall")
	}
	if dev.ConfigurationValue != 1 {
		t.Fatalf("ConfigurationValue = %d, want 1", dev.ConfigurationValue)
	}
}

func TestStandardRequestUnknownStalls(t *testing.T) {
	dev := &Device{}
	setup := SetupData{Request: 0x7f}

	_, stall := StandardRequest(dev, setup)
	if !stall {
		t.Fatalf("expected stall on unknown standard request")
	}
}

func TestSetupDataIsClassAndIsIn(t *testing.T) {
	s := SetupData{RequestType: RequestDirectionMask | RequestTypeClass}
	if !s.IsIn() {
		t.Fatalf("expected IsIn true")
	}
	if !s.IsClass() {
		t.Fatalf("expected IsClass true")
	}

	s2 := SetupData{RequestType: 0}
	if s2.IsIn() || s2.IsClass() {
		t.Fatalf("expected IsIn/IsClass false for a standard OUT request")
	}
}

func TestSetupDataIsVendor(t *testing.T) {
	s := SetupData{RequestType: RequestDirectionMask | RequestTypeVendor}
	if !s.IsVendor() {
		t.Fatalf("expected IsVendor true")
	}

	s2 := SetupData{RequestType: RequestTypeClass}
	if s2.IsVendor() {
		t.Fatalf("expected IsVendor false for a class request")
	}
}

func TestSetMSOSStringDescriptorContainsSignatureAndVendorCode(t *testing.T) {
	dev := &Device{}
	dev.SetMSOSStringDescriptor(0x01)

	if dev.MSVendorCode != 0x01 {
		t.Fatalf("MSVendorCode = %#x, want 0x01", dev.MSVendorCode)
	}
	if dev.MSOSString[1] != DescriptorString {
		t.Fatalf("descriptor type = %#x, want %#x", dev.MSOSString[1], DescriptorString)
	}
	if dev.MSOSString[len(dev.MSOSString)-1] != 0x01 {
		t.Fatalf("trailing vendor code byte = %#x, want 0x01", dev.MSOSString[len(dev.MSOSString)-1])
	}

	// "MSFT100" as UTF-16LE immediately follows the 2-byte header.
	sig := dev.MSOSString[2 : 2+14]
	want := []byte("M\x00S\x00F\x00T\x001\x000\x000\x00")
	if string(sig) != string(want) {
		t.Fatalf("signature = %x, want %x", sig, want)
	}
}

func TestExtendedCompatIDDescriptorEncodesEachFunction(t *testing.T) {
	dev := &Device{}
	dev.CompatibleIDs = []CompatibleIDFunction{
		{FirstInterface: 2, CompatibleID: "RNDIS", SubCompatibleID: "5162001"},
	}

	b := dev.ExtendedCompatIDDescriptor()

	dwLength := binary.LittleEndian.Uint32(b[0:4])
	if int(dwLength) != len(b) {
		t.Fatalf("dwLength = %d, want %d (actual buffer length)", dwLength, len(b))
	}

	bcdVersion := binary.LittleEndian.Uint16(b[4:6])
	if bcdVersion != 0x0100 {
		t.Fatalf("bcdVersion = %#x, want 0x0100", bcdVersion)
	}

	wIndex := binary.LittleEndian.Uint16(b[6:8])
	if wIndex != 0x0004 {
		t.Fatalf("wIndex = %#x, want 0x0004", wIndex)
	}

	if b[8] != 1 {
		t.Fatalf("bCount = %d, want 1", b[8])
	}

	section := b[16:40]
	if section[0] != 2 {
		t.Fatalf("bFirstInterfaceNumber = %d, want 2", section[0])
	}
	if string(section[2:7]) != "RNDIS" {
		t.Fatalf("compatibleID = %q, want RNDIS", section[2:10])
	}
	if string(section[10:17]) != "5162001" {
		t.Fatalf("subCompatibleID = %q, want 5162001", section[10:18])
	}
}
