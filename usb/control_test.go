package usb

import "testing"

type fakeController struct {
	enabled map[int]EndpointFunction
	stalled bool
}

func newFakeController() *fakeController {
	return &fakeController{enabled: make(map[int]EndpointFunction)}
}

func (f *fakeController) EnableEP(number, dir, transferType int, maxPacketSize uint16, fn EndpointFunction) {
	f.enabled[number] = fn
}

func (f *fakeController) Stall(number, dir int) {
	f.stalled = true
}

func (f *fakeController) Reset() <-chan struct{} {
	return nil
}

func testDevice() *Device {
	d := &Device{}
	d.Descriptor = &DeviceDescriptor{}
	d.Descriptor.SetDefaults()
	d.SetLanguageCodes([]uint16{0x0409})

	conf := &ConfigurationDescriptor{}
	conf.SetDefaults()

	iface := &InterfaceDescriptor{}
	iface.SetDefaults()

	ep := &EndpointDescriptor{}
	ep.SetDefaults()
	ep.EndpointAddress = 0x81
	ep.Attributes = 2
	ep.Function = func(out []byte, lastErr error) ([]byte, error) { return nil, nil }

	iface.Endpoints = append(iface.Endpoints, ep)
	conf.Interfaces = append(conf.Interfaces, iface)
	d.Configurations = append(d.Configurations, conf)

	return d
}

func TestControlFunctionGetDeviceDescriptor(t *testing.T) {
	d := testDevice()
	ctrl := newFakeController()
	fn := d.ControlFunction(ctrl, nil)

	setup := make([]byte, 8)
	setup[1] = GET_DESCRIPTOR
	setup[3] = DescriptorDevice
	setup[6] = 18
	setup[7] = 0

	reply, err := fn(setup, nil)
	if err != nil {
		t.Fatalf("ControlFunction: %v", err)
	}
	if len(reply) != int(DeviceDescriptorLength) {
		t.Fatalf("reply length = %d, want %d", len(reply), DeviceDescriptorLength)
	}
}

func TestControlFunctionStallsOnUnroutedClassRequest(t *testing.T) {
	d := testDevice()
	ctrl := newFakeController()
	fn := d.ControlFunction(ctrl, func(request uint8, index uint16, payload []byte) ([]byte, bool) {
		return nil, false
	})

	setup := make([]byte, 8)
	setup[0] = RequestTypeClass
	setup[1] = 0x80

	reply, err := fn(setup, nil)
	if err != nil {
		t.Fatalf("ControlFunction: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no reply on stall")
	}
	if !ctrl.stalled {
		t.Fatalf("expected Stall to be asserted")
	}
}

func TestControlFunctionRoutesClassRequestToHandler(t *testing.T) {
	d := testDevice()
	ctrl := newFakeController()
	fn := d.ControlFunction(ctrl, func(request uint8, index uint16, payload []byte) ([]byte, bool) {
		if request == 0x80 {
			return []byte{1, 2, 3}, true
		}
		return nil, false
	})

	setup := make([]byte, 8)
	setup[0] = RequestTypeClass | RequestDirectionMask
	setup[1] = 0x80
	setup[6] = 3

	reply, err := fn(setup, nil)
	if err != nil {
		t.Fatalf("ControlFunction: %v", err)
	}
	if string(reply) != "\x01\x02\x03" {
		t.Fatalf("reply = %v, want [1 2 3]", reply)
	}
}

func TestControlFunctionServesMSOSStringDescriptor(t *testing.T) {
	d := testDevice()
	d.SetMSOSStringDescriptor(0x01)
	ctrl := newFakeController()
	fn := d.ControlFunction(ctrl, nil)

	setup := make([]byte, 8)
	setup[0] = RequestDirectionMask
	setup[1] = GET_DESCRIPTOR
	setup[2] = MSOSStringIndex
	setup[3] = DescriptorString
	setup[6] = 255

	reply, err := fn(setup, nil)
	if err != nil {
		t.Fatalf("ControlFunction: %v", err)
	}
	if string(reply) != string(d.MSOSString) {
		t.Fatalf("reply = %v, want MSOSString %v", reply, d.MSOSString)
	}
}

func TestControlFunctionRoutesMSVendorRequestToCompatID(t *testing.T) {
	d := testDevice()
	d.SetMSOSStringDescriptor(0x01)
	d.CompatibleIDs = []CompatibleIDFunction{
		{FirstInterface: 2, CompatibleID: "RNDIS", SubCompatibleID: "5162001"},
	}
	ctrl := newFakeController()
	fn := d.ControlFunction(ctrl, nil)

	setup := make([]byte, 8)
	setup[0] = RequestTypeVendor | RequestDirectionMask
	setup[1] = 0x01 // MSVendorCode
	setup[4] = 0x04 // wIndex = Extended Compat ID
	setup[6] = 40
	setup[7] = 0

	reply, err := fn(setup, nil)
	if err != nil {
		t.Fatalf("ControlFunction: %v", err)
	}
	want := d.ExtendedCompatIDDescriptor()
	if string(reply) != string(want) {
		t.Fatalf("reply = %v, want %v", reply, want)
	}
	if ctrl.stalled {
		t.Fatalf("expected no stall on recognized MS vendor request")
	}
}

func TestControlFunctionStallsUnknownMSVendorRequest(t *testing.T) {
	d := testDevice()
	d.SetMSOSStringDescriptor(0x01)
	ctrl := newFakeController()
	fn := d.ControlFunction(ctrl, nil)

	setup := make([]byte, 8)
	setup[0] = RequestTypeVendor | RequestDirectionMask
	setup[1] = 0x01 // MSVendorCode
	setup[4] = 0x07 // unrecognized wIndex

	if _, err := fn(setup, nil); err != nil {
		t.Fatalf("ControlFunction: %v", err)
	}
	if !ctrl.stalled {
		t.Fatalf("expected Stall on unrecognized MS vendor request")
	}
}

func TestBindEnablesEP0AndEveryDescriptorEndpoint(t *testing.T) {
	d := testDevice()
	ctrl := newFakeController()

	d.Bind(ctrl, nil)

	if _, ok := ctrl.enabled[0]; !ok {
		t.Fatalf("expected EP0 to be enabled")
	}
	if _, ok := ctrl.enabled[1]; !ok {
		t.Fatalf("expected endpoint 1 to be enabled")
	}
}
