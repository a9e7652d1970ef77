package main

import (
	"testing"

	usb "github.com/daedaluz/gousb"
)

func TestMatchesNetdev6(t *testing.T) {
	d := &usb.Device{
		Descriptors: []usb.Descriptor{
			&usb.DeviceDescriptor{IDVendor: vendorID, IDProduct: productID},
		},
	}

	if !matchesNetdev6(d) {
		t.Fatal("expected netdev6 vendor/product ID to match")
	}

	other := &usb.Device{
		Descriptors: []usb.Descriptor{
			&usb.DeviceDescriptor{IDVendor: 0x0451, IDProduct: 0x1234},
		},
	}

	if matchesNetdev6(other) {
		t.Fatal("expected unrelated vendor/product ID not to match")
	}
}

func TestDescribeComposite(t *testing.T) {
	d := &usb.Device{
		Descriptors: []usb.Descriptor{
			&usb.InterfaceAssociationDescriptor{
				BFirstInterface: 0, BInterfaceCount: 2,
				BFunctionClass: classCDCControl,
			},
			&usb.InterfaceDescriptor{
				BInterfaceNumber: 0, BInterfaceClass: classCDCControl,
			},
			&usb.InterfaceDescriptor{
				BInterfaceNumber: 1, BInterfaceClass: usb.ClassCode(0x0a),
			},
			&usb.InterfaceAssociationDescriptor{
				BFirstInterface: 2, BInterfaceCount: 1,
				BFunctionClass: classVendor,
			},
			&usb.InterfaceDescriptor{
				BInterfaceNumber: 2,
				BInterfaceClass:  classVendor,
				BInterfaceSubClass: subclassRNDIS,
				BInterfaceProtocol: protocolRNDIS,
			},
		},
	}

	iads, sawRNDIS, sawCDC := describeComposite(d)

	if iads != 2 {
		t.Fatalf("expected 2 IADs, got %d", iads)
	}
	if !sawRNDIS {
		t.Fatal("expected RNDIS interface to be detected")
	}
	if !sawCDC {
		t.Fatal("expected CDC control interface to be detected")
	}
}
