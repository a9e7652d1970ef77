// usbprobe host-side diagnostic CLI
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command usbprobe runs on a Linux host and inspects an enumerated netdev6
// gadget over usbfs: it confirms the composite descriptor layout (the two
// Interface Association Descriptors, the RNDIS vendor class/subclass/
// protocol tuple and the presence of a CDC control interface; the CDC
// functional descriptors themselves are not inspected) and round-trips a
// GET_NTB_PARAMETERS control transfer against the live device, grounded on
// the one usage example the gousb package ships, cmd/test.go.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	usb "github.com/daedaluz/gousb"
)

// netdev6's USB identity, matching cmd/netdev6/main.go's configureDevice.
const (
	vendorID  = 0x1d6b
	productID = 0x0106

	classVendor     = usb.ClassCode(0xef)
	subclassRNDIS   = usb.SubClass(0x04)
	protocolRNDIS   = uint8(0x01)
	classCDCControl = usb.ClassCode(0x02)

	// CDC NCM class request code for GET_NTB_PARAMETERS.
	requestGetNTBParameters = 0x80
)

func matchesNetdev6(d *usb.Device) bool {
	for _, desc := range d.Descriptors {
		dd, ok := desc.(*usb.DeviceDescriptor)
		if !ok {
			continue
		}
		return dd.IDVendor == vendorID && dd.IDProduct == productID
	}
	return false
}

// describeComposite walks a device's descriptor list, reporting every
// Interface Association Descriptor and the class/subclass/protocol tuple of
// the interfaces it groups; netdev6 exposes exactly two: the CDC-ECM/NCM
// network function and the RNDIS vendor-class function.
func describeComposite(d *usb.Device) (iads int, sawRNDIS, sawCDC bool) {
	for _, desc := range d.Descriptors {
		switch v := desc.(type) {
		case *usb.InterfaceAssociationDescriptor:
			iads++
			fmt.Printf("IAD: first=%d count=%d class=%s subclass=%#02x protocol=%#02x\n",
				v.BFirstInterface, v.BInterfaceCount, v.BFunctionClass, v.BFunctionSubClass, v.BFunctionProtocol)
		case *usb.InterfaceDescriptor:
			fmt.Printf("interface %d: class=%s subclass=%#02x protocol=%#02x\n",
				v.BInterfaceNumber, v.BInterfaceClass, v.BInterfaceSubClass, v.BInterfaceProtocol)

			if v.BInterfaceClass == classVendor && v.BInterfaceSubClass == subclassRNDIS && v.BInterfaceProtocol == protocolRNDIS {
				sawRNDIS = true
			}
			if v.BInterfaceClass == classCDCControl {
				sawCDC = true
			}
		}
	}
	return
}

// queryNTBParameters issues a CDC-NCM GET_NTB_PARAMETERS class request
// (bmRequestType IN|Class|Interface, bRequest 0x80) against the control
// interface and prints the returned dwNtbInMaxSize/dwNtbOutMaxSize fields.
func queryNTBParameters(d *usb.Device, iface uint16) error {
	buf := make([]byte, 28)

	typ := usb.RequestDirectionIn | usb.RequestTypeClass | usb.RequestRecipientInterface
	n, err := d.CtrlTimeout(typ, requestGetNTBParameters, 0, iface, buf, 1000)
	if err != nil {
		return fmt.Errorf("GET_NTB_PARAMETERS failed: %w", err)
	}

	if n < 8 {
		return fmt.Errorf("GET_NTB_PARAMETERS returned %d bytes, too short", n)
	}

	wLength := binary.LittleEndian.Uint16(buf[0:2])
	bmNtbFormats := binary.LittleEndian.Uint16(buf[2:4])
	dwNtbInMaxSize := binary.LittleEndian.Uint32(buf[4:8])

	fmt.Printf("NTB parameters: wLength=%d bmNtbFormatsSupported=%#04x dwNtbInMaxSize=%d\n",
		wLength, bmNtbFormats, dwNtbInMaxSize)

	if n >= 20 {
		fmt.Printf("NTB parameters: dwNtbOutMaxSize=%d\n", binary.LittleEndian.Uint32(buf[16:20]))
	}

	return nil
}

func main() {
	iface := flag.Uint("iface", 0, "control interface number to probe")
	detach := flag.Bool("detach", false, "detach the kernel driver before probing")
	flag.Parse()

	devices, err := usb.FindDevices(matchesNetdev6)
	if err != nil {
		log.Fatalf("usbprobe: enumerate: %v", err)
	}

	if len(devices) == 0 {
		fmt.Fprintln(os.Stderr, "usbprobe: no netdev6 device found")
		os.Exit(1)
	}

	d := devices[0]

	if err := d.Open(); err != nil {
		log.Fatalf("usbprobe: open: %v", err)
	}
	defer d.Close()

	if *detach {
		if driver, err := d.GetDriver(uint32(*iface)); err == nil && driver != "" {
			log.Printf("usbprobe: detaching driver %q from interface %d", driver, *iface)
			if err := d.DetachKernel(uint32(*iface)); err != nil {
				log.Fatalf("usbprobe: detach: %v", err)
			}
			defer d.AttachKernel(uint32(*iface))
		}
	}

	iads, sawRNDIS, sawCDC := describeComposite(d)

	if iads != 2 {
		fmt.Fprintf(os.Stderr, "usbprobe: expected 2 Interface Association Descriptors, found %d\n", iads)
	}
	if !sawRNDIS {
		fmt.Fprintln(os.Stderr, "usbprobe: RNDIS vendor-class interface not found")
	}
	if !sawCDC {
		fmt.Fprintln(os.Stderr, "usbprobe: CDC control interface not found")
	}

	if err := queryNTBParameters(d, uint16(*iface)); err != nil {
		log.Printf("usbprobe: %v", err)
	}
}
