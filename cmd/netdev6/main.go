// netdev6 firmware entry point
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command netdev6 turns a USB armory Mk II into a USB-attached virtual
// IPv6 network adapter: a composite CDC-ECM/NCM + RNDIS gadget, speaking
// stateless IPv6 autoconfiguration and a minimal passive-open TCP stack,
// serving a diagnostics HTTP server and the classic RFC 862/863/864
// echo/discard/chargen services, grounded on original_source/src/main.c's
// usbnet_init + tcpip_diagnostics_init + poll-loop shape.
package main

import (
	"log"
	"os"
	"runtime"

	"github.com/usbarmory/netdev6/clock"
	"github.com/usbarmory/netdev6/diagapps"
	"github.com/usbarmory/netdev6/httpd"
	"github.com/usbarmory/netdev6/identity"
	"github.com/usbarmory/netdev6/imx6"
	imx6usb "github.com/usbarmory/netdev6/imx6/usb"
	"github.com/usbarmory/netdev6/ipv6"
	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/tcpip"
	"github.com/usbarmory/netdev6/usb"
	"github.com/usbarmory/netdev6/usbnet"
)

// smallBufferCount and largeBufferCount size the shared pool: enough small
// buffers for control traffic and TCP segments without data, enough large
// ones for full-MTU frames in flight across reassembly, the responder and
// the TCP endpoint at once.
const (
	smallBufferCount = 16
	largeBufferCount = 8
)

// demux is the usbnet.FrameSink that routes a reassembled inbound frame by
// IPv6 next-header: TCP to the endpoint, everything else (ICMPv6 included)
// to the stateless responder, which silently releases what it does not
// recognize. This dispatch lives here, not in package ipv6 or tcpip,
// because it is the one place that knows about both.
type demux struct {
	pool      *pool.Pool
	responder *ipv6.Responder
	tcp       *tcpip.Endpoint
}

func (d *demux) Receive(b *pool.Buffer) {
	data := b.Bytes()
	if len(data) < ipv6.EthernetHeaderLen+ipv6.HeaderLen {
		d.pool.Release(b)
		return
	}

	var ip ipv6.Header
	ip.Unmarshal(data[ipv6.EthernetHeaderLen:])

	if ip.NextHeader == ipv6.NextHeaderTCP {
		d.tcp.ReceiveSegment(b)
		return
	}

	d.responder.Handle(b)
}

func configureDevice(device *usb.Device, id identity.Identity) {
	device.SetLanguageCodes([]uint16{0x0409})

	device.Descriptor = &usb.DeviceDescriptor{}
	device.Descriptor.SetDefaults()
	device.Descriptor.DeviceClass = 0xef
	device.Descriptor.DeviceSubClass = 0x02
	device.Descriptor.DeviceProtocol = 0x01
	device.Descriptor.VendorId = 0x1d6b
	device.Descriptor.ProductId = 0x0106
	device.Descriptor.NumConfigurations = 1

	iManufacturer, _ := device.AddString(`WithSecure`)
	device.Descriptor.Manufacturer = iManufacturer

	iProduct, _ := device.AddString(`netdev6`)
	device.Descriptor.Product = iProduct

	iSerial, _ := device.AddString(id.SerialString())
	device.Descriptor.SerialNumber = iSerial

	// Microsoft OS Descriptor 1.0 support: the 0xEE string descriptor
	// points Windows at vendor request 0x01 for the Extended Compat ID
	// descriptor, which names the RNDIS interface (2, set by
	// BuildRNDISInterface below) so Windows auto-binds its inbox RNDIS
	// driver without an INF file.
	device.SetMSOSStringDescriptor(0x01)
	device.CompatibleIDs = []usb.CompatibleIDFunction{
		{FirstInterface: 2, CompatibleID: "RNDIS", SubCompatibleID: "5162001"},
	}
}

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	if imx6.Native {
		imx6.SetARMFreq(900000000)
	}

	uid := imx6.UniqueID()
	serial := uint32(uid[0])<<24 | uint32(uid[1])<<16 | uint32(uid[2])<<8 | uint32(uid[3])

	id := identity.New(serial)
	log.Printf("netdev6: MAC %s global %x serial %s", id.MAC, id.Global, id.SerialString())

	bufPool := pool.New(smallBufferCount, largeBufferCount)

	link := &usbnet.Link{
		Pool: bufPool,
		MAC:  id.MAC,
	}

	responder := &ipv6.Responder{
		Pool:   bufPool,
		Link:   link,
		MAC:    id.MAC,
		Global: id.Global,
		MTU:    usbnet.MTU,
		Now:    clock.MicrosSince64,
	}

	tcp := &tcpip.Endpoint{
		Pool: bufPool,
		Link: link,
		MAC:  id.MAC,
		Addr: id.Global,
		Now:  clock.MicrosSince64,
	}

	link.Sink = &demux{pool: bufPool, responder: responder, tcp: tcp}

	httpServer := &httpd.Server{Endpoint: tcp}
	httpServer.Handle("/", httpd.Index)
	if err := httpServer.Init(); err != nil {
		log.Fatalf("netdev6: httpd.Init: %v", err)
	}

	if err := diagapps.Register(tcp); err != nil {
		log.Fatalf("netdev6: diagapps.Register: %v", err)
	}

	device := &usb.Device{}
	configureDevice(device, id)

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()
	conf.ConfigurationValue = 1
	conf.NumInterfaces = 3
	device.Configurations = append(device.Configurations, conf)

	control, data := link.BuildNetworkInterfaces(device, 0, id.MACString())
	conf.Interfaces = append(conf.Interfaces, control, data)

	rndis := link.BuildRNDISInterface(device, 2)
	conf.Interfaces = append(conf.Interfaces, rndis)

	ctrl := imx6usb.USB1
	device.Bind(ctrl, link.ClassRequest)

	go func() {
		reset := ctrl.Reset()
		for range reset {
			log.Printf("netdev6: USB bus reset")
		}
	}()

	log.Println("netdev6: ready")

	for {
		responder.Poll(link.TxQueueLen() == 0)
		tcp.Poll()
		runtime.Gosched()
	}
}
