// EP0 control dispatch and endpoint binding for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

// ClassRequestFunc answers a class-specific control request — the CDC-ECM/
// NCM GET_NTB_PARAMETERS and RNDIS's SEND/GET_ENCAPSULATED_COMMAND/
// RESPONSE_AVAILABLE trio — with handled reporting whether the request was
// recognized at all. usbnet.Link.ClassRequest satisfies this type
// structurally; neither package imports the other.
type ClassRequestFunc func(request uint8, index uint16, payload []byte) (reply []byte, handled bool)

// ControlFunction builds EP0's EndpointFunction, generalizing
// imx6/usb/setup.go's doSetup to the abstract Controller: every control
// transfer arrives as the raw 8-byte SETUP packet followed by any OUT data
// stage bytes, and leaves as the raw IN data-stage bytes (trimmed to
// wLength, per USB's "host asked for at most this many bytes" rule); a
// request this dispatch cannot answer asserts a STALL directly on ctrl and
// returns no data.
func (d *Device) ControlFunction(ctrl Controller, classRequest ClassRequestFunc) EndpointFunction {
	return func(out []byte, lastErr error) (in []byte, err error) {
		setup, perr := ParseSetupData(out)
		if perr != nil {
			return nil, nil
		}

		var payload []byte
		if len(out) > 8 {
			payload = out[8:]
		}

		var reply []byte
		var stall bool

		switch {
		case setup.IsVendor() && d.MSVendorCode != 0 && setup.Request == d.MSVendorCode:
			reply, stall = handleMSVendorRequest(d, setup)
		case setup.IsClass() && classRequest != nil:
			var handled bool
			reply, handled = classRequest(setup.Request, setup.Index, payload)
			stall = !handled
		default:
			reply, stall = StandardRequest(d, setup)
		}

		if stall {
			ctrl.Stall(0, 1)
			return nil, nil
		}

		if setup.IsIn() && int(setup.Length) < len(reply) {
			reply = reply[:setup.Length]
		}

		return reply, nil
	}
}

// Bind wires every endpoint named by dev's current configuration into
// ctrl, including EP0's control dispatch, generalizing the per-board
// "register every descriptor's Function with the controller" step every
// concrete gadget driver in imx6/usb/ethernet performs by hand.
// classRequest may be nil for a device with no class-specific interface.
func (d *Device) Bind(ctrl Controller, classRequest ClassRequestFunc) {
	ctrl.EnableEP(0, 0, 0, 64, d.ControlFunction(ctrl, classRequest))

	for _, conf := range d.Configurations {
		for _, iface := range conf.Interfaces {
			for _, ep := range iface.Endpoints {
				ctrl.EnableEP(ep.Number(), ep.Direction(), ep.TransferType(), ep.MaxPacketSize, ep.Function)
			}
		}
	}
}
