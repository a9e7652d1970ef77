package usbnet

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/usb"
)

func newTestLink() *Link {
	return &Link{
		Pool: pool.New(4, 4),
		MAC:  [6]byte{0xde, 1, 2, 3, 4, 0xcc},
	}
}

type captureSink struct {
	frames [][]byte
}

func (s *captureSink) Receive(b *pool.Buffer) {
	buf := make([]byte, b.Len())
	copy(buf, b.Bytes())
	s.frames = append(s.frames, buf)
}

func TestBuildNetworkInterfacesReportsECMSubclass(t *testing.T) {
	l := newTestLink()
	dev := &usb.Device{}
	dev.SetLanguageCodes([]uint16{0x0409})

	control, _ := l.BuildNetworkInterfaces(dev, 0, "000000000000")

	if control.InterfaceSubClass != 0x06 {
		t.Fatalf("InterfaceSubClass = %#x, want 0x06 (ECM)", control.InterfaceSubClass)
	}
	if control.IAD.FunctionSubClass != 0x06 {
		t.Fatalf("IAD.FunctionSubClass = %#x, want 0x06 (ECM)", control.IAD.FunctionSubClass)
	}
}

func TestECMRxReassemblesAcrossShortPacket(t *testing.T) {
	l := newTestLink()
	var sink captureSink
	l.Sink = &sink

	frame := make([]byte, 20)
	for i := range frame {
		frame[i] = byte(i)
	}

	// first packet is a full USBPacketSize chunk signalling "more data"
	full := append(append([]byte{}, frame...), make([]byte, USBPacketSize-len(frame))...)
	l.ECMRx(full, nil)
	if len(sink.frames) != 0 {
		t.Fatalf("frame delivered before the terminating short packet")
	}

	l.ECMRx(nil, nil)

	if len(sink.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(sink.frames))
	}
	if len(sink.frames[0]) != USBPacketSize {
		t.Fatalf("reassembled length = %d, want %d", len(sink.frames[0]), USBPacketSize)
	}
}

func TestECMTxDrainsQueueWhole(t *testing.T) {
	l := newTestLink()

	b, _ := l.Pool.Allocate(10)
	b.SetLen(10)
	l.Transmit(b)

	in, err := l.ECMTx(nil, nil)
	if err != nil {
		t.Fatalf("ECMTx: %v", err)
	}
	if len(in) != 10 {
		t.Fatalf("len = %d, want 10", len(in))
	}

	if in2, _ := l.ECMTx(nil, nil); in2 != nil {
		t.Fatalf("expected nil on an empty queue")
	}
}

func TestNCMTxWrapsSingleDatagram(t *testing.T) {
	l := newTestLink()

	payload := []byte("hello, ncm")
	b, _ := l.Pool.Allocate(len(payload))
	b.SetLen(len(payload))
	copy(b.Bytes(), payload)
	l.Transmit(b)

	in, err := l.NCMTx(nil, nil)
	if err != nil {
		t.Fatalf("NCMTx: %v", err)
	}

	if binary.LittleEndian.Uint32(in[0:4]) != nth16Signature {
		t.Fatalf("missing NTH16 signature")
	}

	ndpIndex := binary.LittleEndian.Uint16(in[10:12])
	ndp := in[ndpIndex:]
	if binary.LittleEndian.Uint32(ndp[0:4]) != ndp16Signature {
		t.Fatalf("missing NDP16 signature")
	}

	datagramIndex := binary.LittleEndian.Uint16(ndp[8:10])
	datagramLength := binary.LittleEndian.Uint16(ndp[10:12])
	got := in[datagramIndex : int(datagramIndex)+int(datagramLength)]
	if string(got) != string(payload) {
		t.Fatalf("datagram payload = %q, want %q", got, payload)
	}
}

func TestNCMRxUnwrapsSingleDatagram(t *testing.T) {
	l := newTestLink()
	var sink captureSink
	l.Sink = &sink

	payload := []byte("round trip")
	b, _ := l.Pool.Allocate(len(payload))
	b.SetLen(len(payload))
	copy(b.Bytes(), payload)
	l.Transmit(b)

	wrapped, _ := l.NCMTx(nil, nil)

	// the NTB (64-byte header plus payload) is not exactly one bulk packet
	// long, so a single call with the whole buffer already looks like the
	// closing short packet
	l.NCMRx(wrapped, nil)

	if len(sink.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(sink.frames))
	}
	if string(sink.frames[0]) != string(payload) {
		t.Fatalf("recovered payload = %q, want %q", sink.frames[0], payload)
	}
}

func TestClassRequestGetNTBParametersSwitchesToNCM(t *testing.T) {
	l := newTestLink()

	reply, handled := l.ClassRequest(0x80, 0, nil)
	if !handled {
		t.Fatalf("expected GET_NTB_PARAMETERS to be handled")
	}
	if len(reply) != 28 {
		t.Fatalf("reply length = %d, want 28", len(reply))
	}
	if !l.queriedNTB {
		t.Fatalf("expected queriedNTB to be set")
	}
}

func TestRNDISInitializeProducesQueuedResponse(t *testing.T) {
	l := newTestLink()

	cmd := make([]byte, 16)
	binary.LittleEndian.PutUint32(cmd[0:4], rndisInitializeMsg)
	binary.LittleEndian.PutUint32(cmd[8:12], 42) // RequestID

	var notified bool
	l.NotifyResponseAvailable = func() { notified = true }

	l.handleRNDISCommand(cmd)

	if !notified {
		t.Fatalf("expected NotifyResponseAvailable to fire")
	}

	reply, handled := l.ClassRequest(0x01, 0, nil)
	if !handled || reply == nil {
		t.Fatalf("expected a queued GET_ENCAPSULATED_RESPONSE reply")
	}
	if binary.LittleEndian.Uint32(reply[8:12]) != 42 {
		t.Fatalf("RequestID echoed = %d, want 42", binary.LittleEndian.Uint32(reply[8:12]))
	}

	wantMaxTransferSize := uint32(36 + pool.LargeCapacity)
	if got := binary.LittleEndian.Uint32(reply[36:40]); got != wantMaxTransferSize {
		t.Fatalf("MaxTransferSize = %d, want %d (36 + buffer capacity)", got, wantMaxTransferSize)
	}
}

func TestRNDISQuerySupportedOIDsAndUnsupportedOID(t *testing.T) {
	l := newTestLink()

	query := func(oid uint32) []byte {
		cmd := make([]byte, 28)
		binary.LittleEndian.PutUint32(cmd[0:4], rndisQueryMsg)
		binary.LittleEndian.PutUint32(cmd[8:12], 7)
		binary.LittleEndian.PutUint32(cmd[12:16], oid)
		l.handleRNDISCommand(cmd)
		reply, _ := l.ClassRequest(0x01, 0, nil)
		return reply
	}

	reply := query(oid8023CurrentAddress)
	infoLen := binary.LittleEndian.Uint32(reply[16:20])
	if infoLen != 6 {
		t.Fatalf("OID_802_3_CURRENT_ADDRESS length = %d, want 6", infoLen)
	}
	mac := reply[24 : 24+6]
	if mac[0] != 0xde {
		t.Fatalf("unexpected MAC bytes: %x", mac)
	}

	reply = query(0xdeadbeef)
	status := binary.LittleEndian.Uint32(reply[12:16])
	if status != rndisStatusNotSupported {
		t.Fatalf("status = %#x, want NOT_SUPPORTED for an unknown OID", status)
	}
}

func TestRNDISSetPacketFilterTogglesUp(t *testing.T) {
	l := newTestLink()

	cmd := make([]byte, 32)
	binary.LittleEndian.PutUint32(cmd[0:4], rndisSetMsg)
	binary.LittleEndian.PutUint32(cmd[8:12], 1)
	binary.LittleEndian.PutUint32(cmd[12:16], oidGenCurrentPacketFilter)
	binary.LittleEndian.PutUint32(cmd[28:32], 0xffffffff)

	l.handleRNDISCommand(cmd)
	l.mode = ModeRNDIS

	if !l.Up() {
		t.Fatalf("expected link to be Up after a non-zero packet filter")
	}
}

func TestRNDISRxTxRoundTrip(t *testing.T) {
	l := newTestLink()
	var sink captureSink
	l.Sink = &sink

	payload := []byte("rndis frame contents")
	b, _ := l.Pool.Allocate(len(payload))
	b.SetLen(len(payload))
	copy(b.Bytes(), payload)
	l.Transmit(b)

	wrapped, _ := l.RNDISTx(nil, nil)

	for len(wrapped) > 0 {
		chunk := wrapped
		if len(chunk) > USBPacketSize {
			chunk = chunk[:USBPacketSize]
		}
		l.RNDISRx(chunk, nil)
		wrapped = wrapped[len(chunk):]
	}
	if len(sink.frames) == 0 {
		l.RNDISRx(nil, nil)
	}

	if len(sink.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(sink.frames))
	}
	if string(sink.frames[0]) != string(payload) {
		t.Fatalf("recovered payload = %q, want %q", sink.frames[0], payload)
	}
}

func TestModeTransitionResetsReassemblyState(t *testing.T) {
	l := newTestLink()

	l.ECMRx(make([]byte, USBPacketSize), nil)
	if len(l.ecm.rxBuf) == 0 {
		t.Fatalf("expected partial ECM reassembly state before mode switch")
	}

	l.setMode(ModeNCM)

	if len(l.ecm.rxBuf) != 0 {
		t.Fatalf("expected ECM reassembly state cleared on mode switch")
	}
}
