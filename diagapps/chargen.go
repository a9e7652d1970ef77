package diagapps

import (
	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/tcpip"
)

// lineLength is RFC 864's 72-character printable line before the CRLF.
const lineLength = 72

// printableFirst and printableRange are the rotating ASCII-printable
// alphabet chargen cycles through (' '..'~').
const (
	printableFirst = ' '
	printableRange = 95
)

// chargenState is the per-connection generator phase, the Go-native
// replacement for tcpip_diagnostics.c's three function-static counters.
type chargenState struct {
	charPhase int
	linePhase int
	linePos   int
}

func newChargenState() interface{} {
	return &chargenState{charPhase: 1, linePhase: 2}
}

// queueDepther is satisfied by usbnet.Link; chargen throttles generation
// to what the link can actually drain, matching
// usbnet_get_tx_queue_size() < 2. A tcpip.Endpoint whose Link does not
// implement it (e.g. a test double) is treated as always having room.
type queueDepther interface {
	TxQueueLen() int
}

func txQueueLen(ep *tcpip.Endpoint) int {
	if qd, ok := ep.Link.(queueDepther); ok {
		return qd.TxQueueLen()
	}
	return 0
}

// chargenCallback streams RFC 864 character-generator output for as long
// as the connection stays established, throttled by the shared transmit
// queue depth exactly as chargen_callback is.
func chargenCallback(ep *tcpip.Endpoint) tcpip.Callback {
	return func(conn *tcpip.Conn, payload *pool.Buffer) {
		cs, _ := conn.State.(*chargenState)
		if cs == nil {
			cs = &chargenState{charPhase: 1, linePhase: 2}
			conn.State = cs
		}

		if !conn.Established() {
			cs.charPhase = 1
			cs.linePhase = 2
			cs.linePos = 0
			return
		}

		if payload != nil {
			ep.Release(payload)
		}

		if txQueueLen(ep) >= 2 {
			return
		}

		b, err := ep.Allocate(pool.LargeCapacity - tcpip.TotalHeaderLen)
		if err != nil {
			return
		}

		buf := b.Full()
		n := 0
		for n < len(buf) {
			cs.linePos++
			switch {
			case cs.linePos <= lineLength:
				buf[n] = byte(printableFirst + cs.charPhase)
				n++
				cs.charPhase++
				if cs.charPhase == printableRange {
					cs.charPhase = 0
				}
			case cs.linePos == lineLength+1:
				buf[n] = '\r'
				n++
			default:
				buf[n] = '\n'
				n++
				cs.linePos = 0
				cs.charPhase = cs.linePhase
				cs.linePhase++
				if cs.linePhase == printableRange {
					cs.linePhase = 0
				}
			}
		}

		b.SetLen(n)
		ep.Send(conn, b)
	}
}
