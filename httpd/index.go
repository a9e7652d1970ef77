package httpd

import (
	"fmt"

	"github.com/usbarmory/netdev6/clock"
	"github.com/usbarmory/netdev6/tcpip"
)

// Index answers "/" with the elapsed-microseconds monotonic clock reading,
// a one-shot handler (it never registers for further polls), grounded on
// original_source/src/http_index.c's http_index.
func Index(s *Server, conn *tcpip.Conn, req *Request) {
	body := fmt.Sprintf("Hello, time is now %d!\n", clock.MicrosSince64())
	s.SendFullResponse(conn, 200, "text/plain", []byte(body))
}
