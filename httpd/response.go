package httpd

import (
	"fmt"

	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/tcpip"
)

// responseHeaderReserve is generous headroom for the status line plus the
// three fixed headers http.c always writes, matching that file's
// `usbnet_allocate(256 + body_len)` sizing.
const responseHeaderReserve = 256

// StartResponse writes the status line, the fixed Content-Type/
// Transfer-Encoding/Connection headers, and — if body is non-empty — that
// body as the first chunk, matching http_start_response.
func (s *Server) StartResponse(conn *tcpip.Conn, status int, mimeType string, body []byte) {
	b, err := s.Endpoint.Allocate(responseHeaderReserve + len(body))
	if err != nil {
		s.logger().Printf("httpd: out of buffers starting response: %v", err)
		s.Endpoint.Close(conn)
		return
	}

	reason := "Error"
	if status == 200 {
		reason = "OK"
	}

	head := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: %s\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"Connection: keep-alive\r\n"+
		"\r\n", status, reason, mimeType)

	buf := b.Full()
	n := copy(buf, head)

	if len(body) > 0 {
		n += copy(buf[n:], fmt.Sprintf("%08x\r\n", len(body)))
		n += copy(buf[n:], body)
		n += copy(buf[n:], "\r\n")
	}

	b.SetLen(n)
	s.Endpoint.Send(conn, b)
}

// SendFullResponse writes a complete, Content-Length-framed response in one
// shot — no chunked encoding, no further streaming calls — for handlers
// whose whole body is known up front (the "/" diagnostics page), and clears
// the connection's streaming handler exactly as EndResponse does so the
// next Poll tick and any further client data on this connection do not
// re-invoke it.
func (s *Server) SendFullResponse(conn *tcpip.Conn, status int, mimeType string, body []byte) {
	b, err := s.Endpoint.Allocate(responseHeaderReserve + len(body))
	if err != nil {
		s.logger().Printf("httpd: out of buffers starting response: %v", err)
		s.Endpoint.Close(conn)
		return
	}

	reason := "Error"
	if status == 200 {
		reason = "OK"
	}

	head := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: %s\r\n"+
		"Content-Length: %d\r\n"+
		"\r\n", status, reason, mimeType, len(body))

	buf := b.Full()
	n := copy(buf, head)
	n += copy(buf[n:], body)

	b.SetLen(n)
	s.Endpoint.Send(conn, b)

	if cs, ok := conn.State.(*connState); ok {
		cs.handler = nil
	}
}

// SendChunk wraps chunk in its chunked-encoding length prefix and trailing
// CRLF in place, then sends it, matching http_send_chunk. chunk must have
// been allocated with at least 10 bytes of prefix headroom and 2 bytes of
// trailing headroom beyond its payload — AllocateChunk below provides
// exactly that.
func (s *Server) SendChunk(conn *tcpip.Conn, chunk *pool.Buffer) {
	full := chunk.Unslice()
	body := chunk.Len()

	header := fmt.Sprintf("%08x\r\n", body)
	raw := full.Full()
	copy(raw[:chunkPrefixLen], header)
	raw[chunkPrefixLen+body] = '\r'
	raw[chunkPrefixLen+body+1] = '\n'

	full.SetLen(chunkPrefixLen + body + 2)
	s.Endpoint.Send(conn, full)
}

// chunkPrefixLen is the fixed "%08x\r\n" length-prefix size every data
// chunk is given headroom for.
const chunkPrefixLen = 10

// AllocateChunk reserves a body-sized buffer with the prefix/suffix room
// SendChunk needs, mirroring HTTP_CHUNK_SIZE's accounting in http.h.
func (s *Server) AllocateChunk(n int) (*pool.Buffer, error) {
	full, err := s.Endpoint.Allocate(chunkPrefixLen + n + 2)
	if err != nil {
		return nil, err
	}
	return full.Slice(chunkPrefixLen, 2), nil
}

// EndResponse sends the terminating zero-length chunk and clears the
// connection's streaming handler, matching http_end_response's
// `conn->context = NULL`.
func (s *Server) EndResponse(conn *tcpip.Conn) {
	b, err := s.Endpoint.Allocate(5)
	if err != nil {
		s.Endpoint.Close(conn)
		return
	}

	n := copy(b.Full(), "0\r\n\r\n")
	b.SetLen(n)
	s.Endpoint.Send(conn, b)

	if cs, ok := conn.State.(*connState); ok {
		cs.handler = nil
	}
}
