// HTTP request splitter for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package httpd implements the minimal HTTP/1.1 request splitter and
// chunked-response helper described in spec.md §6: just enough parsing to
// pull the method, URL, query string and body out of a single inbound
// segment, dispatch it to a registered URL handler, and stream a chunked
// response back over the connection's remaining lifetime. It is grounded
// on original_source/src/http.c, generalized from that file's fixed
// four-connection listener table to tcpip's general-purpose connection
// slots and from its C callback-pointer-in-a-context-word pattern to
// Conn.State.
package httpd

import (
	"bytes"
	"errors"
	"log"

	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/tcpip"
)

// Port is the well-known HTTP port the Server listens on.
const Port = 80

// Method identifies the parsed request line's verb; only the two methods
// original_source/src/http.c recognizes are supported, matching spec.md's
// Non-goals (no HTTP/1.1 pipelining, no arbitrary methods).
type Method int

const (
	MethodGET Method = iota
	MethodPOST
)

func (m Method) String() string {
	if m == MethodPOST {
		return "POST"
	}
	return "GET"
}

// ErrMalformedRequest is returned by parseRequest when the request line or
// header block cannot be located within the segment delivered; the
// connection is closed in response, matching handle_new_request's
// `return false` path.
var ErrMalformedRequest = errors.New("httpd: malformed request")

// Request is the result of splitting one inbound HTTP request.
type Request struct {
	Method      Method
	URL         string
	QueryString string
	Body        []byte
}

// Handler serves one registered URL. The first invocation for a request
// carries req != nil; a handler that wants to stream a response body
// across further Poll ticks returns without ending the response (see
// Server.EndResponse), and is called again with req == nil on every tick
// until it calls EndResponse — mirroring http_callback_t's contract.
type Handler func(s *Server, conn *tcpip.Conn, req *Request)

// connState is the per-connection application data stored in Conn.State,
// the Go-native replacement for the original's conn->context holding a
// raw callback pointer.
type connState struct {
	handler Handler
}

// Server is one HTTP listener bound to a tcpip.Endpoint, with a registry
// of URL handlers dispatched by exact path match (original_source/src/
// http.c's g_http_url_handlers linked list, kept here as a map).
type Server struct {
	Endpoint *tcpip.Endpoint
	Log      *log.Logger

	handlers map[string]Handler
}

func (s *Server) logger() *log.Logger {
	if s.Log != nil {
		return s.Log
	}
	return log.Default()
}

// Handle registers a handler for an exact URL path, e.g. "/" or
// "/api/version". Registering the same path twice replaces the handler.
func (s *Server) Handle(url string, h Handler) {
	if s.handlers == nil {
		s.handlers = make(map[string]Handler)
	}
	s.handlers[url] = h
}

// Init registers the listener on Port. It must be called once after every
// URL handler of interest has been added with Handle.
func (s *Server) Init() error {
	return s.Endpoint.RegisterListener(Port, s.onEvent, func() interface{} {
		return &connState{}
	})
}

func (s *Server) onEvent(conn *tcpip.Conn, payload *pool.Buffer) {
	if !conn.Established() {
		conn.State = nil
		return
	}

	cs, _ := conn.State.(*connState)
	if cs == nil {
		cs = &connState{}
		conn.State = cs
	}

	if payload == nil {
		// Either the connection just opened (nothing to parse yet) or
		// this is a Poll tick: only a streaming handler cares about
		// the latter.
		if cs.handler != nil {
			cs.handler(s, conn, nil)
		}
		return
	}

	if cs.handler != nil {
		// A streaming handler is already serving this connection;
		// original_source/src/http.c has no provision for a second
		// request over the same connection, so further client data
		// is dropped. Unlike the original we still release the
		// buffer, since pool.Buffer must always be returned exactly
		// once.
		s.logger().Printf("httpd: dropping data received mid-response on port=%d", conn.PeerPort)
		s.Endpoint.Release(payload)
		return
	}

	req, err := parseRequest(payload.Bytes())
	s.Endpoint.Release(payload)

	if err != nil {
		s.logger().Printf("httpd: closing after invalid request: %v", err)
		s.Endpoint.Close(conn)
		return
	}

	s.dispatch(conn, cs, req)
}

func (s *Server) dispatch(conn *tcpip.Conn, cs *connState, req *Request) {
	h, ok := s.handlers[req.URL]
	if !ok {
		h = notFound
	}

	cs.handler = h
	h(s, conn, req)
}

func notFound(s *Server, conn *tcpip.Conn, req *Request) {
	s.StartResponse(conn, 404, "text/plain", []byte("Not found"))
	s.EndResponse(conn)
}

// parseRequest splits a single inbound segment into method, URL, query
// string and body, matching handle_new_request byte for byte: GET/POST
// only, URL terminated by whitespace or '?', query string (if any)
// terminated by whitespace, body starting immediately after the first
// blank line.
func parseRequest(data []byte) (*Request, error) {
	p := skipSpace(data, 0)

	req := &Request{}
	switch {
	case hasPrefixAt(data, p, "GET "):
		req.Method = MethodGET
		p += 4
	case hasPrefixAt(data, p, "POST "):
		req.Method = MethodPOST
		p += 5
	default:
		return nil, ErrMalformedRequest
	}

	p = skipSpace(data, p)
	urlStart := p
	for p < len(data) && !isSpace(data[p]) && data[p] != '?' {
		p++
	}
	if p >= len(data) {
		return nil, ErrMalformedRequest
	}
	req.URL = string(data[urlStart:p])

	if data[p] == '?' {
		p++
		qsStart := p
		for p < len(data) && !isSpace(data[p]) {
			p++
		}
		if p >= len(data) {
			return nil, ErrMalformedRequest
		}
		req.QueryString = string(data[qsStart:p])
	}

	headerEnd := bytes.Index(data[p:], []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, ErrMalformedRequest
	}

	req.Body = data[p+headerEnd+4:]

	return req, nil
}

func skipSpace(data []byte, p int) int {
	for p < len(data) && isSpace(data[p]) {
		p++
	}
	return p
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	default:
		return false
	}
}

func hasPrefixAt(data []byte, p int, prefix string) bool {
	if p+len(prefix) > len(data) {
		return false
	}
	return string(data[p:p+len(prefix)]) == prefix
}
