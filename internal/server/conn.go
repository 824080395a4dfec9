package server

import (
	"io"
	"net"
)

// Stream is the "framed byte stream" capability spec.md §9 calls for in
// place of the source's trait-based plain/TLS polymorphism: anything that
// can be read, written, and closed. *tls.Conn and *net.TCPConn both satisfy
// it unmodified.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// RemoteIP extracts the bare IP (no port) from a net.Conn's remote address,
// falling back to the full string for non-TCP streams (tests use net.Pipe,
// whose addresses are the literal string "pipe").
func RemoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
