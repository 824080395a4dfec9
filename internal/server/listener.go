package server

import (
	"crypto/tls"
	"log"
	"net"
)

// Listener accepts connections and spawns a Handler for each, enforcing the
// capacity and ban checks from spec.md §7 ("Capacity: accept-then-close
// with no application traffic") before any handler runs.
type Listener struct {
	room      *Room
	tlsConfig *tls.Config
}

// NewListener constructs a Listener for room. tlsConfig may be nil to serve
// plain TCP.
func NewListener(room *Room, tlsConfig *tls.Config) *Listener {
	return &Listener{room: room, tlsConfig: tlsConfig}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown).
func (l *Listener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	ip := RemoteIP(conn)

	if l.room.Bans.Contains(ip) {
		log.Printf("[listener] rejected banned IP %s", ip)
		conn.Close()
		return
	}
	if !l.room.TryAcquireSlot() {
		log.Printf("[listener] rejected %s: at capacity", ip)
		conn.Close()
		return
	}
	defer l.room.ReleaseSlot()

	var stream Stream = conn
	if l.tlsConfig != nil {
		tlsConn := tls.Server(conn, l.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			log.Printf("[listener] TLS handshake failed for %s: %v", ip, err)
			tlsConn.Close()
			return
		}
		stream = tlsConn
	}

	h := NewHandler(l.room, stream, ip)
	h.Serve()
}
