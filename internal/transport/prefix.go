package transport

import (
	"bytes"
	"io"
	"net"
)

// prefixConn serves bytes that were read off the socket before a hand-off
// (a TLS upgrade or a relay) ahead of anything still in flight.
type prefixConn struct {
	net.Conn
	r io.Reader
}

// WithPrefix returns c with prefix replayed before its own data.
func WithPrefix(c net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return c
	}
	return &prefixConn{
		Conn: c,
		r:    io.MultiReader(bytes.NewReader(prefix), c),
	}
}

func (p *prefixConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}
