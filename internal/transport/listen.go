package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// AutoPortAttempts is how many consecutive ports ListenAuto tries.
const AutoPortAttempts = 100

// Listen binds a plain TCP listener. TLS, when used, is negotiated in-band
// after the banner, so listeners never wrap connections themselves.
func Listen(host string, port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen %s:%d: %w", host, port, err)
	}
	return ln, nil
}

// ListenAuto binds the first free port in [start, start+AutoPortAttempts).
func ListenAuto(host string, start int) (net.Listener, error) {
	var lastErr error
	for port := start; port < start+AutoPortAttempts && port <= 65535; port++ {
		ln, err := Listen(host, port)
		if err == nil {
			return ln, nil
		}
		if !IsAddrInUse(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d..%d: %w", start, start+AutoPortAttempts-1, lastErr)
}

// IsAddrInUse reports whether err is a bind conflict.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Port returns the TCP port ln is bound to.
func Port(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Serve accepts connections until ctx is cancelled or ln fails, handing
// each to handle on the accepting goroutine. handle must not block.
// The listener is closed on return.
func Serve(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		handle(conn)
	}
}
