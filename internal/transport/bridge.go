package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

type copyResult struct {
	n   int64
	err error
}

// Bridge copies bytes both ways between a and b until either side stops,
// then closes both. It returns the first direction's error unless that
// error is an ordinary hang-up.
func Bridge(a, b net.Conn) error {
	done := make(chan copyResult, 2)

	go func() {
		n, err := io.Copy(b, a)
		done <- copyResult{n, err}
	}()
	go func() {
		n, err := io.Copy(a, b)
		done <- copyResult{n, err}
	}()

	first := <-done
	a.Close()
	b.Close()
	<-done

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return first.err
	}
	return nil
}

// IsExpectedCloseError reports whether err is a normal hang-up: EOF, a
// closed connection, a broken pipe or a reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
