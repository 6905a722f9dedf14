package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Credentials answers a server's authentication challenge. It is called
// off the loop and may block on the user.
type Credentials interface {
	Credentials(ctx context.Context) (user, pass string, err error)
}

// StaticCredentials always answers with the same user and password.
type StaticCredentials struct {
	User string
	Pass string
}

func (s StaticCredentials) Credentials(context.Context) (string, string, error) {
	return s.User, s.Pass, nil
}

// TerminalCredentials asks on a terminal. The password is read without
// echo when In is a terminal.
type TerminalCredentials struct {
	In  *os.File
	Out io.Writer
	// User skips the user name question when set.
	User string
}

func (t TerminalCredentials) Credentials(ctx context.Context) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	user := t.User
	if user == "" {
		fmt.Fprint(t.Out, "user: ")
		var err error
		if user, err = readLine(t.In); err != nil {
			return "", "", fmt.Errorf("read user: %w", err)
		}
	}

	fmt.Fprint(t.Out, "password: ")
	fd := int(t.In.Fd())
	if !term.IsTerminal(fd) {
		pass, err := readLine(t.In)
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		return user, pass, nil
	}
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}
	return user, string(pass), nil
}

// readLine reads one line a byte at a time so nothing after it is consumed
// from r.
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				return strings.TrimRight(sb.String(), "\r"), nil
			}
			sb.WriteByte(b[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
	}
}
