package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/chronologos/rrepl/internal/metrics"
	"github.com/chronologos/rrepl/internal/peer"
	"github.com/chronologos/rrepl/internal/protocol"
)

// EditEnd terminates text entered through Terminal.Edit.
const EditEnd = "."

// Terminal is the Console handed to an Engine. Its methods are called from
// the session task goroutine, never from the loop.
type Terminal struct {
	sess *session
}

var (
	_ Console        = (*Terminal)(nil)
	_ EditorProvider = (*Terminal)(nil)
)

// ReadLine suspends the task until a line arrives.
func (t *Terminal) ReadLine(ctx context.Context, prompt string) (string, error) {
	s := t.sess
	msg, err := s.conn.Suspend(ctx, func() {
		s.lastPrompt = prompt
		if line, ok := s.nextLine(); ok {
			s.conn.Resume(&protocol.Raw{Text: line})
			return
		}
		s.conn.Send(&protocol.Prompt{Text: prompt})
	})
	if err != nil {
		return "", err
	}
	raw, ok := msg.(*protocol.Raw)
	if !ok {
		return "", fmt.Errorf("unexpected resume with %T", msg)
	}
	s.srv.metrics.Add(metrics.LinesEvaluated, 1)
	return raw.Text, nil
}

// Write sends text as raw output.
func (t *Terminal) Write(text string) error {
	c := t.sess.conn
	select {
	case <-c.Done():
		return peer.ErrConnClosed
	default:
	}
	if !c.Loop().Post(func() { c.Send(&protocol.Raw{Text: text}) }) {
		return peer.ErrConnClosed
	}
	return nil
}

// Edit shows text to the remote user and reads replacement lines until one
// consisting of EditEnd.
func (t *Terminal) Edit(ctx context.Context, name, text string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "editing %s, finish with a line containing only %q\n", name, EditEnd)
	if text != "" {
		b.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			b.WriteByte('\n')
		}
	}
	if err := t.Write(b.String()); err != nil {
		return "", err
	}

	var lines []string
	for {
		line, err := t.ReadLine(ctx, name+"| ")
		if err != nil {
			return "", err
		}
		if line == EditEnd {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}

// Info describes the session. The user is only known once authenticated.
func (t *Terminal) Info() SessionInfo {
	var info SessionInfo
	t.sess.conn.Loop().Call(func() { info = t.sess.info() })
	return info
}
