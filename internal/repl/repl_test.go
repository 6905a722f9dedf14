package repl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/server"
)

func TestEval(t *testing.T) {
	e := New("")
	tests := []struct {
		line string
		want string
	}{
		{"1+1", "2"},
		{`"a" + "b"`, `"ab"`},
		{"7/2.0", "3.5"},
		{"1<<10", "1024"},
		{"x = 6*7", "42"},
		{"x+1", "43"},
		{"x == 42", "true"},
		{"x <= 1", "false"},
		{"x = 1", "1"},
		{"x + 1", "2"},
		{"y = x * 10", "10"},
	}
	for _, tt := range tests {
		got, err := e.Eval(tt.line)
		if err != nil {
			t.Fatalf("Eval(%q): %v", tt.line, err)
		}
		if got != tt.want {
			t.Fatalf("Eval(%q) = %s, want %s", tt.line, got, tt.want)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	e := New("")
	if _, err := e.Eval("undefined + 1"); err == nil {
		t.Fatal("expected error for undefined name")
	}
	if _, err := e.Eval("[]int{1}"); !errors.Is(err, ErrNotConstant) {
		t.Fatalf("expected ErrNotConstant, got %v", err)
	}
	if _, err := e.Eval("1 +"); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestComplete(t *testing.T) {
	e := New("")
	if _, err := e.Eval("xylophone = 1"); err != nil {
		t.Fatal(err)
	}
	for prefix, want := range map[string]string{
		"xy": "xylophone",
		":e": ":edit",
		"tr": "true",
	} {
		got := e.Complete(prefix)
		if len(got) != 1 || got[0] != want {
			t.Fatalf("Complete(%q) = %v, want [%s]", prefix, got, want)
		}
	}
}

// session drives a server running the engine over a real socket.
type session struct {
	t     *testing.T
	conn  net.Conn
	dec   protocol.Decoder
	queue []protocol.Message
}

func serve(t *testing.T, e *Engine) *session {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.Logger = logger

	loop := reactor.New(nil)
	lctx, lcancel := context.WithCancel(context.Background())
	go loop.Run(lctx)

	srv := server.New(loop, e, server.Options{Host: "127.0.0.1", Logger: logger})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		lcancel()
		<-loop.Done()
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &session{t: t, conn: conn}
}

func (s *session) send(msg protocol.Message) {
	s.t.Helper()
	if err := protocol.WriteMessage(s.conn, msg); err != nil {
		s.t.Fatal(err)
	}
}

func (s *session) next() protocol.Message {
	s.t.Helper()
	buf := make([]byte, 4096)
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(s.queue) == 0 {
		n, err := s.conn.Read(buf)
		msgs, _ := s.dec.Feed(buf[:n])
		s.queue = append(s.queue, msgs...)
		if err != nil && len(s.queue) == 0 {
			s.t.Fatalf("read: %v", err)
		}
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg
}

func (s *session) expectPrompt(text string) {
	s.t.Helper()
	p, ok := s.next().(*protocol.Prompt)
	if !ok || p.Text != text {
		s.t.Fatalf("expected prompt %q, got %#v", text, p)
	}
}

func (s *session) expectOutput(contains string) string {
	s.t.Helper()
	msg := s.next()
	r, ok := msg.(*protocol.Raw)
	if !ok || !strings.Contains(r.Text, contains) {
		s.t.Fatalf("expected output containing %q, got %#v", contains, msg)
	}
	return r.Text
}

func TestServeOverServer(t *testing.T) {
	s := serve(t, New("app> "))
	if _, ok := s.next().(*protocol.Banner); !ok {
		t.Fatal("expected banner")
	}
	s.expectPrompt("app> ")

	s.send(&protocol.Raw{Text: "1+1"})
	if out := s.expectOutput("2"); out != "2\n" {
		t.Fatalf("output %q", out)
	}
	s.expectPrompt("app> ")

	s.send(&protocol.Raw{Text: "x = 1"})
	s.expectOutput("1")
	s.expectPrompt("app> ")

	s.send(&protocol.Raw{Text: ":edit x"})
	s.expectOutput("editing x")
	s.expectPrompt("x| ")
	s.send(&protocol.Raw{Text: "2*3"})
	s.expectPrompt("x| ")
	s.send(&protocol.Raw{Text: server.EditEnd})
	s.expectOutput("6")
	s.expectPrompt("app> ")

	s.send(&protocol.Raw{Text: ":vars"})
	s.expectOutput("x = 6")
	s.expectPrompt("app> ")

	s.send(&protocol.CompletionRequest{Prefix: ":v"})
	res, ok := s.next().(*protocol.CompletionResult)
	if !ok || len(res.Candidates) != 1 || res.Candidates[0] != ":vars" {
		t.Fatalf("unexpected completion %#v", res)
	}

	s.send(&protocol.Raw{Text: "exit"})
	s.expectOutput("bye")
}
