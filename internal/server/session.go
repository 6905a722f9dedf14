package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/chronologos/rrepl/internal/metrics"
	"github.com/chronologos/rrepl/internal/peer"
	"github.com/chronologos/rrepl/internal/protocol"
)

const (
	shellRefused = "\033[1mshell commands are not allowed by this server\033[0m\n"
	shellBusy    = "\033[1ma shell command is already running\033[0m\n"
)

// session is the server role handler for one connection. Its fields are
// owned by the loop.
type session struct {
	srv    *Server
	conn   *peer.Conn
	term   *Terminal
	log    *slog.Logger
	cancel context.CancelFunc

	lines      []string
	lastPrompt string
	shell      *shellCmd
	active     bool
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ServerID:   s.srv.id,
		ConnID:     s.conn.ID(),
		User:       s.conn.User(),
		RemoteAddr: s.conn.RemoteAddr().String(),
		TLS:        s.conn.TLSActive(),
	}
}

func (s *session) nextLine() (string, bool) {
	if len(s.lines) == 0 {
		return "", false
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, true
}

// run drives the engine on the session's task goroutine.
func (s *session) run(ctx context.Context) {
	err := s.srv.engine.Serve(ctx, s.term)
	switch {
	case err == nil:
	case errors.Is(err, peer.ErrConnClosed), errors.Is(err, context.Canceled):
		return
	default:
		s.log.Warn("engine stopped", "err", err)
	}
	s.conn.Loop().Post(func() { s.conn.CloseAfterWriting(nil) })
}

func (s *session) sendLastPrompt() {
	if s.lastPrompt != "" {
		s.conn.Send(&protocol.Prompt{Text: s.lastPrompt})
	}
}

func attribute(text, user string) string {
	if user == "" {
		return text
	}
	return text + " (@" + user + ")"
}

func (s *session) Negotiated(c *peer.Conn) {
	s.active = true
	s.srv.metrics.Add(metrics.ActiveSessions, 1)
	s.log.Info("session started", "user", c.User(), "tls", c.TLSActive())
	if hook, ok := s.srv.engine.(NegotiationHook); ok {
		hook.Negotiated(s.info())
	}
}

func (s *session) Closed(c *peer.Conn, err error) {
	s.cancel()
	if s.shell != nil {
		s.shell.kill()
		s.shell = nil
	}
	if s.active {
		s.srv.metrics.Reduce(metrics.ActiveSessions, 1)
	}
	s.srv.hub.remove(s)
	delete(s.srv.sessions, s)
	s.log.Debug("session ended", "err", err)
}

func (s *session) HandleRaw(c *peer.Conn, m *protocol.Raw) {
	if m.Text == "" {
		s.sendLastPrompt()
		return
	}
	s.lines = append(s.lines, strings.Split(strings.TrimSuffix(m.Text, "\n"), "\n")...)
	if c.Waiting() {
		line, _ := s.nextLine()
		c.Resume(&protocol.Raw{Text: line})
	}
}

func (s *session) HandleCompletionRequest(c *peer.Conn, m *protocol.CompletionRequest) {
	var candidates []string
	if comp, ok := s.srv.engine.(Completer); ok {
		candidates = comp.Complete(m.Prefix)
	}
	c.Send(&protocol.CompletionResult{Candidates: candidates})
}

func (s *session) HandleMsg(c *peer.Conn, m *protocol.Msg) {
	text := attribute(m.Text, c.User())
	for _, p := range s.srv.hub.peers(s, true) {
		p.conn.SendAsync(&protocol.Msg{Text: text})
	}
	s.srv.metrics.Add(metrics.ChatMessages, 1)
	s.sendLastPrompt()
}

func (s *session) HandleMsgBroadcast(c *peer.Conn, m *protocol.MsgBroadcast) {
	text := attribute(m.Text, c.User())
	for _, p := range s.srv.hub.peers(s, false) {
		p.conn.SendAsync(&protocol.MsgBroadcast{Text: text})
	}
	s.srv.metrics.Add(metrics.ChatMessages, 1)
	s.sendLastPrompt()
}

func (s *session) HandleShellCmd(c *peer.Conn, m *protocol.ShellCmd) {
	log := s.log.With("cmd", m.Command, "user", c.User(), "remote", c.RemoteAddr().String())
	if !s.srv.opts.AllowShell {
		log.Error("refused to execute shell command")
		c.Send(&protocol.Raw{Text: shellRefused})
		c.Send(&protocol.ShellResult{Code: -1})
		s.sendLastPrompt()
		return
	}
	if s.shell != nil {
		c.Send(&protocol.Raw{Text: shellBusy})
		return
	}

	var sh *shellCmd
	output := func(b []byte) {
		c.SendAsync(&protocol.ShellData{Data: b})
	}
	exited := func(code int) {
		c.Loop().Post(func() {
			if s.shell == sh {
				s.shell = nil
			}
			log.Info("shell command finished", "code", code)
			c.Send(&protocol.ShellResult{Code: code})
			s.sendLastPrompt()
		})
	}
	sh, err := startShell(m.Command, strconv.FormatUint(c.ID(), 10), s.srv.loop.Clock(), log, output, exited)
	if err != nil {
		log.Error("shell command failed", "err", err)
		c.Send(&protocol.Raw{Text: fmt.Sprintf("%v\n", err)})
		c.Send(&protocol.ShellResult{Code: -1})
		s.sendLastPrompt()
		return
	}
	log.Warn("executing shell command", "pid", sh.pid())
	s.shell = sh
	s.srv.metrics.Add(metrics.ShellCommands, 1)
}

func (s *session) HandleShellData(c *peer.Conn, m *protocol.ShellData) {
	if s.shell == nil {
		return
	}
	s.shell.send(m.Data)
}

func (s *session) HandleShellSignal(c *peer.Conn, m *protocol.ShellSignal) {
	if s.shell == nil {
		return
	}
	if err := s.shell.signal(m.Signal); err != nil {
		s.log.Warn("shell signal", "signal", m.Signal, "err", err)
	}
}

func (s *session) HandleUnknown(c *peer.Conn, m *protocol.Unknown) {
	s.log.Warn("received unexpected data", "value", m.Value)
	c.Send(&protocol.Raw{Text: fmt.Sprintf("received unexpected data: %v\n", m.Value)})
	s.sendLastPrompt()
}
