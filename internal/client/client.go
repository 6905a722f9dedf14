// Package client is the terminal-facing end of a session: it negotiates
// with a server (directly or through the broker), relays lines typed at the
// local terminal, prints what the server sends back and passes keyboard
// input through to shell commands.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/chronologos/rrepl/internal/auth"
	"github.com/chronologos/rrepl/internal/broker"
	"github.com/chronologos/rrepl/internal/peer"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/server"
	"github.com/chronologos/rrepl/internal/transport"
)

// discardHandler is a no-op slog handler. The client writes to the user's
// terminal, so it stays silent unless given a logger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

const (
	stdinBufSize = 32 * 1024
	dialTimeout  = 10 * time.Second

	// MaxRefreshes bounds how many fresh server lists a Chooser may ask for.
	MaxRefreshes        = 5
	DefaultRefreshDelay = time.Second
)

var (
	ErrNoCredentials = errors.New("server requires authentication and no credentials are configured")
	ErrNoServer      = errors.New("no matching server is registered")
)

// Options configures a Client.
type Options struct {
	// URL is a session URL, or the broker's URL when Chooser is set.
	// Credentials may be embedded as user:pass@.
	URL string

	// TLS defaults to transport.ClientTLSConfig.
	TLS         *tls.Config
	Credentials Credentials
	Chooser     Chooser
	// RefreshDelay spaces out server list reloads asked for by Chooser.
	RefreshDelay time.Duration

	NegotiationTimeout time.Duration
	Logger             *slog.Logger

	// Stdin, Stdout and Stderr default to the process's own. Raw mode is
	// only used when Stdin is a terminal.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Client runs one interactive session.
type Client struct {
	loop        *reactor.Loop
	opts        Options
	log         *slog.Logger
	creds       Credentials
	defaultPort int

	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	stdinFd int // -1 when stdin is not a terminal
	sigint  chan os.Signal
	ctx     context.Context

	// loop-owned
	conn         *peer.Conn
	redirect     string
	chosen       bool
	refreshes    int
	authAsking   bool
	inputStarted bool
	eof          bool
	input        []byte
	awaiting     bool
	prompt       string
	shell        bool
	escape       *EscapeProcessor
	rawState     *term.State
}

// New creates a client that runs on loop.
func New(loop *reactor.Loop, opts Options) *Client {
	if opts.TLS == nil {
		opts.TLS = transport.ClientTLSConfig()
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	fd := -1
	if f, ok := opts.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	c := &Client{
		loop:        loop,
		opts:        opts,
		log:         logger.With("component", "client"),
		creds:       opts.Credentials,
		defaultPort: server.DefaultPort,
		stdin:       opts.Stdin,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		stdinFd:     fd,
		sigint:      make(chan os.Signal, 1),
		escape:      NewEscapeProcessor(),
	}
	if opts.Chooser != nil {
		c.defaultPort = broker.DefaultPort
	}
	if u, err := url.Parse(opts.URL); err == nil && u.User != nil {
		pass, _ := u.User.Password()
		c.creds = StaticCredentials{User: u.User.Username(), Pass: pass}
	}
	return c
}

// Run connects and blocks until the session ends or ctx is cancelled. A
// session ended by the server or by end of input returns nil.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	go c.forwardInterrupts(ctx)

	target := c.opts.URL
	for {
		next, err := c.session(ctx, target)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if next == "" {
			return err
		}
		target = next
	}
}

// session runs one connection and returns the URL to continue with, if the
// chooser asked for a direct connection.
func (c *Client) session(ctx context.Context, target string) (string, error) {
	ep, err := transport.ParseURL(target, c.defaultPort)
	if err != nil {
		return "", err
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	raw, err := transport.Dial(dctx, ep.Addr())
	cancel()
	if err != nil {
		return "", err
	}
	c.status("client connected to %s", ep)

	var conn *peer.Conn
	started := c.loop.Call(func() {
		conn = peer.New(c.loop, raw, c, peer.Config{
			Role:               peer.Connecting,
			Scheme:             ep.Scheme,
			TLS:                c.opts.TLS,
			NegotiationTimeout: c.opts.NegotiationTimeout,
			Logger:             c.log,
		})
		c.conn = conn
		c.redirect = ""
		c.chosen = false
		c.refreshes = 0
		conn.Start()
	})
	if !started {
		raw.Close()
		return "", peer.ErrConnClosed
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
		c.loop.Call(func() { conn.Close(nil) })
		<-conn.Done()
		return "", ctx.Err()
	}
	var next string
	c.loop.Call(func() { next = c.redirect })
	return next, conn.Err()
}

func (c *Client) status(format string, args ...any) {
	fmt.Fprintf(c.stderr, "[rrepl] "+format+"\n", args...)
}

func (c *Client) write(text string) {
	io.WriteString(c.stdout, text)
}

func (c *Client) HandleBanner(conn *peer.Conn, m *protocol.Banner) {
	c.status("remote is %s", m)
}

func (c *Client) Negotiated(conn *peer.Conn) {
	c.log.Info("session negotiated", "tls", conn.TLSActive())
}

func (c *Client) Closed(conn *peer.Conn, err error) {
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.awaiting = false
	c.leaveShell()
	switch {
	case c.redirect != "":
		c.log.Debug("leaving broker", "url", c.redirect)
	case err != nil:
		c.status("session terminated: %v", err)
	default:
		c.status("session terminated")
	}
}

// HandleAuthResponse answers a challenge with credentials gathered off the
// loop. Repeated challenges while the user is still typing are ignored.
func (c *Client) HandleAuthResponse(conn *peer.Conn, m *protocol.AuthResponse) {
	if m.Granted {
		c.log.Info("authenticated")
		return
	}
	if m.Reason != "" {
		c.status("%s", m.Reason)
	}
	if m.Reason == auth.ReasonExhausted || c.authAsking {
		return
	}
	if c.creds == nil {
		conn.Close(ErrNoCredentials)
		return
	}
	c.authAsking = true
	ctx := c.ctx
	go func() {
		user, pass, err := c.creds.Credentials(ctx)
		c.loop.Post(func() {
			c.authAsking = false
			if conn.Closed() {
				return
			}
			if err != nil {
				conn.Close(fmt.Errorf("credentials: %w", err))
				return
			}
			conn.Send(&protocol.AuthRequest{User: user, Pass: pass})
		})
	}()
}

func (c *Client) HandlePrompt(conn *peer.Conn, m *protocol.Prompt) {
	c.prompt = m.Text
	c.awaiting = true
	c.write(m.Text)
	c.startInput()
	c.nextLine()
}

func (c *Client) HandleRaw(conn *peer.Conn, m *protocol.Raw) {
	c.write(m.Text)
}

func (c *Client) HandleMsg(conn *peer.Conn, m *protocol.Msg) {
	c.write(withNewline(m.Text))
}

func (c *Client) HandleMsgBroadcast(conn *peer.Conn, m *protocol.MsgBroadcast) {
	c.write(withNewline(m.Text))
}

func (c *Client) HandleShellData(conn *peer.Conn, m *protocol.ShellData) {
	c.stdout.Write(m.Data)
}

func (c *Client) HandleShellResult(conn *peer.Conn, m *protocol.ShellResult) {
	c.log.Debug("shell command finished", "code", m.Code)
	c.leaveShell()
}

func (c *Client) HandleClearBuffer(conn *peer.Conn, m *protocol.ClearBuffer) {
	c.input = nil
}

func (c *Client) HandleCompletionResult(conn *peer.Conn, m *protocol.CompletionResult) {
	if !conn.Resume(m) {
		c.log.Debug("unsolicited completion result")
	}
}

func (c *Client) HandleUnknown(conn *peer.Conn, m *protocol.Unknown) {
	c.log.Warn("received unexpected data", "value", m.Value)
}

// HandleServerList lets the chooser pick a server from the broker's list.
func (c *Client) HandleServerList(conn *peer.Conn, m *protocol.ServerList) {
	if c.opts.Chooser == nil || c.chosen {
		return
	}
	choice, err := c.opts.Chooser.Choose(m.Servers)
	switch {
	case err != nil:
		conn.Close(err)
	case choice.Refresh:
		c.refreshes++
		if c.refreshes > MaxRefreshes {
			conn.Close(ErrNoServer)
			return
		}
		c.loop.AfterFunc(c.opts.RefreshDelay, func() {
			if !conn.Closed() {
				conn.Send(&protocol.ServerListReloadRequest{})
			}
		})
	case choice.Proxy:
		c.chosen = true
		c.status("proxying to %s", choice.URL)
		conn.Send(&protocol.ProxyConnection{URL: choice.URL})
		conn.Renegotiate()
	default:
		c.chosen = true
		c.redirect = choice.URL
		conn.Close(nil)
	}
}

// Complete asks the server for completions of prefix and waits for them.
// Must not be called from the loop.
func (c *Client) Complete(ctx context.Context, prefix string) ([]string, error) {
	var conn *peer.Conn
	c.loop.Call(func() { conn = c.conn })
	if conn == nil {
		return nil, peer.ErrConnClosed
	}
	msg, err := conn.Suspend(ctx, func() {
		conn.Send(&protocol.CompletionRequest{Prefix: prefix})
	})
	if err != nil {
		return nil, err
	}
	res, ok := msg.(*protocol.CompletionResult)
	if !ok {
		return nil, fmt.Errorf("%w: %q in reply to a completion request", protocol.ErrProtocol, msg.Tag())
	}
	return res.Candidates, nil
}

// startInput begins reading the keyboard. It is deferred to the first
// prompt so credential questions can read the terminal directly.
func (c *Client) startInput() {
	if c.inputStarted {
		return
	}
	c.inputStarted = true
	go c.readStdin()
}

// readStdin forwards keyboard input to the loop until EOF. It survives
// redirects between broker and server.
func (c *Client) readStdin() {
	for {
		buf := make([]byte, stdinBufSize)
		n, err := c.stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if !c.loop.Post(func() { c.keyboard(data) }) {
				return
			}
		}
		if err != nil {
			c.loop.Post(c.stdinClosed)
			return
		}
	}
}

func (c *Client) keyboard(data []byte) {
	if c.shell {
		c.forwardShell(data)
		return
	}
	c.input = append(c.input, data...)
	c.nextLine()
}

func (c *Client) stdinClosed() {
	c.eof = true
	if c.shell && c.conn != nil {
		c.conn.Send(&protocol.ShellSignal{Signal: protocol.SignalTerm})
		return
	}
	c.nextLine()
}

// nextLine sends the next complete line if the server is waiting for one.
// At end of input a partial line is sent as is, and nothing left closes
// the session.
func (c *Client) nextLine() {
	if !c.awaiting || c.conn == nil {
		return
	}
	line, ok := c.takeLine()
	if !ok {
		if c.eof {
			c.awaiting = false
			c.conn.CloseAfterWriting(nil)
		}
		return
	}
	c.awaiting = false
	c.submit(line)
}

func (c *Client) takeLine() (string, bool) {
	if i := bytes.IndexByte(c.input, '\n'); i >= 0 {
		line := strings.TrimSuffix(string(c.input[:i]), "\r")
		c.input = c.input[i+1:]
		return line, true
	}
	if c.eof && len(c.input) > 0 {
		line := string(c.input)
		c.input = nil
		return line, true
	}
	return "", false
}

func (c *Client) submit(line string) {
	if prefix, ok := strings.CutSuffix(line, "\t"); ok {
		c.completeLine(prefix)
		return
	}
	msg := LineMessage(line)
	c.conn.Send(msg)
	if _, ok := msg.(*protocol.ShellCmd); ok {
		c.enterShell()
	}
}

// completeLine prints the completions for a line that ended in a tab and
// asks for the line again.
func (c *Client) completeLine(prefix string) {
	ctx := c.ctx
	go func() {
		candidates, err := c.Complete(ctx, prefix)
		c.loop.Post(func() {
			if c.conn == nil {
				return
			}
			if err != nil {
				c.log.Debug("completion failed", "err", err)
			} else if len(candidates) > 0 {
				c.write(strings.Join(candidates, "  ") + "\n")
			}
			c.awaiting = true
			c.write(c.prompt)
			c.nextLine()
		})
	}()
}

// LineMessage turns a typed line into the message that carries it:
// ".cmd" runs a shell command, "!!text" broadcasts to every server's
// sessions, "!text" chats with this server's sessions and anything else is
// input for the remote console.
func LineMessage(line string) protocol.Message {
	switch {
	case len(line) > 1 && line[0] == '.':
		return &protocol.ShellCmd{Command: line[1:]}
	case strings.HasPrefix(line, "!!"):
		return &protocol.MsgBroadcast{Text: line[2:]}
	case strings.HasPrefix(line, "!"):
		return &protocol.Msg{Text: line[1:]}
	}
	return &protocol.Raw{Text: line}
}

func (c *Client) enterShell() {
	c.shell = true
	c.escape.Reset()
	signal.Notify(c.sigint, os.Interrupt)
	if c.stdinFd >= 0 {
		st, err := term.MakeRaw(c.stdinFd)
		if err != nil {
			c.log.Warn("make raw", "err", err)
		} else {
			c.rawState = st
		}
	}
	if len(c.input) > 0 {
		typed := c.input
		c.input = nil
		c.forwardShell(typed)
	}
	if c.eof {
		c.conn.Send(&protocol.ShellSignal{Signal: protocol.SignalTerm})
	}
}

func (c *Client) leaveShell() {
	if !c.shell {
		return
	}
	c.shell = false
	signal.Stop(c.sigint)
	if c.rawState != nil {
		term.Restore(c.stdinFd, c.rawState)
		c.rawState = nil
	}
}

func (c *Client) forwardShell(data []byte) {
	if c.conn == nil {
		return
	}
	fwd, terminate := c.escape.Process(data)
	if len(fwd) > 0 {
		c.conn.Send(&protocol.ShellData{Data: bytes.Clone(fwd)})
	}
	if terminate {
		c.conn.Send(&protocol.ShellSignal{Signal: protocol.SignalTerm})
	}
}

// forwardInterrupts turns ^C into an interrupt for the running shell
// command. Signals only arrive while a command runs.
func (c *Client) forwardInterrupts(ctx context.Context) {
	for {
		select {
		case <-c.sigint:
			c.loop.Post(func() {
				if c.shell && c.conn != nil {
					c.conn.Send(&protocol.ShellSignal{Signal: protocol.SignalInterrupt})
				}
			})
		case <-ctx.Done():
			return
		}
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
