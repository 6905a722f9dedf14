// Package peer implements one protocol connection: framing in and out,
// banner negotiation, the in-band TLS upgrade, the authentication gate and
// the single pending continuation a task may wait on. All Conn state is
// owned by the reactor loop; methods documented as loop-only must run there.
package peer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/chronologos/rrepl/internal/auth"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/transport"
)

// DefaultNegotiationTimeout bounds the wait for a compatible banner and for
// the TLS handshake.
const DefaultNegotiationTimeout = 15 * time.Second

const readBufSize = 32 * 1024

// ErrAuthFailed is the close reason after too many failed attempts.
var ErrAuthFailed = auth.ErrAuthFailed

// Config describes one side of a connection.
type Config struct {
	Role Role

	// Scheme is announced by accepting sides and expected by connecting
	// sides (transport.SchemePlain or transport.SchemeSecure).
	Scheme string

	// TLS is the server config on accepting sides and the client config on
	// connecting sides. Nil means this side cannot do TLS.
	TLS *tls.Config

	// Auth, on accepting sides, turns on the authentication gate.
	Auth            auth.Predicate
	MaxAuthAttempts int
	Observers       *auth.Observers

	NegotiationTimeout time.Duration
	Logger             *slog.Logger
}

type directiveKind int

const (
	dirContinue directiveKind = iota
	dirUpgradeTLS
	dirDetach
	dirStop
)

// directive tells the reader goroutine what to do after the loop has
// processed the message it just delivered.
type directive struct {
	kind   directiveKind
	detach func(net.Conn)
}

var nextID atomic.Uint64

// Conn is one protocol connection.
type Conn struct {
	id      uint64
	loop    *reactor.Loop
	cfg     Config
	handler any
	log     *slog.Logger

	raw        net.Conn
	w          *writer
	directives chan directive
	done       chan struct{}

	closeAfterFlush atomic.Bool

	// Everything below is loop-owned.
	state      State
	tlsStarted bool
	tlsActive  bool
	negotiated bool
	auth       auth.State
	user       string
	remote     *protocol.Banner
	held       []protocol.Message
	pending    chan protocol.Message
	negTimer   *reactor.Timer
	inDispatch bool
	next       directive
	closed     bool
	closing    bool
	closingErr error
	err        error
	hooks      []func(error)
}

// New wraps raw. handler receives dispatched messages through the
// interfaces in handlers.go. Call Start on the loop to begin.
func New(loop *reactor.Loop, raw net.Conn, handler any, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.Scheme == "" {
		cfg.Scheme = transport.SchemePlain
	}
	c := &Conn{
		id:         nextID.Add(1),
		loop:       loop,
		cfg:        cfg,
		handler:    handler,
		raw:        raw,
		directives: make(chan directive, 1),
		done:       make(chan struct{}),
		auth:       auth.NewState(cfg.Role == Accepting && cfg.Auth != nil, cfg.MaxAuthAttempts),
	}
	c.log = cfg.Logger.With("component", "peer", "conn", c.id, "role", cfg.Role.String(), "remote", raw.RemoteAddr().String())
	return c
}

// Start begins negotiation and the connection's I/O goroutines. Loop-only.
func (c *Conn) Start() {
	c.w = newWriter(c.raw, c.writerDone)
	go c.w.run()

	initialTLS := false
	switch c.cfg.Role {
	case Accepting:
		c.write(LocalBanner(c.cfg.Scheme))
		c.state = SchemeAgreed
		if c.cfg.Scheme == transport.SchemeSecure && c.cfg.TLS != nil {
			c.tlsStarted = true
			c.state = TLSNegotiating
			initialTLS = true
		} else {
			c.afterTransport()
		}
	case Connecting:
		c.armNegotiationTimer()
	}
	go c.readLoop(initialTLS)
}

func (c *Conn) armNegotiationTimer() {
	c.negTimer.Stop()
	c.negTimer = c.loop.AfterFunc(c.cfg.NegotiationTimeout, func() {
		if c.state < SchemeAgreed {
			c.Close(ErrNegotiationTimeout)
		}
	})
}

// afterTransport runs on accepting sides once the transport (plain or TLS)
// is settled.
func (c *Conn) afterTransport() {
	if c.auth.Required {
		c.state = AuthPending
		c.write(&protocol.AuthResponse{Granted: false})
		return
	}
	c.activate()
}

func (c *Conn) activate() {
	c.state = Active
	held := c.held
	c.held = nil
	for _, m := range held {
		c.write(m)
	}
	if !c.negotiated {
		c.negotiated = true
		c.log.Debug("connection active", "tls", c.tlsActive, "user", c.user)
		if x, ok := c.handler.(NegotiatedHandler); ok {
			x.Negotiated(c)
		}
	}
}

// Send queues msg for the peer, holding it while TLS or authentication is
// still being negotiated. Loop-only.
func (c *Conn) Send(msg protocol.Message) {
	if c.closed || c.closing {
		return
	}
	if c.holding(msg) {
		c.held = append(c.held, msg)
		return
	}
	c.write(msg)
}

// SendAsync is Send for goroutines other than the loop.
func (c *Conn) SendAsync(msg protocol.Message) {
	c.loop.Post(func() { c.Send(msg) })
}

func (c *Conn) holding(msg protocol.Message) bool {
	if c.cfg.Role == Connecting {
		return c.state != Active
	}
	switch c.state {
	case TLSNegotiating:
		return true
	case AuthPending:
		_, isAuth := msg.(*protocol.AuthResponse)
		return !isAuth
	}
	return false
}

func (c *Conn) write(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("encode message", "tag", msg.Tag(), "err", err)
		return
	}
	c.w.enqueue(frame)
}

// deliver runs one inbound message on the loop and answers the reader.
func (c *Conn) deliver(msg protocol.Message) {
	c.inDispatch = true
	c.next = directive{kind: dirContinue}
	c.dispatch(msg)
	c.inDispatch = false

	d := c.next
	if (c.closed || c.closing) && d.kind != dirDetach {
		d = directive{kind: dirStop}
	}
	c.directives <- d
}

func (c *Conn) dispatch(msg protocol.Message) {
	if c.closed || c.closing {
		return
	}
	switch m := msg.(type) {
	case *protocol.StartTLS:
		c.StartTLS()
		return
	case *protocol.Banner:
		if c.cfg.Role == Connecting {
			c.negotiate(m)
			return
		}
	case *protocol.AuthRequest:
		if c.cfg.Role == Accepting {
			c.authenticate(m)
			return
		}
	}
	if c.cfg.Role == Accepting && c.state == AuthPending {
		c.write(&protocol.AuthResponse{Granted: false})
		return
	}
	if !Dispatch(c, c.handler, msg) {
		c.log.Debug("unhandled message", "tag", msg.Tag())
	}
}

func (c *Conn) negotiate(m *protocol.Banner) {
	if c.state != Connected {
		c.log.Warn("unexpected banner", "banner", m.String(), "state", c.state)
		return
	}
	c.state = BannerExchanged
	upgrade, err := CheckBanner(LocalBanner(c.cfg.Scheme), m, c.cfg.TLS != nil)
	if err != nil {
		c.Close(err)
		return
	}
	c.negTimer.Stop()
	c.negTimer = nil
	c.remote = m
	c.state = SchemeAgreed
	if x, ok := c.handler.(BannerHandler); ok {
		x.HandleBanner(c, m)
	}
	if upgrade {
		c.StartTLS()
		return
	}
	c.activate()
}

// StartTLS begins the TLS upgrade. It is idempotent: only the first call
// per negotiation starts a handshake. It must run while a message is being
// dispatched, because the reader goroutine performs the handshake before
// reading further. Loop-only.
func (c *Conn) StartTLS() bool {
	if c.tlsStarted {
		return false
	}
	if c.cfg.TLS == nil {
		c.log.Warn("TLS requested but not configured")
		return false
	}
	if !c.inDispatch {
		c.log.Error("TLS upgrade outside dispatch", "err", ErrNotDispatching)
		return false
	}
	c.tlsStarted = true
	c.state = TLSNegotiating
	c.next = directive{kind: dirUpgradeTLS}
	return true
}

func (c *Conn) tlsEstablished() {
	if c.closed {
		return
	}
	c.tlsActive = true
	c.state = TLSEstablished
	c.log.Debug("tls established")
	if c.cfg.Role == Accepting && !c.negotiated {
		c.afterTransport()
		return
	}
	c.activate()
}

func (c *Conn) authenticate(m *protocol.AuthRequest) {
	if !c.auth.Required {
		c.write(&protocol.AuthResponse{Granted: true})
		return
	}
	if m.User == "" || m.Pass == "" {
		c.write(&protocol.AuthResponse{Reason: auth.ReasonMalformed})
		return
	}
	ip := c.RemoteIP()
	c.emit(auth.EventAttempt, m.User, ip)
	switch c.auth.Attempt(m.User, m.Pass, c.cfg.Auth) {
	case auth.Granted:
		c.user = m.User
		c.state = Authenticated
		c.log.Info("authenticated", "user", m.User)
		c.emit(auth.EventSuccess, m.User, ip)
		c.write(&protocol.AuthResponse{Granted: true})
		c.activate()
	case auth.Rejected:
		c.log.Warn("authentication failed", "user", m.User, "remaining", c.auth.AttemptsRemaining)
		c.emit(auth.EventFail, m.User, ip)
		c.write(&protocol.AuthResponse{Granted: false})
	case auth.Exhausted:
		c.log.Warn("authentication attempts exhausted", "user", m.User)
		c.emit(auth.EventFail, m.User, ip)
		c.write(&protocol.AuthResponse{Reason: auth.ReasonExhausted})
		c.CloseAfterWriting(fmt.Errorf("%w: %s", ErrAuthFailed, auth.ReasonExhausted))
	}
}

func (c *Conn) emit(event auth.Event, user, ip string) {
	if c.cfg.Observers != nil {
		c.cfg.Observers.Emit(event, user, ip)
	}
}

// Renegotiate expects a fresh banner on the same socket, as happens after
// the broker starts relaying to another server. Connecting sides only.
// Loop-only.
func (c *Conn) Renegotiate() {
	c.state = Connected
	c.remote = nil
	c.negotiated = false
	if !c.tlsActive {
		c.tlsStarted = false
	}
	c.armNegotiationTimer()
}

// Detach hands the socket, with any bytes read past the current message,
// to fn on the reader goroutine once everything already queued has been
// written. The Conn is finished afterwards but the socket stays open.
// Only valid while dispatching a message. Loop-only.
func (c *Conn) Detach(fn func(net.Conn)) error {
	if !c.inDispatch {
		return ErrNotDispatching
	}
	if c.closed {
		return ErrConnClosed
	}
	c.next = directive{kind: dirDetach, detach: fn}
	c.w.finish(false)
	c.terminate(nil, false)
	return nil
}

// Close terminates the connection: held messages are discarded, timers
// cancelled and close hooks run. Loop-only.
func (c *Conn) Close(err error) {
	c.terminate(err, true)
}

// CloseAfterWriting stops processing input and closes once every queued
// message has been written. Loop-only.
func (c *Conn) CloseAfterWriting(err error) {
	if c.closed || c.closing {
		return
	}
	c.closing = true
	c.closingErr = err
	c.held = nil
	c.closeAfterFlush.Store(true)
	c.w.finish(false)
}

// Abort closes the socket from any goroutine; the loop finishes teardown.
func (c *Conn) Abort() {
	c.raw.Close()
}

func (c *Conn) terminate(err error, closeRaw bool) {
	if c.closed {
		return
	}
	if c.closing && c.closingErr != nil {
		err = c.closingErr
	}
	c.closed = true
	c.state = Terminated
	c.err = err
	c.held = nil
	c.pending = nil
	c.negTimer.Stop()
	if closeRaw {
		if c.w != nil {
			c.w.finish(true)
		}
		c.raw.Close()
	}
	close(c.done)

	if err != nil {
		c.log.Info("connection closed", "err", err)
	} else {
		c.log.Debug("connection closed")
	}
	for _, h := range c.hooks {
		h(err)
	}
	c.hooks = nil
	if x, ok := c.handler.(ClosedHandler); ok {
		x.Closed(c, err)
	}
}

func (c *Conn) writerDone(err error) {
	if err != nil {
		c.loop.Post(func() { c.Close(fmt.Errorf("write: %w", err)) })
		return
	}
	if c.closeAfterFlush.Load() {
		c.raw.Close()
		c.loop.Post(func() { c.Close(nil) })
	}
}

// OnClose registers fn to run on the loop when the connection terminates.
// If it already has, fn runs immediately. Loop-only.
func (c *Conn) OnClose(fn func(err error)) {
	if c.closed {
		fn(c.err)
		return
	}
	c.hooks = append(c.hooks, fn)
}

// Suspend parks the calling task goroutine until the loop resumes it with a
// message. prepare runs on the loop after the continuation is registered,
// so a request sent from prepare can never be answered before the task is
// waiting. A connection holds at most one continuation; a second Suspend
// fails with ErrPendingContinuation. If the connection closes first,
// Suspend returns ErrConnClosed. Must not be called from the loop.
func (c *Conn) Suspend(ctx context.Context, prepare func()) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	var err error
	if !c.loop.Call(func() {
		switch {
		case c.closed:
			err = ErrConnClosed
		case c.pending != nil:
			err = ErrPendingContinuation
		default:
			c.pending = ch
			if prepare != nil {
				prepare()
			}
		}
	}) {
		return nil, ErrConnClosed
	}
	if err != nil {
		return nil, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-ch:
			return msg, nil
		default:
			return nil, ErrConnClosed
		}
	case <-ctx.Done():
		c.loop.Post(func() {
			if c.pending == ch {
				c.pending = nil
			}
		})
		return nil, ctx.Err()
	}
}

// Resume delivers msg to the suspended task, if any. Loop-only.
func (c *Conn) Resume(msg protocol.Message) bool {
	if c.pending == nil {
		return false
	}
	ch := c.pending
	c.pending = nil
	ch <- msg
	return true
}

// Waiting reports whether a task is suspended on this connection.
// Loop-only.
func (c *Conn) Waiting() bool { return c.pending != nil }

func (c *Conn) readLoop(initialTLS bool) {
	cur := c.raw
	var dec protocol.Decoder

	if initialTLS {
		next, err := c.upgrade(cur, &dec)
		if err != nil {
			c.loop.Post(func() { c.Close(err) })
			return
		}
		cur = next
	}

	buf := make([]byte, readBufSize)
	for {
		for {
			msg, ok, err := dec.Next()
			if err != nil {
				c.loop.Post(func() { c.log.Warn("dropped frame", "err", err) })
			}
			if !ok {
				break
			}
			if err != nil {
				continue
			}
			if !c.loop.Post(func() { c.deliver(msg) }) {
				return
			}
			var d directive
			select {
			case d = <-c.directives:
			case <-c.loop.Done():
				return
			}
			switch d.kind {
			case dirStop:
				return
			case dirUpgradeTLS:
				next, err := c.upgrade(cur, &dec)
				if err != nil {
					c.loop.Post(func() { c.Close(err) })
					return
				}
				cur = next
			case dirDetach:
				c.handoff(cur, &dec, d.detach)
				return
			}
		}

		n, err := cur.Read(buf)
		if n > 0 {
			dec.Append(buf[:n])
		}
		if err != nil {
			if transport.IsExpectedCloseError(err) {
				err = nil
			}
			c.loop.Post(func() { c.Close(err) })
			return
		}
	}
}

// upgrade runs the TLS handshake on the reader goroutine. Bytes already
// buffered behind the trigger message belong to the handshake and are
// replayed into it.
func (c *Conn) upgrade(cur net.Conn, dec *protocol.Decoder) (net.Conn, error) {
	if err := c.w.drain(); err != nil {
		return nil, err
	}
	under := transport.WithPrefix(cur, dec.Buffered())
	dec.Reset()

	var tc *tls.Conn
	if c.cfg.Role == Accepting {
		tc = tls.Server(under, c.cfg.TLS)
	} else {
		tc = tls.Client(under, c.cfg.TLS)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NegotiationTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	c.w.swap(tc)
	c.loop.Post(c.tlsEstablished)
	return tc, nil
}

func (c *Conn) handoff(cur net.Conn, dec *protocol.Decoder, fn func(net.Conn)) {
	if err := c.w.drain(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Warn("flush before hand-off", "err", err)
	}
	fn(transport.WithPrefix(cur, dec.Buffered()))
}

// ID is a process-unique connection number.
func (c *Conn) ID() uint64 { return c.id }

// Loop returns the reactor loop that owns the connection.
func (c *Conn) Loop() *reactor.Loop { return c.loop }

// Logger returns the connection's logger.
func (c *Conn) Logger() *slog.Logger { return c.log }

// Role returns which end this is.
func (c *Conn) Role() Role { return c.cfg.Role }

// State returns the negotiation state. Loop-only.
func (c *Conn) State() State { return c.state }

// TLSActive reports whether traffic is encrypted. Loop-only.
func (c *Conn) TLSActive() bool { return c.tlsActive }

// User returns the authenticated user name, if any. Loop-only.
func (c *Conn) User() string { return c.user }

// RemoteBanner returns the banner received by a connecting side. Loop-only.
func (c *Conn) RemoteBanner() *protocol.Banner { return c.remote }

// AuthState returns a copy of the authentication state. Loop-only.
func (c *Conn) AuthState() auth.State { return c.auth }

// Closed reports whether the connection has terminated. Loop-only.
func (c *Conn) Closed() bool { return c.closed }

// Err returns the termination error once Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// LocalAddr returns this side's address.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// RemoteIP returns the peer's IP without the port.
func (c *Conn) RemoteIP() string {
	if addr, ok := c.raw.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(c.raw.RemoteAddr().String())
	if err != nil {
		return c.raw.RemoteAddr().String()
	}
	return host
}
