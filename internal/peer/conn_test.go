package peer

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronologos/rrepl/internal/auth"
	"github.com/chronologos/rrepl/internal/clock"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/transport"
)

const waitTimeout = 5 * time.Second

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	panic("unreachable")
}

func startLoop(t *testing.T, clk clock.Clock) *reactor.Loop {
	t.Helper()
	loop := reactor.New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

// socketPair returns both ends of a loopback TCP connection.
func socketPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = receive(t, accepted, "accept")
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// recorder collects what a role handler sees.
type recorder struct {
	msgs       chan protocol.Message
	negotiated chan *Conn
	closed     chan error

	onNegotiated func(c *Conn)
	onBanner     func(c *Conn)
	onRaw        func(c *Conn, m *protocol.Raw)
}

func newRecorder() *recorder {
	return &recorder{
		msgs:       make(chan protocol.Message, 64),
		negotiated: make(chan *Conn, 4),
		closed:     make(chan error, 4),
	}
}

func (r *recorder) HandleBanner(c *Conn, m *protocol.Banner) {
	if r.onBanner != nil {
		r.onBanner(c)
	}
}
func (r *recorder) HandlePrompt(c *Conn, m *protocol.Prompt) { r.msgs <- m }
func (r *recorder) HandleRaw(c *Conn, m *protocol.Raw) {
	if r.onRaw != nil {
		r.onRaw(c, m)
		return
	}
	r.msgs <- m
}
func (r *recorder) HandleAuthResponse(c *Conn, m *protocol.AuthResponse) { r.msgs <- m }
func (r *recorder) HandleUnknown(c *Conn, m *protocol.Unknown)           { r.msgs <- m }
func (r *recorder) Negotiated(c *Conn) {
	if r.onNegotiated != nil {
		r.onNegotiated(c)
	}
	r.negotiated <- c
}
func (r *recorder) Closed(c *Conn, err error) { r.closed <- err }

func start(t *testing.T, loop *reactor.Loop, raw net.Conn, h any, cfg Config) *Conn {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discard
	}
	var c *Conn
	loop.Call(func() {
		c = New(loop, raw, h, cfg)
		c.Start()
	})
	return c
}

func tlsPair(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	cert, err := transport.GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	return transport.ServerTLSConfig(cert), transport.ClientTLSConfig()
}

func TestPlainNegotiation(t *testing.T) {
	loop := startLoop(t, nil)
	sraw, craw := socketPair(t)

	srv := newRecorder()
	srv.onNegotiated = func(c *Conn) { c.Send(&protocol.Prompt{Text: "app> "}) }
	cli := newRecorder()

	start(t, loop, sraw, srv, Config{Role: Accepting})
	cc := start(t, loop, craw, cli, Config{Role: Connecting})

	receive(t, srv.negotiated, "server negotiated")
	receive(t, cli.negotiated, "client negotiated")
	msg := receive(t, cli.msgs, "prompt")
	if p, ok := msg.(*protocol.Prompt); !ok || p.Text != "app> " {
		t.Fatalf("expected prompt, got %#v", msg)
	}

	var state State
	var tlsActive bool
	loop.Call(func() { state, tlsActive = cc.State(), cc.TLSActive() })
	if state != Active || tlsActive {
		t.Fatalf("client state %v tls %v", state, tlsActive)
	}
}

func TestTLSUpgradeFromPlainClient(t *testing.T) {
	loop := startLoop(t, nil)
	sraw, craw := socketPair(t)
	serverTLS, clientTLS := tlsPair(t)

	var handshakes atomic.Int32
	base := serverTLS
	serverTLS = &tls.Config{GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
		handshakes.Add(1)
		return base, nil
	}}

	srv := newRecorder()
	srv.onNegotiated = func(c *Conn) { c.Send(&protocol.Prompt{Text: "secure> "}) }
	cli := newRecorder()
	// The banner handler races the connection's own upgrade; only one
	// handshake may happen.
	upgrades := 0
	cli.onBanner = func(c *Conn) {
		c.StartTLS()
		if !c.StartTLS() {
			upgrades++
		}
	}

	sc := start(t, loop, sraw, srv, Config{Role: Accepting, Scheme: transport.SchemeSecure, TLS: serverTLS})
	cc := start(t, loop, craw, cli, Config{Role: Connecting, Scheme: transport.SchemePlain, TLS: clientTLS})

	msg := receive(t, cli.msgs, "prompt over tls")
	if p, ok := msg.(*protocol.Prompt); !ok || p.Text != "secure> " {
		t.Fatalf("expected prompt, got %#v", msg)
	}
	var serverTLSActive, clientTLSActive bool
	loop.Call(func() { serverTLSActive, clientTLSActive = sc.TLSActive(), cc.TLSActive() })
	if !serverTLSActive || !clientTLSActive {
		t.Fatalf("tls not active: server %v client %v", serverTLSActive, clientTLSActive)
	}
	if n := handshakes.Load(); n != 1 {
		t.Fatalf("expected 1 handshake, got %d", n)
	}
	if upgrades != 1 {
		t.Fatalf("second StartTLS should be a no-op")
	}
}

func TestSchemeMismatchCloses(t *testing.T) {
	loop := startLoop(t, nil)
	sraw, craw := socketPair(t)
	serverTLS, _ := tlsPair(t)

	start(t, loop, sraw, newRecorder(), Config{Role: Accepting, Scheme: transport.SchemeSecure, TLS: serverTLS})
	cli := newRecorder()
	start(t, loop, craw, cli, Config{Role: Connecting})

	err := receive(t, cli.closed, "client close")
	if !errors.Is(err, ErrSchemeMismatch) {
		t.Fatalf("expected ErrSchemeMismatch, got %v", err)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	loop := startLoop(t, fake)
	_, craw := socketPair(t)

	cli := newRecorder()
	start(t, loop, craw, cli, Config{Role: Connecting, NegotiationTimeout: 15 * time.Second})

	fake.WaitForTimers(1)
	fake.Advance(14 * time.Second)
	select {
	case err := <-cli.closed:
		t.Fatalf("closed early: %v", err)
	default:
	}
	fake.Advance(time.Second)
	err := receive(t, cli.closed, "timeout close")
	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("expected ErrNegotiationTimeout, got %v", err)
	}
}

func authedPair(t *testing.T, obs *auth.Observers) (loop *reactor.Loop, sc, cc *Conn, srv, cli *recorder) {
	t.Helper()
	loop = startLoop(t, nil)
	sraw, craw := socketPair(t)
	srv = newRecorder()
	cli = newRecorder()
	sc = start(t, loop, sraw, srv, Config{
		Role:            Accepting,
		Auth:            auth.Static("alice", "secret"),
		MaxAuthAttempts: 5,
		Observers:       obs,
	})
	cc = start(t, loop, craw, cli, Config{Role: Connecting})
	receive(t, cli.negotiated, "client negotiated")

	challenge := receive(t, cli.msgs, "auth challenge")
	if r, ok := challenge.(*protocol.AuthResponse); !ok || r.Granted || r.Reason != "" {
		t.Fatalf("expected challenge, got %#v", challenge)
	}
	return loop, sc, cc, srv, cli
}

func TestAuthRetryLimit(t *testing.T) {
	var obs auth.Observers
	var attempts, fails atomic.Int32
	obs.On(auth.EventAttempt, func(string, string) { attempts.Add(1) })
	obs.On(auth.EventFail, func(user, ip string) {
		if user == "alice" && ip == "127.0.0.1" {
			fails.Add(1)
		}
	})
	loop, _, cc, _, cli := authedPair(t, &obs)

	for i := 1; i <= 5; i++ {
		loop.Post(func() { cc.Send(&protocol.AuthRequest{User: "alice", Pass: "wrong"}) })
		reply := receive(t, cli.msgs, "auth reply").(*protocol.AuthResponse)
		if i < 5 && (reply.Granted || reply.Reason != "") {
			t.Fatalf("attempt %d: expected plain rejection, got %#v", i, reply)
		}
		if i == 5 && reply.Reason != auth.ReasonExhausted {
			t.Fatalf("attempt 5: expected exhaustion reason, got %#v", reply)
		}
	}

	err := receive(t, cli.closed, "client sees close")
	if err != nil {
		t.Fatalf("expected orderly close from server, got %v", err)
	}
	if attempts.Load() != 5 || fails.Load() != 5 {
		t.Fatalf("observers saw %d attempts, %d fails", attempts.Load(), fails.Load())
	}
}

func TestAuthHoldsOutputUntilGranted(t *testing.T) {
	loop, sc, cc, _, cli := authedPair(t, nil)

	loop.Call(func() {
		sc.Send(&protocol.Raw{Text: "first"})
		sc.Send(&protocol.Raw{Text: "second"})
		cc.Send(&protocol.Raw{Text: "sneaky"})
	})

	// The non-auth message is answered with another challenge, and nothing
	// held leaks out.
	again := receive(t, cli.msgs, "re-challenge")
	if r, ok := again.(*protocol.AuthResponse); !ok || r.Granted {
		t.Fatalf("expected re-challenge, got %#v", again)
	}

	loop.Post(func() { cc.Send(&protocol.AuthRequest{User: "alice", Pass: "secret"}) })
	granted := receive(t, cli.msgs, "grant")
	if r, ok := granted.(*protocol.AuthResponse); !ok || !r.Granted {
		t.Fatalf("expected grant, got %#v", granted)
	}
	for _, want := range []string{"first", "second"} {
		msg := receive(t, cli.msgs, "held message")
		if r, ok := msg.(*protocol.Raw); !ok || r.Text != want {
			t.Fatalf("expected %q, got %#v", want, msg)
		}
	}

	var user string
	var state auth.State
	loop.Call(func() { user, state = sc.User(), sc.AuthState() })
	if user != "alice" || !state.Authenticated || state.Required {
		t.Fatalf("unexpected auth state user=%q %+v", user, state)
	}
}

func TestAuthMissingPasswordNotCounted(t *testing.T) {
	loop, sc, cc, _, cli := authedPair(t, nil)

	loop.Post(func() { cc.Send(&protocol.AuthRequest{User: "alice"}) })
	reply := receive(t, cli.msgs, "reply").(*protocol.AuthResponse)
	if reply.Reason != auth.ReasonMalformed {
		t.Fatalf("expected malformed reason, got %#v", reply)
	}
	var remaining int
	loop.Call(func() { remaining = sc.AuthState().AttemptsRemaining })
	if remaining != 5 {
		t.Fatalf("malformed attempt was counted: %d remaining", remaining)
	}
}

func TestSuspendResume(t *testing.T) {
	loop := startLoop(t, nil)
	sraw, craw := socketPair(t)

	var sc *Conn
	srv := newRecorder()
	srv.onRaw = func(c *Conn, m *protocol.Raw) { c.Resume(m) }
	cli := newRecorder()

	sc = start(t, loop, sraw, srv, Config{Role: Accepting})
	cc := start(t, loop, craw, cli, Config{Role: Connecting})
	receive(t, srv.negotiated, "server negotiated")

	type result struct {
		msg protocol.Message
		err error
	}
	results := make(chan result, 1)
	go func() {
		msg, err := sc.Suspend(context.Background(), func() {
			sc.Send(&protocol.Prompt{Text: "> "})
		})
		results <- result{msg, err}
	}()

	receive(t, cli.msgs, "prompt")

	// A second continuation on the same connection is refused.
	if _, err := sc.Suspend(context.Background(), nil); !errors.Is(err, ErrPendingContinuation) {
		t.Fatalf("expected ErrPendingContinuation, got %v", err)
	}

	loop.Post(func() { cc.Send(&protocol.Raw{Text: "line"}) })
	res := receive(t, results, "resumed task")
	if res.err != nil {
		t.Fatal(res.err)
	}
	if r, ok := res.msg.(*protocol.Raw); !ok || r.Text != "line" {
		t.Fatalf("resumed with %#v", res.msg)
	}
}

func TestSuspendReturnsOnClose(t *testing.T) {
	loop := startLoop(t, nil)
	sraw, craw := socketPair(t)
	srv := newRecorder()
	sc := start(t, loop, sraw, srv, Config{Role: Accepting})
	start(t, loop, craw, newRecorder(), Config{Role: Connecting})
	receive(t, srv.negotiated, "server negotiated")

	errs := make(chan error, 1)
	waiting := make(chan struct{})
	go func() {
		_, err := sc.Suspend(context.Background(), func() { close(waiting) })
		errs <- err
	}()
	receive(t, waiting, "suspended")

	craw.Close()
	if err := receive(t, errs, "suspend result"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if _, err := sc.Suspend(context.Background(), nil); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("suspend on closed conn: %v", err)
	}
}

type detacher struct {
	handed chan net.Conn
}

func (d *detacher) HandleProxyConnection(c *Conn, m *protocol.ProxyConnection) {
	c.Send(&protocol.Raw{Text: "before relay"})
	if err := c.Detach(func(conn net.Conn) { d.handed <- conn }); err != nil {
		panic(err)
	}
}

func TestDetachKeepsBufferedBytes(t *testing.T) {
	loop := startLoop(t, nil)
	sraw, craw := socketPair(t)

	d := &detacher{handed: make(chan net.Conn, 1)}
	sc := start(t, loop, sraw, d, Config{Role: Accepting})

	// Drive the client side by hand: one write carrying the request and
	// the first relayed bytes.
	frame, err := protocol.Encode(&protocol.ProxyConnection{URL: "rrepl://x:1/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := craw.Write(append(frame, []byte("tail")...)); err != nil {
		t.Fatal(err)
	}

	conn := receive(t, d.handed, "detached conn")
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "tail" {
		t.Fatalf("read %q, %v", buf, err)
	}

	// Everything queued before the hand-off reached the client first.
	var dec protocol.Decoder
	var got []protocol.Message
	craw.SetReadDeadline(time.Now().Add(waitTimeout))
	rbuf := make([]byte, 4096)
	for len(got) < 2 {
		n, err := craw.Read(rbuf)
		if err != nil {
			t.Fatal(err)
		}
		msgs, _ := dec.Feed(rbuf[:n])
		got = append(got, msgs...)
	}
	if _, ok := got[0].(*protocol.Banner); !ok {
		t.Fatalf("expected banner first, got %#v", got[0])
	}
	if r, ok := got[1].(*protocol.Raw); !ok || r.Text != "before relay" {
		t.Fatalf("expected pre-relay message, got %#v", got[1])
	}

	var closed bool
	loop.Call(func() { closed = sc.Closed() })
	if !closed {
		t.Fatal("detached Conn should be finished")
	}
	conn.Close()
}
