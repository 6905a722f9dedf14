package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/chronologos/rrepl/internal/clock"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/version"
)

const waitTimeout = 5 * time.Second

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop := reactor.New(clock.Real())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func startBroker(t *testing.T, loop *reactor.Loop, opts Options) *Broker {
	t.Helper()
	opts.Host = "127.0.0.1"
	opts.Logger = discard
	b := New(loop, opts)
	require.NoError(t, b.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("broker did not stop")
		}
	})
	return b
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// registryList snapshots b's registry on its loop.
func registryList(b *Broker) map[string]protocol.ServerDescription {
	var out map[string]protocol.ServerDescription
	b.loop.Call(func() { out = b.registry.List() })
	return out
}

// wire is a hand-driven protocol client.
type wire struct {
	t     *testing.T
	conn  net.Conn
	dec   protocol.Decoder
	queue []protocol.Message
}

func dial(t *testing.T, b *Broker) *wire {
	t.Helper()
	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wire{t: t, conn: conn}
}

func (w *wire) send(msgs ...protocol.Message) {
	w.t.Helper()
	for _, msg := range msgs {
		require.NoError(w.t, protocol.WriteMessage(w.conn, msg))
	}
}

func (w *wire) next(timeout time.Duration) (protocol.Message, error) {
	buf := make([]byte, 4096)
	w.conn.SetReadDeadline(time.Now().Add(timeout))
	for len(w.queue) == 0 {
		n, err := w.conn.Read(buf)
		if n > 0 {
			msgs, _ := w.dec.Feed(buf[:n])
			w.queue = append(w.queue, msgs...)
		}
		if err != nil && len(w.queue) == 0 {
			return nil, err
		}
	}
	msg := w.queue[0]
	w.queue = w.queue[1:]
	return msg, nil
}

func expect[T protocol.Message](w *wire) T {
	w.t.Helper()
	msg, err := w.next(waitTimeout)
	require.NoError(w.t, err)
	m, ok := msg.(T)
	require.Truef(w.t, ok, "got %#v", msg)
	return m
}

// handshake consumes the broker's greeting and returns its server list.
func (w *wire) handshake() *protocol.ServerList {
	w.t.Helper()
	banner := expect[*protocol.Banner](w)
	require.Equal(w.t, version.Product, banner.Product)
	return expect[*protocol.ServerList](w)
}

func TestListenBindConflict(t *testing.T) {
	loop := startLoop(t)
	first := startBroker(t, loop, Options{})

	second := New(loop, Options{
		Host:   "127.0.0.1",
		Port:   first.Addr().(*net.TCPAddr).Port,
		Logger: discard,
	})
	err := second.Listen()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindConflict)
}

func TestRegistrationRewritesLocalHost(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{})
	w := dial(t, b)
	assert.Empty(t, w.handshake().Servers)

	id := uuid.NewString()
	w.send(
		&protocol.RegisterServer{Server: protocol.ServerDescription{
			ID:   id,
			Name: "worker",
			URLs: []string{"rrepl://localhost:7000/", "rrepl://10.1.2.3:7000/"},
		}},
		&protocol.ServerListReloadRequest{},
	)

	list := expect[*protocol.ServerList](w)
	require.Contains(t, list.Servers, id)
	got := list.Servers[id]
	assert.Equal(t, "worker", got.Name)
	assert.Equal(t, []string{"rrepl://127.0.0.1:7000/", "rrepl://10.1.2.3:7000/"}, got.URLs)
}

func TestReloadRateLimited(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{ReloadLimit: rate.Every(time.Hour), ReloadBurst: 1})
	w := dial(t, b)
	w.handshake()

	w.send(&protocol.ServerListReloadRequest{}, &protocol.ServerListReloadRequest{})
	expect[*protocol.ServerList](w)

	_, err := w.next(200 * time.Millisecond)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestUnregisterAndHeartbeat(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{})
	w := dial(t, b)
	w.handshake()

	w.send(
		&protocol.RegisterServer{Server: protocol.ServerDescription{ID: "a", URLs: []string{"rrepl://10.0.0.1:1/"}}},
		&protocol.RegisterServer{Server: protocol.ServerDescription{ID: "b", URLs: []string{"rrepl://10.0.0.2:1/"}}},
		&protocol.Heartbeat{ID: "a"},
		&protocol.Heartbeat{ID: "missing"},
		&protocol.UnregisterServer{ID: "b"},
		&protocol.ServerListReloadRequest{},
	)
	list := expect[*protocol.ServerList](w)
	assert.Contains(t, list.Servers, "a")
	assert.NotContains(t, list.Servers, "b")
	assert.NotContains(t, list.Servers, "missing")
}

func TestOwnedServersRemovedOnDisconnect(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{})
	w := dial(t, b)
	w.handshake()

	w.send(
		&protocol.RegisterServer{Server: protocol.ServerDescription{ID: "gone", URLs: []string{"rrepl://10.0.0.1:1/"}}},
		&protocol.ServerListReloadRequest{},
	)
	require.Contains(t, expect[*protocol.ServerList](w).Servers, "gone")

	w.conn.Close()
	require.Eventually(t, func() bool { return len(registryList(b)) == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestLatestRegistrantOwnsServer(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{})
	desc := protocol.ServerDescription{ID: "abc", URLs: []string{"rrepl://10.0.0.5:6463/"}}

	first := dial(t, b)
	first.handshake()
	first.send(&protocol.RegisterServer{Server: desc}, &protocol.ServerListReloadRequest{})
	require.Contains(t, expect[*protocol.ServerList](first).Servers, "abc")

	second := dial(t, b)
	second.handshake()
	second.send(&protocol.RegisterServer{Server: desc}, &protocol.ServerListReloadRequest{})
	require.Contains(t, expect[*protocol.ServerList](second).Servers, "abc")

	first.conn.Close()
	require.Eventually(t, func() bool {
		var n int
		loop.Call(func() { n = len(b.conns) })
		return n == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Contains(t, registryList(b), "abc", "closing an earlier registrant keeps the entry")

	second.send(&protocol.Heartbeat{ID: "abc"}, &protocol.ServerListReloadRequest{})
	assert.Contains(t, expect[*protocol.ServerList](second).Servers, "abc")

	second.conn.Close()
	require.Eventually(t, func() bool { return len(registryList(b)) == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestInvalidRegistrationIgnored(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{})
	w := dial(t, b)
	w.handshake()

	w.send(
		&protocol.RegisterServer{Server: protocol.ServerDescription{ID: "nourls"}},
		&protocol.ServerListReloadRequest{},
	)
	assert.Empty(t, expect[*protocol.ServerList](w).Servers)
}

func TestProxyRelay(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		c, err := target.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "hello" {
			return
		}
		c.Write([]byte("world"))
	}()

	loop := startLoop(t)
	b := startBroker(t, loop, Options{})
	w := dial(t, b)
	w.handshake()

	url := "svc://" + target.Addr().String()
	frame, err := protocol.Encode(&protocol.ProxyConnection{URL: url})
	require.NoError(t, err)
	_, err = w.conn.Write(append(frame, "hello"...))
	require.NoError(t, err)

	w.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	buf := make([]byte, 5)
	_, err = io.ReadFull(w.conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	// the target hung up; the relay closes the requester too
	_, err = w.conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestProxyUnreachableClosesRequester(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{DialTimeout: time.Second})
	w := dial(t, b)
	w.handshake()

	w.send(&protocol.ProxyConnection{URL: "rrepl://127.0.0.1:" + strconv.Itoa(freePort(t)) + "/"})
	_, err := w.next(waitTimeout)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayReportsPeerClosed(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Relay(a2, b1) }()

	go a1.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err := io.ReadFull(b2, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	b2.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRelayPeerClosed)
	case <-time.After(waitTimeout):
		t.Fatal("relay did not stop")
	}
	_, err = a1.Read(buf)
	assert.Error(t, err)
}

func TestRewriteHost(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"rrepl://localhost:6463/", "rrepl://192.0.2.7:6463/"},
		{"rrepl://0.0.0.0:6463/", "rrepl://192.0.2.7:6463/"},
		{"rrepls://[::1]:6463/", "rrepls://192.0.2.7:6463/"},
		{"rrepl://example.com:6463/", "rrepl://example.com:6463/"},
		{"rrepl://10.0.0.9:6463/", "rrepl://10.0.0.9:6463/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rewriteHost(tt.in, "192.0.2.7"), tt.in)
	}
}

func TestClientRegisters(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{})

	lists := make(chan map[string]protocol.ServerDescription, 16)
	c := NewClient(loop, ClientOptions{
		Addr:         b.Addr().String(),
		Logger:       discard,
		OnServerList: func(m map[string]protocol.ServerDescription) { lists <- m },
	})
	desc := protocol.ServerDescription{ID: uuid.NewString(), Name: "calc", URLs: []string{"rrepl://127.0.0.1:6463/"}}
	loop.Call(func() { c.Register(desc) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-lists:
	case <-time.After(waitTimeout):
		t.Fatal("no server list")
	}
	require.Eventually(t, func() bool {
		_, ok := registryList(b)[desc.ID]
		return ok
	}, waitTimeout, 10*time.Millisecond)

	// re-registering an unchanged description refreshes it
	loop.Call(func() {
		c.Register(desc)
		c.Reload()
	})
	var list map[string]protocol.ServerDescription
	select {
	case list = <-lists:
	case <-time.After(waitTimeout):
		t.Fatal("no reload answer")
	}
	assert.Equal(t, "calc", list[desc.ID].Name)

	loop.Call(func() {
		assert.True(t, c.Connected())
		assert.Equal(t, []string{desc.ID}, c.Owned())
		c.Unregister(desc.ID)
	})
	require.Eventually(t, func() bool { return len(registryList(b)) == 0 }, waitTimeout, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("client did not stop")
	}
}

func TestClientRestoresDroppedEntry(t *testing.T) {
	loop := startLoop(t)
	b := startBroker(t, loop, Options{})
	c := NewClient(loop, ClientOptions{Addr: b.Addr().String(), Logger: discard})
	desc := protocol.ServerDescription{ID: "quiet", Name: "calc", URLs: []string{"rrepl://10.0.0.5:6463/"}}
	loop.Call(func() { c.Register(desc) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	present := func() bool {
		_, ok := registryList(b)[desc.ID]
		return ok
	}
	require.Eventually(t, present, waitTimeout, 10*time.Millisecond)

	// as if the watchdog had expired the entry while the client stayed connected
	loop.Call(func() { b.registry.Unregister(desc.ID) })
	loop.Call(func() {
		assert.NotContains(t, b.owners, desc.ID)
	})
	require.False(t, present())

	// the next heartbeat tick re-registers the same description
	loop.Call(func() { c.Register(desc) })
	require.Eventually(t, present, waitTimeout, 10*time.Millisecond)
}

func TestClientDialFailure(t *testing.T) {
	loop := startLoop(t)
	c := NewClient(loop, ClientOptions{Addr: "127.0.0.1:" + strconv.Itoa(freePort(t)), Logger: discard})
	err := c.Run(context.Background())
	require.Error(t, err)
}

func TestExpandURLs(t *testing.T) {
	got := expandURLs([]string{"rrepl://10.0.0.1:1/", "rrepl://10.0.0.1:1/", "svc://x:2"})
	assert.Equal(t, []string{"rrepl://10.0.0.1:1/", "svc://x:2"}, got)

	wild := expandURLs([]string{"rrepl://0.0.0.0:6463/"})
	require.NotEmpty(t, wild)
	for _, u := range wild {
		assert.NotContains(t, u, "0.0.0.0")
	}
}

func TestSleep(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() { done <- sleep(context.Background(), fake, time.Second) }()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	require.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, fake, time.Hour), context.Canceled)
}

func startService(t *testing.T, port int) (*Service, func() error) {
	t.Helper()
	loop := startLoop(t)
	s := NewService(loop, ServiceOptions{
		Host:           "127.0.0.1",
		Port:           port,
		ReconnectDelay: 50 * time.Millisecond,
		Jitter:         10 * time.Millisecond,
		Logger:         discard,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	stop := sync.OnceValue(func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(waitTimeout):
			return errors.New("service did not stop")
		}
	})
	t.Cleanup(func() { assert.NoError(t, stop()) })
	return s, stop
}

func connected(s *Service) bool {
	var ok bool
	s.loop.Call(func() { ok = s.client.Connected() })
	return ok
}

func TestServiceFailover(t *testing.T) {
	port := freePort(t)

	first, stopFirst := startService(t, port)
	require.Eventually(t, func() bool { return first.Broker() != nil && connected(first) }, waitTimeout, 10*time.Millisecond)

	second, _ := startService(t, port)
	require.Eventually(t, func() bool { return connected(second) }, waitTimeout, 10*time.Millisecond)
	assert.Nil(t, second.Broker(), "second process must stay a client while the port is held")

	desc := protocol.ServerDescription{ID: uuid.NewString(), URLs: []string{"rrepl://10.0.0.5:6463/"}}
	second.loop.Call(func() { second.Register(desc) })
	require.Eventually(t, func() bool {
		_, ok := registryList(first.Broker())[desc.ID]
		return ok
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, stopFirst())

	// the survivor takes over the port and re-registers its servers
	require.Eventually(t, func() bool {
		b := second.Broker()
		if b == nil {
			return false
		}
		_, ok := registryList(b)[desc.ID]
		return ok
	}, waitTimeout, 20*time.Millisecond)
	assert.Contains(t, second.String(), "broker@")
}

func TestServiceRemoteOnlyNeverBinds(t *testing.T) {
	port := freePort(t)
	loop := startLoop(t)
	s := NewService(loop, ServiceOptions{
		Host:           "127.0.0.1",
		Port:           port,
		RemoteOnly:     true,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         discard,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Nil(t, s.Broker())

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	ln.Close()
}

func TestServiceListenErrorReturned(t *testing.T) {
	loop := startLoop(t)
	s := NewService(loop, ServiceOptions{Host: "192.0.2.1", Port: freePort(t), Logger: discard})
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBindConflict))
}
