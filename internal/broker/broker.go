// Package broker implements the directory of live servers: the broker
// listener that holds the registry and relays proxied connections, the
// broker-client that registers this process's servers, and the Service that
// lets every process elect itself broker when the well-known port is free.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chronologos/rrepl/internal/peer"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/registry"
	"github.com/chronologos/rrepl/internal/transport"
)

const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 6462
	DefaultDialTimeout = 10 * time.Second

	// Reload requests are cheap but answered with the whole registry.
	DefaultReloadLimit = rate.Limit(2)
	DefaultReloadBurst = 5
)

var (
	// ErrBindConflict means another process already is the broker.
	ErrBindConflict = errors.New("broker address already in use")
	// ErrRelayPeerClosed ends a proxy relay when either side hangs up.
	ErrRelayPeerClosed = errors.New("relay peer closed")
)

// Options configures a Broker.
type Options struct {
	Host string
	// Port 0 binds an ephemeral port.
	Port int

	CheckInterval      time.Duration
	NegotiationTimeout time.Duration
	DialTimeout        time.Duration

	ReloadLimit rate.Limit
	ReloadBurst int

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ReloadLimit == 0 {
		o.ReloadLimit = DefaultReloadLimit
	}
	if o.ReloadBurst <= 0 {
		o.ReloadBurst = DefaultReloadBurst
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Broker accepts registrations and proxy requests. Listeners are always
// plaintext: a proxied TLS session is negotiated end to end between client
// and server, through the relay.
type Broker struct {
	loop     *reactor.Loop
	opts     Options
	log      *slog.Logger
	registry *registry.Registry
	ln       net.Listener

	// loop-owned
	conns map[*peer.Conn]*brokerConn
	// owners maps each registered id to the connection that last
	// registered it.
	owners map[string]*brokerConn

	relayMu sync.Mutex
	relays  map[net.Conn]struct{}
}

// New creates a broker that is not yet listening.
func New(loop *reactor.Loop, opts Options) *Broker {
	opts.setDefaults()
	log := opts.Logger.With("component", "broker")
	b := &Broker{
		loop:     loop,
		opts:     opts,
		log:      log,
		registry: registry.New(loop, opts.CheckInterval, opts.Logger),
		conns:    make(map[*peer.Conn]*brokerConn),
		owners:   make(map[string]*brokerConn),
		relays:   make(map[net.Conn]struct{}),
	}
	b.registry.OnChange = b.pruneOwners
	return b
}

// pruneOwners forgets the owner of every id the registry no longer holds,
// such as one removed by its watchdog.
func (b *Broker) pruneOwners() {
	for id, h := range b.owners {
		if _, ok := b.registry.Get(id); !ok {
			delete(b.owners, id)
			delete(h.owned, id)
		}
	}
}

// claim makes h the owner of id, taking it from any other connection.
func (b *Broker) claim(id string, h *brokerConn) {
	if prev, ok := b.owners[id]; ok && prev != h {
		delete(prev.owned, id)
	}
	b.owners[id] = h
	h.owned[id] = struct{}{}
}

// release unregisters id if h still owns it.
func (b *Broker) release(id string, h *brokerConn) {
	delete(h.owned, id)
	if b.owners[id] != h {
		return
	}
	delete(b.owners, id)
	b.registry.Unregister(id)
}

// Listen binds the broker address. A bind conflict is reported as
// ErrBindConflict.
func (b *Broker) Listen() error {
	ln, err := transport.Listen(b.opts.Host, b.opts.Port)
	if err != nil {
		if transport.IsAddrInUse(err) {
			return fmt.Errorf("%w: %w", ErrBindConflict, err)
		}
		return err
	}
	b.ln = ln
	b.log.Info("listening", "url", b.URL())
	return nil
}

// URL is the broker's address as a plain-scheme URL.
func (b *Broker) URL() string {
	if b.ln == nil {
		return ""
	}
	return transport.Endpoint{Scheme: transport.SchemePlain, Host: b.opts.Host, Port: transport.Port(b.ln)}.String()
}

// Addr is the bound listener address, nil before Listen.
func (b *Broker) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Registry returns the broker's registry. Loop-only.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Serve accepts connections until ctx is cancelled. Listen must have
// succeeded. On return every connection and relay is closed and the
// registry emptied.
func (b *Broker) Serve(ctx context.Context) error {
	if b.ln == nil {
		return errors.New("broker: Serve before Listen")
	}
	err := transport.Serve(ctx, b.ln, func(raw net.Conn) {
		b.loop.Post(func() { b.accept(ctx, raw) })
	})
	b.loop.Call(b.shutdown)
	b.closeRelays()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Broker) shutdown() {
	for c := range b.conns {
		c.Close(nil)
	}
	b.registry.Close()
	clear(b.owners)
	b.log.Info("broker stopped")
}

func (b *Broker) accept(ctx context.Context, raw net.Conn) {
	if ctx.Err() != nil {
		raw.Close()
		return
	}
	h := &brokerConn{
		b:       b,
		ctx:     ctx,
		limiter: rate.NewLimiter(b.opts.ReloadLimit, b.opts.ReloadBurst),
		owned:   make(map[string]struct{}),
	}
	c := peer.New(b.loop, raw, h, peer.Config{
		Role:               peer.Accepting,
		Scheme:             transport.SchemePlain,
		NegotiationTimeout: b.opts.NegotiationTimeout,
		Logger:             b.opts.Logger,
	})
	h.log = b.log.With("conn", c.ID(), "remote", raw.RemoteAddr().String())
	b.conns[c] = h
	h.log.Info("received client connection")
	c.Start()
}

func (b *Broker) serverList() *protocol.ServerList {
	return &protocol.ServerList{Servers: b.registry.List()}
}

// relay dials target and bridges it with requester.
func (b *Broker) relay(ctx context.Context, requester net.Conn, target string) {
	addr, err := relayAddr(target)
	if err != nil {
		b.log.Warn("proxy request", "url", target, "err", err)
		requester.Close()
		return
	}
	dctx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	out, err := transport.Dial(dctx, addr)
	cancel()
	if err != nil {
		b.log.Warn("proxy dial failed", "url", target, "err", err)
		requester.Close()
		return
	}
	b.log.Info("proxy connected", "url", target, "requester", requester.RemoteAddr().String())

	b.track(requester, out)
	err = Relay(requester, out)
	b.untrack(requester, out)
	b.log.Info("proxy finished", "url", target, "err", err)
}

func (b *Broker) track(conns ...net.Conn) {
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	for _, c := range conns {
		b.relays[c] = struct{}{}
	}
}

func (b *Broker) untrack(conns ...net.Conn) {
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	for _, c := range conns {
		delete(b.relays, c)
	}
}

func (b *Broker) closeRelays() {
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	for c := range b.relays {
		c.Close()
	}
}

// Relay copies bytes unmodified between requester and target until either
// side closes, then closes the other. The result always wraps
// ErrRelayPeerClosed, joined with any unexpected I/O error.
func Relay(requester, target net.Conn) error {
	if err := transport.Bridge(requester, target); err != nil {
		return fmt.Errorf("%w: %w", ErrRelayPeerClosed, err)
	}
	return ErrRelayPeerClosed
}

// relayAddr extracts host:port from a registered URL of any scheme.
func relayAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("url %q needs a host and a port", raw)
	}
	return u.Host, nil
}

// rewriteHost replaces a loopback or wildcard host with the address the
// registering peer connected from, so other machines can reach it.
func rewriteHost(raw, peerIP string) string {
	u, err := url.Parse(raw)
	if err != nil || !transport.IsLocalHost(u.Hostname()) || peerIP == "" {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(peerIP, port)
	} else {
		u.Host = peerIP
	}
	return u.String()
}

// brokerConn is the broker role handler for one connection.
type brokerConn struct {
	b       *Broker
	ctx     context.Context
	log     *slog.Logger
	limiter *rate.Limiter

	// ids registered over this connection
	owned map[string]struct{}
}

func (h *brokerConn) Negotiated(c *peer.Conn) {
	c.Send(h.b.serverList())
}

func (h *brokerConn) Closed(c *peer.Conn, err error) {
	delete(h.b.conns, c)
	for id := range h.owned {
		h.b.release(id, h)
	}
	h.log.Debug("connection closed", "err", err)
}

func (h *brokerConn) HandleRegisterServer(c *peer.Conn, m *protocol.RegisterServer) {
	desc := m.Server
	ip := c.RemoteIP()
	urls := make([]string, len(desc.URLs))
	for i, u := range desc.URLs {
		urls[i] = rewriteHost(u, ip)
	}
	desc.URLs = urls
	if _, err := h.b.registry.Register(desc); err != nil {
		h.log.Warn("rejected registration", "err", err)
		return
	}
	h.b.claim(desc.ID, h)
}

func (h *brokerConn) HandleUnregisterServer(c *peer.Conn, m *protocol.UnregisterServer) {
	if prev, ok := h.b.owners[m.ID]; ok {
		delete(prev.owned, m.ID)
		delete(h.b.owners, m.ID)
	}
	h.b.registry.Unregister(m.ID)
}

func (h *brokerConn) HandleHeartbeat(c *peer.Conn, m *protocol.Heartbeat) {
	if !h.b.registry.Touch(m.ID) {
		h.log.Debug("heartbeat for unknown server", "id", m.ID)
	}
}

func (h *brokerConn) HandleServerListReload(c *peer.Conn, m *protocol.ServerListReloadRequest) {
	if !h.limiter.Allow() {
		h.log.Debug("server list reload rate limited")
		return
	}
	c.Send(h.b.serverList())
}

func (h *brokerConn) HandleProxyConnection(c *peer.Conn, m *protocol.ProxyConnection) {
	h.log.Info("proxying", "url", m.URL)
	err := c.Detach(func(requester net.Conn) {
		h.b.relay(h.ctx, requester, m.URL)
	})
	if err != nil {
		h.log.Warn("proxy hand-off", "err", err)
	}
}
