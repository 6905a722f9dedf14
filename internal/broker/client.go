package broker

import (
	"context"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/chronologos/rrepl/internal/clock"
	"github.com/chronologos/rrepl/internal/peer"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/transport"
)

// DefaultJitter bounds the random delay before re-registering after a
// reconnect, so servers do not stampede a freshly elected broker.
const DefaultJitter = time.Second

// ClientOptions configures a broker-client.
type ClientOptions struct {
	// Addr is the broker's host:port.
	Addr string

	Jitter             time.Duration
	NegotiationTimeout time.Duration
	Logger             *slog.Logger

	// OnServerList, if set, receives every server list the broker sends.
	// It runs on the loop.
	OnServerList func(map[string]protocol.ServerDescription)
}

// Client keeps this process's server descriptions registered with the
// broker across broker restarts.
type Client struct {
	loop *reactor.Loop
	opts ClientOptions
	log  *slog.Logger

	// loop-owned
	conn        *peer.Conn
	established bool
	connects    int
	owned       map[string]protocol.ServerDescription
	servers     map[string]protocol.ServerDescription
	timers      []*reactor.Timer
}

// NewClient creates a disconnected broker-client.
func NewClient(loop *reactor.Loop, opts ClientOptions) *Client {
	if opts.Addr == "" {
		opts.Addr = transport.Endpoint{Host: DefaultHost, Port: DefaultPort}.Addr()
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		loop:  loop,
		opts:  opts,
		log:   opts.Logger.With("component", "broker-client", "broker", opts.Addr),
		owned: make(map[string]protocol.ServerDescription),
	}
}

// Run connects to the broker and blocks until the connection ends or ctx
// is cancelled. It returns the dial error or the connection's close error.
func (c *Client) Run(ctx context.Context) error {
	raw, err := transport.Dial(ctx, c.opts.Addr)
	if err != nil {
		return err
	}
	var conn *peer.Conn
	started := c.loop.Call(func() {
		conn = peer.New(c.loop, raw, c, peer.Config{
			Role:               peer.Connecting,
			Scheme:             transport.SchemePlain,
			NegotiationTimeout: c.opts.NegotiationTimeout,
			Logger:             c.opts.Logger,
		})
		c.conn = conn
		conn.Start()
	})
	if !started {
		raw.Close()
		return peer.ErrConnClosed
	}

	select {
	case <-conn.Done():
		return conn.Err()
	case <-ctx.Done():
		c.loop.Call(func() { conn.Close(nil) })
		<-conn.Done()
		return ctx.Err()
	}
}

// Negotiated flushes every owned description: immediately on the first
// connection, after an independent random jitter on reconnects.
func (c *Client) Negotiated(conn *peer.Conn) {
	c.established = true
	c.connects++
	c.log.Info("connected to broker")
	for id := range c.owned {
		if c.connects == 1 || c.opts.Jitter == 0 {
			c.send(id)
			continue
		}
		delay := rand.N(c.opts.Jitter)
		c.timers = append(c.timers, c.loop.AfterFunc(delay, func() { c.send(id) }))
	}
}

func (c *Client) Closed(conn *peer.Conn, err error) {
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.established = false
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.log.Info("broker connection lost", "err", err)
}

func (c *Client) HandleServerList(conn *peer.Conn, m *protocol.ServerList) {
	c.servers = m.Servers
	if c.opts.OnServerList != nil {
		c.opts.OnServerList(maps.Clone(m.Servers))
	}
}

// Register records desc as owned by this process and sends it when
// connected. Every call is a full registration, so an entry the broker
// dropped comes back on the next heartbeat. Loop-only.
func (c *Client) Register(desc protocol.ServerDescription) {
	desc = desc.Clone()
	desc.URLs = expandURLs(desc.URLs)
	c.owned[desc.ID] = desc
	if c.established {
		c.send(desc.ID)
	}
}

// Unregister forgets id and tells the broker. Loop-only.
func (c *Client) Unregister(id string) {
	if _, ok := c.owned[id]; !ok {
		return
	}
	delete(c.owned, id)
	if c.established {
		c.conn.Send(&protocol.UnregisterServer{ID: id})
	}
}

// Reload asks the broker for a fresh server list. Loop-only.
func (c *Client) Reload() {
	if c.established {
		c.conn.Send(&protocol.ServerListReloadRequest{})
	}
}

func (c *Client) send(id string) {
	desc, ok := c.owned[id]
	if !ok || !c.established {
		return
	}
	c.conn.Send(&protocol.RegisterServer{Server: desc})
}

// Connected reports whether the broker connection is established.
// Loop-only.
func (c *Client) Connected() bool { return c.established }

// Owned returns the ids this process has registered. Loop-only.
func (c *Client) Owned() []string {
	return slices.Sorted(maps.Keys(c.owned))
}

// Servers returns the last server list received. Loop-only.
func (c *Client) Servers() map[string]protocol.ServerDescription {
	return maps.Clone(c.servers)
}

// expandURLs replaces URLs bound to a wildcard address with one URL per
// local IPv4 address.
func expandURLs(urls []string) []string {
	var out []string
	for _, raw := range urls {
		ep, err := transport.ParseURL(raw, 0)
		if err != nil || !transport.IsUnspecified(ep.Host) {
			if !slices.Contains(out, raw) {
				out = append(out, raw)
			}
			continue
		}
		for _, e := range transport.ExpandURL(ep) {
			if !slices.Contains(out, e.String()) {
				out = append(out, e.String())
			}
		}
	}
	return out
}

// sleep waits for d on clk or until ctx is done.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	fired := make(chan struct{})
	t := clk.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
