// Package server implements the session endpoint: it accepts connections,
// negotiates and authenticates them, and drives one Engine task per
// connection. Chat messages, shell commands and broker registration are
// handled here too.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/rrepl/internal/auth"
	"github.com/chronologos/rrepl/internal/metrics"
	"github.com/chronologos/rrepl/internal/peer"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/transport"
	"github.com/chronologos/rrepl/internal/version"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 6463
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultName              = "rrepl"
)

// Registrar publishes server descriptions to the broker. broker.Service
// implements it. Methods are called on the loop.
type Registrar interface {
	Register(desc protocol.ServerDescription)
	Unregister(id string)
}

// Options configures a Server.
type Options struct {
	Host string
	// Port 0 binds an ephemeral port, unless AutoPort is set.
	Port int
	// AutoPort tries up to transport.AutoPortAttempts ports from Port, or
	// from DefaultPort when Port is 0.
	AutoPort bool

	// TLS, when set, makes the server announce the secure scheme and
	// upgrade every connection right after the banner.
	TLS *tls.Config

	Auth            auth.Predicate
	MaxAuthAttempts int
	Observers       *auth.Observers

	AllowShell bool

	Name    string
	Details map[string]string

	Registrar         Registrar
	HeartbeatInterval time.Duration

	NegotiationTimeout time.Duration

	Hub     *Hub
	Metrics *metrics.Set
	Logger  *slog.Logger
}

// Server is one session endpoint.
type Server struct {
	loop    *reactor.Loop
	engine  Engine
	opts    Options
	log     *slog.Logger
	id      string
	hub     *Hub
	metrics *metrics.Set

	ln  net.Listener
	url transport.Endpoint

	// loop-owned
	sessions  map[*session]struct{}
	heartbeat *reactor.Timer

	// Ready is closed once the listener is bound.
	Ready chan struct{}
}

// New creates a server that is not yet listening.
func New(loop *reactor.Loop, engine Engine, opts Options) *Server {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observers == nil {
		opts.Observers = &auth.Observers{}
	}
	s := &Server{
		loop:     loop,
		engine:   engine,
		opts:     opts,
		id:       uuid.NewString(),
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		sessions: make(map[*session]struct{}),
		Ready:    make(chan struct{}),
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.log = opts.Logger.With("component", "server", "id", s.id)
	opts.Observers.On(auth.EventFail, func(user, ip string) {
		s.metrics.Add(metrics.AuthFailures, 1)
	})
	return s
}

// Listen binds the session address.
func (s *Server) Listen() error {
	var (
		ln  net.Listener
		err error
	)
	if s.opts.AutoPort {
		start := s.opts.Port
		if start == 0 {
			start = DefaultPort
		}
		ln, err = transport.ListenAuto(s.opts.Host, start)
	} else {
		ln, err = transport.Listen(s.opts.Host, s.opts.Port)
	}
	if err != nil {
		return err
	}
	s.ln = ln
	s.url = transport.Endpoint{Scheme: s.scheme(), Host: s.opts.Host, Port: transport.Port(ln)}
	close(s.Ready)
	s.log.Info("listening for connections", "url", s.url.String())
	return nil
}

func (s *Server) scheme() string {
	if s.opts.TLS != nil {
		return transport.SchemeSecure
	}
	return transport.SchemePlain
}

// Serve accepts connections until ctx is cancelled. It listens first if
// Listen has not been called. On return the server is unregistered and
// every session closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.loop.Post(s.startHeartbeat)

	err := transport.Serve(ctx, s.ln, func(raw net.Conn) {
		s.loop.Post(func() { s.accept(ctx, raw) })
	})

	s.loop.Call(s.shutdown)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) startHeartbeat() {
	if s.opts.Registrar == nil {
		return
	}
	s.register()
	s.heartbeat = s.loop.Every(s.opts.HeartbeatInterval, s.register)
}

func (s *Server) register() {
	s.opts.Registrar.Register(s.Description())
}

func (s *Server) shutdown() {
	s.heartbeat.Stop()
	s.heartbeat = nil
	if s.opts.Registrar != nil {
		s.opts.Registrar.Unregister(s.id)
	}
	for sess := range s.sessions {
		sess.conn.Close(nil)
	}
	s.log.Info("server stopped")
}

func (s *Server) accept(ctx context.Context, raw net.Conn) {
	if ctx.Err() != nil {
		raw.Close()
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	sess := &session{srv: s, cancel: cancel}
	sess.term = &Terminal{sess: sess}
	sess.conn = peer.New(s.loop, raw, sess, peer.Config{
		Role:               peer.Accepting,
		Scheme:             s.scheme(),
		TLS:                s.opts.TLS,
		Auth:               s.opts.Auth,
		MaxAuthAttempts:    s.opts.MaxAuthAttempts,
		Observers:          s.opts.Observers,
		NegotiationTimeout: s.opts.NegotiationTimeout,
		Logger:             s.opts.Logger,
	})
	sess.log = s.log.With("conn", sess.conn.ID(), "remote", raw.RemoteAddr().String())

	s.sessions[sess] = struct{}{}
	s.hub.add(sess)
	s.metrics.Add(metrics.Connections, 1)
	s.metrics.Max(metrics.PeakConnections, float64(len(s.sessions)))
	sess.log.Debug("connection accepted")

	sess.conn.Start()
	go sess.run(sctx)
}

// Description is what the server registers with the broker.
func (s *Server) Description() protocol.ServerDescription {
	details := map[string]string{
		"product": version.Product,
		"version": version.VERSION,
		"pid":     strconv.Itoa(os.Getpid()),
		"tls":     strconv.FormatBool(s.opts.TLS != nil),
		"auth":    strconv.FormatBool(s.opts.Auth != nil),
	}
	if host, err := os.Hostname(); err == nil {
		details["hostname"] = host
	}
	maps.Copy(details, s.opts.Details)
	return protocol.ServerDescription{
		ID:      s.id,
		URLs:    []string{s.URL()},
		Name:    s.opts.Name,
		Details: details,
		Metrics: s.metrics.Snapshot(),
	}
}

// ID is the server's registry id.
func (s *Server) ID() string { return s.id }

// URL is the bound session URL. Empty before Listen.
func (s *Server) URL() string {
	if s.ln == nil {
		return ""
	}
	return s.url.String()
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Metrics returns the server's metric set.
func (s *Server) Metrics() *metrics.Set { return s.metrics }

func (s *Server) String() string {
	return fmt.Sprintf("%s %s", s.opts.Name, s.URL())
}
