package broker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/transport"
)

// DefaultReconnectDelay is the pause before retrying the broker role after
// losing the broker connection.
const DefaultReconnectDelay = 3 * time.Second

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Host string
	Port int

	// RemoteOnly never binds the broker port: the broker runs elsewhere.
	RemoteOnly bool

	ReconnectDelay     time.Duration
	Jitter             time.Duration
	CheckInterval      time.Duration
	NegotiationTimeout time.Duration

	Logger *slog.Logger
}

// Service gives a process its broker presence: it becomes the broker when
// the well-known address is free and always keeps a broker-client
// connected, retrying both after the broker goes away. It implements
// server.Registrar.
type Service struct {
	loop   *reactor.Loop
	opts   ServiceOptions
	log    *slog.Logger
	client *Client

	mu     sync.Mutex
	broker *Broker
}

// NewService creates a Service; Run starts it.
func NewService(loop *reactor.Loop, opts ServiceOptions) *Service {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Jitter == 0 {
		opts.Jitter = DefaultJitter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		loop: loop,
		opts: opts,
		log:  opts.Logger.With("component", "broker-service"),
	}
	s.client = NewClient(loop, ClientOptions{
		Addr:               transport.Endpoint{Host: opts.Host, Port: opts.Port}.Addr(),
		Jitter:             opts.Jitter,
		NegotiationTimeout: opts.NegotiationTimeout,
		Logger:             opts.Logger,
	})
	return s
}

// Run holds the broker role when possible and keeps the client connected
// until ctx is cancelled. Bind failures other than a conflict are returned
// on the first attempt and logged afterwards.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for attempt := 0; ; attempt++ {
		if !s.opts.RemoteOnly && s.Broker() == nil {
			b := New(s.loop, Options{
				Host:               s.opts.Host,
				Port:               s.opts.Port,
				CheckInterval:      s.opts.CheckInterval,
				NegotiationTimeout: s.opts.NegotiationTimeout,
				Logger:             s.opts.Logger,
			})
			err := b.Listen()
			switch {
			case err == nil:
				s.setBroker(b)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := b.Serve(ctx); err != nil {
						s.log.Warn("broker stopped", "err", err)
					}
					s.setBroker(nil)
				}()
			case errors.Is(err, ErrBindConflict):
				s.log.Debug("a broker is already listening", "port", s.opts.Port)
			case attempt == 0:
				return err
			default:
				s.log.Warn("broker listen", "err", err)
			}
		}

		err := s.client.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Info("broker connection ended, restarting", "err", err, "delay", s.opts.ReconnectDelay)
		if sleep(ctx, s.loop.Clock(), s.opts.ReconnectDelay) != nil {
			return nil
		}
	}
}

func (s *Service) setBroker(b *Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker = b
}

// Broker returns the in-process broker, or nil when another process holds
// the role.
func (s *Service) Broker() *Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}

// Client returns the service's broker-client.
func (s *Service) Client() *Client { return s.client }

// Register keeps desc registered with whichever process is the broker.
// Loop-only.
func (s *Service) Register(desc protocol.ServerDescription) {
	s.client.Register(desc)
}

// Unregister withdraws id. Loop-only.
func (s *Service) Unregister(id string) {
	s.client.Unregister(id)
}

func (s *Service) String() string {
	role := "client"
	if s.Broker() != nil {
		role = "broker"
	}
	return role + "@" + s.opts.Host + ":" + strconv.Itoa(s.opts.Port)
}
