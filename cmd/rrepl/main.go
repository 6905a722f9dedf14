package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/chronologos/rrepl/internal/auth"
	"github.com/chronologos/rrepl/internal/broker"
	"github.com/chronologos/rrepl/internal/client"
	"github.com/chronologos/rrepl/internal/config"
	"github.com/chronologos/rrepl/internal/protocol"
	"github.com/chronologos/rrepl/internal/reactor"
	"github.com/chronologos/rrepl/internal/repl"
	"github.com/chronologos/rrepl/internal/server"
	"github.com/chronologos/rrepl/internal/transport"
	"github.com/chronologos/rrepl/internal/version"
)

const usage = `usage: rrepl <command> [flags]

commands:
  serve      run a REPL session server and register it with the broker
  broker     run a standalone broker
  connect    open an interactive session (a URL, or --name via the broker)
  list       print the servers registered with the broker
  version    print the version

Run "rrepl <command> --help" for the flags of a command.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, rest)
	case "broker":
		err = runBroker(ctx, rest)
	case "connect":
		// The client relays ^C to a running shell command itself.
		stop()
		err = runConnect(context.Background(), rest)
	case "list":
		err = runList(ctx, rest)
	case "version", "--version", "-v":
		fmt.Printf("rrepl %s (%s)\n", version.VERSION, version.Commit)
	case "help", "--help", "-h":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

// common holds the flags every command shares. Only flags the user set
// override the loaded configuration.
type common struct {
	fs         *pflag.FlagSet
	configPath string
	brokerHost string
	brokerPort int
	logLevel   string
	logFormat  string
}

func newCommon(name string) *common {
	c := &common{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	c.fs.StringVarP(&c.configPath, "config", "c", "", "YAML or TOML configuration file")
	c.fs.StringVar(&c.brokerHost, "broker-host", "", "broker host")
	c.fs.IntVar(&c.brokerPort, "broker-port", 0, "broker port")
	c.fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")
	c.fs.StringVar(&c.logFormat, "log-format", "", "text or json")
	return c
}

// load parses args, then reads the configuration and applies set flags
// over it. apply may override command-specific fields.
func (c *common) load(args []string, apply func(*config.Config)) (config.Config, *slog.Logger, error) {
	if err := c.fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.fs.Changed("broker-host") {
		cfg.Broker.Host = c.brokerHost
	}
	if c.fs.Changed("broker-port") {
		cfg.Broker.Port = c.brokerPort
	}
	if c.fs.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if c.fs.Changed("log-format") {
		cfg.Log.Format = c.logFormat
	}
	if apply != nil {
		apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// startLoop runs a real-clock reactor until the returned stop is called.
// Components shut down through the loop, so it outlives the signal context.
func startLoop() (*reactor.Loop, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := reactor.New(nil)
	go loop.Run(ctx)
	return loop, func() {
		cancel()
		<-loop.Done()
	}
}

func brokerService(loop *reactor.Loop, cfg config.Config, logger *slog.Logger) *broker.Service {
	return broker.NewService(loop, broker.ServiceOptions{
		Host:               cfg.Broker.Host,
		Port:               cfg.Broker.Port,
		RemoteOnly:         cfg.Broker.RemoteOnly,
		ReconnectDelay:     cfg.Broker.ReconnectDelay,
		Jitter:             cfg.Broker.Jitter,
		CheckInterval:      cfg.Broker.CheckInterval,
		NegotiationTimeout: cfg.Server.NegotiationTimeout,
		Logger:             logger,
	})
}

func serverTLS(cfg config.Config) (*tls.Config, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	var (
		cert tls.Certificate
		err  error
	)
	if cfg.TLS.CertFile != "" {
		cert, err = transport.LoadCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		cert, err = transport.GenerateSelfSignedCert(cfg.Server.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return transport.ServerTLSConfig(cert), nil
}

func runServe(ctx context.Context, args []string) error {
	c := newCommon("serve")
	var (
		host       string
		port       int
		autoPort   bool
		name       string
		prompt     string
		allowShell bool
		useTLS     bool
		creds      string
		remoteOnly bool
		standalone bool
	)
	c.fs.StringVar(&host, "host", "", "session listen host")
	c.fs.IntVarP(&port, "port", "p", 0, "session listen port")
	c.fs.BoolVar(&autoPort, "auto-port", false, "bind the first free port at or above --port")
	c.fs.StringVarP(&name, "name", "n", "", "server name shown in the broker list")
	c.fs.StringVar(&prompt, "prompt", "", "REPL prompt")
	c.fs.BoolVar(&allowShell, "allow-shell", false, "allow .command shell execution")
	c.fs.BoolVar(&useTLS, "tls", false, "serve rrepls (self-signed unless tls.cert_file is set)")
	c.fs.StringVar(&creds, "credentials", "", "YAML file of user: bcrypt-hash entries")
	c.fs.BoolVar(&remoteOnly, "remote-broker", false, "never become the broker")
	c.fs.BoolVar(&standalone, "standalone", false, "do not register with a broker")

	cfg, logger, err := c.load(args, func(cfg *config.Config) {
		fs := c.fs
		if fs.Changed("host") {
			cfg.Server.Host = host
		}
		if fs.Changed("port") {
			cfg.Server.Port = port
		}
		if fs.Changed("auto-port") {
			cfg.Server.AutoPort = autoPort
		}
		if fs.Changed("name") {
			cfg.Server.Name = name
		}
		if fs.Changed("prompt") {
			cfg.Server.Prompt = prompt
		}
		if fs.Changed("allow-shell") {
			cfg.Server.AllowShell = allowShell
		}
		if fs.Changed("tls") {
			cfg.TLS.Enabled = useTLS
		}
		if fs.Changed("credentials") {
			cfg.Auth.CredentialsFile = creds
		}
		if fs.Changed("remote-broker") {
			cfg.Broker.RemoteOnly = remoteOnly
		}
	})
	if err != nil {
		return err
	}

	tlsConf, err := serverTLS(cfg)
	if err != nil {
		return err
	}
	var check auth.Predicate
	if cfg.Auth.CredentialsFile != "" {
		table, err := auth.LoadTable(cfg.Auth.CredentialsFile)
		if err != nil {
			return err
		}
		check = table.Predicate()
	}

	loop, stopLoop := startLoop()
	defer stopLoop()
	engine := repl.New(cfg.Server.Prompt)
	engine.Logger = logger

	opts := server.Options{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		AutoPort:           cfg.Server.AutoPort,
		TLS:                tlsConf,
		Auth:               check,
		MaxAuthAttempts:    cfg.Server.MaxAuthAttempts,
		AllowShell:         cfg.Server.AllowShell,
		Name:               cfg.Server.Name,
		HeartbeatInterval:  cfg.Server.HeartbeatInterval,
		NegotiationTimeout: cfg.Server.NegotiationTimeout,
		Logger:             logger,
	}
	serviceErr := make(chan error, 1)
	if !standalone {
		svc := brokerService(loop, cfg, logger)
		opts.Registrar = svc
		go func() { serviceErr <- svc.Run(ctx) }()
	}

	srv := server.New(loop, engine, opts)
	if err := srv.Listen(); err != nil {
		return err
	}
	go func() {
		<-srv.Ready
		fmt.Println(srv.URL())
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	select {
	case err = <-serveErr:
	case err = <-serviceErr:
		if err == nil {
			err = <-serveErr
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runBroker(ctx context.Context, args []string) error {
	c := newCommon("broker")
	cfg, logger, err := c.load(args, nil)
	if err != nil {
		return err
	}
	loop, stopLoop := startLoop()
	defer stopLoop()
	b := broker.New(loop, broker.Options{
		Host:               cfg.Broker.Host,
		Port:               cfg.Broker.Port,
		CheckInterval:      cfg.Broker.CheckInterval,
		NegotiationTimeout: cfg.Server.NegotiationTimeout,
		Logger:             logger,
	})
	if err := b.Listen(); err != nil {
		return err
	}
	logger.Info("broker listening", "url", b.URL())
	if err := b.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func brokerURL(cfg config.Config) string {
	return transport.Endpoint{
		Scheme: transport.SchemePlain,
		Host:   cfg.Broker.Host,
		Port:   cfg.Broker.Port,
	}.String()
}

func runConnect(ctx context.Context, args []string) error {
	c := newCommon("connect")
	var (
		name  string
		proxy bool
		user  string
	)
	c.fs.StringVarP(&name, "name", "n", "", "pick the server with this name or id from the broker")
	c.fs.BoolVar(&proxy, "proxy", false, "tunnel through the broker instead of connecting directly")
	c.fs.StringVarP(&user, "user", "u", "", "user name to authenticate as")
	c.fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: rrepl connect [flags] [rrepl://host:port]")
		c.fs.PrintDefaults()
	}

	cfg, logger, err := c.load(args, nil)
	if err != nil {
		return err
	}
	// Logs would interleave with the session; only warnings reach the terminal.
	if !c.fs.Changed("log-level") && cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
		if logger, err = cfg.Log.Logger(os.Stderr); err != nil {
			return err
		}
	}

	opts := client.Options{
		Credentials: client.TerminalCredentials{In: os.Stdin, Out: os.Stderr, User: user},
		Logger:      logger,
	}
	switch {
	case c.fs.NArg() > 1:
		c.fs.Usage()
		return errors.New("connect takes at most one URL")
	case c.fs.NArg() == 1:
		opts.URL = c.fs.Arg(0)
	default:
		opts.URL = brokerURL(cfg)
		opts.Chooser = client.ByName(name, proxy)
	}
	if opts.Chooser == nil && (name != "" || proxy) {
		return errors.New("--name and --proxy select a server through the broker; drop the URL")
	}

	loop, stopLoop := startLoop()
	defer stopLoop()
	return client.New(loop, opts).Run(ctx)
}

func runList(ctx context.Context, args []string) error {
	c := newCommon("list")
	cfg, logger, err := c.load(args, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop, stopLoop := startLoop()
	defer stopLoop()

	var writeErr error
	bc := broker.NewClient(loop, broker.ClientOptions{
		Addr:               transport.Endpoint{Host: cfg.Broker.Host, Port: cfg.Broker.Port}.Addr(),
		NegotiationTimeout: cfg.Server.NegotiationTimeout,
		Logger:             logger,
		OnServerList: func(servers map[string]protocol.ServerDescription) {
			writeErr = client.WriteServerList(os.Stdout, servers)
			cancel()
		},
	})
	err = bc.Run(ctx)
	stopLoop()
	if writeErr != nil {
		return writeErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("broker at %s closed the connection", brokerURL(cfg))
	}
	return err
}
