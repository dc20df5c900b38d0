package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/privateaim/node-message-broker/internal/api"
	"github.com/privateaim/node-message-broker/internal/bridge"
	"github.com/privateaim/node-message-broker/internal/config"
	"github.com/privateaim/node-message-broker/internal/discovery"
	"github.com/privateaim/node-message-broker/internal/fanout"
	"github.com/privateaim/node-message-broker/internal/hub"
	"github.com/privateaim/node-message-broker/internal/message"
	"github.com/privateaim/node-message-broker/internal/store"
	"github.com/privateaim/node-message-broker/internal/subscription"
	"github.com/privateaim/node-message-broker/internal/transport"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("node-broker %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: node-broker <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the message broker\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting node message broker",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("broker error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	dbPath := config.ExpandHome(cfg.Database.Path)
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", dbPath)

	// --- Subscription Registry ---
	registry := subscription.NewRegistry(db)

	// --- Hub clients ---
	tokens := hub.NewTokenSource(cfg.Hub.Auth.BaseURL, hub.RobotCredentials{
		ID:     cfg.Hub.Auth.RobotID,
		Secret: cfg.Hub.Auth.RobotSecret,
	}, nil)
	hubClient := hub.NewClient(cfg.Hub.BaseURL, tokens)
	authClient := hub.NewAuthClient(cfg.Hub.Auth.BaseURL, tokens)

	// --- Discovery Resolver ---
	resolver := discovery.NewResolver(hubClient, cfg.Hub.Auth.RobotID)

	// --- Event Bridge + Fan-Out Engine ---
	// The engine subscribes before the transport connects so no inbound
	// message is published without a subscriber.
	br := bridge.New()
	engine := fanout.New(fanout.Config{
		DeliveryTimeout: cfg.Delivery.Timeout,
		MaxBodyLogBytes: cfg.Delivery.MaxBodyLogBytes,
	}, br, registry)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(context.Background())
	}()

	// --- Hub Transport ---
	hubTransport := transport.New(transport.Config{
		MessengerURL: cfg.Hub.MessengerURL,
		DialTimeout:  cfg.Hub.DialTimeout,
	}, tokens, br)

	if err := hubTransport.Connect(ctx); err != nil {
		br.Close()
		<-engineDone
		return fmt.Errorf("hub transport: %w", err)
	}

	// --- Outbound Message Service ---
	messenger := message.NewService(resolver, hubTransport)

	// --- HTTP API ---
	apiServer := api.NewServer(&api.Deps{
		Discovery: resolver,
		Registry:  registry,
		Messenger: messenger,
		Health: []api.HealthChecker{
			storeHealth{db},
			transportHealth{hubTransport},
		},
		AuthEnabled:  cfg.Auth.Enabled,
		Introspector: introspector{authClient},
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("broker is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	// Stop Hub input first, then drain the fan-out engine, then close the
	// HTTP surface. In-flight deliveries finish within the delivery timeout.
	_ = hubTransport.Close()
	br.Close()

	select {
	case <-engineDone:
	case <-time.After(cfg.Delivery.Timeout + 5*time.Second):
		slog.Warn("fan-out engine did not drain in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// storeHealth reports database reachability for the health endpoint.
type storeHealth struct {
	store *store.SQLiteStore
}

func (h storeHealth) Name() string { return "store" }
func (h storeHealth) Healthy(ctx context.Context) bool {
	return h.store.Ping(ctx) == nil
}

// transportHealth reports whether the Hub channel is connected.
type transportHealth struct {
	transport *transport.Client
}

func (h transportHealth) Name() string { return "hub-transport" }
func (h transportHealth) Healthy(_ context.Context) bool {
	return h.transport.State() == transport.StateConnected
}

// introspector adapts the Hub auth client to the API's introspection need.
type introspector struct {
	auth *hub.AuthClient
}

func (i introspector) IntrospectToken(ctx context.Context, token string) (bool, error) {
	in, err := i.auth.IntrospectToken(ctx, token)
	if err != nil {
		return false, err
	}
	return in.Active, nil
}
