package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"

	"github.com/chatr4661-cell/chatr-sub007/internal/config"
	"github.com/chatr4661-cell/chatr-sub007/internal/push"
	"github.com/chatr4661-cell/chatr-sub007/internal/relay"
	sig "github.com/chatr4661-cell/chatr-sub007/internal/signal"
	"github.com/chatr4661-cell/chatr-sub007/internal/store"
	"github.com/chatr4661-cell/chatr-sub007/internal/turnrest"
)

type cli struct {
	Serve  serveCmd  `cmd:"" default:"withargs" help:"Run the signal relay daemon."`
	Notify notifyCmd `cmd:"" help:"Send a call invitation push to a callee."`
	Token  tokenCmd  `cmd:"" help:"Mint a bearer token for a user (requires the auth secret)."`
}

func main() {
	c := &cli{}
	ctx := kong.Parse(c,
		kong.Name("chatr-signald"),
		kong.Description("Call signaling relay: envelope store, transports and push invitations."))
	ctx.FatalIfErrorf(ctx.Run())
}

// loadConfig maps kong overrides onto the env-based configuration.
func loadConfig(listenAddr, logFormat, logLevel string) (config.Config, *slog.Logger, error) {
	var args []string
	if listenAddr != "" {
		args = append(args, "-listen-addr="+listenAddr)
	}
	if logFormat != "" {
		args = append(args, "-log-format="+logFormat)
	}
	if logLevel != "" {
		args = append(args, "-log-level="+logLevel)
	}
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return config.Config{}, nil, err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newBackends picks Redis-backed store and registry when Redis is
// configured, in-memory otherwise.
func newBackends(cfg config.Config, logger *slog.Logger) (store.Store, push.TargetRegistry) {
	if cfg.RedisAddr == "" {
		logger.Warn("no redis configured, using in-memory store and registry (single node only)")
		return store.NewMemoryStore(), push.NewMemoryRegistry()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, continuing", "addr", cfg.RedisAddr, "err", err)
	}
	return store.NewRedisStore(rdb, logger), push.NewRedisRegistry(rdb, logger)
}

type serveCmd struct {
	ListenAddr string `help:"Override the listen address." name:"listen-addr"`
	LogFormat  string `help:"Override the log format (text|json)." name:"log-format"`
	LogLevel   string `help:"Override the log level." name:"log-level"`
}

func (s *serveCmd) Run() error {
	cfg, logger, err := loadConfig(s.ListenAddr, s.LogFormat, s.LogLevel)
	if err != nil {
		return err
	}

	logger.Info("starting chatr-signald",
		"listen_addr", cfg.ListenAddr,
		"redis", cfg.RedisAddr != "",
		"auth", cfg.AuthSecret != "",
		"ice_servers", len(cfg.ICEServers),
		"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
		"max_signal_messages_per_second", cfg.MaxSignalMessagesPerSecond,
	)
	if cfg.AuthSecret == "" {
		logger.Warn("authentication disabled: identities are taken from query parameters")
	}

	st, registry := newBackends(cfg, logger)

	server, err := relay.NewServer(relay.Config{
		AuthSecret:        cfg.AuthSecret,
		ICEServers:        cfg.ICEServers,
		TurnURLs:          cfg.TurnURLs,
		MaxMessageBytes:   cfg.MaxSignalMessageBytes,
		MessagesPerSecond: cfg.MaxSignalMessagesPerSecond,
		Logger:            logger,
	}, st, registry)
	if err != nil {
		return err
	}
	if cfg.TurnRESTSecret != "" {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TurnRESTSecret,
			TTLSeconds:     int64(cfg.TurnTTL / time.Second),
			UsernamePrefix: "chatr",
		})
		if err != nil {
			return fmt.Errorf("turn credential generator: %w", err)
		}
		server.SetTURNGenerator(gen)
		logger.Info("ephemeral turn credentials enabled",
			"urls", len(cfg.TurnURLs), "ttl", cfg.TurnTTL)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

type notifyCmd struct {
	Call   string `help:"Call id." required:""`
	Caller string `help:"Caller user id." required:""`
	Callee string `help:"Callee user id." required:""`
	Media  string `help:"Media kind (audio|video)." default:"audio"`
}

func (n *notifyCmd) Run() error {
	cfg, logger, err := loadConfig("", "", "")
	if err != nil {
		return err
	}
	media := sig.MediaKind(n.Media)
	if !media.Valid() {
		return fmt.Errorf("unsupported media kind %q", n.Media)
	}

	_, registry := newBackends(cfg, logger)
	dispatcher, err := newDispatcher(cfg, registry, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := dispatcher.Notify(ctx, sig.Call{
		ID:        n.Call,
		CallerID:  n.Caller,
		CalleeID:  n.Callee,
		Media:     media,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(result)
}

func newDispatcher(cfg config.Config, registry push.TargetRegistry, logger *slog.Logger) (*push.Dispatcher, error) {
	dc := push.DispatcherConfig{
		Registry:       registry,
		Endpoint:       cfg.PushEndpoint,
		LegacyEndpoint: cfg.PushLegacyEndpoint,
		LegacyKey:      cfg.PushLegacyKey,
		TTL:            cfg.PushTTL,
		Logger:         logger,
	}
	if cfg.PushServiceAccountEmail != "" && cfg.PushPrivateKeyFile != "" {
		pemData, err := os.ReadFile(cfg.PushPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read push signing key: %w", err)
		}
		key, err := push.ParsePrivateKey(pemData)
		if err != nil {
			return nil, err
		}
		tokens, err := push.NewAssertionTokenSource(push.ServiceAccount{
			Email:      cfg.PushServiceAccountEmail,
			PrivateKey: key,
			TokenURL:   cfg.PushTokenURL,
		}, nil)
		if err != nil {
			return nil, err
		}
		dc.Tokens = tokens
	}
	return push.NewDispatcher(dc)
}

type tokenCmd struct {
	User string `help:"User id to mint the token for." required:""`
}

func (t *tokenCmd) Run() error {
	cfg, _, err := loadConfig("", "", "")
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		return fmt.Errorf("%s is not set", "CHATR_SIGNALD_JWT_SECRET")
	}
	token, err := relay.MintToken(cfg.AuthSecret, t.User)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
