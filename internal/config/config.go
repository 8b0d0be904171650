// Package config loads the signaling core's runtime configuration from
// environment variables with command-line overrides for the common knobs.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CHATR_SIGNALD_LISTEN_ADDR"
	envVarLogFormat       = "CHATR_SIGNALD_LOG_FORMAT"
	envVarLogLevel        = "CHATR_SIGNALD_LOG_LEVEL"
	envVarShutdownTimeout = "CHATR_SIGNALD_SHUTDOWN_TIMEOUT"
	envVarAuthSecret      = "CHATR_SIGNALD_JWT_SECRET"

	envVarRedisAddr     = "REDIS_ADDR"
	envVarRedisPassword = "REDIS_PASSWORD"
	envVarRedisDB       = "REDIS_DB"

	envVarICEServers = "ICE_SERVERS"

	// TURN REST ephemeral credentials served to call participants.
	envVarTurnURLs       = "TURN_URLS"
	envVarTurnRESTSecret = "TURN_REST_SECRET"
	envVarTurnTTL        = "TURN_CREDENTIAL_TTL"

	// Call/session knobs.
	envVarGraceWindow     = "CALL_RECONNECT_GRACE_WINDOW"
	envVarCandidateBuffer = "CALL_CANDIDATE_BUFFER"

	// Low-latency transport knobs.
	envVarHeartbeatInterval    = "TRANSPORT_HEARTBEAT_INTERVAL"
	envVarHeartbeatMisses      = "TRANSPORT_HEARTBEAT_MISSES"
	envVarReconnectBackoffBase = "TRANSPORT_RECONNECT_BACKOFF_BASE"
	envVarReconnectBackoffCap  = "TRANSPORT_RECONNECT_BACKOFF_CAP"
	envVarReconnectMaxAttempts = "TRANSPORT_RECONNECT_MAX_ATTEMPTS"

	// Inbound signaling hardening on the relay.
	envVarMaxSignalMessageBytes      = "MAX_SIGNAL_MESSAGE_BYTES"
	envVarMaxSignalMessagesPerSecond = "MAX_SIGNAL_MESSAGES_PER_SECOND"

	// Invitation dispatch (push provider).
	envVarPushEndpoint            = "PUSH_ENDPOINT"
	envVarPushTokenURL            = "PUSH_TOKEN_URL"
	envVarPushServiceAccountEmail = "PUSH_SERVICE_ACCOUNT_EMAIL"
	envVarPushPrivateKeyFile      = "PUSH_PRIVATE_KEY_FILE"
	envVarPushLegacyEndpoint      = "PUSH_LEGACY_ENDPOINT"
	envVarPushLegacyKey           = "PUSH_LEGACY_KEY"
	envVarPushTTL                 = "PUSH_INVITE_TTL"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AuthSecret signs/verifies the HMAC bearer tokens on the relay
	// endpoints. Empty disables authentication (development only).
	AuthSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ICEServers []webrtc.ICEServer

	// TurnURLs plus TurnRESTSecret enable ephemeral TURN credentials on the
	// relay's ICE config endpoint. Empty secret disables the feature.
	TurnURLs       []string
	TurnRESTSecret string
	TurnTTL        time.Duration

	// GraceWindow is how long a disconnected call waits for connectivity to
	// self-heal before the initiator triggers an ICE restart.
	GraceWindow     time.Duration
	CandidateBuffer int

	HeartbeatInterval    time.Duration
	HeartbeatMisses      int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
	ReconnectMaxAttempts int

	MaxSignalMessageBytes      int64
	MaxSignalMessagesPerSecond int

	PushEndpoint            string
	PushTokenURL            string
	PushServiceAccountEmail string
	PushPrivateKeyFile      string
	PushLegacyEndpoint      string
	PushLegacyKey           string
	PushTTL                 time.Duration
}

// Load parses configuration from the process environment plus args.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, ":8080"),
		ShutdownTimeout: 10 * time.Second,

		AuthSecret: envOrDefault(lookup, envVarAuthSecret, ""),

		RedisAddr:     envOrDefault(lookup, envVarRedisAddr, "localhost:6379"),
		RedisPassword: envOrDefault(lookup, envVarRedisPassword, ""),

		GraceWindow:     3 * time.Second,
		CandidateBuffer: 64,

		HeartbeatInterval:    5 * time.Second,
		HeartbeatMisses:      3,
		ReconnectBackoffBase: 500 * time.Millisecond,
		ReconnectBackoffCap:  8 * time.Second,
		ReconnectMaxAttempts: 6,

		MaxSignalMessageBytes:      64 * 1024,
		MaxSignalMessagesPerSecond: 50,

		PushEndpoint:            envOrDefault(lookup, envVarPushEndpoint, ""),
		PushTokenURL:            envOrDefault(lookup, envVarPushTokenURL, ""),
		PushServiceAccountEmail: envOrDefault(lookup, envVarPushServiceAccountEmail, ""),
		PushPrivateKeyFile:      envOrDefault(lookup, envVarPushPrivateKeyFile, ""),
		PushLegacyEndpoint:      envOrDefault(lookup, envVarPushLegacyEndpoint, ""),
		PushLegacyKey:           envOrDefault(lookup, envVarPushLegacyKey, ""),
		PushTTL:                 30 * time.Second,

		TurnRESTSecret: envOrDefault(lookup, envVarTurnRESTSecret, ""),
		TurnTTL:        1 * time.Hour,
	}
	if raw := envOrDefault(lookup, envVarTurnURLs, ""); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.TurnURLs = append(cfg.TurnURLs, u)
			}
		}
	}

	var err error
	if cfg.RedisDB, err = envIntOrDefault(lookup, envVarRedisDB, 0); err != nil {
		return Config{}, err
	}
	if cfg.CandidateBuffer, err = envIntOrDefault(lookup, envVarCandidateBuffer, cfg.CandidateBuffer); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatMisses, err = envIntOrDefault(lookup, envVarHeartbeatMisses, cfg.HeartbeatMisses); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxAttempts, err = envIntOrDefault(lookup, envVarReconnectMaxAttempts, cfg.ReconnectMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalMessagesPerSecond, cfg.MaxSignalMessagesPerSecond); err != nil {
		return Config{}, err
	}

	maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalMessageBytes, int(cfg.MaxSignalMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalMessageBytes = int64(maxBytes)

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarGraceWindow, &cfg.GraceWindow},
		{envVarHeartbeatInterval, &cfg.HeartbeatInterval},
		{envVarReconnectBackoffBase, &cfg.ReconnectBackoffBase},
		{envVarReconnectBackoffCap, &cfg.ReconnectBackoffCap},
		{envVarPushTTL, &cfg.PushTTL},
		{envVarTurnTTL, &cfg.TurnTTL},
	} {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.ICEServers = parseICEServers(envOrDefault(lookup, envVarICEServers, "stun:stun.l.google.com:19302"))

	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevel := envOrDefault(lookup, envVarLogLevel, "info")

	fs := flag.NewFlagSet("chatr-signald", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "address to listen on")
	fs.StringVar(&logFormat, "log-format", logFormat, "log format (text|json)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.LogFormat, err = parseLogFormat(logFormat); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevel); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.GraceWindow <= 0 {
		return fmt.Errorf("%s must be positive", envVarGraceWindow)
	}
	if c.CandidateBuffer < 1 {
		return fmt.Errorf("%s must be at least 1", envVarCandidateBuffer)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatMisses < 1 {
		return fmt.Errorf("heartbeat interval must be positive and misses at least 1")
	}
	if c.ReconnectBackoffBase <= 0 || c.ReconnectBackoffCap < c.ReconnectBackoffBase {
		return fmt.Errorf("reconnect backoff cap must be >= base, both positive")
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", envVarReconnectMaxAttempts)
	}
	if c.PushTTL <= 0 || c.PushTTL > 30*time.Second {
		return fmt.Errorf("%s must be in (0s, 30s]", envVarPushTTL)
	}
	if c.TurnRESTSecret != "" && (len(c.TurnURLs) == 0 || c.TurnTTL <= 0) {
		return fmt.Errorf("%s requires %s and a positive %s", envVarTurnRESTSecret, envVarTurnURLs, envVarTurnTTL)
	}
	if c.PushPrivateKeyFile != "" && (c.PushServiceAccountEmail == "" || c.PushTokenURL == "" || c.PushEndpoint == "") {
		return fmt.Errorf("%s requires %s, %s and %s", envVarPushPrivateKeyFile,
			envVarPushServiceAccountEmail, envVarPushTokenURL, envVarPushEndpoint)
	}
	return nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseICEServers(raw string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, u := range strings.Split(raw, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
