// Package config loads and validates callkitd's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	envVarAPIBaseURL   = "CALLKIT_API_BASE_URL"
	envVarAPIToken     = "CALLKIT_API_TOKEN"
	envVarEventsWSURL  = "CALLKIT_EVENTS_WS_URL"
	envVarListenAddr   = "CALLKIT_LISTEN_ADDR"
	envVarLogFormat    = "CALLKIT_LOG_FORMAT"
	envVarLogLevel     = "CALLKIT_LOG_LEVEL"
	envVarDialRetry    = "CALLKIT_DIAL_RETRY_DELAY"
	envVarHTTPTimeout  = "CALLKIT_HTTP_TIMEOUT"
	envVarShutdown     = "CALLKIT_SHUTDOWN_TIMEOUT"
	envVarSpeakerOnVid = "CALLKIT_SPEAKER_ON_FOR_VIDEO"
)

const (
	DefaultListenAddr      = "127.0.0.1:7350"
	DefaultDialRetryDelay  = 1 * time.Second
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

type LogFormat string

const (
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

// Config is the validated runtime configuration for the daemon.
type Config struct {
	// APIBaseURL is the call-control backend, e.g. https://api.example.com/api/v1/webrtc.
	APIBaseURL string
	// APIToken is the bearer token presented on every REST call.
	APIToken string
	// EventsWSURL is the push-event WebSocket endpoint.
	EventsWSURL string
	// ListenAddr is the local control API address.
	ListenAddr string

	LogFormat LogFormat
	LogLevel  zerolog.Level

	// DialRetryDelay is the fixed delay between push-channel (re)dial attempts.
	DialRetryDelay time.Duration
	// HTTPTimeout bounds every outbound REST call.
	HTTPTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown of the control API.
	ShutdownTimeout time.Duration

	// SpeakerOnForVideo routes video calls to the speaker by default.
	SpeakerOnForVideo bool

	// ICEServers is the fixed ICE configuration for every peer connection.
	ICEServers []webrtc.ICEServer
}

func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		APIBaseURL:      envOrDefault(lookup, envVarAPIBaseURL, ""),
		APIToken:        envOrDefault(lookup, envVarAPIToken, ""),
		EventsWSURL:     envOrDefault(lookup, envVarEventsWSURL, ""),
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		DialRetryDelay:  DefaultDialRetryDelay,
		HTTPTimeout:     DefaultHTTPTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}

	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatConsole))
	switch LogFormat(logFormat) {
	case LogFormatConsole, LogFormatJSON:
		cfg.LogFormat = LogFormat(logFormat)
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want console|json)", envVarLogFormat, logFormat)
	}

	logLevel := envOrDefault(lookup, envVarLogLevel, zerolog.LevelInfoValue)
	lvl, err := zerolog.ParseLevel(strings.TrimSpace(logLevel))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarLogLevel, logLevel, err)
	}
	cfg.LogLevel = lvl

	if cfg.DialRetryDelay, err = envDurationOrDefault(lookup, envVarDialRetry, DefaultDialRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = envDurationOrDefault(lookup, envVarHTTPTimeout, DefaultHTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdown, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SpeakerOnForVideo, err = envBoolOrDefault(lookup, envVarSpeakerOnVid, true); err != nil {
		return Config{}, err
	}

	cfg.ICEServers, err = parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("%s is required", envVarAPIBaseURL)
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q (want an http(s) URL)", envVarAPIBaseURL, c.APIBaseURL)
	}

	if c.EventsWSURL == "" {
		return fmt.Errorf("%s is required", envVarEventsWSURL)
	}
	wu, err := url.Parse(c.EventsWSURL)
	if err != nil || (wu.Scheme != "ws" && wu.Scheme != "wss") || wu.Host == "" {
		return fmt.Errorf("invalid %s %q (want a ws(s) URL)", envVarEventsWSURL, c.EventsWSURL)
	}

	if c.DialRetryDelay <= 0 {
		return fmt.Errorf("%s must be positive", envVarDialRetry)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarHTTPTimeout)
	}
	return nil
}

// NewLogger builds the root logger from the configured format and level.
func NewLogger(cfg Config) zerolog.Logger {
	var l zerolog.Logger
	if cfg.LogFormat == LogFormatConsole {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(cfg.LogLevel).With().Timestamp().Logger()
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, def bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
