// Package config loads swarm node configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Invoker method names.
const (
	InvokerNoop       = "noop"
	InvokerTmux       = "tmux"
	InvokerSubprocess = "subprocess"
	InvokerWebhook    = "webhook"
	InvokerSDK        = "sdk"
)

// Config holds all swarm node configuration from environment variables.
type Config struct {
	// Identity
	AgentID  string
	Endpoint string // public HTTPS URL other agents reach this node at
	DataDir  string // identity directory, owner-only permissions
	KeyPath  string // Ed25519 seed file
	DBPath   string

	// HTTP server
	ListenAddr     string
	RequestTimeout time.Duration
	DrainTimeout   time.Duration

	// Rate limits
	RateMsgPerMin   int
	RateJoinPerHour int

	// Outbound transport
	SendTimeout     time.Duration
	KeyFetchTimeout time.Duration
	KeyCacheTTL     time.Duration

	// Wake trigger
	WakeEnabled    bool
	WakeURL        string
	WakeSecret     string
	WakeTimeout    time.Duration
	WakeConfigPath string // optional YAML preferences file

	// Wake endpoint + invoker
	WakeEndpointEnabled bool
	InvokerMethod       string
	TmuxTarget          string
	SubprocessCommand   string
	InvokerWebhookURL   string
	SDKCommand          string
	SDKWorkdir          string
	SDKPermissionMode   string
	SDKMaxTurns         int
	SDKModel            string

	// Session tracking
	SessionFile    string
	SessionTimeout time.Duration

	// Maintenance
	MaintSchedule  string // cron expression
	PurgeRetention time.Duration
	SessionExpiry  time.Duration

	// Operator notifications
	NotifyWebhookURL     string
	NotifyWebhookHeaders string // comma-separated "Key:Value" pairs
	NotifySlackURL       string
	NotifyDiscordURL     string
	NotifyMQTTBroker     string
	NotifyMQTTTopic      string
	NotifyMQTTUsername   string
	NotifyMQTTPassword   string
	NotifyMQTTClientID   string
	NotifyMQTTQoS        int
	NotifyEvents         string // comma-separated event types; empty = all

	// Observability
	MetricsEnabled  bool
	MetricsTextfile string // node_exporter textfile snapshot path, empty disables
	LogLevel        string
	LogFormat       string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	dataDir := envStr("SWARM_DATA_DIR", defaultDataDir())
	cfg := &Config{
		AgentID:  envStr("SWARM_AGENT_ID", ""),
		Endpoint: envStr("SWARM_ENDPOINT", ""),
		DataDir:  dataDir,
		KeyPath:  envStr("SWARM_KEY_PATH", filepath.Join(dataDir, "agent.key")),
		DBPath:   envStr("SWARM_DB_PATH", filepath.Join(dataDir, "swarm.db")),

		ListenAddr:     envStr("SWARM_LISTEN_ADDR", "127.0.0.1:8420"),
		RequestTimeout: envDuration("SWARM_REQUEST_TIMEOUT", 30*time.Second),
		DrainTimeout:   envDuration("SWARM_DRAIN_TIMEOUT", 10*time.Second),

		RateMsgPerMin:   envInt("SWARM_RATE_MSG_PER_MIN", 60),
		RateJoinPerHour: envInt("SWARM_RATE_JOIN_PER_HOUR", 10),

		SendTimeout:     envDuration("SWARM_SEND_TIMEOUT", 30*time.Second),
		KeyFetchTimeout: envDuration("SWARM_KEY_FETCH_TIMEOUT", 10*time.Second),
		KeyCacheTTL:     envDuration("SWARM_KEY_CACHE_TTL", 24*time.Hour),

		WakeEnabled:    envBool("SWARM_WAKE_ENABLED", false),
		WakeURL:        envStr("SWARM_WAKE_URL", ""),
		WakeSecret:     envStr("SWARM_WAKE_SECRET", ""),
		WakeTimeout:    envDuration("SWARM_WAKE_TIMEOUT", 5*time.Second),
		WakeConfigPath: envStr("SWARM_WAKE_CONFIG", ""),

		WakeEndpointEnabled: envBool("SWARM_WAKE_ENDPOINT_ENABLED", false),
		InvokerMethod:       envStr("SWARM_INVOKER", InvokerNoop),
		TmuxTarget:          envStr("SWARM_TMUX_TARGET", ""),
		SubprocessCommand:   envStr("SWARM_SUBPROCESS_COMMAND", ""),
		InvokerWebhookURL:   envStr("SWARM_INVOKER_WEBHOOK_URL", ""),
		SDKCommand:          envStr("SWARM_SDK_COMMAND", "claude"),
		SDKWorkdir:          envStr("SWARM_SDK_WORKDIR", ""),
		SDKPermissionMode:   envStr("SWARM_SDK_PERMISSION_MODE", "acceptEdits"),
		SDKMaxTurns:         envInt("SWARM_SDK_MAX_TURNS", 50),
		SDKModel:            envStr("SWARM_SDK_MODEL", ""),

		SessionFile:    envStr("SWARM_SESSION_FILE", filepath.Join(dataDir, "session.json")),
		SessionTimeout: envDuration("SWARM_SESSION_TIMEOUT", 30*time.Minute),

		MaintSchedule:  envStr("SWARM_MAINT_SCHEDULE", "0 */6 * * *"),
		PurgeRetention: envDuration("SWARM_PURGE_RETENTION", 24*time.Hour),
		SessionExpiry:  envDuration("SWARM_SESSION_EXPIRY", 60*time.Minute),

		NotifyWebhookURL:     envStr("SWARM_NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookHeaders: envStr("SWARM_NOTIFY_WEBHOOK_HEADERS", ""),
		NotifySlackURL:       envStr("SWARM_NOTIFY_SLACK_URL", ""),
		NotifyDiscordURL:     envStr("SWARM_NOTIFY_DISCORD_URL", ""),
		NotifyMQTTBroker:     envStr("SWARM_NOTIFY_MQTT_BROKER", ""),
		NotifyMQTTTopic:      envStr("SWARM_NOTIFY_MQTT_TOPIC", "swarm/events"),
		NotifyMQTTUsername:   envStr("SWARM_NOTIFY_MQTT_USERNAME", ""),
		NotifyMQTTPassword:   envStr("SWARM_NOTIFY_MQTT_PASSWORD", ""),
		NotifyMQTTClientID:   envStr("SWARM_NOTIFY_MQTT_CLIENT_ID", "swarmnode"),
		NotifyMQTTQoS:        envInt("SWARM_NOTIFY_MQTT_QOS", 0),
		NotifyEvents:         envStr("SWARM_NOTIFY_EVENTS", ""),

		MetricsEnabled:  envBool("SWARM_METRICS_ENABLED", true),
		MetricsTextfile: envStr("SWARM_METRICS_TEXTFILE", ""),
		LogLevel:        envStr("SWARM_LOG_LEVEL", "info"),
		LogFormat:       envStr("SWARM_LOG_FORMAT", "json"),
	}
	return cfg
}

// Validate checks configuration for invalid values. Identity must be complete:
// the node cannot start without an agent_id and a reachable endpoint.
func (c *Config) Validate() error {
	var errs []error

	if c.AgentID == "" {
		errs = append(errs, errors.New("SWARM_AGENT_ID is required"))
	} else if err := validAgentID(c.AgentID); err != nil {
		errs = append(errs, fmt.Errorf("SWARM_AGENT_ID: %w", err))
	}

	if c.Endpoint == "" {
		errs = append(errs, errors.New("SWARM_ENDPOINT is required"))
	} else if err := validEndpoint(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("SWARM_ENDPOINT: %w", err))
	}

	if c.RateMsgPerMin <= 0 {
		errs = append(errs, fmt.Errorf("SWARM_RATE_MSG_PER_MIN must be > 0, got %d", c.RateMsgPerMin))
	}
	if c.RateJoinPerHour <= 0 {
		errs = append(errs, fmt.Errorf("SWARM_RATE_JOIN_PER_HOUR must be > 0, got %d", c.RateJoinPerHour))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SWARM_SESSION_TIMEOUT must be > 0, got %s", c.SessionTimeout))
	}
	if c.PurgeRetention <= 0 {
		errs = append(errs, fmt.Errorf("SWARM_PURGE_RETENTION must be > 0, got %s", c.PurgeRetention))
	}

	if c.WakeEnabled && c.WakeURL == "" {
		errs = append(errs, errors.New("SWARM_WAKE_URL is required when SWARM_WAKE_ENABLED=true"))
	}

	switch c.InvokerMethod {
	case InvokerNoop:
	case InvokerTmux:
		if c.TmuxTarget == "" {
			errs = append(errs, errors.New("SWARM_TMUX_TARGET is required for the tmux invoker"))
		}
	case InvokerSubprocess:
		if c.SubprocessCommand == "" {
			errs = append(errs, errors.New("SWARM_SUBPROCESS_COMMAND is required for the subprocess invoker"))
		}
	case InvokerWebhook:
		if c.InvokerWebhookURL == "" {
			errs = append(errs, errors.New("SWARM_INVOKER_WEBHOOK_URL is required for the webhook invoker"))
		}
	case InvokerSDK:
		if c.SDKCommand == "" {
			errs = append(errs, errors.New("SWARM_SDK_COMMAND is required for the sdk invoker"))
		}
	default:
		errs = append(errs, fmt.Errorf("SWARM_INVOKER must be noop, tmux, subprocess, webhook, or sdk, got %q", c.InvokerMethod))
	}

	return errors.Join(errs...)
}

// validAgentID enforces printable ASCII up to 128 chars.
func validAgentID(id string) error {
	if len(id) > 128 {
		return fmt.Errorf("must be at most 128 chars, got %d", len(id))
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("must be printable ASCII without spaces, got %q", id)
		}
	}
	return nil
}

// validEndpoint requires an absolute https URL.
func validEndpoint(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must use https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarm"
	}
	return filepath.Join(home, ".swarm")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
