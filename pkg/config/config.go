package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all client configuration
type Config struct {
	// Chat server endpoints
	Server struct {
		BaseURL        string
		PushPath       string
		RequestTimeout time.Duration
	}

	// Push channel lifecycle and polling fallback
	Transport struct {
		PushEnabled         bool
		ReconnectAttempts   int
		ReconnectDelay      time.Duration
		RetryDelay          time.Duration
		DegradeDelay        time.Duration
		HandshakeTimeout    time.Duration
		PollInterval        time.Duration
		PollLimit           int
		OnlineCountInterval time.Duration
		RequestRate         float64
		RequestBurst        int
		BreakerFailures     uint
		BreakerRetry        time.Duration
	}

	// Content rendering
	Render struct {
		ProbeInterval time.Duration
		ProbeAttempts int
		WordWrap      int
		Style         string
	}

	// Duplicate suppression
	Dedupe struct {
		IdentityCapacity int
		FingerprintChars int
		SystemCapacity   int
		SystemEvict      int
		StatusWindow     time.Duration
		StatusCleanup    time.Duration
	}

	// Optimistic sends
	Pending struct {
		ConfirmTimeout   time.Duration
		MaxMessageLength int
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Metrics and health endpoint
	Metrics struct {
		Addr string
	}

	// OpenTelemetry tracing, exported as JSON lines
	Tracing struct {
		Enabled     bool
		ServiceName string
	}

	// Reference server
	DevServer struct {
		Addr     string
		DataPath string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New returns the process-wide Config, loading it from the environment (and
// an optional .env file) on first use.
func New() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load builds a fresh Config from the current environment without touching
// the singleton.
func Load() *Config {
	cfg := &Config{}

	cfg.Server.BaseURL = strings.TrimRight(getEnvString("CHAT_BASE_URL", "http://localhost:8090"), "/")
	cfg.Server.PushPath = getEnvString("CHAT_PUSH_PATH", "/ws")
	cfg.Server.RequestTimeout = getEnvDuration("CHAT_REQUEST_TIMEOUT", 10*time.Second)

	cfg.Transport.PushEnabled = getEnvBool("TRANSPORT_PUSH_ENABLED", true)
	cfg.Transport.ReconnectAttempts = getEnvInt("TRANSPORT_RECONNECT_ATTEMPTS", 5)
	cfg.Transport.ReconnectDelay = getEnvDuration("TRANSPORT_RECONNECT_DELAY", 5*time.Second)
	cfg.Transport.RetryDelay = getEnvDuration("TRANSPORT_RETRY_DELAY", 1*time.Second)
	cfg.Transport.DegradeDelay = getEnvDuration("TRANSPORT_DEGRADE_DELAY", 3*time.Second)
	cfg.Transport.HandshakeTimeout = getEnvDuration("TRANSPORT_HANDSHAKE_TIMEOUT", 20*time.Second)
	cfg.Transport.PollInterval = getEnvDuration("POLL_INTERVAL", 5*time.Second)
	cfg.Transport.PollLimit = getEnvInt("POLL_LIMIT", 50)
	cfg.Transport.OnlineCountInterval = getEnvDuration("ONLINE_COUNT_INTERVAL", 30*time.Second)
	cfg.Transport.RequestRate = getEnvFloat("REQUEST_RATE", 5)
	cfg.Transport.RequestBurst = getEnvInt("REQUEST_BURST", 10)
	cfg.Transport.BreakerFailures = uint(getEnvInt("BREAKER_FAILURES", 5))
	cfg.Transport.BreakerRetry = getEnvDuration("BREAKER_RETRY", 30*time.Second)

	cfg.Render.ProbeInterval = getEnvDuration("RENDER_PROBE_INTERVAL", 1*time.Second)
	cfg.Render.ProbeAttempts = getEnvInt("RENDER_PROBE_ATTEMPTS", 3)
	cfg.Render.WordWrap = getEnvInt("RENDER_WORD_WRAP", 80)
	cfg.Render.Style = getEnvString("RENDER_STYLE", "auto")

	cfg.Dedupe.IdentityCapacity = getEnvInt("DEDUPE_IDENTITY_CAPACITY", 4096)
	cfg.Dedupe.FingerprintChars = getEnvInt("DEDUPE_FINGERPRINT_CHARS", 64)
	cfg.Dedupe.SystemCapacity = getEnvInt("DEDUPE_SYSTEM_CAPACITY", 100)
	cfg.Dedupe.SystemEvict = getEnvInt("DEDUPE_SYSTEM_EVICT", 20)
	cfg.Dedupe.StatusWindow = getEnvDuration("STATUS_SUPPRESS_WINDOW", 5*time.Second)
	cfg.Dedupe.StatusCleanup = getEnvDuration("STATUS_CLEANUP_INTERVAL", 10*time.Second)

	cfg.Pending.ConfirmTimeout = getEnvDuration("PENDING_CONFIRM_TIMEOUT", 30*time.Second)
	cfg.Pending.MaxMessageLength = getEnvInt("MAX_MESSAGE_LENGTH", 2000)

	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	cfg.Metrics.Addr = getEnvString("METRICS_ADDR", "")

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", false)
	cfg.Tracing.ServiceName = getEnvString("TRACING_SERVICE_NAME", "chatsync")

	cfg.DevServer.Addr = getEnvString("DEVSERVER_ADDR", ":8090")
	cfg.DevServer.DataPath = getEnvString("DEVSERVER_DATA_PATH", "")

	return cfg
}

// Default returns the configuration an empty environment would produce.
func Default() *Config {
	cfg := &Config{}

	cfg.Server.BaseURL = "http://localhost:8090"
	cfg.Server.PushPath = "/ws"
	cfg.Server.RequestTimeout = 10 * time.Second

	cfg.Transport.PushEnabled = true
	cfg.Transport.ReconnectAttempts = 5
	cfg.Transport.ReconnectDelay = 5 * time.Second
	cfg.Transport.RetryDelay = 1 * time.Second
	cfg.Transport.DegradeDelay = 3 * time.Second
	cfg.Transport.HandshakeTimeout = 20 * time.Second
	cfg.Transport.PollInterval = 5 * time.Second
	cfg.Transport.PollLimit = 50
	cfg.Transport.OnlineCountInterval = 30 * time.Second
	cfg.Transport.RequestRate = 5
	cfg.Transport.RequestBurst = 10
	cfg.Transport.BreakerFailures = 5
	cfg.Transport.BreakerRetry = 30 * time.Second

	cfg.Render.ProbeInterval = 1 * time.Second
	cfg.Render.ProbeAttempts = 3
	cfg.Render.WordWrap = 80
	cfg.Render.Style = "auto"

	cfg.Dedupe.IdentityCapacity = 4096
	cfg.Dedupe.FingerprintChars = 64
	cfg.Dedupe.SystemCapacity = 100
	cfg.Dedupe.SystemEvict = 20
	cfg.Dedupe.StatusWindow = 5 * time.Second
	cfg.Dedupe.StatusCleanup = 10 * time.Second

	cfg.Pending.ConfirmTimeout = 30 * time.Second
	cfg.Pending.MaxMessageLength = 2000

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.ServiceName = "chatsync"

	cfg.DevServer.Addr = ":8090"

	return cfg
}

// PushURL converts the HTTP base URL into the websocket endpoint.
func (c *Config) PushURL() string {
	base := c.Server.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.Server.PushPath
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
