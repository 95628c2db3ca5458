package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	AgentBackendGemini = "gemini"
	AgentBackendVertex = "vertex"

	DefaultSystemPrompt = "You are a friendly live assistant. You can answer questions about various topics. Keep spoken answers short and conversational."
)

type Config struct {
	Addr string

	// Session store.
	MaxSessions int
	IdleTimeout time.Duration

	// Shutdown coordination.
	ShutdownDrainTimeout time.Duration
	ReplaceWait          time.Duration

	// Websocket transport.
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	WSReadTimeout     time.Duration
	WSMaxMessageBytes int64
	WSCloseGrace      time.Duration

	InboundMaxFPS float64
	InboundBurst  int

	CORSAllowedOrigins map[string]struct{} // empty => any origin

	ReadHeaderTimeout time.Duration

	// Agent collaborator.
	AgentBackend   string
	GeminiAPIKey   string
	GoogleProject  string
	GoogleLocation string
	Model          string
	Voice          string
	SystemPrompt   string

	// Session journal. Empty DatabaseURL disables it.
	DatabaseURL   string
	JournalBuffer int

	MetricsNamespace string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("LIVE_RELAY_ADDR", ":8080"),
		MaxSessions:          envIntOr("LIVE_RELAY_MAX_SESSIONS", 100),
		IdleTimeout:          envDurationOr("LIVE_RELAY_IDLE_TIMEOUT", 10*time.Minute),
		ShutdownDrainTimeout: envDurationOr("LIVE_RELAY_SHUTDOWN_DRAIN_TIMEOUT", 10*time.Second),
		ReplaceWait:          envDurationOr("LIVE_RELAY_REPLACE_WAIT", 5*time.Second),
		WSWriteTimeout:       envDurationOr("LIVE_RELAY_WS_WRITE_TIMEOUT", 10*time.Second),
		WSPingInterval:       envDurationOr("LIVE_RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSReadTimeout:        envDurationOr("LIVE_RELAY_WS_READ_TIMEOUT", 0),
		WSMaxMessageBytes:    envInt64Or("LIVE_RELAY_WS_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		WSCloseGrace:         envDurationOr("LIVE_RELAY_WS_CLOSE_GRACE", 250*time.Millisecond),
		InboundMaxFPS:        envFloat64Or("LIVE_RELAY_INBOUND_MAX_FPS", 0),
		InboundBurst:         envIntOr("LIVE_RELAY_INBOUND_BURST", 50),
		CORSAllowedOrigins:   make(map[string]struct{}),
		ReadHeaderTimeout:    envDurationOr("LIVE_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		AgentBackend:         strings.ToLower(envOr("LIVE_RELAY_AGENT_BACKEND", AgentBackendGemini)),
		GeminiAPIKey:         envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", "")),
		GoogleProject:        envOr("GOOGLE_CLOUD_PROJECT", ""),
		GoogleLocation:       envOr("GOOGLE_CLOUD_LOCATION", ""),
		Model:                envOr("LIVE_RELAY_MODEL", "gemini-live-2.5-flash-preview"),
		Voice:                envOr("LIVE_RELAY_VOICE", "Aoede"),
		SystemPrompt:         envOr("LIVE_RELAY_SYSTEM_PROMPT", DefaultSystemPrompt),
		DatabaseURL:          envOr("LIVE_RELAY_DATABASE_URL", ""),
		JournalBuffer:        envIntOr("LIVE_RELAY_JOURNAL_BUFFER", 256),
		MetricsNamespace:     envOr("LIVE_RELAY_METRICS_NAMESPACE", "live_relay"),
	}

	for _, origin := range splitCSV(os.Getenv("LIVE_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_MAX_SESSIONS must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_IDLE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownDrainTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_SHUTDOWN_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.ReplaceWait < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_REPLACE_WAIT must be >= 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_PING_INTERVAL must be >= 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSReadTimeout > 0 && cfg.WSPingInterval > 0 && cfg.WSReadTimeout <= cfg.WSPingInterval {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_READ_TIMEOUT must be greater than LIVE_RELAY_WS_PING_INTERVAL")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSCloseGrace <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_CLOSE_GRACE must be > 0")
	}
	if cfg.InboundMaxFPS < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_INBOUND_MAX_FPS must be >= 0")
	}
	if cfg.InboundBurst <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_INBOUND_BURST must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.JournalBuffer <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_JOURNAL_BUFFER must be > 0")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("LIVE_RELAY_MODEL must not be empty")
	}

	switch cfg.AgentBackend {
	case AgentBackendGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY (or GOOGLE_API_KEY) must be set when LIVE_RELAY_AGENT_BACKEND=gemini")
		}
	case AgentBackendVertex:
		if cfg.GoogleProject == "" || cfg.GoogleLocation == "" {
			return Config{}, fmt.Errorf("GOOGLE_CLOUD_PROJECT and GOOGLE_CLOUD_LOCATION must be set when LIVE_RELAY_AGENT_BACKEND=vertex")
		}
	default:
		return Config{}, fmt.Errorf("LIVE_RELAY_AGENT_BACKEND must be one of gemini|vertex")
	}

	return cfg, nil
}

// OriginAllowed reports whether a websocket handshake from origin may
// proceed. An empty allowlist admits every origin.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.CORSAllowedOrigins) == 0 {
		return true
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	_, ok := c.CORSAllowedOrigins[origin]
	return ok
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
