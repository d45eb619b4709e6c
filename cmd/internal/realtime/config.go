package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloTimeout = 10 * time.Second
)

// Config holds gateway limits and the origin policy.
type Config struct {
	// DevInsecure disables websocket.Accept's origin verification entirely. Dev only.
	DevInsecure bool

	// OriginRequired rejects handshakes without an Origin header. Native device clients
	// send none, so the default is false.
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxSubscriptions int
}

// LoadConfigFromEnv reads FLEXER_WS_* variables, falling back to defaults on invalid values.
func LoadConfigFromEnv() Config {
	cfg := Config{
		DevInsecure:      envBoolWS("FLEXER_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("FLEXER_WS_ORIGIN_REQUIRED", false),
		AllowedOrigins:   envCSVWS("FLEXER_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WriteTimeout:     envDurationWS("FLEXER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout:  envDurationWS("FLEXER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		HelloTimeout:     envDurationWS("FLEXER_WS_HELLO_TIMEOUT", wsDefaultHelloTimeout),
		SendQueueSize:    envIntWS("FLEXER_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("FLEXER_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("FLEXER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envIntWS("FLEXER_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDurationWS("FLEXER_WS_RATE_WINDOW", rateLimitWindow),
		MaxSubscriptions: envIntWS("FLEXER_WS_MAX_SUBSCRIPTIONS", maxSubscriptions),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = wsDefaultHelloTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = maxSubscriptions
	}
	return c
}

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
