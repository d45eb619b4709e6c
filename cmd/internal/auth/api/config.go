package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Failed logins per client IP within LoginIPWindow before requests are throttled.
	LoginIPMax    int
	LoginIPWindow time.Duration

	// Failed logins per normalized email within LoginUserWindow.
	LoginUserMax    int
	LoginUserWindow time.Duration

	// AllowRegistration disables POST /v1/auth/register when false.
	AllowRegistration bool
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		TrustProxy:        envBool("FLEXER_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:      envInt64("FLEXER_AUTH_MAX_BODY_BYTES", 64<<10),
		LoginIPMax:        envInt("FLEXER_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow:     envDuration("FLEXER_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		LoginUserMax:      envInt("FLEXER_AUTH_LOGIN_USER_MAX", 5),
		LoginUserWindow:   envDuration("FLEXER_AUTH_LOGIN_USER_WINDOW", 15*time.Minute),
		AllowRegistration: envBool("FLEXER_AUTH_ALLOW_REGISTRATION", true),
	}
}

func envBool(key string, def bool) bool {
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

func envInt(key string, def int) int {
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

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
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
