package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv()
	if cfg.LoginUserMax != 5 || cfg.LoginIPMax != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.AllowRegistration {
		t.Fatalf("registration should default to enabled")
	}
}

func TestLoadConfigFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("FLEXER_AUTH_LOGIN_USER_MAX", "-1")
	t.Setenv("FLEXER_AUTH_LOGIN_IP_WINDOW", "later")
	t.Setenv("FLEXER_AUTH_TRUST_PROXY", "maybe")
	t.Setenv("FLEXER_AUTH_MAX_BODY_BYTES", "2048")

	cfg := LoadConfigFromEnv()
	if cfg.LoginUserMax != 5 {
		t.Fatalf("LoginUserMax: got %d", cfg.LoginUserMax)
	}
	if cfg.LoginIPWindow != 5*time.Minute {
		t.Fatalf("LoginIPWindow: got %v", cfg.LoginIPWindow)
	}
	if cfg.TrustProxy {
		t.Fatalf("TrustProxy should fall back to false")
	}
	if cfg.MaxBodyBytes != 2048 {
		t.Fatalf("MaxBodyBytes: got %d", cfg.MaxBodyBytes)
	}
}
