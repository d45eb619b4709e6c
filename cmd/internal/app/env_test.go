package app

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"FLEXER_HTTP_ADDR", "FLEXER_DB_SCHEMA", "FLEXER_DB_MAX_CONNS", "FLEXER_HTTP_READ_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.DBSchema != "flexer" || cfg.DBMaxConns != 10 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.ReadTimeout != 15*time.Second || !cfg.AutoMigrate || !cfg.RequirePersistentKey {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("FLEXER_HTTP_ADDR", " 127.0.0.1:9000 ")
	t.Setenv("FLEXER_DB_MIN_CONNS", "2")
	t.Setenv("FLEXER_DB_AUTO_MIGRATE", "false")
	t.Setenv("FLEXER_HTTP_IDLE_TIMEOUT", "90s")
	t.Setenv("FLEXER_OWNER_EMAIL", "owner@example.com")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.DBMinConns != 2 || cfg.AutoMigrate {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.IdleTimeout != 90*time.Second || cfg.OwnerEmail != "owner@example.com" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestSettings_InvalidValuesFallBack(t *testing.T) {
	cases := []struct {
		env, value string
		check      func(settings) bool
	}{
		{"FLEXER_HTTP_MAX_HEADER_BYTES", "0", func(s settings) bool { return s.size("http_max_header_bytes", 7) == 7 }},
		{"FLEXER_HTTP_MAX_HEADER_BYTES", "lots", func(s settings) bool { return s.size("http_max_header_bytes", 7) == 7 }},
		{"FLEXER_DB_MAX_CONNS", "-1", func(s settings) bool { return s.conns("db_max_conns", 4) == 4 }},
		{"FLEXER_DB_MAX_CONNS", "0", func(s settings) bool { return s.conns("db_max_conns", 4) == 0 }},
		{"FLEXER_HTTP_READ_TIMEOUT", "-5s", func(s settings) bool { return s.timeout("http_read_timeout", time.Second) == time.Second }},
		{"FLEXER_HTTP_READ_TIMEOUT", "soon", func(s settings) bool { return s.timeout("http_read_timeout", time.Second) == time.Second }},
		{"FLEXER_METRICS_ENABLED", "maybe", func(s settings) bool { return s.flag("metrics_enabled", true) }},
		{"FLEXER_METRICS_ENABLED", "0", func(s settings) bool { return !s.flag("metrics_enabled", true) }},
		{"FLEXER_LOG_LEVEL", "   ", func(s settings) bool { return s.str("log_level", "info") == "info" }},
	}
	for _, tc := range cases {
		t.Setenv(tc.env, tc.value)
		if !tc.check(newSettings()) {
			t.Fatalf("%s=%q did not resolve as expected", tc.env, tc.value)
		}
	}
}
