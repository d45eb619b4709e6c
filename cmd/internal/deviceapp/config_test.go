package deviceapp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, "device.yaml", `
server_url: https://flexer.example.com
data_dir: `+dir+`
label: office-laptop
lookup_timeout: 7s
ai:
  provider: anthropic
  model: test-model
  timeout: 5s
`)
	t.Setenv("FLEXER_LABEL", "env-laptop")
	t.Setenv("FLEXER_AI_API_KEY", "ak-test")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ServerURL != "https://flexer.example.com" {
		t.Fatalf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.Label != "env-laptop" {
		t.Fatalf("Label = %q, want env override", cfg.Label)
	}
	if cfg.StatePath != filepath.Join(dir, "device.db") {
		t.Fatalf("StatePath = %q", cfg.StatePath)
	}
	if cfg.LookupTimeout != 7*time.Second || cfg.HTTPTimeout != 15*time.Second {
		t.Fatalf("timeouts = %s, %s", cfg.LookupTimeout, cfg.HTTPTimeout)
	}
	if cfg.AI.Provider != "anthropic" || cfg.AI.Model != "test-model" || cfg.AI.APIKey != "ak-test" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Timeout != 5*time.Second || cfg.AI.MaxTokens != 512 {
		t.Fatalf("AI limits = %s, %d", cfg.AI.Timeout, cfg.AI.MaxTokens)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FLEXER_DATA_DIR", t.TempDir())
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ServerURL == "" || cfg.Platform != "cli" || cfg.StatePath == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"negative timeout": "http_timeout: -1s\n",
		"empty server":     "server_url: \" \"\n",
		"bad yaml":         "server_url: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "device.yaml", body))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
		})
	}
}
