// Package summarize turns raw lookup results into short human-readable text using an
// external text-generation provider.
//
// Summarizers never fail: any provider or transport error is logged and replaced by
// Placeholder so the lookup result can still be shown.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Placeholder is returned whenever a summary cannot be produced.
const Placeholder = "Summary unavailable."

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxTokens  = 512
	maxPayloadBytes   = 48 << 10
	defaultOpenAI     = "gpt-4o-mini"
	defaultAnthropic  = "claude-3-5-haiku-latest"
	systemInstruction = "You summarize OSINT lookup results for an analyst. " +
		"Reply with a short plain-text summary of the notable facts in the JSON you are given. " +
		"Do not invent data that is not present."
)

// Summarizer produces a short summary of a lookup payload.
type Summarizer interface {
	Summarize(ctx context.Context, payload json.RawMessage) string
}

// Config selects and configures a provider.
type Config struct {
	Provider  string        `mapstructure:"provider"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int64         `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

func (c Config) withDefaults() Config {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.Model = strings.TrimSpace(c.Model)
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// New returns the summarizer described by cfg. Without an API key, or with an unknown
// provider, it returns Noop.
func New(cfg Config, log *slog.Logger) Summarizer {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return Noop{}
	}
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg, log)
	case ProviderAnthropic:
		return NewAnthropic(cfg, log)
	default:
		log.Warn("summarize.unknown_provider", "provider", cfg.Provider)
		return Noop{}
	}
}

// Noop always returns Placeholder.
type Noop struct{}

func (Noop) Summarize(context.Context, json.RawMessage) string { return Placeholder }

// prompt renders payload for the model, compacting and truncating large documents.
func prompt(payload json.RawMessage) (string, bool) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" || raw == "null" {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		buf.Reset()
		buf.WriteString(raw)
	}
	text := buf.String()
	if len(text) > maxPayloadBytes {
		text = text[:maxPayloadBytes]
		for !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
		text += "\n[truncated]"
	}
	return "Lookup result:\n" + text, true
}

// finish normalizes model output, falling back to Placeholder when it is empty.
func finish(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return Placeholder
	}
	return text
}
