package summarize

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic summarizes through the messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
	log    *slog.Logger
}

func NewAnthropic(cfg Config, log *slog.Logger) *Anthropic {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = defaultAnthropic
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(cfg.APIKey), aoption.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, aoption.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg, log: log}
}

func (a *Anthropic) Summarize(ctx context.Context, payload json.RawMessage) string {
	text, ok := prompt(payload)
	if !ok {
		return Placeholder
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: a.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemInstruction}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		a.log.Warn("summarize.failed", "provider", ProviderAnthropic, "model", a.cfg.Model, "err", err)
		return Placeholder
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(block.Text)
	}
	return finish(out.String())
}
