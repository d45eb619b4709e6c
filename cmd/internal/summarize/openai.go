package summarize

import (
	"context"
	"encoding/json"
	"log/slog"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// OpenAI summarizes through the chat completions API.
type OpenAI struct {
	client openai.Client
	cfg    Config
	log    *slog.Logger
}

func NewOpenAI(cfg Config, log *slog.Logger) *OpenAI {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		cfg.Model = defaultOpenAI
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(cfg.APIKey), ooption.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, ooption.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg, log: log}
}

func (o *OpenAI) Summarize(ctx context.Context, payload json.RawMessage) string {
	text, ok := prompt(payload)
	if !ok {
		return Placeholder
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemInstruction),
			openai.UserMessage(text),
		},
		MaxCompletionTokens: openai.Int(o.cfg.MaxTokens),
	})
	if err != nil {
		o.log.Warn("summarize.failed", "provider", ProviderOpenAI, "model", o.cfg.Model, "err", err)
		return Placeholder
	}
	if resp == nil || len(resp.Choices) == 0 {
		o.log.Warn("summarize.empty", "provider", ProviderOpenAI, "model", o.cfg.Model)
		return Placeholder
	}
	return finish(resp.Choices[0].Message.Content)
}
