package summarize

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu   sync.Mutex
	path string
	body map[string]any
	key  string
}

func (r *recorder) record(req *http.Request) {
	raw, _ := io.ReadAll(req.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = req.URL.Path
	r.body = body
	r.key = req.Header.Get("Authorization") + req.Header.Get("X-Api-Key")
}

func (r *recorder) snapshot() (string, map[string]any, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path, r.body, r.key
}

func providerServer(t *testing.T, rec *recorder, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const payload = `{"ip": "192.0.2.10", "asn": "AS64500", "country": "NL"}`

func TestNew_SelectsProvider(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no key", Config{Provider: "openai"}, "summarize.Noop"},
		{"openai", Config{Provider: "OpenAI", APIKey: "k"}, "*summarize.OpenAI"},
		{"default provider", Config{APIKey: "k"}, "*summarize.OpenAI"},
		{"anthropic", Config{Provider: "anthropic", APIKey: "k"}, "*summarize.Anthropic"},
		{"unknown", Config{Provider: "other", APIKey: "k"}, "summarize.Noop"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := typeName(New(tc.cfg, quietLog()))
			if got != tc.want {
				t.Fatalf("New(%+v) = %s, want %s", tc.cfg, got, tc.want)
			}
		})
	}
}

func typeName(s Summarizer) string {
	switch s.(type) {
	case Noop:
		return "summarize.Noop"
	case *OpenAI:
		return "*summarize.OpenAI"
	case *Anthropic:
		return "*summarize.Anthropic"
	default:
		return "unknown"
	}
}

func TestNoop(t *testing.T) {
	if got := (Noop{}).Summarize(context.Background(), json.RawMessage(payload)); got != Placeholder {
		t.Fatalf("Noop = %q", got)
	}
}

func TestOpenAI_Summarize(t *testing.T) {
	rec := &recorder{}
	srv := providerServer(t, rec, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "test-model",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "  Dutch address in AS64500.  "}}]
	}`)
	s := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "test-model", MaxTokens: 64}, quietLog())

	got := s.Summarize(context.Background(), json.RawMessage(payload))
	if got != "Dutch address in AS64500." {
		t.Fatalf("summary = %q", got)
	}
	path, body, key := rec.snapshot()
	if !strings.HasSuffix(path, "/chat/completions") {
		t.Fatalf("path = %q", path)
	}
	if !strings.Contains(key, "sk-test") {
		t.Fatalf("api key not sent: %q", key)
	}
	if body["model"] != "test-model" {
		t.Fatalf("model = %v", body["model"])
	}
	if n, _ := body["max_completion_tokens"].(float64); n != 64 {
		t.Fatalf("max_completion_tokens = %v", body["max_completion_tokens"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", body["messages"])
	}
	raw, _ := json.Marshal(msgs[1])
	if !strings.Contains(string(raw), "AS64500") {
		t.Fatalf("user message missing payload: %s", raw)
	}
}

func TestAnthropic_Summarize(t *testing.T) {
	rec := &recorder{}
	srv := providerServer(t, rec, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "test-model",
		"content": [{"type": "text", "text": "Address announced by AS64500."}],
		"stop_reason": "end_turn", "usage": {"input_tokens": 10, "output_tokens": 6}
	}`)
	s := NewAnthropic(Config{APIKey: "ak-test", BaseURL: srv.URL + "/", Model: "test-model"}, quietLog())

	got := s.Summarize(context.Background(), json.RawMessage(payload))
	if got != "Address announced by AS64500." {
		t.Fatalf("summary = %q", got)
	}
	path, body, key := rec.snapshot()
	if !strings.HasSuffix(path, "/messages") {
		t.Fatalf("path = %q", path)
	}
	if !strings.Contains(key, "ak-test") {
		t.Fatalf("api key not sent: %q", key)
	}
	if n, _ := body["max_tokens"].(float64); n != defaultMaxTokens {
		t.Fatalf("max_tokens = %v", body["max_tokens"])
	}
	if _, ok := body["system"]; !ok {
		t.Fatalf("system prompt missing: %v", body)
	}
}

func TestSummarize_FailureYieldsPlaceholder(t *testing.T) {
	rec := &recorder{}
	errBody := `{"error": {"type": "invalid_request_error", "message": "bad model"}}`
	cases := []struct {
		name string
		s    func(base string) Summarizer
	}{
		{"openai", func(base string) Summarizer {
			return NewOpenAI(Config{APIKey: "k", BaseURL: base + "/v1/"}, quietLog())
		}},
		{"anthropic", func(base string) Summarizer {
			return NewAnthropic(Config{APIKey: "k", BaseURL: base + "/"}, quietLog())
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := providerServer(t, rec, http.StatusBadRequest, errBody)
			if got := tc.s(srv.URL).Summarize(context.Background(), json.RawMessage(payload)); got != Placeholder {
				t.Fatalf("summary = %q, want placeholder", got)
			}
		})
	}
}

func TestSummarize_EmptyPayloadSkipsProvider(t *testing.T) {
	rec := &recorder{}
	srv := providerServer(t, rec, http.StatusOK, `{}`)
	s := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL + "/v1/"}, quietLog())
	for _, p := range []string{"", "null", "   "} {
		if got := s.Summarize(context.Background(), json.RawMessage(p)); got != Placeholder {
			t.Fatalf("Summarize(%q) = %q", p, got)
		}
	}
	if path, _, _ := rec.snapshot(); path != "" {
		t.Fatalf("provider called for empty payload: %s", path)
	}
}

func TestPrompt_Truncates(t *testing.T) {
	big := `{"blob":"` + strings.Repeat("é", maxPayloadBytes) + `"}`
	text, ok := prompt(json.RawMessage(big))
	if !ok {
		t.Fatal("prompt rejected payload")
	}
	if !strings.HasSuffix(text, "[truncated]") {
		t.Fatalf("prompt not truncated: len %d", len(text))
	}
	if len(text) > maxPayloadBytes+64 {
		t.Fatalf("prompt too long: %d", len(text))
	}
}
