// Package lookup runs administrator-configured lookup tools against third-party providers
// and manages the tool catalog stored in the tools collection.
package lookup

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

// QueryPlaceholder is replaced by the URL-escaped query in URLTemplate.
const QueryPlaceholder = "{query}"

// ToolConfig is one lookup provider template.
type ToolConfig struct {
	ID          string            `json:"-" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Method      string            `json:"method" yaml:"method"`
	URLTemplate string            `json:"urlTemplate" yaml:"urlTemplate"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
}

var errInvalidTool = errors.New("lookup: invalid tool")

// Validate checks that t can be run.
func (t ToolConfig) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", errInvalidTool)
	}
	switch t.method() {
	case "GET", "POST":
	default:
		return fmt.Errorf("%w: unsupported method %q", errInvalidTool, t.Method)
	}
	if !strings.Contains(t.URLTemplate, QueryPlaceholder) {
		return fmt.Errorf("%w: urlTemplate must contain %s", errInvalidTool, QueryPlaceholder)
	}
	u, err := url.Parse(strings.ReplaceAll(t.URLTemplate, QueryPlaceholder, "q"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: urlTemplate must be an absolute http(s) url", errInvalidTool)
	}
	return nil
}

func (t ToolConfig) method() string {
	m := strings.ToUpper(strings.TrimSpace(t.Method))
	if m == "" {
		return "GET"
	}
	return m
}

// Fields returns t as document data.
func (t ToolConfig) Fields() map[string]any {
	headers := make(map[string]any, len(t.Headers))
	for k, v := range t.Headers {
		headers[k] = v
	}
	return map[string]any{
		"name":        t.Name,
		"description": t.Description,
		"method":      t.method(),
		"urlTemplate": t.URLTemplate,
		"headers":     headers,
		"enabled":     t.Enabled,
	}
}

// DecodeTool converts a tools document into a ToolConfig.
func DecodeTool(d docstore.Document) (ToolConfig, error) {
	var t ToolConfig
	if err := docstore.Decode(d.Data, &t); err != nil {
		return ToolConfig{}, fmt.Errorf("lookup: decode tool %s: %w", d.ID, err)
	}
	t.ID = d.ID
	return t, nil
}
