package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

// ErrToolNotFound is returned by Catalog.Find.
var ErrToolNotFound = errors.New("lookup: tool not found")

// Catalog reads and writes tool configurations in the tools collection.
type Catalog struct {
	repo docstore.Repository
	log  *slog.Logger
}

// NewCatalog returns a Catalog over repo.
func NewCatalog(repo docstore.Repository, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{repo: repo, log: log}
}

// List returns every tool ordered by name. Undecodable documents are skipped.
func (c *Catalog) List(ctx context.Context) ([]ToolConfig, error) {
	docs, err := c.repo.List(ctx, docstore.CollectionTools)
	if err != nil {
		return nil, err
	}
	out := make([]ToolConfig, 0, len(docs))
	for _, d := range docs {
		t, err := DecodeTool(d)
		if err != nil {
			c.log.Warn("lookup.tool.decode.fail", "tool_id", d.ID, "err", err)
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

// Find returns the tool whose id or name (case-insensitive) is key.
func (c *Catalog) Find(ctx context.Context, key string) (ToolConfig, error) {
	tools, err := c.List(ctx)
	if err != nil {
		return ToolConfig{}, err
	}
	for _, t := range tools {
		if t.ID == key || strings.EqualFold(t.Name, key) {
			return t, nil
		}
	}
	return ToolConfig{}, fmt.Errorf("%w: %s", ErrToolNotFound, key)
}

// Save validates and stores t, returning its id. A tool without ID is created.
func (c *Catalog) Save(ctx context.Context, t ToolConfig) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if t.ID == "" {
		id, _, err := c.repo.Add(ctx, docstore.CollectionTools, t.Fields())
		if err != nil {
			return "", err
		}
		c.log.Info("lookup.tool.create", "tool_id", id, "name", t.Name)
		return id, nil
	}
	if _, err := c.repo.Set(ctx, docstore.CollectionTools, t.ID, t.Fields(), docstore.SetOptions{}); err != nil {
		return "", err
	}
	c.log.Info("lookup.tool.save", "tool_id", t.ID, "name", t.Name)
	return t.ID, nil
}

// Delete removes a tool.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	_, err := c.repo.Delete(ctx, docstore.CollectionTools, id)
	return err
}

// Seed stores the tools whose id is not in the catalog yet and reports how many were added.
// Seed tools need an id so repeated runs are idempotent.
func (c *Catalog) Seed(ctx context.Context, tools []ToolConfig) (int, error) {
	existing, err := c.List(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		have[t.ID] = struct{}{}
	}

	added := 0
	for _, t := range tools {
		if t.ID == "" {
			return added, fmt.Errorf("%w: seed tool %q has no id", errInvalidTool, t.Name)
		}
		if _, ok := have[t.ID]; ok {
			continue
		}
		if _, err := c.Save(ctx, t); err != nil {
			return added, fmt.Errorf("lookup: seed %s: %w", t.ID, err)
		}
		added++
	}
	return added, nil
}

type seedFile struct {
	Tools []ToolConfig `yaml:"tools"`
}

// LoadSeed parses a YAML tool catalog:
//
//	tools:
//	  - id: whois
//	    name: WHOIS
//	    urlTemplate: https://example.com/whois?q={query}
//	    headers: {Authorization: "Bearer ${WHOIS_TOKEN}"}
//	    enabled: true
func LoadSeed(path string) ([]ToolConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lookup: read seed: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("lookup: parse seed %s: %w", path, err)
	}
	for i, t := range f.Tools {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("lookup: seed %s tool %d: %w", path, i, err)
		}
	}
	return f.Tools, nil
}
