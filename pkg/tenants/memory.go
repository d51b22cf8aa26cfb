// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type memCatalog struct {
	log     *zap.SugaredLogger
	ordered []Tenant
	byID    map[string]int
}

// NewMemoryCatalog builds a catalog from an explicit tenant list,
// preserving the given order.
func NewMemoryCatalog(log *zap.SugaredLogger, list []Tenant) Catalog {
	c := &memCatalog{log: log, byID: map[string]int{}}
	for _, t := range list {
		if _, dup := c.byID[t.ID]; dup {
			log.Warnw("duplicate tenant in catalog, keeping first", "tenant", t.ID)
			continue
		}
		c.byID[t.ID] = len(c.ordered)
		c.ordered = append(c.ordered, t)
	}
	return c
}

// NewMemoryCatalogFromEnv reads TENANT_SEED_JSON (a JSON array of tenants).
func NewMemoryCatalogFromEnv(log *zap.SugaredLogger) Catalog {
	var list []Tenant
	if seed := os.Getenv("TENANT_SEED_JSON"); seed != "" {
		if err := json.Unmarshal([]byte(seed), &list); err != nil {
			log.Warnw("tenant seed parse failed", "err", err)
		}
	}
	return NewMemoryCatalog(log, list)
}

// LoadCatalogFile parses a YAML tenant catalog file.
func LoadCatalogFile(path string) ([]Tenant, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc struct {
		Tenants []Tenant `yaml:"tenants"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return doc.Tenants, nil
}

func (c *memCatalog) ByID(_ context.Context, id string) (Tenant, error) {
	if i, ok := c.byID[id]; ok {
		return c.ordered[i], nil
	}
	return Tenant{}, ErrNotFound
}

func (c *memCatalog) ByClientID(_ context.Context, clientID string) (Tenant, error) {
	for _, t := range c.ordered {
		if t.OAuthClientID == clientID {
			return t, nil
		}
	}
	return Tenant{}, ErrNotFound
}

func (c *memCatalog) All(_ context.Context) ([]Tenant, error) {
	out := make([]Tenant, len(c.ordered))
	copy(out, c.ordered)
	return out, nil
}
