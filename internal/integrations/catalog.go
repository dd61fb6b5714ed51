// Package integrations holds the catalog of integrations a user can connect.
package integrations

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

type Integration struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Category    string `yaml:"category" json:"category"`
	// AuthKey names the COMPOSIO_AUTH_<KEY> variable; it defaults to the id.
	AuthKey      string `yaml:"auth_key,omitempty" json:"-"`
	AuthConfigID string `yaml:"auth_config_id,omitempty" json:"-"`
}

type file struct {
	Integrations []Integration `yaml:"integrations"`
}

type Catalog struct {
	items []Integration
	byID  map[string]int
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded integrations catalog: %v", err))
	}
	return c
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse integrations catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]int, len(f.Integrations))}
	for _, in := range f.Integrations {
		in.ID = strings.ToLower(strings.TrimSpace(in.ID))
		if in.ID == "" {
			return nil, fmt.Errorf("integration %q has no id", in.Name)
		}
		if _, dup := c.byID[in.ID]; dup {
			return nil, fmt.Errorf("integration %q is listed twice", in.ID)
		}
		if in.Name == "" {
			in.Name = in.ID
		}
		if in.AuthKey == "" {
			in.AuthKey = in.ID
		}
		in.AuthKey = strings.ToLower(in.AuthKey)
		c.byID[in.ID] = len(c.items)
		c.items = append(c.items, in)
	}
	return c, nil
}

// Load reads the catalog from path, or returns the built-in one when path is
// empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read integrations file: %w", err)
	}
	return Parse(data)
}

// WithAuthConfigs sets auth-config ids from a map keyed by lower-cased auth
// key, as produced by config.AuthConfigOverrides.
func (c *Catalog) WithAuthConfigs(overrides map[string]string) *Catalog {
	for i := range c.items {
		if id, ok := overrides[c.items[i].AuthKey]; ok && id != "" {
			c.items[i].AuthConfigID = id
		}
	}
	return c
}

func (c *Catalog) Lookup(id string) (Integration, bool) {
	i, ok := c.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Integration{}, false
	}
	return c.items[i], true
}

func (c *Catalog) All() []Integration {
	return append([]Integration(nil), c.items...)
}

// AuthConfigID returns the configured auth-config id, or "" when the
// integration is unknown or unconfigured.
func (c *Catalog) AuthConfigID(id string) string {
	in, _ := c.Lookup(id)
	return in.AuthConfigID
}
