package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models cutledger.yml, the workspace governance file.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Overrides struct {
		// AllowRed permits override attachments to unblock RED (and
		// UNKNOWN/ERROR) runs for export. Off by default.
		AllowRed bool `yaml:"allow_red"`
	} `yaml:"overrides"`
	Attachments struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"attachments"`
	Export struct {
		// BundleName is the base file name of export archives.
		BundleName string `yaml:"bundle_name"`
	} `yaml:"export"`
}

const fileName = "cutledger.yml"

// Path returns the config file path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".cutledger", fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cutctl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	for kind, entry := range c.Attachments.Catalog {
		if kind == "" {
			return fmt.Errorf("attachment catalog has empty kind")
		}
		_ = entry
	}
	return nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the config to the workspace, creating the directory if
// missing.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns the seed config for a new workspace.
func Default(workspaceID string) *Config {
	c := &Config{}
	c.Workspace.ID = workspaceID
	c.Overrides.AllowRed = false
	c.Attachments.Catalog = map[string]struct {
		Description string `yaml:"description"`
	}{
		"override":              {Description: "operator override unblocking export"},
		"assistant_explanation": {Description: "generated explanation of the verdict"},
		"geometry_svg":          {Description: "rendered geometry preview"},
	}
	c.Export.BundleName = "run-bundle"
	return c
}
