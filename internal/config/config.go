package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"permitline/internal/domain"
)

// Config models permitline.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Closeout struct {
		// Profile selects the required-document set applied when a
		// closeout is initiated.
		Profile  string              `yaml:"profile"`
		Profiles map[string][]string `yaml:"profiles"`
		// RequiredSignerRoles must each hold at least one verified
		// signature on a required document before closure.
		RequiredSignerRoles []string `yaml:"required_signer_roles"`
	} `yaml:"closeout"`
	Ledger struct {
		RedisURL       string `yaml:"redis_url"`
		Attempts       int    `yaml:"attempts"`
		BackoffMillis  int    `yaml:"backoff_millis"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ledger"`
	Blob struct {
		Backend   string `yaml:"backend"` // fs or s3
		Dir       string `yaml:"dir"`
		Endpoint  string `yaml:"endpoint"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"blob"`
}

// RequiredDocTypes resolves the active closeout profile.
func (c *Config) RequiredDocTypes() []string {
	profile := c.Closeout.Profile
	if profile == "" {
		profile = "standard"
	}
	return c.Closeout.Profiles[profile]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if len(c.Closeout.Profiles) == 0 {
		return fmt.Errorf("config.closeout.profiles is required")
	}
	profile := c.Closeout.Profile
	if profile == "" {
		profile = "standard"
	}
	docs, ok := c.Closeout.Profiles[profile]
	if !ok {
		return fmt.Errorf("closeout profile %s not defined", profile)
	}
	if len(docs) == 0 {
		return fmt.Errorf("closeout profile %s has no required document types", profile)
	}
	for name, types := range c.Closeout.Profiles {
		for _, t := range types {
			if t == "" {
				return fmt.Errorf("closeout profile %s has empty document type", name)
			}
		}
	}
	if len(c.Closeout.RequiredSignerRoles) == 0 {
		return fmt.Errorf("config.closeout.required_signer_roles is required")
	}
	for _, r := range c.Closeout.RequiredSignerRoles {
		if !domain.ValidRole(r) {
			return fmt.Errorf("unknown signer role %s", r)
		}
	}
	if c.Ledger.Attempts < 0 {
		return fmt.Errorf("config.ledger.attempts must be >= 0")
	}
	switch c.Blob.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("config.blob.backend must be fs or s3")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "permitline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML for `pl config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `service:
  name: permitline

closeout:
  profile: standard
  profiles:
    standard: [ACCEPTANCE_CARD, AS_BUILT]
    complex: [ACCEPTANCE_CARD, AS_BUILT, TEST_REPORTS, COMMISSIONING_REPORTS]
    hazmat: [ACCEPTANCE_CARD, AS_BUILT, SAFETY_DATA_SHEETS, EMERGENCY_PROCEDURES]
  required_signer_roles: [INSPECTOR, ENGINEER, CONTRACTOR]

ledger:
  redis_url: ""
  attempts: 3
  backoff_millis: 200
  timeout_seconds: 5

blob:
  backend: fs
  dir: ""
`
