package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const fileName = "mentor.yml"

// Config models mentor.yml.
type Config struct {
	Timezone string `yaml:"timezone" validate:"required"`
	Queue    struct {
		Capacity int `yaml:"capacity" validate:"min=1,max=50"`
	} `yaml:"queue"`
	SessionTTL time.Duration `yaml:"session_ttl" validate:"gt=0"`
	Digest     Digest        `yaml:"digest"`
	Storage    Storage       `yaml:"storage"`
	Server     Server        `yaml:"server"`
	Log        struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
	} `yaml:"log"`
	Webhooks []Webhook `yaml:"webhooks" validate:"dive"`
}

type Digest struct {
	Enabled      bool          `yaml:"enabled"`
	Hour         int           `yaml:"hour" validate:"min=0,max=23"`
	Minute       int           `yaml:"minute" validate:"min=0,max=59"`
	Window       time.Duration `yaml:"window" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

type Storage struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	// URL is the PostgreSQL connection string. Usually supplied through MENTOR_STORAGE_URL.
	URL string `yaml:"url" validate:"required_if=Driver postgres"`
}

// Server configures the HTTP API. DevLogin exposes an unauthenticated token
// minting endpoint and is meant for local use only.
type Server struct {
	Addr              string `yaml:"addr" validate:"required"`
	BasePath          string `yaml:"base_path"`
	AllowLegacyHeader bool   `yaml:"allow_legacy_header"`
	DevLogin          bool   `yaml:"dev_login"`
	AllowAnyOrigin    bool   `yaml:"allow_any_origin"`
	JWTSecret         string `yaml:"jwt_secret"`
}

// Webhook receives the activity event feed (filtered by Events, all when
// empty) and, when Messages is set, every outbound digest and reminder.
type Webhook struct {
	URL      string        `yaml:"url" validate:"required,url"`
	Enabled  *bool         `yaml:"enabled"`
	Secret   string        `yaml:"secret"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	Events   []string      `yaml:"events"`
	Messages bool          `yaml:"messages"`
}

func (w Webhook) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("config field %s fails rule %q (value: %v)", e.Namespace(), e.Tag(), e.Value()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone: %w", err)
	}
	return nil
}

// Location resolves Timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mentor config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns Default() when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys that are
// absent keep their default value.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `timezone: UTC

queue:
  capacity: 3

session_ttl: 15m

digest:
  enabled: true
  hour: 9
  minute: 0
  window: 15m
  poll_interval: 30s

storage:
  driver: sqlite
  url: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_legacy_header: false
  dev_login: false
  allow_any_origin: false

log:
  level: info

# webhooks:
#   - url: https://example.com/mentor
#     secret: change-me
#     timeout: 5s
#     messages: true
#     events: [task.status, digest.failed]
webhooks: []
`
