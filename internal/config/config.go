package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/slotsync/internal/slotstate"
)

const (
	SeedEmpty  = "empty"
	SeedRandom = "random"
)

// Config is the on-disk daemon configuration. Flags and SLOTSYNC_ env vars
// override it.
type Config struct {
	Address         string          `yaml:"address,omitempty"`
	Autoconnect     bool            `yaml:"autoconnect,omitempty"`
	Layout          [][]string      `yaml:"layout,omitempty"`
	Seed            string          `yaml:"seed,omitempty"` // "empty" or "random"
	SyncOnOpen      bool            `yaml:"sync_on_open"`
	RequestTimeout  time.Duration   `yaml:"request_timeout,omitempty"`
	Reconnect       ReconnectConfig `yaml:"reconnect,omitempty"`
	Journal         string          `yaml:"journal,omitempty"` // DSN, see journal.BuildFromDSN
	JournalCapacity int             `yaml:"journal_capacity,omitempty"`
	MirrorDir       string          `yaml:"mirror_dir,omitempty"`
	MountDir        string          `yaml:"mount_dir,omitempty"`
	HTTPAddr        string          `yaml:"http_addr,omitempty"`
	HTTPToken       string          `yaml:"http_token,omitempty"`
}

type ReconnectConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MinDelay time.Duration `yaml:"min_delay,omitempty"`
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`
	Jitter   float64       `yaml:"jitter,omitempty"`
}

func Default() *Config {
	return &Config{
		Layout:          slotstate.DefaultLayout().Rows(),
		Seed:            SeedEmpty,
		SyncOnOpen:      true,
		RequestTimeout:  10 * time.Second,
		JournalCapacity: 1024,
		Reconnect: ReconnectConfig{
			Enabled:  true,
			MinDelay: 500 * time.Millisecond,
			MaxDelay: 30 * time.Second,
			Jitter:   0.2,
		},
	}
}

// Load reads path over the defaults. A missing file is an error; callers
// that treat the file as optional check os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Address != "" {
		u, err := url.Parse(c.Address)
		if err != nil {
			return fmt.Errorf("address: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("address: unsupported scheme %q (must be ws, wss, http or https)", u.Scheme)
		}
	}
	if c.Autoconnect && c.Address == "" {
		return fmt.Errorf("autoconnect requires an address")
	}
	if _, err := c.SlotLayout(); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	switch strings.ToLower(c.Seed) {
	case "", SeedEmpty, SeedRandom:
	default:
		return fmt.Errorf("invalid seed: %s (must be 'empty' or 'random')", c.Seed)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must be >= 0, got %s", c.RequestTimeout)
	}
	if c.JournalCapacity < 0 {
		return fmt.Errorf("journal_capacity must be >= 0, got %d", c.JournalCapacity)
	}
	r := c.Reconnect
	if r.MinDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays must be >= 0")
	}
	if r.MaxDelay > 0 && r.MinDelay > r.MaxDelay {
		return fmt.Errorf("reconnect.min_delay %s exceeds max_delay %s", r.MinDelay, r.MaxDelay)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be within [0,1], got %v", r.Jitter)
	}
	return nil
}

func (c *Config) SlotLayout() (slotstate.Layout, error) {
	if len(c.Layout) == 0 {
		return slotstate.DefaultLayout(), nil
	}
	return slotstate.NewLayout(c.Layout)
}

// RandomSeed reports whether slots should be seeded at random before the
// first sync.
func (c *Config) RandomSeed() bool {
	return strings.EqualFold(c.Seed, SeedRandom)
}
