package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	RPCAuthToken   string `toml:"RPCAuthToken"`

	// Escrow lifecycle tuning. Durations accept Go syntax ("12h", "30s").
	Step2Window    duration `toml:"Step2Window"`
	Step4Window    duration `toml:"Step4Window"`
	SweepInterval  duration `toml:"SweepInterval"`
	PlatformFeeBps uint32   `toml:"PlatformFeeBps"`

	// PausedModules lists modules ("market", "rental") whose writes are
	// rejected until the node restarts without them.
	PausedModules []string `toml:"PausedModules"`

	// Per-bidder anti-spam quota. Zero limits disable the check.
	BidQuota QuotaConfig `toml:"BidQuota"`
}

// QuotaConfig caps bids per bidder per epoch.
type QuotaConfig struct {
	MaxBidsPerEpoch  uint32 `toml:"MaxBidsPerEpoch"`
	MaxHoursPerEpoch uint64 `toml:"MaxHoursPerEpoch"`
	EpochSeconds     uint32 `toml:"EpochSeconds"`
}

// duration wraps time.Duration with toml text (un)marshalling.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Step2WindowDuration returns the configured lender-delivery window.
func (c *Config) Step2WindowDuration() time.Duration { return c.Step2Window.Duration }

// Step4WindowDuration returns the configured return/settlement window.
func (c *Config) Step4WindowDuration() time.Duration { return c.Step4Window.Duration }

// SweepIntervalDuration returns the deadline sweep cadence.
func (c *Config) SweepIntervalDuration() time.Duration { return c.SweepInterval.Duration }

func defaultConfig() *Config {
	return &Config{
		RPCAddress:     ":8080",
		MetricsAddress: ":9090",
		DataDir:        "./rentledger-data",
		Step2Window:    duration{24 * time.Hour},
		Step4Window:    duration{72 * time.Hour},
		SweepInterval:  duration{30 * time.Second},
		PlatformFeeBps: 250,
	}
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engines cannot accept.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must be set")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if c.Step2Window.Duration <= 0 {
		return fmt.Errorf("Step2Window must be positive")
	}
	if c.Step4Window.Duration <= 0 {
		return fmt.Errorf("Step4Window must be positive")
	}
	if c.SweepInterval.Duration <= 0 {
		return fmt.Errorf("SweepInterval must be positive")
	}
	if c.PlatformFeeBps > 10_000 {
		return fmt.Errorf("PlatformFeeBps out of range")
	}
	for _, module := range c.PausedModules {
		if module != "market" && module != "rental" {
			return fmt.Errorf("unknown module in PausedModules: %q", module)
		}
	}
	if (c.BidQuota.MaxBidsPerEpoch > 0 || c.BidQuota.MaxHoursPerEpoch > 0) && c.BidQuota.EpochSeconds == 0 {
		return fmt.Errorf("BidQuota.EpochSeconds must be set when quota limits are configured")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
