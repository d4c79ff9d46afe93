// Package config loads the devpulse TOML configuration, filling
// defaults for anything the file does not set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Columnar ColumnarConfig `toml:"columnar"`
	Ingest   IngestConfig   `toml:"ingest"`
	Report   ReportConfig   `toml:"report"`
	GitHub   GitHubConfig   `toml:"github"`
	Pricing  PricingConfig  `toml:"pricing"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type ColumnarConfig struct {
	Root string `toml:"root"`
}

type IngestConfig struct {
	SourceGlob    string `toml:"source_glob"`
	DeadLetterDir string `toml:"dead_letter_dir"`
}

type ReportConfig struct {
	LagDays   int    `toml:"lag_days"`
	SinceDays int    `toml:"since_days"`
	Repo      string `toml:"repo"`
}

type GitHubConfig struct {
	Repo         string `toml:"repo"`
	MaxRetries   int    `toml:"max_retries"`
	BreakerTrips int    `toml:"breaker_trips"`
}

// PricingConfig maps model name to [input, output] USD per 1M tokens.
// Unknown models fall back to Default.
type PricingConfig struct {
	Models  map[string][2]float64 `toml:"models"`
	Default [2]float64            `toml:"default"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".local", "share", "devpulse")
	return Config{
		Storage:  StorageConfig{DBPath: filepath.Join(base, "devpulse.db")},
		Columnar: ColumnarConfig{Root: filepath.Join(base, "columnar")},
		Ingest: IngestConfig{
			SourceGlob:    filepath.Join(base, "incoming", "*.jsonl"),
			DeadLetterDir: filepath.Join(base, "deadletter"),
		},
		Report: ReportConfig{LagDays: 1, SinceDays: 30},
		GitHub: GitHubConfig{MaxRetries: 3, BreakerTrips: 5},
		Pricing: PricingConfig{
			Models: map[string][2]float64{
				"claude-sonnet-4-5": {3.0, 15.0},
				"claude-haiku-4-5":  {1.0, 5.0},
				"gpt-4o":            {2.5, 10.0},
				"gpt-4o-mini":       {0.15, 0.6},
			},
			// Conservative default pair for unknown models.
			Default: [2]float64{5.0, 15.0},
		},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "devpulse", "config.toml")
}

func Load() (Config, error) {
	return LoadFrom(defaultConfigPath())
}

// LoadFrom reads the file at path over the defaults. A missing file is
// not an error; the defaults apply unchanged.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage db_path must be set")
	}
	if cfg.Columnar.Root == "" {
		errs = append(errs, "columnar root must be set")
	}
	if cfg.Ingest.DeadLetterDir == "" {
		errs = append(errs, "ingest dead_letter_dir must be set")
	}
	if cfg.Report.LagDays < 0 {
		errs = append(errs, fmt.Sprintf("report lag_days must be non-negative, got %d", cfg.Report.LagDays))
	}
	if cfg.Report.SinceDays < 1 {
		errs = append(errs, fmt.Sprintf("report since_days must be positive, got %d", cfg.Report.SinceDays))
	}
	if cfg.GitHub.MaxRetries < 1 {
		errs = append(errs, fmt.Sprintf("github max_retries must be positive, got %d", cfg.GitHub.MaxRetries))
	}
	for model, price := range cfg.Pricing.Models {
		if price[0] < 0 || price[1] < 0 {
			errs = append(errs, fmt.Sprintf("pricing for model %q must be non-negative", model))
		}
	}
	if cfg.Pricing.Default[0] < 0 || cfg.Pricing.Default[1] < 0 {
		errs = append(errs, "default pricing must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation error: %s", strings.Join(errs, "; "))
	}
	return nil
}
