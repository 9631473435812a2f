package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all pipeline settings. Values come from defaults, then the
// YAML config file, then VENUEWATCH_* environment variables, in that order.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Run       RunConfig       `yaml:"run"`
}

type FetchConfig struct {
	Workers         int      `yaml:"workers"`
	DelayMS         int      `yaml:"delay_ms"`
	TimeoutSec      int      `yaml:"timeout_sec"`
	PageCap         int      `yaml:"page_cap"`
	Keywords        []string `yaml:"keywords"`
	UserAgent       string   `yaml:"user_agent"`
	MaxContentBytes int64    `yaml:"max_content_bytes"`
}

type ExtractorConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
	DelayMS    int    `yaml:"delay_ms"`
}

type RunConfig struct {
	// MaxExtractions caps how many venues may be sent to the extraction
	// service in one run. -1 means unlimited.
	MaxExtractions int `yaml:"max_extractions"`
}

func defaults() Config {
	return Config{
		DataDir: defaultDataDir(),
		Fetch: FetchConfig{
			Workers:         4,
			DelayMS:         500,
			TimeoutSec:      15,
			PageCap:         5,
			Keywords:        []string{"menu", "specials", "happy-hour", "happyhour", "events", "drinks"},
			UserAgent:       "venuewatch/1.0 (+https://github.com/plateworks/venuewatch)",
			MaxContentBytes: 2 << 20,
		},
		Extractor: ExtractorConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "mistral-nemo",
			TimeoutSec: 120,
			DelayMS:    2000,
		},
		Run: RunConfig{
			MaxExtractions: 25,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "venuewatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "venuewatch-data"
	}
	return filepath.Join(home, ".local", "share", "venuewatch")
}

// Load reads configuration from path (optional; "" means no config file),
// starting from defaults and applying environment overrides last.
// A missing file at an explicitly given path is an error; an unset path
// simply yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VENUEWATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VENUEWATCH_EXTRACTOR_URL"); v != "" {
		cfg.Extractor.BaseURL = v
	}
	if v := os.Getenv("VENUEWATCH_EXTRACTOR_MODEL"); v != "" {
		cfg.Extractor.Model = v
	}
	if v := os.Getenv("VENUEWATCH_MAX_EXTRACTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.MaxExtractions = n
		}
	}
	if v := os.Getenv("VENUEWATCH_FETCH_KEYWORDS"); v != "" {
		parts := strings.Split(v, ",")
		keywords := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				keywords = append(keywords, p)
			}
		}
		cfg.Fetch.Keywords = keywords
	}
}

func validate(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if cfg.Fetch.Workers < 1 {
		return fmt.Errorf("fetch.workers must be at least 1")
	}
	if cfg.Fetch.PageCap < 1 {
		return fmt.Errorf("fetch.page_cap must be at least 1")
	}
	if cfg.Run.MaxExtractions < -1 {
		return fmt.Errorf("run.max_extractions must be -1 (unlimited) or >= 0")
	}
	return nil
}
