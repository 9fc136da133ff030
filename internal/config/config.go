package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds all configuration for the relay server.
type Server struct {
	// Network
	Addr string `yaml:"addr"`

	// Data directories
	MapsDir        string `yaml:"maps_dir"`
	ControllersDir string `yaml:"controllers_dir"`
	CacheDir       string `yaml:"cache_dir"`
	LookupTable    string `yaml:"lookup_table"` // canonical pixel id CSV

	// Dialects known at startup. The set is immutable once loaded.
	Dialects []Dialect `yaml:"dialects"`

	// Script loading
	AllowCache    bool `yaml:"allow_cache"`
	AllowInsecure bool `yaml:"allow_insecure"`

	Limits Limits `yaml:"limits"`
}

// Dialect describes one client dialect and where its pixel-id extractor
// comes from.
type Dialect struct {
	ID          string `yaml:"id"`
	ScriptURL   string `yaml:"script_url"`
	FallbackURL string `yaml:"fallback_url"`
	Extractor   string `yaml:"extractor"` // expression run against the loaded source
}

// Limits holds the admission-control tunables.
type Limits struct {
	MaxConnPerIP       int           `yaml:"max_conn_per_ip"`       // accepts per IP per second
	FloodEventsPerSec  int           `yaml:"flood_events_per_sec"`  // decayed event budget
	IdleTimeout        time.Duration `yaml:"idle_timeout"`          // no inbound frame
	CreateGameCooldown time.Duration `yaml:"create_game_cooldown"`  // per handler
	StartTimeout       time.Duration `yaml:"start_timeout"`         // readiness barrier
}

// Default returns a Server config with sensible defaults.
func Default() Server {
	return Server{
		Addr:           ":8080",
		MapsDir:        "maps",
		ControllersDir: "controllers",
		CacheDir:       "cache",
		LookupTable:    "pixels.csv",
		AllowCache:     true,
		Limits: Limits{
			MaxConnPerIP:       3,
			FloodEventsPerSec:  250,
			IdleTimeout:        300 * time.Second,
			CreateGameCooldown: time.Second,
			StartTimeout:       30 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error so a
// bare binary still starts with Default().
func Load(path string) (Server, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Server) validate() error {
	seen := make(map[string]bool, len(c.Dialects))
	for _, d := range c.Dialects {
		if d.ID == "" || d.ID == "standard" {
			return fmt.Errorf("config: dialect id %q is reserved or empty", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("config: duplicate dialect %q", d.ID)
		}
		seen[d.ID] = true
	}
	if c.Limits.MaxConnPerIP <= 0 || c.Limits.FloodEventsPerSec <= 0 {
		return fmt.Errorf("config: limits must be positive")
	}
	return nil
}
