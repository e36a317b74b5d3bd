// Package config implements the enumerated configuration: a closed set
// of recognized options loaded from a file plus PHOTOSCENERY_*-prefixed
// environment overrides, with unknown keys rejected outright rather
// than silently ignored.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Mode selects whether a run targets a fixed point or follows live
// telemetry from the Live Position Client (C12).
type Mode string

const (
	ModeManual Mode = "manual"
	ModeDAA    Mode = "daa"
)

// Config is the full enumerated option set, plus the HTTP
// control-plane bind address.
type Config struct {
	Radius   float64 `mapstructure:"radius"`
	Size     int     `mapstructure:"size"`
	Over     int     `mapstructure:"over"`
	Sdwn     int     `mapstructure:"sdwn"`
	Map      int     `mapstructure:"map"`
	Path     string  `mapstructure:"path"`
	Save     string  `mapstructure:"save"`
	Nosave   bool    `mapstructure:"nosave"`
	PNG      bool    `mapstructure:"png"`
	Timeout  int     `mapstructure:"timeout"`
	Attempts int     `mapstructure:"attempts"`
	Proxy    string  `mapstructure:"proxy"`
	Mode     Mode    `mapstructure:"mode"`

	Workers            int     `mapstructure:"workers"`
	PrecoverGap        int     `mapstructure:"precover_gap"`
	DaaPriorityFrac    float64 `mapstructure:"daa_priority_frac"`
	MonitorInterval    int     `mapstructure:"monitor_interval"`
	MinChunkBytes      int     `mapstructure:"min_chunk_bytes"`
	RetryBackoffBase   float64 `mapstructure:"retry_backoff_base"`
	RetryMaxSleep      float64 `mapstructure:"retry_max_sleep"`
	RetryTimeoutCap    float64 `mapstructure:"retry_timeout_cap"`
	RetryTimeoutFactor float64 `mapstructure:"retry_timeout_factor"`

	HTTPHost string `mapstructure:"http_host"`
	HTTPPort int    `mapstructure:"http_port"`
}

// recognizedKeys mirrors the Config struct's mapstructure tags; any key
// present in the loaded config that isn't here is rejected by Load.
var recognizedKeys = map[string]bool{
	"radius": true, "size": true, "over": true, "sdwn": true, "map": true,
	"path": true, "save": true, "nosave": true, "png": true,
	"timeout": true, "attempts": true, "proxy": true, "mode": true,
	"workers": true, "precover_gap": true, "daa_priority_frac": true,
	"monitor_interval": true, "min_chunk_bytes": true,
	"retry_backoff_base": true, "retry_max_sleep": true,
	"retry_timeout_cap": true, "retry_timeout_factor": true,
	"http_host": true, "http_port": true,
}

// Default returns the enumerated config's defaults, consistent with
// the download pool's DefaultConfig and the control plane's bind
// address.
func Default() Config {
	return Config{
		Radius: 20, Size: 3, Over: 1, Sdwn: 0, Map: 1,
		Path: "./scenery", Save: "", Nosave: false, PNG: false,
		Timeout: 10, Attempts: 3, Proxy: "", Mode: ModeManual,
		Workers: 4, PrecoverGap: 1, DaaPriorityFrac: 0.35,
		MonitorInterval: 5, MinChunkBytes: 1024,
		RetryBackoffBase: 2.0, RetryMaxSleep: 30.0,
		RetryTimeoutCap: 60.0, RetryTimeoutFactor: 1.5,
		HTTPHost: "127.0.0.1", HTTPPort: 8000,
	}
}

// Load builds a viper instance scoped to this call (no package-level
// singleton), reads an optional config file at path (skipped silently
// if empty or missing), applies PHOTOSCENERY_*-prefixed environment
// overrides, and rejects any key outside the enumerated set.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("radius", def.Radius)
	v.SetDefault("size", def.Size)
	v.SetDefault("over", def.Over)
	v.SetDefault("sdwn", def.Sdwn)
	v.SetDefault("map", def.Map)
	v.SetDefault("path", def.Path)
	v.SetDefault("save", def.Save)
	v.SetDefault("nosave", def.Nosave)
	v.SetDefault("png", def.PNG)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("attempts", def.Attempts)
	v.SetDefault("proxy", def.Proxy)
	v.SetDefault("mode", string(def.Mode))
	v.SetDefault("workers", def.Workers)
	v.SetDefault("precover_gap", def.PrecoverGap)
	v.SetDefault("daa_priority_frac", def.DaaPriorityFrac)
	v.SetDefault("monitor_interval", def.MonitorInterval)
	v.SetDefault("min_chunk_bytes", def.MinChunkBytes)
	v.SetDefault("retry_backoff_base", def.RetryBackoffBase)
	v.SetDefault("retry_max_sleep", def.RetryMaxSleep)
	v.SetDefault("retry_timeout_cap", def.RetryTimeoutCap)
	v.SetDefault("retry_timeout_factor", def.RetryTimeoutFactor)
	v.SetDefault("http_host", def.HTTPHost)
	v.SetDefault("http_port", def.HTTPPort)

	v.SetEnvPrefix("PHOTOSCENERY")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := rejectUnknownKeys(v.AllSettings()); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func rejectUnknownKeys(settings map[string]interface{}) error {
	var unknown []string
	for k := range settings {
		if !recognizedKeys[strings.ToLower(k)] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("config: unrecognized key(s): %s", strings.Join(unknown, ", "))
}

func validate(cfg Config) error {
	if cfg.Size < 0 || cfg.Size > 6 {
		return fmt.Errorf("config: size %d out of range [0,6]", cfg.Size)
	}
	if cfg.Over < 0 || cfg.Over > 2 {
		return fmt.Errorf("config: over %d out of range [0,2]", cfg.Over)
	}
	if cfg.Sdwn < 0 || cfg.Sdwn > 6 {
		return fmt.Errorf("config: sdwn %d out of range [0,6]", cfg.Sdwn)
	}
	if cfg.Mode != ModeManual && cfg.Mode != ModeDAA {
		return fmt.Errorf("config: mode %q must be \"manual\" or \"daa\"", cfg.Mode)
	}
	return nil
}
