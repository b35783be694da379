// Package config loads the viewer configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dptscreen/dpt"
)

const (
	ProfileNone  = "none"
	ProfileDPTS1 = "dpt-s1"
)

// BuiltinProfiles are always available; the config file may override them.
var BuiltinProfiles = map[string]dpt.CropProfiles{
	ProfileNone: {},
	// Chrome widths observed on DPT-S1 firmware 1.6.
	ProfileDPTS1: {
		Portrait:  dpt.CropProfile{Top: 150, Bottom: 100, Left: 68, Right: 0},
		Landscape: dpt.CropProfile{Top: 68, Bottom: 0, Left: 20, Right: 95},
	},
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// PIN enables the unlock page and JWT auth. Empty disables auth.
	PIN       string `yaml:"pin"`
	JWTSecret string `yaml:"jwt_secret"`
	Advertise bool   `yaml:"advertise"`
}

type Config struct {
	// Device skips discovery when set ("host" or "host:port").
	Device           string        `yaml:"device"`
	Subnet           string        `yaml:"subnet"`
	Port             uint16        `yaml:"port"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	FetchInterval    time.Duration `yaml:"fetch_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	// RediscoverAfter re-runs discovery after this many consecutive failed
	// fetches. Zero disables it.
	RediscoverAfter int                         `yaml:"rediscover_after"`
	CropProfile     string                      `yaml:"crop_profile"`
	CropProfiles    map[string]dpt.CropProfiles `yaml:"crop_profiles"`
	HTTP            HTTPConfig                  `yaml:"http"`
	LogLevel        string                      `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Subnet:           "192.168.0.0/24",
		Port:             dpt.DefaultPort,
		DiscoveryTimeout: dpt.DefaultScanTimeout,
		FetchInterval:    time.Second,
		FetchTimeout:     dpt.DefaultReadTimeout,
		RediscoverAfter:  10,
		CropProfile:      ProfileDPTS1,
		HTTP: HTTPConfig{
			Listen:    ":8081",
			Advertise: true,
		},
		LogLevel: "info",
	}
}

// DefaultPath returns ~/.config/dptscreen/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "dptscreen.yaml")
	}
	return filepath.Join(dir, "dptscreen", "config.yaml")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Device != "" {
		if _, err := dpt.ParseEndpoint(c.Device); err != nil {
			errs = append(errs, fmt.Errorf("device: %w", err))
		}
	}
	if _, err := c.SubnetPrefix(); err != nil {
		errs = append(errs, err)
	}
	if c.DiscoveryTimeout <= 0 {
		errs = append(errs, errors.New("discovery_timeout must be positive"))
	}
	if c.FetchInterval <= 0 {
		errs = append(errs, errors.New("fetch_interval must be positive"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch_timeout must be positive"))
	}
	if c.RediscoverAfter < 0 {
		errs = append(errs, errors.New("rediscover_after must not be negative"))
	}
	if _, err := c.Profiles(); err != nil {
		errs = append(errs, err)
	}
	for name, p := range c.CropProfiles {
		for _, m := range []dpt.CropProfile{p.Portrait, p.Landscape} {
			if m.Top < 0 || m.Bottom < 0 || m.Left < 0 || m.Right < 0 {
				errs = append(errs, fmt.Errorf("crop profile %q: margins must not be negative", name))
				break
			}
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) SubnetPrefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(c.Subnet)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("subnet: %w", err)
	}
	if _, err := dpt.Hosts(p); err != nil {
		return netip.Prefix{}, err
	}
	return p, nil
}

// Profiles resolves the selected crop profile, preferring the config file's
// definitions over the built-in ones.
func (c *Config) Profiles() (dpt.CropProfiles, error) {
	if p, ok := c.CropProfiles[c.CropProfile]; ok {
		return p, nil
	}
	if p, ok := BuiltinProfiles[c.CropProfile]; ok {
		return p, nil
	}
	return dpt.CropProfiles{}, fmt.Errorf("unknown crop profile %q (have %s)",
		c.CropProfile, strings.Join(c.ProfileNames(), ", "))
}

func (c *Config) ProfileNames() []string {
	seen := make(map[string]bool)
	for name := range BuiltinProfiles {
		seen[name] = true
	}
	for name := range c.CropProfiles {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
