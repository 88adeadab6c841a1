// Package config loads FocusGuard settings from defaults, an optional YAML
// file and FOCUSGUARD_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/infra"
	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/policy"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "FOCUSGUARD"

var (
	ErrMissingDataDir      = errors.New("data directory is required")
	ErrNonPositiveDuration = errors.New("durations must be positive")
	ErrMissingSelfID       = errors.New("self surface id is required")
	ErrInvalidPINCost      = errors.New("pin cost out of range")
)

// Config holds all daemon and CLI settings.
type Config struct {
	DataDir     string            `yaml:"dataDir" envconfig:"DATA_DIR"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOG"`
	Surfaces    SurfacesConfig    `yaml:"surfaces" envconfig:"SURFACE"`
	Durations   DurationsConfig   `yaml:"durations" envconfig:"DURATION"`
	Sync        SyncConfig        `yaml:"sync" envconfig:"SYNC"`
	Kiosk       KioskConfig       `yaml:"kiosk" envconfig:"KIOSK"`
	Daemon      DaemonConfig      `yaml:"daemon" envconfig:"DAEMON"`
	Enforcement EnforcementConfig `yaml:"enforcement" envconfig:"ENFORCE"`
	Metrics     MetricsConfig     `yaml:"metrics" envconfig:"METRICS"`
	Security    SecurityConfig    `yaml:"security" envconfig:"SECURITY"`
}

// LoggingConfig controls the daemon logger.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	File        string `yaml:"file" envconfig:"FILE"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// SurfacesConfig names the special foreground surfaces.
type SurfacesConfig struct {
	Self         string   `yaml:"self" envconfig:"SELF"`
	Settings     string   `yaml:"settings" envconfig:"SETTINGS"`
	AdminMarkers []string `yaml:"adminMarkers" envconfig:"ADMIN_MARKERS"`
}

// DurationsConfig holds the policy timings.
type DurationsConfig struct {
	AppBypass      time.Duration `yaml:"appBypass" envconfig:"APP_BYPASS"`
	SettingsBypass time.Duration `yaml:"settingsBypass" envconfig:"SETTINGS_BYPASS"`
	Break          time.Duration `yaml:"break" envconfig:"BREAK"`
	DefaultSession time.Duration `yaml:"defaultSession" envconfig:"DEFAULT_SESSION"`
	Tick           time.Duration `yaml:"tick" envconfig:"TICK"`
}

// SyncConfig points at the file-based remote store.
type SyncConfig struct {
	PolicyPath string        `yaml:"policyPath" envconfig:"POLICY_PATH"`
	OutboxPath string        `yaml:"outboxPath" envconfig:"OUTBOX_PATH"`
	Interval   time.Duration `yaml:"interval" envconfig:"INTERVAL"`
}

// KioskConfig holds the argv used to engage and release the kiosk lock.
// An empty Engage leaves the kiosk unavailable.
type KioskConfig struct {
	Engage    []string `yaml:"engage" envconfig:"ENGAGE"`
	Disengage []string `yaml:"disengage" envconfig:"DISENGAGE"`
}

// DaemonConfig holds the watcher/guardian intervals.
type DaemonConfig struct {
	Heartbeat    time.Duration `yaml:"heartbeat" envconfig:"HEARTBEAT"`
	PartnerCheck time.Duration `yaml:"partnerCheck" envconfig:"PARTNER_CHECK"`
}

// EnforcementConfig selects the foreground source and redirect actions.
type EnforcementConfig struct {
	// EventSource is "process" for the process poller, "-" for stdin,
	// or a path to a JSON-lines file or FIFO.
	EventSource  string        `yaml:"eventSource" envconfig:"EVENT_SOURCE"`
	PollInterval time.Duration `yaml:"pollInterval" envconfig:"POLL_INTERVAL"`
	KillTargets  bool          `yaml:"killTargets" envconfig:"KILL_TARGETS"`
	SurfacePath  string        `yaml:"surfacePath" envconfig:"SURFACE_PATH"`
}

// MetricsConfig enables the /metrics endpoint when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address" envconfig:"ADDRESS"`
}

// SecurityConfig controls secrets at rest.
type SecurityConfig struct {
	PINCost       int    `yaml:"pinCost" envconfig:"PIN_COST"`
	KeyPassphrase string `yaml:"-" envconfig:"KEY_PASSPHRASE"`
}

// EventSourceProcess selects the gopsutil process poller.
const EventSourceProcess = "process"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "~/.focusguard",
		Logging: LoggingConfig{
			Level: "info",
			File:  "~/.focusguard/focusguard.log",
		},
		Surfaces: SurfacesConfig{
			Self:         "focusguard",
			Settings:     "com.android.settings",
			AdminMarkers: []string{"DeviceAdmin", "DevicePolicy"},
		},
		Durations: DurationsConfig{
			AppBypass:      policy.AppBypassDuration,
			SettingsBypass: policy.SettingsBypassDuration,
			Break:          policy.BreakDuration,
			DefaultSession: policy.DefaultSessionDuration,
			Tick:           policy.TickInterval,
		},
		Sync: SyncConfig{
			PolicyPath: "~/.focusguard/policy.yaml",
			OutboxPath: "~/.focusguard/telemetry.jsonl",
			Interval:   time.Minute,
		},
		Daemon: DaemonConfig{
			Heartbeat:    30 * time.Second,
			PartnerCheck: 60 * time.Second,
		},
		Enforcement: EnforcementConfig{
			EventSource:  EventSourceProcess,
			PollInterval: time.Second,
		},
		Security: SecurityConfig{
			PINCost: policy.DefaultPINCost,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty or missing) and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	if c.Surfaces.Self == "" {
		return ErrMissingSelfID
	}
	durations := map[string]time.Duration{
		"durations.appBypass":      c.Durations.AppBypass,
		"durations.settingsBypass": c.Durations.SettingsBypass,
		"durations.break":          c.Durations.Break,
		"durations.defaultSession": c.Durations.DefaultSession,
		"durations.tick":           c.Durations.Tick,
		"sync.interval":            c.Sync.Interval,
		"daemon.heartbeat":         c.Daemon.Heartbeat,
		"daemon.partnerCheck":      c.Daemon.PartnerCheck,
		"enforcement.pollInterval": c.Enforcement.PollInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s=%s: %w", name, d, ErrNonPositiveDuration)
		}
	}
	if c.Security.PINCost < bcrypt.MinCost || c.Security.PINCost > bcrypt.MaxCost {
		return fmt.Errorf("security.pinCost=%d: %w", c.Security.PINCost, ErrInvalidPINCost)
	}
	return nil
}

// Resolve returns p with a leading "~" expanded and relative paths joined to DataDir.
func (c *Config) Resolve(p string) string {
	if p == "" || p == "-" {
		return p
	}
	p = infra.ExpandHome(p)
	if !filepath.IsAbs(p) {
		return filepath.Join(c.ResolvedDataDir(), p)
	}
	return p
}

// ResolvedDataDir returns DataDir with "~" expanded.
func (c *Config) ResolvedDataDir() string {
	return infra.ExpandHome(c.DataDir)
}
