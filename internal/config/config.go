// Package config loads multiblox configuration from an ini file with
// sensible defaults for every value, so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the top-level application configuration.
type Config struct {
	Paths     PathsConfig
	Launch    LaunchConfig
	Detection DetectionConfig
	Metrics   MetricsConfig
	Auth      AuthConfig
}

// PathsConfig locates the reference application and working directories.
type PathsConfig struct {
	// ReferenceApp is the OS-wide install of the application.
	ReferenceApp string
	// BaseDir holds per-flavor base snapshots, one subdirectory per flavor.
	BaseDir string
	// ClonesDir is the container for fabricated instance clones.
	ClonesDir string
	// ExecutorInstallDir is where executor profiles install their artifacts.
	ExecutorInstallDir string
	// StateDB is the sqlite database holding executor profiles, assignments
	// and session history.
	StateDB string
}

// LaunchConfig bounds the scheduler.
type LaunchConfig struct {
	// MaxConcurrentLaunches bounds sessions in launching/running state.
	MaxConcurrentLaunches int
	// SessionRetention is how long terminal sessions stay queryable in
	// memory before garbage collection.
	SessionRetention time.Duration
	// StaggerDelay is the inter-submission delay for group launch modes.
	StaggerDelay time.Duration
}

// DetectionConfig tunes process detection.
type DetectionConfig struct {
	// PollInterval is how often the snapshot is re-taken while waiting for
	// a launched process to appear.
	PollInterval time.Duration
	// DetectTimeout bounds the wait for a new process after dispatch.
	DetectTimeout time.Duration
	// LivenessInterval is how often a running session's pid is re-checked.
	LivenessInterval time.Duration
}

// MetricsConfig controls the optional prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
}

// AuthConfig points at the remote authentication service.
type AuthConfig struct {
	TicketURL string
	Timeout   time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".multiblox")
	return &Config{
		Paths: PathsConfig{
			ReferenceApp:       "/Applications/Roblox.app",
			BaseDir:            filepath.Join(stateDir, "base"),
			ClonesDir:          filepath.Join(stateDir, "clones"),
			ExecutorInstallDir: filepath.Join(stateDir, "executors"),
			StateDB:            filepath.Join(stateDir, "multiblox.db"),
		},
		Launch: LaunchConfig{
			MaxConcurrentLaunches: 4,
			SessionRetention:      10 * time.Minute,
			StaggerDelay:          750 * time.Millisecond,
		},
		Detection: DetectionConfig{
			PollInterval:     250 * time.Millisecond,
			DetectTimeout:    30 * time.Second,
			LivenessInterval: 3 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9811",
		},
		Auth: AuthConfig{
			TicketURL: "https://auth.roblox.com/v1/authentication-ticket",
			Timeout:   15 * time.Second,
		},
	}
}

// Load reads configuration from the first ini file found among the
// standard search paths, applying it over Default(). A missing file yields
// the defaults; a malformed file is an error.
func Load() (*Config, error) {
	path := findConfigFile()
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads configuration from an explicit ini file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	paths := file.Section("paths")
	applyString(paths, "reference_app", &cfg.Paths.ReferenceApp)
	applyString(paths, "base_dir", &cfg.Paths.BaseDir)
	applyString(paths, "clones_dir", &cfg.Paths.ClonesDir)
	applyString(paths, "executor_install_dir", &cfg.Paths.ExecutorInstallDir)
	applyString(paths, "state_db", &cfg.Paths.StateDB)

	launch := file.Section("launch")
	if launch.HasKey("max_concurrent_launches") {
		v, err := launch.Key("max_concurrent_launches").Int()
		if err != nil || v < 1 {
			return nil, fmt.Errorf("invalid max_concurrent_launches in %s", path)
		}
		cfg.Launch.MaxConcurrentLaunches = v
	}
	applyDuration(launch, "session_retention", &cfg.Launch.SessionRetention)
	applyDuration(launch, "stagger_delay", &cfg.Launch.StaggerDelay)

	detect := file.Section("detection")
	applyDuration(detect, "poll_interval", &cfg.Detection.PollInterval)
	applyDuration(detect, "detect_timeout", &cfg.Detection.DetectTimeout)
	applyDuration(detect, "liveness_interval", &cfg.Detection.LivenessInterval)

	metrics := file.Section("metrics")
	if metrics.HasKey("enabled") {
		cfg.Metrics.Enabled = metrics.Key("enabled").MustBool(false)
	}
	applyString(metrics, "listen_addr", &cfg.Metrics.ListenAddr)

	auth := file.Section("auth")
	applyString(auth, "ticket_url", &cfg.Auth.TicketURL)
	applyDuration(auth, "timeout", &cfg.Auth.Timeout)

	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{".multiblox.ini"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".multiblox", "config.ini"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyString(sec *ini.Section, key string, dst *string) {
	if sec.HasKey(key) {
		if v := sec.Key(key).String(); v != "" {
			*dst = v
		}
	}
}

func applyDuration(sec *ini.Section, key string, dst *time.Duration) {
	if sec.HasKey(key) {
		if v, err := sec.Key(key).Duration(); err == nil && v > 0 {
			*dst = v
		}
	}
}
