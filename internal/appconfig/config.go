// Package appconfig manages application configuration and the on-disk layout
// of tunnel configs, pid markers and key material.
//
// Configuration sources (in priority order):
//  1. Environment variables (OSTM_*)
//  2. Config file ($XDG_CONFIG_HOME/ostm/config.yaml)
//  3. Built-in defaults
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/treykane/ostm/internal/util"
)

// SupervisorConfig tunes marker polling and the editor restart mode.
type SupervisorConfig struct {
	MarkerPollMS     int  `yaml:"marker_poll_ms" mapstructure:"marker_poll_ms"`
	MarkerAttempts   int  `yaml:"marker_attempts" mapstructure:"marker_attempts"`
	StopPollAttempts int  `yaml:"stop_poll_attempts" mapstructure:"stop_poll_attempts"`
	AutoRestart      bool `yaml:"auto_restart" mapstructure:"auto_restart"`
}

// LauncherConfig names the external binaries and the process signature.
type LauncherConfig struct {
	Autossh   string `yaml:"autossh" mapstructure:"autossh"`
	Trickle   string `yaml:"trickle" mapstructure:"trickle"`
	Signature string `yaml:"signature" mapstructure:"signature"`
}

// BandwidthConfig mirrors model.Bandwidth for config files.
type BandwidthConfig struct {
	Up   int `yaml:"up" mapstructure:"up"`
	Down int `yaml:"down" mapstructure:"down"`
}

// PairingConfig holds defaults applied to newly paired tunnels.
type PairingConfig struct {
	RemoteUser       string            `yaml:"remote_user" mapstructure:"remote_user"`
	DefaultBandwidth BandwidthConfig   `yaml:"default_bandwidth" mapstructure:"default_bandwidth"`
	SSHOptions       map[string]string `yaml:"ssh_options" mapstructure:"ssh_options"`
	TimeoutSeconds   int               `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// SecurityConfig controls error redaction in user-facing output.
type SecurityConfig struct {
	RedactErrors bool `yaml:"redact_errors" mapstructure:"redact_errors"`
}

// LogConfig selects slog level/format and optional rotating file output.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// UIConfig contains dashboard display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds" mapstructure:"refresh_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir" mapstructure:"data_dir"`
	Listen     string           `yaml:"listen" mapstructure:"listen"`
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
	Launcher   LauncherConfig   `yaml:"launcher" mapstructure:"launcher"`
	Pairing    PairingConfig    `yaml:"pairing" mapstructure:"pairing"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	UI         UIConfig         `yaml:"ui" mapstructure:"ui"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:3000",
		Supervisor: SupervisorConfig{
			MarkerPollMS:     int(util.MarkerPollInterval.Milliseconds()),
			MarkerAttempts:   util.MarkerPollAttempts,
			StopPollAttempts: util.StopPollAttempts,
			AutoRestart:      true,
		},
		Launcher: LauncherConfig{
			Autossh:   "autossh",
			Trickle:   "trickle",
			Signature: "autossh",
		},
		Pairing: PairingConfig{
			RemoteUser:       "ostm_user",
			DefaultBandwidth: BandwidthConfig{Up: 200, Down: 200},
			SSHOptions: map[string]string{
				"Compression":          "yes",
				"ServerAliveInterval":  "10",
				"ServerAliveCountMax":  "3",
				"ExitOnForwardFailure": "yes",
			},
			TimeoutSeconds: 15,
		},
		Security: SecurityConfig{RedactErrors: true},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		UI: UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/ostm.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ostm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "ostm"), nil
}

// Load reads config.yaml and OSTM_* overrides. If the file doesn't exist, it
// is created with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, Default())
	v.AddConfigPath(d)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OSTM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	missing := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("parse %s: %w", filepath.Join(d, "config.yaml"), err)
		}
		missing = true
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = normalize(cfg, d)
	if missing {
		if err := Save(Default()); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d, "config.yaml"), b, 0o600)
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("supervisor.marker_poll_ms", cfg.Supervisor.MarkerPollMS)
	v.SetDefault("supervisor.marker_attempts", cfg.Supervisor.MarkerAttempts)
	v.SetDefault("supervisor.stop_poll_attempts", cfg.Supervisor.StopPollAttempts)
	v.SetDefault("supervisor.auto_restart", cfg.Supervisor.AutoRestart)
	v.SetDefault("launcher.autossh", cfg.Launcher.Autossh)
	v.SetDefault("launcher.trickle", cfg.Launcher.Trickle)
	v.SetDefault("launcher.signature", cfg.Launcher.Signature)
	v.SetDefault("pairing.remote_user", cfg.Pairing.RemoteUser)
	v.SetDefault("pairing.default_bandwidth.up", cfg.Pairing.DefaultBandwidth.Up)
	v.SetDefault("pairing.default_bandwidth.down", cfg.Pairing.DefaultBandwidth.Down)
	v.SetDefault("pairing.ssh_options", cfg.Pairing.SSHOptions)
	v.SetDefault("pairing.timeout_seconds", cfg.Pairing.TimeoutSeconds)
	v.SetDefault("security.redact_errors", cfg.Security.RedactErrors)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("ui.refresh_seconds", cfg.UI.RefreshSeconds)
}

func normalize(cfg Config, configDir string) Config {
	def := Default()
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = configDir
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = def.Listen
	}
	if cfg.Supervisor.MarkerPollMS <= 0 {
		cfg.Supervisor.MarkerPollMS = def.Supervisor.MarkerPollMS
	}
	if cfg.Supervisor.MarkerAttempts <= 0 {
		cfg.Supervisor.MarkerAttempts = def.Supervisor.MarkerAttempts
	}
	if cfg.Supervisor.StopPollAttempts <= 0 {
		cfg.Supervisor.StopPollAttempts = def.Supervisor.StopPollAttempts
	}
	cfg.Launcher.Autossh = util.DefaultString(cfg.Launcher.Autossh, def.Launcher.Autossh)
	cfg.Launcher.Trickle = util.DefaultString(cfg.Launcher.Trickle, def.Launcher.Trickle)
	cfg.Launcher.Signature = util.DefaultString(cfg.Launcher.Signature, def.Launcher.Signature)
	cfg.Pairing.RemoteUser = util.DefaultString(cfg.Pairing.RemoteUser, def.Pairing.RemoteUser)
	if cfg.Pairing.DefaultBandwidth.Up < 0 || cfg.Pairing.DefaultBandwidth.Down < 0 {
		cfg.Pairing.DefaultBandwidth = def.Pairing.DefaultBandwidth
	}
	if cfg.Pairing.SSHOptions == nil {
		cfg.Pairing.SSHOptions = def.Pairing.SSHOptions
	}
	if cfg.Pairing.TimeoutSeconds <= 0 {
		cfg.Pairing.TimeoutSeconds = def.Pairing.TimeoutSeconds
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		cfg.Log.Level = def.Log.Level
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
		cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	default:
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups < 0 {
		cfg.Log.MaxBackups = def.Log.MaxBackups
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	return cfg
}
