package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ResourceConfig describes one provider resource to keep in sync
// (a mail folder or a calendar).
type ResourceConfig struct {
	// Name is the unique identifier for this resource (e.g. "inbox").
	Name string `mapstructure:"name" yaml:"name"`

	// Kind is "mail" or "calendar".
	Kind string `mapstructure:"kind" yaml:"kind"`

	// PollIntervalSec is the delta-poll cadence used when the provider
	// does not support push notifications.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// ProviderConfig selects and configures the provider gateway.
type ProviderConfig struct {
	// Kind is "graph" or "imap".
	Kind string `mapstructure:"kind" yaml:"kind"`

	// BaseURL overrides the provider API root (tests, proxies).
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// NotificationURL is the push relay endpoint used for streaming
	// subscriptions.
	NotificationURL string `mapstructure:"notification_url" yaml:"notification_url"`

	// Config holds provider-specific key-value settings
	// (e.g. IMAP host/port, Graph tenant).
	Config map[string]string `mapstructure:"config" yaml:"config"`
}

// DispatchConfig tunes the action dispatcher.
type DispatchConfig struct {
	QueueSize    int `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries   int `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelaySec int `mapstructure:"base_delay_sec" yaml:"base_delay_sec"`
	MaxDelaySec  int `mapstructure:"max_delay_sec" yaml:"max_delay_sec"`
}

// ReminderConfig holds the default reminder policy applied to messages
// whose compose flow did not set one explicitly.
type ReminderConfig struct {
	IntervalHours   int `mapstructure:"interval_hours" yaml:"interval_hours"`
	MaxReminders    int `mapstructure:"max_reminders" yaml:"max_reminders"`
	TickIntervalSec int `mapstructure:"tick_interval_sec" yaml:"tick_interval_sec"`
}

// Policy converts the config defaults into a ReminderPolicy.
func (r ReminderConfig) Policy() ReminderPolicy {
	return ReminderPolicy{
		Interval:     time.Duration(r.IntervalHours) * time.Hour,
		MaxReminders: r.MaxReminders,
	}
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DatabasePath string           `mapstructure:"database_path" yaml:"database_path"`
	RulesPath    string           `mapstructure:"rules_path" yaml:"rules_path"`
	Provider     ProviderConfig   `mapstructure:"provider" yaml:"provider"`
	Resources    []ResourceConfig `mapstructure:"resources" yaml:"resources"`
	Reminders    ReminderConfig   `mapstructure:"reminders" yaml:"reminders"`
	Dispatch     DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailminder/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailminder", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	configDir := filepath.Dir(DefaultConfigPath())
	return &AppConfig{
		DatabasePath: filepath.Join(configDir, "mailminder.db"),
		RulesPath:    filepath.Join(configDir, "rules.json"),
		Provider: ProviderConfig{
			Kind: "graph",
		},
		Resources: []ResourceConfig{
			{Name: "inbox", Kind: "mail", PollIntervalSec: 120},
		},
		Reminders: ReminderConfig{
			IntervalHours:   72,
			MaxReminders:    2,
			TickIntervalSec: 300,
		},
		Dispatch: DispatchConfig{
			QueueSize:    64,
			MaxRetries:   5,
			BaseDelaySec: 2,
			MaxDelaySec:  300,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	defaults := defaultAppConfig()
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("rules_path", defaults.RulesPath)
	v.SetDefault("provider.kind", defaults.Provider.Kind)
	v.SetDefault("reminders.interval_hours", defaults.Reminders.IntervalHours)
	v.SetDefault("reminders.max_reminders", defaults.Reminders.MaxReminders)
	v.SetDefault("reminders.tick_interval_sec", defaults.Reminders.TickIntervalSec)
	v.SetDefault("dispatch.queue_size", defaults.Dispatch.QueueSize)
	v.SetDefault("dispatch.max_retries", defaults.Dispatch.MaxRetries)
	v.SetDefault("dispatch.base_delay_sec", defaults.Dispatch.BaseDelaySec)
	v.SetDefault("dispatch.max_delay_sec", defaults.Dispatch.MaxDelaySec)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaults, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaults, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Resources {
		if cfg.Resources[i].PollIntervalSec == 0 {
			cfg.Resources[i].PollIntervalSec = 120
		}
		if cfg.Resources[i].Kind == "" {
			cfg.Resources[i].Kind = "mail"
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database_path", cfg.DatabasePath)
	v.Set("rules_path", cfg.RulesPath)
	v.Set("provider", cfg.Provider)
	v.Set("resources", cfg.Resources)
	v.Set("reminders", cfg.Reminders)
	v.Set("dispatch", cfg.Dispatch)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
