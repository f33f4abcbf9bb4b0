// Package config provides YAML-based configuration loading for stealthchat.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported platforms.
const (
	PlatformDiscord = "discord"
	PlatformSlack   = "slack"
	PlatformLocal   = "local"
)

// Config is the top-level stealthchat configuration, loaded from config.yaml.
type Config struct {
	Platform string         `yaml:"platform"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	Local    LocalConfig    `yaml:"local"`
	Sessions SessionsConfig `yaml:"sessions"`
	API      APIConfig      `yaml:"api"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotToken   string `yaml:"bot_token"`
	GuildID    string `yaml:"guild_id"`
	WebhookURL string `yaml:"webhook_url"`
}

// SlackConfig holds Slack app settings.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
	TeamID   string `yaml:"team_id"`
}

// LocalConfig holds settings for the database-backed transport.
type LocalConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Identity string `yaml:"identity"`
}

// SessionsConfig tunes the session engine and the idle reaper.
type SessionsConfig struct {
	ChannelID        string `yaml:"channel_id"`
	SIDDigits        int    `yaml:"sid_digits"`
	ScanLimit        int    `yaml:"scan_limit"`
	IdleTimeoutSec   int    `yaml:"idle_timeout_sec"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
	SweepCron        string `yaml:"sweep_cron"`
	AcceptForeign    bool   `yaml:"accept_foreign"`
}

// IdleTimeout returns the idle threshold as a duration.
func (s SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// SweepInterval returns the reaper cadence as a duration.
func (s SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// APIConfig controls the optional HTTP API.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = PlatformDiscord
	}
	if c.Local.Driver == "" {
		c.Local.Driver = "sqlite"
	}
	if c.Local.Driver == "sqlite" && c.Local.Path == "" {
		c.Local.Path = "stealthchat.db"
	}
	if c.Local.Driver == "mysql" {
		if c.Local.Host == "" {
			c.Local.Host = "127.0.0.1"
		}
		if c.Local.Port == 0 {
			c.Local.Port = 3306
		}
		if c.Local.Database == "" {
			c.Local.Database = "stealthchat"
		}
	}
	if c.Local.Identity == "" {
		c.Local.Identity = "stealthchat"
	}
	if c.Sessions.SIDDigits == 0 {
		c.Sessions.SIDDigits = 6
	}
	if c.Sessions.ScanLimit == 0 {
		c.Sessions.ScanLimit = 100
	}
	if c.Sessions.IdleTimeoutSec == 0 {
		c.Sessions.IdleTimeoutSec = 1800
	}
	if c.Sessions.SweepIntervalSec == 0 {
		c.Sessions.SweepIntervalSec = 300
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case PlatformDiscord:
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
		if c.Discord.GuildID == "" {
			errs = append(errs, "discord.guild_id is required")
		}
		if c.Discord.WebhookURL == "" {
			errs = append(errs, "discord.webhook_url is required")
		}
	case PlatformSlack:
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		} else if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
			errs = append(errs, "slack.app_token must start with xapp-")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
	case PlatformLocal:
		switch c.Local.Driver {
		case "sqlite", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("local.driver %q must be sqlite or mysql", c.Local.Driver))
		}
		if c.Local.Driver == "mysql" && c.Local.User == "" {
			errs = append(errs, "local.user is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform %q must be one of discord, slack, local", c.Platform))
	}

	// The local transport creates its sessions channel on demand.
	if c.Sessions.ChannelID == "" && c.Platform != PlatformLocal {
		errs = append(errs, "sessions.channel_id is required")
	}
	if c.Sessions.SIDDigits < 1 || c.Sessions.SIDDigits > 12 {
		errs = append(errs, "sessions.sid_digits must be between 1 and 12")
	}
	if c.Sessions.ScanLimit < 0 {
		errs = append(errs, "sessions.scan_limit must not be negative")
	}
	if c.Sessions.IdleTimeoutSec < 0 {
		errs = append(errs, "sessions.idle_timeout_sec must not be negative")
	}
	if c.Sessions.SweepIntervalSec < 0 {
		errs = append(errs, "sessions.sweep_interval_sec must not be negative")
	}
	if c.Sessions.SweepCron != "" {
		if _, err := cronParser.Parse(c.Sessions.SweepCron); err != nil {
			errs = append(errs, fmt.Sprintf("sessions.sweep_cron: %v", err))
		}
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
