package config

import (
	"errors"
	"fmt"
	"strings"

	"trafficwatch/internal/traffic"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage,omitempty"`

	// Traffic selects the observation source. With an empty API key the mock
	// provider is used.
	Traffic TrafficConfig `json:"traffic,omitempty"`

	// Retry is the activity retry policy. All durations are Go duration
	// strings (e.g. "2s", "30s").
	Retry RetryConfig `json:"retry,omitempty"`

	LLM      LLMConfig      `json:"llm,omitempty"`
	Channels ChannelsConfig `json:"channels,omitempty"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	OpsAlert OpsAlertConfig `json:"ops_alert,omitempty"`
	API      APIConfig      `json:"api,omitempty"`
	Watch    WatchConfig    `json:"watch,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the monitoring event log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./trafficwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TrafficConfig struct {
	// GoogleMapsAPIKey may be left empty and supplied via the
	// GOOGLE_MAPS_API_KEY environment variable instead.
	GoogleMapsAPIKey string `json:"google_maps_api_key,omitempty"`
	Endpoint         string `json:"endpoint,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
}

type RetryConfig struct {
	InitialInterval    string  `json:"initial_interval,omitempty"`
	MaxInterval        string  `json:"max_interval,omitempty"`
	BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`
	MaxAttempts        int     `json:"max_attempts,omitempty"`
}

type LLMConfig struct {
	// APIKey may be left empty and supplied via OPENAI_API_KEY; without
	// either, the template generator is used.
	APIKey string `json:"api_key,omitempty"`
	Model  string `json:"model,omitempty"`
}

type ChannelsConfig struct {
	Email EmailChannelConfig `json:"email,omitempty"`
	SMS   SMSChannelConfig   `json:"sms,omitempty"`
}

type EmailChannelConfig struct {
	APIKey    string `json:"api_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	FromEmail string `json:"from_email,omitempty"`
	FromName  string `json:"from_name,omitempty"`
}

type SMSChannelConfig struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	FromNumber string `json:"from_number,omitempty"`
}

type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// OpsAlertConfig controls operator alerts to a Telegram chat.
type OpsAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
}

// WatchConfig declares scheduled monitoring sweeps and retention.
type WatchConfig struct {
	Entries   []WatchEntry    `json:"entries,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

// WatchEntry starts a monitoring run for Route on Schedule. Schedule accepts
// a cron spec ("*/15 * * * *") or an @every duration ("@every 10m").
type WatchEntry struct {
	Schedule string        `json:"schedule"`
	Route    traffic.Route `json:"route"`
}

type RetentionConfig struct {
	// Events drops stored events older than this Go duration string.
	Events string `json:"events,omitempty"`
	// Finished drops retained finished runs older than this.
	Finished string `json:"finished,omitempty"`
	// Schedule for the prune job; defaults to hourly.
	Schedule string `json:"schedule,omitempty"`
}

// Validate checks the parts of the config that must be coherent before a
// reload is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := ParseDurationField("retry.initial_interval", c.Retry.InitialInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("retry.max_interval", c.Retry.MaxInterval); err != nil {
		return err
	}
	if c.Retry.BackoffCoefficient != 0 && c.Retry.BackoffCoefficient < 1 {
		return fmt.Errorf("retry.backoff_coefficient must be >= 1 (got %v)", c.Retry.BackoffCoefficient)
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must be >= 0")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("traffic.timeout", c.Traffic.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("watch.retention.events", c.Watch.Retention.Events); err != nil {
		return err
	}
	if _, err := ParseDurationField("watch.retention.finished", c.Watch.Retention.Finished); err != nil {
		return err
	}
	if c.OpsAlert.Enabled {
		if strings.TrimSpace(c.OpsAlert.Token) == "" || c.OpsAlert.ChatID == 0 {
			return errors.New("ops_alert requires token and chat_id when enabled")
		}
	}
	for i, e := range c.Watch.Entries {
		if strings.TrimSpace(e.Schedule) == "" {
			return fmt.Errorf("watch.entries[%d]: schedule is required", i)
		}
		if err := e.Route.Validate(); err != nil {
			return fmt.Errorf("watch.entries[%d]: %w", i, err)
		}
	}
	return nil
}
