package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleInt64Slice is an []int64 that also accepts JSON strings,
// so admin_ids can contain both 123456 and "123456".
type FlexibleInt64Slice []int64

func (f *FlexibleInt64Slice) UnmarshalJSON(data []byte) error {
	// Try []int64 first
	var ii []int64
	if err := json.Unmarshal(data, &ii); err == nil {
		*f = ii
		return nil
	}

	// Try []any to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case float64:
			result = append(result, int64(val))
		case string:
			var n int64
			if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
				return fmt.Errorf("invalid id %q: %w", val, err)
			}
			result = append(result, n)
		default:
			return fmt.Errorf("invalid id entry %v", v)
		}
	}
	*f = result
	return nil
}

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Mongo     MongoConfig     `json:"mongo"`
	Approval  ApprovalConfig  `json:"approval"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

type TelegramConfig struct {
	Token            string             `env:"GATEKEEPER_TELEGRAM_TOKEN"             json:"token"`
	ChannelID        int64              `env:"GATEKEEPER_TELEGRAM_CHANNEL_ID"        json:"channel_id"`
	AdminIDs         FlexibleInt64Slice `env:"GATEKEEPER_TELEGRAM_ADMIN_IDS"         json:"admin_ids"`
	WelcomeMessage   string             `env:"GATEKEEPER_TELEGRAM_WELCOME_MESSAGE"   json:"welcome_message"`
	RejectionMessage string             `env:"GATEKEEPER_TELEGRAM_REJECTION_MESSAGE" json:"rejection_message"`
}

type MongoConfig struct {
	URI      string `env:"GATEKEEPER_MONGO_URI"      json:"uri"`
	Database string `env:"GATEKEEPER_MONGO_DATABASE" json:"database"`
}

type ApprovalConfig struct {
	ConfirmRetries int                `env:"GATEKEEPER_APPROVAL_CONFIRM_RETRIES"  json:"confirm_retries"`
	PendingTTLDays int                `env:"GATEKEEPER_APPROVAL_PENDING_TTL_DAYS" json:"pending_ttl_days"`
	DenyList       FlexibleInt64Slice `env:"GATEKEEPER_APPROVAL_DENY_LIST"        json:"deny_list,omitempty"`
	Workers        int                `env:"GATEKEEPER_APPROVAL_WORKERS"          json:"workers"`
}

type BroadcastConfig struct {
	RatePerSecond      float64 `env:"GATEKEEPER_BROADCAST_RATE_PER_SECOND"      json:"rate_per_second"`
	Burst              int     `env:"GATEKEEPER_BROADCAST_BURST"                json:"burst"`
	MaxAttempts        int     `env:"GATEKEEPER_BROADCAST_MAX_ATTEMPTS"         json:"max_attempts"`
	BackoffSeconds     int     `env:"GATEKEEPER_BROADCAST_BACKOFF_SECONDS"      json:"backoff_seconds"`
	SchedulerIntervalS int     `env:"GATEKEEPER_BROADCAST_SCHEDULER_INTERVAL_S" json:"scheduler_interval_s"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			WelcomeMessage:   "Welcome! Your request to join the channel has been approved.",
			RejectionMessage: "Your request to join the channel was declined.",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "gatekeeper",
		},
		Approval: ApprovalConfig{
			ConfirmRetries: 4,
			PendingTTLDays: 7,
			Workers:        8,
		},
		Broadcast: BroadcastConfig{
			RatePerSecond:      20,
			Burst:              5,
			MaxAttempts:        3,
			BackoffSeconds:     2,
			SchedulerIntervalS: 60,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Env-only configuration is valid; the file is optional.
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields without which the gateway cannot run sanely.
// The Telegram token is checked at startup, not here, so that offline
// tooling keeps working on partial configs.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return errors.New("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return errors.New("mongo.database is required")
	}
	if c.Approval.Workers <= 0 {
		return fmt.Errorf("approval.workers must be positive, got %d", c.Approval.Workers)
	}
	if c.Broadcast.RatePerSecond <= 0 {
		return fmt.Errorf("broadcast.rate_per_second must be positive, got %v", c.Broadcast.RatePerSecond)
	}
	if c.Broadcast.MaxAttempts <= 0 {
		return fmt.Errorf("broadcast.max_attempts must be positive, got %d", c.Broadcast.MaxAttempts)
	}
	return nil
}

// IsAdmin reports whether the given platform user id is a configured admin.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
