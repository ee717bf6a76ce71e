package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 18920
	DefaultPollInterval    = "1m"
	DefaultFetchTimeout    = "30s"
	DefaultBucketWidth     = "1h"
	DefaultBackfillWindow  = "6h"
	DefaultMaxFailures     = 5
	DefaultDateFormat      = "2006-01-02T15:04:05Z07:00"
	DefaultTimezone        = "UTC"
	DefaultRoomRefreshSpec = "0 */15 * * * *"
	DefaultEmojiRefresh    = "0 0 3 * * *"
)

type Config struct {
	Backend   string          `json:"backend"`
	HipChat   HipChatConfig   `json:"hipchat"`
	Slack     SlackConfig     `json:"slack"`
	LocalTest LocalTestConfig `json:"localTest"`
	Ingestion IngestionConfig `json:"ingestion"`
	Backfill  BackfillConfig  `json:"backfill"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
}

type HipChatConfig struct {
	Token      string `json:"token"`
	BaseURL    string `json:"baseUrl,omitempty"`
	DateFormat string `json:"dateFormat,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

type SlackConfig struct {
	Token   string `json:"token"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type LocalTestConfig struct {
	Rooms          int `json:"rooms,omitempty"`
	Users          int `json:"users,omitempty"`
	MessagesPerMin int `json:"messagesPerMin,omitempty"`
	Seed           int `json:"seed,omitempty"`
}

type IngestionConfig struct {
	PollInterval string `json:"pollInterval"`
	FetchTimeout string `json:"fetchTimeout"`
	MaxFailures  int    `json:"maxFailures"`
}

type BackfillConfig struct {
	Start  string `json:"start,omitempty"` // RFC3339
	End    string `json:"end,omitempty"`   // RFC3339
	Window string `json:"window,omitempty"`
}

type StorageConfig struct {
	DBPath      string `json:"dbPath"`
	BucketWidth string `json:"bucketWidth"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type SnapshotConfig struct {
	RoomRefreshSpec  string `json:"roomRefreshSpec"`
	EmojiRefreshSpec string `json:"emojiRefreshSpec"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: "local_test",
		HipChat: HipChatConfig{
			DateFormat: DefaultDateFormat,
			Timezone:   DefaultTimezone,
		},
		LocalTest: LocalTestConfig{
			Rooms:          2,
			Users:          4,
			MessagesPerMin: 10,
			Seed:           1,
		},
		Ingestion: IngestionConfig{
			PollInterval: DefaultPollInterval,
			FetchTimeout: DefaultFetchTimeout,
			MaxFailures:  DefaultMaxFailures,
		},
		Backfill: BackfillConfig{
			Window: DefaultBackfillWindow,
		},
		Storage: StorageConfig{
			DBPath:      filepath.Join(home, ".chatalytics", "chatalytics.db"),
			BucketWidth: DefaultBucketWidth,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Snapshot: SnapshotConfig{
			RoomRefreshSpec:  DefaultRoomRefreshSpec,
			EmojiRefreshSpec: DefaultEmojiRefresh,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatalytics")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("CHATALYTICS_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("CHATALYTICS_HIPCHAT_TOKEN"); v != "" {
		cfg.HipChat.Token = v
	}
	if v := os.Getenv("CHATALYTICS_SLACK_TOKEN"); v != "" {
		cfg.Slack.Token = v
	}
	if v := os.Getenv("CHATALYTICS_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("CHATALYTICS_BUCKET_WIDTH"); v != "" {
		cfg.Storage.BucketWidth = v
	}
	if v := os.Getenv("CHATALYTICS_POLL_INTERVAL"); v != "" {
		cfg.Ingestion.PollInterval = v
	}
	if v := os.Getenv("CHATALYTICS_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}

	if cfg.Ingestion.PollInterval == "" {
		cfg.Ingestion.PollInterval = DefaultPollInterval
	}
	if cfg.Ingestion.FetchTimeout == "" {
		cfg.Ingestion.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Ingestion.MaxFailures <= 0 {
		cfg.Ingestion.MaxFailures = DefaultMaxFailures
	}
	if cfg.Storage.BucketWidth == "" {
		cfg.Storage.BucketWidth = DefaultBucketWidth
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// PollIntervalDuration parses the configured polling interval.
func (c IngestionConfig) PollIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultPollInterval)
	return d
}

// FetchTimeoutDuration parses the per-fetch deadline.
func (c IngestionConfig) FetchTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.FetchTimeout); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultFetchTimeout)
	return d
}

// BucketWidthDuration parses the aggregate bucket width.
func (c StorageConfig) BucketWidthDuration() time.Duration {
	if d, err := time.ParseDuration(c.BucketWidth); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultBucketWidth)
	return d
}

// WindowDuration parses the backfill walk window.
func (c BackfillConfig) WindowDuration() time.Duration {
	if d, err := time.ParseDuration(c.Window); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultBackfillWindow)
	return d
}

// Bounds parses the backfill range. Both bounds are required for a
// backfill run; serve mode ignores them.
func (c BackfillConfig) Bounds() (start, end time.Time, err error) {
	start, err = time.Parse(time.RFC3339, c.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse backfill start: %w", err)
	}
	end, err = time.Parse(time.RFC3339, c.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse backfill end: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backfill end %s not after start %s", c.End, c.Start)
	}
	return start, end, nil
}
