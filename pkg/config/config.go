package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleInt64Slice is a []int64 that also accepts JSON strings, so
// allow_from can contain both 123456 and "123456".
type FlexibleInt64Slice []int64

func (f *FlexibleInt64Slice) UnmarshalJSON(data []byte) error {
	var ids []int64
	if err := json.Unmarshal(data, &ids); err == nil {
		*f = ids
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case float64:
			result = append(result, int64(val))
		case string:
			id, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q: %w", val, err)
			}
			result = append(result, id)
		default:
			return fmt.Errorf("invalid chat id %v", v)
		}
	}
	*f = result
	return nil
}

type Config struct {
	Name     string         `json:"name" env:"TGBOTD_NAME"`
	Telegram TelegramConfig `json:"telegram"`
	Engine   EngineConfig   `json:"engine"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token     string             `json:"token" env:"TGBOTD_TELEGRAM_TOKEN"`
	Proxy     string             `json:"proxy" env:"TGBOTD_TELEGRAM_PROXY"`
	AllowFrom FlexibleInt64Slice `json:"allow_from" env:"TGBOTD_TELEGRAM_ALLOW_FROM"`
}

type EngineConfig struct {
	QueueCapacity        int    `json:"queue_capacity" env:"TGBOTD_ENGINE_QUEUE_CAPACITY"`
	EnqueueTimeoutMS     int    `json:"enqueue_timeout_ms" env:"TGBOTD_ENGINE_ENQUEUE_TIMEOUT_MS"`
	DispatchWorkers      int    `json:"dispatch_workers" env:"TGBOTD_ENGINE_DISPATCH_WORKERS"`
	PollTimeoutSec       int    `json:"poll_timeout_sec" env:"TGBOTD_ENGINE_POLL_TIMEOUT_SEC"`
	PollLimit            int    `json:"poll_limit" env:"TGBOTD_ENGINE_POLL_LIMIT"`
	BackoffInitialMS     int    `json:"backoff_initial_ms" env:"TGBOTD_ENGINE_BACKOFF_INITIAL_MS"`
	BackoffMaxMS         int    `json:"backoff_max_ms" env:"TGBOTD_ENGINE_BACKOFF_MAX_MS"`
	SendRetries          int    `json:"send_retries" env:"TGBOTD_ENGINE_SEND_RETRIES"`
	ShutdownDeadlineSec  int    `json:"shutdown_deadline_sec" env:"TGBOTD_ENGINE_SHUTDOWN_DEADLINE_SEC"`
	UnknownCommandPolicy string `json:"unknown_command_policy" env:"TGBOTD_ENGINE_UNKNOWN_COMMAND_POLICY"`
	UnknownCommandReply  string `json:"unknown_command_reply" env:"TGBOTD_ENGINE_UNKNOWN_COMMAND_REPLY"`
	StartupNotice        bool   `json:"startup_notice" env:"TGBOTD_ENGINE_STARTUP_NOTICE"`
	TypingIndicator      bool   `json:"typing_indicator" env:"TGBOTD_ENGINE_TYPING_INDICATOR"`
}

type LoggingConfig struct {
	FileEnabled     bool   `json:"file_enabled" env:"TGBOTD_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"TGBOTD_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"TGBOTD_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"TGBOTD_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"TGBOTD_LOGGING_MAX_SIZE_MB"`
}

const (
	UnknownCommandReply  = "reply"
	UnknownCommandIgnore = "ignore"
)

func DefaultConfig() *Config {
	return &Config{
		Name: "tgbotd",
		Telegram: TelegramConfig{
			Token:     "",
			Proxy:     "",
			AllowFrom: FlexibleInt64Slice{},
		},
		Engine: EngineConfig{
			QueueCapacity:        256,
			EnqueueTimeoutMS:     2000,
			DispatchWorkers:      1,
			PollTimeoutSec:       30,
			PollLimit:            100,
			BackoffInitialMS:     500,
			BackoffMaxMS:         30000,
			SendRetries:          3,
			ShutdownDeadlineSec:  15,
			UnknownCommandPolicy: UnknownCommandReply,
			UnknownCommandReply:  "Unknown command. Try /help.",
			StartupNotice:        true,
			TypingIndicator:      true,
		},
		Logging: LoggingConfig{
			FileEnabled:     true,
			FilePath:        "~/.config/tgbotd/tgbotd.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// DefaultConfigPath mirrors the classic ~/.config/tgbot-<name> layout.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".config", "tgbotd", "config.json")
}

// LoadConfig reads path (JSON, optional) over the defaults, then applies
// TGBOTD_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.Telegram.Token = resolveEnvRef(cfg.Telegram.Token)

	return cfg, nil
}

// Validate rejects configurations that would leave the engine in an
// undefined state. A failed validation blocks startup.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	e := c.Engine
	if e.QueueCapacity <= 0 {
		return fmt.Errorf("engine.queue_capacity must be positive (unbounded queues are not supported)")
	}
	if e.EnqueueTimeoutMS <= 0 {
		return fmt.Errorf("engine.enqueue_timeout_ms must be positive")
	}
	if e.DispatchWorkers <= 0 {
		return fmt.Errorf("engine.dispatch_workers must be positive")
	}
	if e.PollTimeoutSec <= 0 {
		return fmt.Errorf("engine.poll_timeout_sec must be positive")
	}
	if e.BackoffInitialMS <= 0 || e.BackoffMaxMS < e.BackoffInitialMS {
		return fmt.Errorf("engine backoff bounds invalid: initial=%dms max=%dms", e.BackoffInitialMS, e.BackoffMaxMS)
	}
	if e.SendRetries < 0 {
		return fmt.Errorf("engine.send_retries must not be negative")
	}
	if e.ShutdownDeadlineSec <= 0 {
		return fmt.Errorf("engine.shutdown_deadline_sec must be positive")
	}
	switch e.UnknownCommandPolicy {
	case UnknownCommandReply, UnknownCommandIgnore:
	default:
		return fmt.Errorf("engine.unknown_command_policy must be %q or %q", UnknownCommandReply, UnknownCommandIgnore)
	}
	return nil
}

func (c *Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.Engine.EnqueueTimeoutMS) * time.Millisecond
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Engine.PollTimeoutSec) * time.Second
}

func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.Engine.BackoffInitialMS) * time.Millisecond
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Engine.BackoffMaxMS) * time.Millisecond
}

func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.Engine.ShutdownDeadlineSec) * time.Second
}

// resolveEnvRef expands "$VAR" / "${VAR}" values, so tokens can be kept out
// of the config file.
func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		if val, ok := os.LookupEnv(strings.TrimSpace(s[1:])); ok {
			return val
		}
	}
	return v
}
