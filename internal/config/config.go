package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7

	DefaultMaxDailyMessages = 200
	DefaultRetentionDays    = 7
	DefaultSummaryTime      = "00:00"

	DefaultDailyPostCount   = 2
	DefaultPostWindowStart  = "09:00"
	DefaultPostWindowEnd    = "22:00"
	DefaultMinIntervalHours = 3
	DefaultPostProbability  = 0.3

	DefaultCommentIntervalMinutes = 30
	DefaultCommentProbability     = 0.3

	// DefaultBufSize is the message bus channel buffer.
	DefaultBufSize = 100
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Telegram TelegramConfig `json:"telegram"`
	Memory   MemoryConfig   `json:"memory"`
	Post     PostConfig     `json:"post"`
	Comment  CommentConfig  `json:"comment"`
	Qzone    QzoneConfig    `json:"qzone"`
	Prompts  PromptsConfig  `json:"prompts"`
	DBPath   string         `json:"dbPath,omitempty"`
}

type ProviderConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type MemoryConfig struct {
	Enabled          bool     `json:"enabled"`
	UserWhitelist    []string `json:"userWhitelist"`
	MaxDailyMessages int      `json:"maxDailyMessages,omitempty"`
	RetentionDays    int      `json:"retentionDays,omitempty"`
	SummaryTime      string   `json:"summaryTime,omitempty"`
}

type PostConfig struct {
	Enabled          bool    `json:"enabled"`
	DailyCount       int     `json:"dailyCount,omitempty"`
	WindowStart      string  `json:"windowStart,omitempty"`
	WindowEnd        string  `json:"windowEnd,omitempty"`
	MinIntervalHours int     `json:"minIntervalHours,omitempty"`
	Probability      float64 `json:"probability,omitempty"`
}

type CommentConfig struct {
	Enabled              bool     `json:"enabled"`
	Targets              []string `json:"targets"`
	CheckIntervalMinutes int      `json:"checkIntervalMinutes,omitempty"`
	Probability          float64  `json:"probability,omitempty"`
}

type QzoneConfig struct {
	Cookie string `json:"cookie,omitempty"`
}

type PromptsConfig struct {
	Post    string `json:"post,omitempty"`
	Comment string `json:"comment,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Memory: MemoryConfig{
			Enabled:          true,
			MaxDailyMessages: DefaultMaxDailyMessages,
			RetentionDays:    DefaultRetentionDays,
			SummaryTime:      DefaultSummaryTime,
		},
		Post: PostConfig{
			DailyCount:       DefaultDailyPostCount,
			WindowStart:      DefaultPostWindowStart,
			WindowEnd:        DefaultPostWindowEnd,
			MinIntervalHours: DefaultMinIntervalHours,
			Probability:      DefaultPostProbability,
		},
		Comment: CommentConfig{
			CheckIntervalMinutes: DefaultCommentIntervalMinutes,
			Probability:          DefaultCommentProbability,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".moments")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
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
	if key := os.Getenv("MOMENTS_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("MOMENTS_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("MOMENTS_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if token := os.Getenv("MOMENTS_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if cookie := os.Getenv("MOMENTS_QZONE_COOKIE"); cookie != "" {
		cfg.Qzone.Cookie = cookie
	}
	if dbPath := os.Getenv("MOMENTS_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if enabled := os.Getenv("MOMENTS_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}

	cfg.normalize()
	return cfg, nil
}

// normalize replaces zero or malformed values with documented defaults.
// Config problems are never fatal.
func (c *Config) normalize() {
	if c.Provider.Model == "" {
		c.Provider.Model = DefaultModel
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = DefaultMaxTokens
	}
	if c.Memory.MaxDailyMessages <= 0 {
		c.Memory.MaxDailyMessages = DefaultMaxDailyMessages
	}
	if c.Memory.RetentionDays <= 0 {
		c.Memory.RetentionDays = DefaultRetentionDays
	}
	if _, ok := ParseTimeOfDay(c.Memory.SummaryTime); !ok {
		c.Memory.SummaryTime = DefaultSummaryTime
	}
	if c.Post.DailyCount <= 0 {
		c.Post.DailyCount = DefaultDailyPostCount
	}
	if _, ok := ParseTimeOfDay(c.Post.WindowStart); !ok {
		c.Post.WindowStart = DefaultPostWindowStart
	}
	if _, ok := ParseTimeOfDay(c.Post.WindowEnd); !ok {
		c.Post.WindowEnd = DefaultPostWindowEnd
	}
	if c.Post.MinIntervalHours <= 0 {
		c.Post.MinIntervalHours = DefaultMinIntervalHours
	}
	if c.Post.Probability <= 0 || c.Post.Probability > 1 {
		c.Post.Probability = DefaultPostProbability
	}
	if c.Comment.CheckIntervalMinutes <= 0 {
		c.Comment.CheckIntervalMinutes = DefaultCommentIntervalMinutes
	}
	if c.Comment.Probability <= 0 || c.Comment.Probability > 1 {
		c.Comment.Probability = DefaultCommentProbability
	}
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

// TimeOfDay is a wall-clock minute of day, used for the summary time and
// the posting window.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// ParseTimeOfDay parses "HH:MM". The bool result is false for anything
// malformed so callers can substitute a default.
func ParseTimeOfDay(s string) (TimeOfDay, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, false
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return TimeOfDay{}, false
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, false
	}
	return TimeOfDay{Hour: hour, Minute: minute}, true
}

// MustTimeOfDay parses a pre-normalized config value, falling back to def
// when the value is somehow still malformed.
func MustTimeOfDay(s, def string) TimeOfDay {
	if t, ok := ParseTimeOfDay(s); ok {
		return t
	}
	t, _ := ParseTimeOfDay(def)
	return t
}

// MinuteOfDay extracts the TimeOfDay of a wall-clock instant.
func MinuteOfDay(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}
