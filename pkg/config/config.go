package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Bot       BotConfig       `json:"bot"`
	History   HistoryConfig   `json:"history"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging"`
}

type BotConfig struct {
	Provider     string  `json:"provider" env:"POCKETBOT_BOT_PROVIDER"`
	Model        string  `json:"model" env:"POCKETBOT_BOT_MODEL"`
	VisionModel  string  `json:"vision_model" env:"POCKETBOT_BOT_VISION_MODEL"`
	MaxTokens    int     `json:"max_tokens" env:"POCKETBOT_BOT_MAX_TOKENS"`
	Temperature  float64 `json:"temperature" env:"POCKETBOT_BOT_TEMPERATURE"`
	MaxRetries   int     `json:"max_retries" env:"POCKETBOT_BOT_MAX_RETRIES"`
	SystemPrompt string  `json:"system_prompt" env:"POCKETBOT_BOT_SYSTEM_PROMPT"`
	HTTPTimeout  int     `json:"http_timeout" env:"POCKETBOT_BOT_HTTP_TIMEOUT"` // seconds
}

type HistoryConfig struct {
	Window        int    `json:"window" env:"POCKETBOT_HISTORY_WINDOW"`                 // turns sent to the model
	Keep          int    `json:"keep" env:"POCKETBOT_HISTORY_KEEP"`                     // turns retained in storage
	SweepSchedule string `json:"sweep_schedule" env:"POCKETBOT_HISTORY_SWEEP_SCHEDULE"` // cron expression, empty disables
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled       bool                `json:"enabled" env:"POCKETBOT_CHANNELS_TELEGRAM_ENABLED"`
	Token         string              `json:"token" env:"POCKETBOT_CHANNELS_TELEGRAM_TOKEN"`
	WebhookURL    string              `json:"webhook_url" env:"POCKETBOT_CHANNELS_TELEGRAM_WEBHOOK_URL"`
	WebhookSecret string              `json:"webhook_secret" env:"POCKETBOT_CHANNELS_TELEGRAM_WEBHOOK_SECRET"`
	MaxFileBytes  int64               `json:"max_file_bytes" env:"POCKETBOT_CHANNELS_TELEGRAM_MAX_FILE_BYTES"`
	AllowFrom     FlexibleStringSlice `json:"allow_from" env:"POCKETBOT_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"POCKETBOT_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"POCKETBOT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"POCKETBOT_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	Gemini    ProviderConfig `json:"gemini"`
	OpenAI    ProviderConfig `json:"openai"`
	Anthropic ProviderConfig `json:"anthropic"`
}

// ProviderConfig holds per-provider credentials. Env overrides are applied
// by name in applyProviderEnvOverrides rather than through struct tags.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
}

type StorageConfig struct {
	Path string `json:"path" env:"POCKETBOT_STORAGE_PATH"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"POCKETBOT_GATEWAY_HOST"`
	Port int    `json:"port" env:"POCKETBOT_GATEWAY_PORT"`
}

type LoggingConfig struct {
	Level       string `json:"level" env:"POCKETBOT_LOGGING_LEVEL"`
	FileEnabled bool   `json:"file_enabled" env:"POCKETBOT_LOGGING_FILE_ENABLED"`
	FilePath    string `json:"file_path" env:"POCKETBOT_LOGGING_FILE_PATH"`
	MaxSizeMB   int    `json:"max_size_mb" env:"POCKETBOT_LOGGING_MAX_SIZE_MB"`
}

const defaultSystemPrompt = "You are a helpful AI assistant reachable through a chat app. " +
	"Provide helpful, accurate, and concise responses. Be friendly and conversational. " +
	"Keep responses relatively short for chat format unless detailed information is requested."

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Provider:     "gemini",
			Model:        "gemini-2.5-flash",
			VisionModel:  "gemini-2.5-pro",
			MaxTokens:    2048,
			Temperature:  0.7,
			MaxRetries:   2,
			SystemPrompt: defaultSystemPrompt,
			HTTPTimeout:  60,
		},
		History: HistoryConfig{
			Window:        20,
			Keep:          200,
			SweepSchedule: "*/10 * * * *",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:      false,
				MaxFileBytes: 20 * 1024 * 1024,
				AllowFrom:    FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			Gemini:    ProviderConfig{},
			OpenAI:    ProviderConfig{},
			Anthropic: ProviderConfig{},
		},
		Storage: StorageConfig{
			Path: "~/.pocketbot/pocketbot.db",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Logging: LoggingConfig{
			Level:       "info",
			FileEnabled: false,
			FilePath:    "~/.pocketbot/pocketbot.log",
			MaxSizeMB:   50,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	applyProviderEnvOverrides(cfg)
	resolveProviderEnvRefs(cfg)

	return cfg, nil
}

// Validate checks that the enabled surface has the credentials it needs.
func (c *Config) Validate() error {
	var errs []string
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	switch c.Bot.Provider {
	case "gemini":
		if c.Providers.Gemini.APIKey == "" {
			errs = append(errs, "providers.gemini.api_key is required for provider gemini")
		}
	case "openai":
		if c.Providers.OpenAI.APIKey == "" {
			errs = append(errs, "providers.openai.api_key is required for provider openai")
		}
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			errs = append(errs, "providers.anthropic.api_key is required for provider anthropic")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown bot.provider %q", c.Bot.Provider))
	}
	if c.History.Window <= 0 {
		errs = append(errs, "history.window must be positive")
	}
	if c.History.Keep < c.History.Window {
		errs = append(errs, "history.keep must be >= history.window")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func applyProviderEnvOverrides(cfg *Config) {
	type providerEnvBinding struct {
		target *ProviderConfig
		apiKey string
	}
	bindings := []providerEnvBinding{
		{target: &cfg.Providers.Gemini, apiKey: "POCKETBOT_PROVIDERS_GEMINI_API_KEY"},
		{target: &cfg.Providers.OpenAI, apiKey: "POCKETBOT_PROVIDERS_OPENAI_API_KEY"},
		{target: &cfg.Providers.Anthropic, apiKey: "POCKETBOT_PROVIDERS_ANTHROPIC_API_KEY"},
	}

	for _, b := range bindings {
		if v := strings.TrimSpace(os.Getenv(b.apiKey)); v != "" {
			b.target.APIKey = v
		}
	}
}

func resolveProviderEnvRefs(cfg *Config) {
	providers := []*ProviderConfig{
		&cfg.Providers.Gemini,
		&cfg.Providers.OpenAI,
		&cfg.Providers.Anthropic,
	}
	for _, p := range providers {
		p.APIKey = resolveEnvRef(p.APIKey)
		p.APIBase = resolveEnvRef(p.APIBase)
	}
	cfg.Channels.Telegram.Token = resolveEnvRef(cfg.Channels.Telegram.Token)
	cfg.Channels.Discord.Token = resolveEnvRef(cfg.Channels.Discord.Token)
}

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
		key := strings.TrimSpace(s[1:])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
	}
	return v
}

// StoragePath returns the SQLite path with a leading ~ expanded.
func (c *Config) StoragePath() string {
	return expandHome(c.Storage.Path)
}

// LogFilePath returns the log file path with a leading ~ expanded.
func (c *Config) LogFilePath() string {
	return expandHome(c.Logging.FilePath)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[2:])
		}
		return home
	}
	return path
}
