package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Telegram TelegramConfig `toml:"telegram"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Auth     AuthConfig     `toml:"auth"`
	Session  SessionConfig  `toml:"session"`
	Store    StoreConfig    `toml:"store"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `toml:"addr" env:"INTERGRAM_ADDR"`
}

// TelegramConfig 描述机器人凭证与默认转发目标。
type TelegramConfig struct {
	BotToken    string        `toml:"bot_token" env:"INTERGRAM_TELEGRAM_BOT_TOKEN"`
	ChatID      string        `toml:"chat_id" env:"INTERGRAM_TELEGRAM_CHAT_ID"`
	APIEndpoint string        `toml:"api_endpoint" env:"INTERGRAM_TELEGRAM_API_ENDPOINT"`
	Timeout     time.Duration `toml:"timeout" env:"INTERGRAM_TELEGRAM_TIMEOUT"`
}

// WebhookConfig 描述 Telegram 回调地址。
type WebhookConfig struct {
	Domain      string        `toml:"domain" env:"INTERGRAM_WEBHOOK_DOMAIN"`
	Path        string        `toml:"path" env:"INTERGRAM_WEBHOOK_PATH"`
	SecretToken string        `toml:"secret_token" env:"INTERGRAM_WEBHOOK_SECRET_TOKEN"`
	Register    bool          `toml:"register" env:"INTERGRAM_WEBHOOK_REGISTER"`
	DedupeTTL   time.Duration `toml:"dedupe_ttl" env:"INTERGRAM_WEBHOOK_DEDUPE_TTL"`
	DedupeSize  int           `toml:"dedupe_size" env:"INTERGRAM_WEBHOOK_DEDUPE_SIZE"`
}

// URL 返回注册给 Telegram 的完整回调地址。
func (c WebhookConfig) URL() string {
	return strings.TrimSuffix(c.Domain, "/") + c.Path
}

// AuthConfig 描述管理接口的预共享密钥。
type AuthConfig struct {
	APIKey string `toml:"api_key" env:"INTERGRAM_API_KEY"`
}

// SessionConfig 描述网页会话连接的限制。
type SessionConfig struct {
	DefaultName     string   `toml:"default_name" env:"INTERGRAM_SESSION_DEFAULT_NAME"`
	AllowedOrigins  []string `toml:"allowed_origins" env:"INTERGRAM_SESSION_ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageBytes int64    `toml:"max_message_bytes" env:"INTERGRAM_SESSION_MAX_MESSAGE_BYTES"`
	RateLimit       float64  `toml:"rate_limit" env:"INTERGRAM_SESSION_RATE_LIMIT"`
	RateBurst       int      `toml:"rate_burst" env:"INTERGRAM_SESSION_RATE_BURST"`
}

// StoreConfig 描述持久化配置，Path 为空时不持久化。
type StoreConfig struct {
	Path string `toml:"path" env:"INTERGRAM_STORE_PATH"`
}

// LoggingConfig 描述日志级别与格式。
type LoggingConfig struct {
	Level  string `toml:"level" env:"INTERGRAM_LOG_LEVEL"`
	Format string `toml:"format" env:"INTERGRAM_LOG_FORMAT"`
}

// Default 返回带默认值的配置。
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Telegram: TelegramConfig{
			Timeout: 30 * time.Second,
		},
		Webhook: WebhookConfig{
			Path:       "/telegram/webhook",
			Register:   true,
			DedupeTTL:  10 * time.Minute,
			DedupeSize: 10000,
		},
		Session: SessionConfig{
			DefaultName:     "Unknown",
			MaxMessageBytes: 16 << 10,
			RateBurst:       5,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load 读取 TOML 配置文件并叠加环境变量。文件不存在时只使用环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// 兼容 PORT 环境变量
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Addr = port
	}
	addr, err := normalizeAddr(cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars 将 ${VAR} 替换为环境变量的值。
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// normalizeAddr 允许 "8080"、":8080" 或 "127.0.0.1:8080"。
func normalizeAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8080", nil
	}
	if strings.Contains(addr, " ") {
		return "", fmt.Errorf("invalid listen address: %q", addr)
	}
	if strings.Contains(addr, ":") {
		return addr, nil
	}
	return ":" + addr, nil
}

// Validate 检查必填项与取值范围。
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required")
	}
	if strings.TrimSpace(c.Telegram.ChatID) == "" {
		return errors.New("telegram.chat_id is required")
	}

	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with '/': %q", c.Webhook.Path)
	}
	if c.Webhook.Register || c.Webhook.Domain != "" {
		u, err := url.Parse(c.Webhook.Domain)
		if err != nil || u.Host == "" {
			return fmt.Errorf("webhook.domain must be an absolute URL: %q", c.Webhook.Domain)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("webhook.domain must use http or https scheme")
		}
	}
	if c.Webhook.DedupeTTL <= 0 {
		return errors.New("webhook.dedupe_ttl must be positive")
	}
	if c.Webhook.DedupeSize < 1 {
		return errors.New("webhook.dedupe_size must be positive")
	}

	if c.Session.RateLimit < 0 {
		return errors.New("session.rate_limit must not be negative")
	}
	if c.Session.RateLimit > 0 && c.Session.RateBurst < 1 {
		return errors.New("session.rate_burst must be positive when rate limiting")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}
