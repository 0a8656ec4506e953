// Package config loads the engine configuration from the weavr home
// directory, overlaying environment variables for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort     = 8080
	DefaultHomeName = ".weavr"
	configFileName  = "config.yaml"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AI        AIConfig        `yaml:"ai"`
	WebSearch WebSearchConfig `yaml:"webSearch"`
	Email     EmailConfig     `yaml:"email"`
	Messaging MessagingConfig `yaml:"messaging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Timezone is the default IANA zone for cron schedules without an
	// explicit one.
	Timezone string `yaml:"timezone"`

	WorkflowsDir string `yaml:"workflowsDir"`
	DataDir      string `yaml:"dataDir"`
}

type ServerConfig struct {
	Port                int    `yaml:"port"`
	GitHubWebhookSecret string `yaml:"githubWebhookSecret"`
}

type AIConfig struct {
	OpenAIAPIKey    string `yaml:"openaiApiKey"`
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
	DefaultModel    string `yaml:"defaultModel"`
}

type WebSearchConfig struct {
	BraveAPIKey  string `yaml:"braveApiKey"`
	TavilyAPIKey string `yaml:"tavilyApiKey"`
}

type EmailConfig struct {
	From         string     `yaml:"from"`
	ResendAPIKey string     `yaml:"resendApiKey"`
	SMTP         SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Secure     bool   `yaml:"secure"`
	AuthMethod string `yaml:"authMethod"`
}

type MessagingConfig struct {
	RedisAddr    string `yaml:"redisAddr"`
	KafkaBrokers string `yaml:"kafkaBrokers"`
}

// SchedulerConfig tunes the run queue. Zero values fall back to engine
// defaults.
type SchedulerConfig struct {
	MaxConcurrency      int `yaml:"maxConcurrency"`
	PollIntervalSeconds int `yaml:"pollIntervalSeconds"`
	MaxAttempts         int `yaml:"maxAttempts"`
	RetryDelaySeconds   int `yaml:"retryDelaySeconds"`
	CatchUpWindowHours  int `yaml:"catchUpWindowHours"`
	MaxCatchUpRuns      int `yaml:"maxCatchUpRuns"`
}

// DefaultHome returns the weavr home directory, honouring WEAVR_HOME.
func DefaultHome() string {
	if home := os.Getenv("WEAVR_HOME"); home != "" {
		return home
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		return DefaultHomeName
	}

	return filepath.Join(userHome, DefaultHomeName)
}

// Load reads the config file under the given home directory. A missing
// file is not an error: defaults plus environment variables apply.
func Load(home string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(filepath.Join(home, configFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(home)

	return cfg, nil
}

// applyEnv overlays environment variables. File values win: the file is
// an explicit choice, the environment a fallback.
func (c *Config) applyEnv() {
	fallback(&c.AI.OpenAIAPIKey, "OPENAI_API_KEY")
	fallback(&c.AI.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	fallback(&c.WebSearch.BraveAPIKey, "BRAVE_API_KEY")
	fallback(&c.WebSearch.TavilyAPIKey, "TAVILY_API_KEY")
	fallback(&c.Server.GitHubWebhookSecret, "GITHUB_WEBHOOK_SECRET")
	fallback(&c.Email.From, "EMAIL_FROM")
	fallback(&c.Email.ResendAPIKey, "RESEND_API_KEY")
	fallback(&c.Email.SMTP.Host, "SMTP_HOST")
	fallback(&c.Email.SMTP.User, "SMTP_USER")
	fallback(&c.Email.SMTP.Password, "SMTP_PASS")
	fallback(&c.Messaging.RedisAddr, "REDIS_ADDR")
	fallback(&c.Messaging.KafkaBrokers, "KAFKA_BROKERS")
	fallback(&c.Timezone, "WEAVR_TIMEZONE")

	if c.Email.SMTP.Port == 0 {
		if port, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil {
			c.Email.SMTP.Port = port
		}
	}

	if port, err := strconv.Atoi(os.Getenv("WEAVR_PORT")); err == nil && c.Server.Port == 0 {
		c.Server.Port = port
	}
}

func (c *Config) applyDefaults(home string) {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}

	if c.DataDir == "" {
		c.DataDir = home
	}

	if c.WorkflowsDir == "" {
		c.WorkflowsDir = filepath.Join(home, "workflows")
	}
}

func fallback(target *string, envKey string) {
	if *target == "" {
		*target = os.Getenv(envKey)
	}
}
