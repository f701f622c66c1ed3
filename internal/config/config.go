package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Display DisplayConfig `mapstructure:"display"`
}

// APIConfig holds the backend endpoints and the retry policy shared by the
// transport client and the stream reader.
type APIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	RefreshPath string        `mapstructure:"refresh_path"`
	AgentsPath  string        `mapstructure:"agents_path"`
	CachePath   string        `mapstructure:"cache_path"`
	UsagePath   string        `mapstructure:"usage_path"`
	ChatsPath   string        `mapstructure:"chats_path"`
}

// StorageConfig holds the local persisted state location
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig holds the default pipeline parameters sent with every query
type AgentConfig struct {
	Model          string `mapstructure:"model"`
	TopK           int    `mapstructure:"top_k"`
	IncludeReasons bool   `mapstructure:"include_reasons"`
	IncludeProcess bool   `mapstructure:"include_process"`
}

// DisplayConfig holds rendering preferences
type DisplayConfig struct {
	ShowReasons bool `mapstructure:"show_reasons"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.max_attempts", 10)
	v.SetDefault("api.backoff_base", 300*time.Millisecond)
	v.SetDefault("api.refresh_path", "/api/token/refresh/")
	v.SetDefault("api.agents_path", "/api/agents/")
	v.SetDefault("api.cache_path", "/api/agents/cache/")
	v.SetDefault("api.usage_path", "/api/core/usage/")
	v.SetDefault("api.chats_path", "/api/core/chats/")
	v.SetDefault("storage.path", "sqlchat.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("agent.model", openai.GPT4oMini)
	v.SetDefault("agent.top_k", 5)
	v.SetDefault("agent.include_reasons", true)
	v.SetDefault("agent.include_process", true)
	v.SetDefault("display.show_reasons", true)
}

// Load reads config.yaml from the working directory, or the file named by
// CONFIG_PATH, and applies SQLCHAT_* environment overrides. A missing
// config.yaml is not an error; defaults apply.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SQLCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.API.MaxAttempts < 1 {
		config.API.MaxAttempts = 1
	}

	return &config, nil
}
