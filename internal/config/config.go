package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	OpenAI struct {
		APIKey          string `mapstructure:"api_key"`
		BaseURL         string `mapstructure:"base_url"`
		TextModel       string `mapstructure:"text_model"`
		MultimodalModel string `mapstructure:"multimodal_model"`
	} `mapstructure:"openai"`
	Ollama struct {
		Enabled         bool   `mapstructure:"enabled"`
		BaseURL         string `mapstructure:"base_url"`
		TextModel       string `mapstructure:"text_model"`
		MultimodalModel string `mapstructure:"multimodal_model"`
	} `mapstructure:"ollama"`
	RateLimit struct {
		PerTenantPerMinute int `mapstructure:"per_tenant_per_minute"`
	} `mapstructure:"rate_limit"`
}

// LoadConfig loads the configuration from a file and the environment.
// An optional .env file is applied before viper reads the environment.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
	} else {
		// a missing .env is not an error
		_ = godotenv.Load()
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// config.yaml is optional when everything comes from the environment
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.OpenAI.BaseURL = strings.TrimRight(config.OpenAI.BaseURL, "/")
	config.Ollama.BaseURL = strings.TrimRight(config.Ollama.BaseURL, "/")

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.text_model", "gpt-3.5-turbo")
	viper.SetDefault("openai.multimodal_model", "gpt-4o")
	viper.SetDefault("ollama.base_url", "http://localhost:11434")
	viper.SetDefault("ollama.text_model", "llama3.2:3b")
	viper.SetDefault("ollama.multimodal_model", "llava:latest")
	viper.SetDefault("rate_limit.per_tenant_per_minute", 60)
}
