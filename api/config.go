package api

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config конфигурация HTTP сервера
type Config struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	EnableCORS      bool          `json:"enable_cors" yaml:"enable_cors"`
	EnableMetrics   bool          `json:"enable_metrics" yaml:"enable_metrics"`
	EnableAuth      bool          `json:"enable_auth" yaml:"enable_auth"`
	AuthToken       string        `json:"auth_token" yaml:"auth_token"`
	LogRequests     bool          `json:"log_requests" yaml:"log_requests"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxRequestSize  int64         `json:"max_request_size" yaml:"max_request_size"`
	RateLimitRPS    float64       `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst  int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            8080,
		EnableCORS:      true,
		EnableMetrics:   true,
		EnableAuth:      false,
		LogRequests:     true,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxRequestSize:  32 << 20, // 32MB
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// LoadConfig читает YAML-конфигурацию поверх значений по умолчанию
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}
