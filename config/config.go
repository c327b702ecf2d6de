package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Minio    MinioConfig    `yaml:"minio"`
	Database DatabaseConfig `yaml:"database"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// BaseURL is the externally reachable URL of this service, used
	// to build deep links embedded in notifications.
	BaseURL string `yaml:"base_url"`
	// StaticDir holds the form pages served at the deep-link targets.
	StaticDir string `yaml:"static_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type NotifyConfig struct {
	// WebhookURL receives one JSON message per workflow hand-off.
	// Empty disables dispatch.
	WebhookURL       string `yaml:"webhook_url"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	QueueSize        int    `yaml:"queue_size"`
	TokenSecret      string `yaml:"token_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8080"
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "./web"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "contracts.db"
	}
	if cfg.Minio.ExpireDays == 0 {
		cfg.Minio.ExpireDays = 7
	}
	if cfg.Notify.TimeoutSeconds == 0 {
		cfg.Notify.TimeoutSeconds = 10
	}
	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 64
	}
	if cfg.Notify.TokenExpireHours == 0 {
		cfg.Notify.TokenExpireHours = 72
	}

	return &cfg, nil
}
