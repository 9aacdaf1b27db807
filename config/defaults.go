package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values used when the settings file or a key is absent.
const (
	DefaultListenAddr    = "0.0.0.0"
	DefaultListenPort    = 9007
	DefaultRoot          = "./"
	DefaultPage          = "index.html"
	DefaultIdleTimeout   = 30 * time.Second
	DefaultAlarmInterval = 30 * time.Minute
	DefaultMaxEvents     = 1024
	DefaultUploadChunk   = 4 << 20
	DefaultLogLevel      = "info"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenAddr", DefaultListenAddr)
	v.SetDefault("ListenPort", DefaultListenPort)
	v.SetDefault("FileReceived", DefaultRoot)
	v.SetDefault("FileToSend", DefaultRoot)
	v.SetDefault("HttpPath", DefaultRoot)
	v.SetDefault("DefaultPage", DefaultPage)
	v.SetDefault("IdleTimeout", DefaultIdleTimeout)
	v.SetDefault("AlarmInterval", DefaultAlarmInterval)
	v.SetDefault("MaxEvents", DefaultMaxEvents)
	v.SetDefault("UploadChunk", DefaultUploadChunk)
	v.SetDefault("MaxUploadSize", 0)
	v.SetDefault("Workers", 0)
	v.SetDefault("LogLevel", DefaultLogLevel)
	v.SetDefault("LogDevelopment", false)
	v.SetDefault("MetricsAddr", "")
}

// GetDefaultConfig returns the configuration used without a settings file.
func GetDefaultConfig() *Config {
	cfg := &Config{ListenPort: DefaultListenPort}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values. Empty strings in the settings file fall
// back to the defaults as well.
func ApplyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.FileReceived == "" {
		cfg.FileReceived = DefaultRoot
	}
	if cfg.FileToSend == "" {
		cfg.FileToSend = DefaultRoot
	}
	if cfg.HttpPath == "" {
		cfg.HttpPath = DefaultRoot
	}
	if cfg.DefaultPage == "" {
		cfg.DefaultPage = DefaultPage
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.AlarmInterval == 0 {
		cfg.AlarmInterval = DefaultAlarmInterval
	}
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.UploadChunk == 0 {
		cfg.UploadChunk = DefaultUploadChunk
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	cfg.FileReceived = cleanDir(cfg.FileReceived)
	cfg.FileToSend = cleanDir(cfg.FileToSend)
	cfg.HttpPath = cleanDir(cfg.HttpPath)
}
