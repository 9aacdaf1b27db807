package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when no explicit path is given.
const DefaultConfigFile = "./sft.json"

// Config holds the server settings. Keys match the sft.json settings file;
// every key can be overridden with an SFT_ prefixed environment variable,
// e.g. SFT_LISTENPORT=9100.
type Config struct {
	// ListenAddr is the IPv4 or IPv6 address to bind.
	ListenAddr string `mapstructure:"ListenAddr" validate:"required,ip" yaml:"ListenAddr"`

	// ListenPort is the TCP port shared by all protocols. 0 picks an ephemeral port.
	ListenPort int `mapstructure:"ListenPort" validate:"min=0,max=65535" yaml:"ListenPort"`

	// FileReceived is the directory uploads are written to.
	FileReceived string `mapstructure:"FileReceived" validate:"required" yaml:"FileReceived"`

	// FileToSend is the directory downloads are served from.
	FileToSend string `mapstructure:"FileToSend" validate:"required" yaml:"FileToSend"`

	// HttpPath is the HTTP document root.
	HttpPath string `mapstructure:"HttpPath" validate:"required" yaml:"HttpPath"`

	// DefaultPage is served for "/" requests.
	DefaultPage string `mapstructure:"DefaultPage" validate:"required,excludesall=/" yaml:"DefaultPage"`

	// IdleTimeout closes connections without activity for at least this long.
	IdleTimeout time.Duration `mapstructure:"IdleTimeout" validate:"gt=0" yaml:"IdleTimeout"`

	// AlarmInterval is the period of the idle sweep alarm.
	AlarmInterval time.Duration `mapstructure:"AlarmInterval" validate:"gt=0" yaml:"AlarmInterval"`

	// MaxEvents bounds the batch returned by one epoll wait.
	MaxEvents int `mapstructure:"MaxEvents" validate:"min=1,max=65536" yaml:"MaxEvents"`

	// UploadChunk is the in-memory window an upload is buffered in before it
	// is flushed to disk.
	UploadChunk int `mapstructure:"UploadChunk" validate:"min=512" yaml:"UploadChunk"`

	// MaxUploadSize rejects uploads declaring more bytes. 0 disables the limit.
	MaxUploadSize int64 `mapstructure:"MaxUploadSize" validate:"min=0" yaml:"MaxUploadSize"`

	// Workers offloads message handling to a pool of this size. 0 handles
	// messages on the event loop.
	Workers int `mapstructure:"Workers" validate:"min=0,max=256" yaml:"Workers"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LogLevel" validate:"oneof=debug info warn error" yaml:"LogLevel"`

	// LogDevelopment switches to console logging.
	LogDevelopment bool `mapstructure:"LogDevelopment" yaml:"LogDevelopment"`

	// MetricsAddr exposes Prometheus metrics on host:port when set.
	MetricsAddr string `mapstructure:"MetricsAddr" validate:"omitempty,hostname_port" yaml:"MetricsAddr"`
}

// Load reads configuration from file, environment and defaults.
//
// A missing settings file is not an error: defaults (and environment
// overrides) are used instead.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigFile
	}

	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// EnsureDirs creates the upload, download and document roots.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.FileReceived, c.FileToSend, c.HttpPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ListenAddress returns host:port for the listener.
func (c *Config) ListenAddress() string {
	if strings.Contains(c.ListenAddr, ":") {
		return fmt.Sprintf("[%s]:%d", c.ListenAddr, c.ListenPort)
	}
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	setDefaults(v)
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		trimPathHook(),
	)
}

// trimPathHook strips surrounding blanks from hand edited string settings.
func trimPathHook() mapstructure.DecodeHookFuncKind {
	return func(from, to reflect.Kind, data interface{}) (interface{}, error) {
		if from != reflect.String || to != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(data.(string)), nil
	}
}

func cleanDir(dir string) string {
	if dir == "" {
		return dir
	}
	return filepath.Clean(dir)
}
