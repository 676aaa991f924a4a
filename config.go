package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "PRINTLINK"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	DataDir     string            `mapstructure:"data_dir"`
	Files       FilesConfig       `mapstructure:"files"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Session     SessionConfig     `mapstructure:"session"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Materials   MaterialsConfig   `mapstructure:"materials"`
	OctoPrint   OctoPrintConfig   `mapstructure:"octoprint"`
	UI          UIConfig          `mapstructure:"ui"`
	Preferences map[string]string `mapstructure:"preferences"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type FilesConfig struct {
	// GCodeDir holds the jobs that can be sent by name.
	GCodeDir string `mapstructure:"gcode_dir"`
}

type DiscoveryConfig struct {
	ServiceTypes      []string      `mapstructure:"service_types"`
	ManualPeers       []string      `mapstructure:"manual_peers"`
	Refresh           time.Duration `mapstructure:"refresh"`
	Broadcast         bool          `mapstructure:"broadcast"`
	BroadcastPort     int           `mapstructure:"broadcast_port"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

type SessionConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	RecreateAfter   time.Duration `mapstructure:"recreate_after"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PreheatDuration time.Duration `mapstructure:"preheat_duration"`
}

type UploadConfig struct {
	GzipThreshold    int           `mapstructure:"gzip_threshold"`
	AutoPrint        bool          `mapstructure:"auto_print"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

type AuthConfig struct {
	Application   string        `mapstructure:"application"`
	Deadline      time.Duration `mapstructure:"deadline"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type MaterialsConfig struct {
	// Catalog is a YAML file or a directory of material profiles.
	Catalog string `mapstructure:"catalog"`
}

type OctoPrintConfig struct {
	APIKeys []APIKey `mapstructure:"api_keys"`
}

// APIKey binds an OctoPrint key to a device id or address. It is a list
// entry because viper splits map keys on dots.
type APIKey struct {
	Device string `mapstructure:"device"`
	Key    string `mapstructure:"key"`
}

// KeyMap returns the keys indexed by device id or address.
func (o OctoPrintConfig) KeyMap() map[string]string {
	m := make(map[string]string, len(o.APIKeys))
	for _, k := range o.APIKeys {
		if k.Device != "" && k.Key != "" {
			m[k.Device] = k.Key
		}
	}
	return m
}

type UIConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	AutoConfirm    bool          `mapstructure:"auto_confirm"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7130)
	v.SetDefault("log.level", "info")
	v.SetDefault("data_dir", "data")
	v.SetDefault("files.gcode_dir", "gcodes")

	v.SetDefault("discovery.service_types", []string{"_ultimaker._tcp", "_octoprint._tcp"})
	v.SetDefault("discovery.manual_peers", []string{})
	v.SetDefault("discovery.refresh", time.Minute)
	v.SetDefault("discovery.broadcast", false)
	v.SetDefault("discovery.broadcast_port", 20054)
	v.SetDefault("discovery.broadcast_interval", 30*time.Second)

	v.SetDefault("session.poll_interval", 2*time.Second)
	v.SetDefault("session.response_timeout", 5*time.Second)
	v.SetDefault("session.recreate_after", 30*time.Second)
	v.SetDefault("session.request_timeout", 5*time.Second)
	v.SetDefault("session.preheat_duration", 15*time.Minute)

	v.SetDefault("upload.gzip_threshold", 1<<20)
	v.SetDefault("upload.auto_print", true)
	v.SetDefault("upload.progress_interval", 500*time.Millisecond)

	v.SetDefault("auth.application", "printlink")
	v.SetDefault("auth.deadline", 5*time.Minute)
	v.SetDefault("auth.check_interval", time.Second)

	v.SetDefault("materials.catalog", "")
	v.SetDefault("octoprint.api_keys", []APIKey{})
	v.SetDefault("ui.confirm_timeout", 2*time.Minute)
	v.SetDefault("ui.auto_confirm", false)
	v.SetDefault("preferences", map[string]string{})
}

// LoadConfig reads path over the defaults. A missing file is only an error
// when required is set. Every key can also come from PRINTLINK_<SECTION>_<KEY>.
func LoadConfig(path string, required bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if required || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.DataDir = absolute(cfg.DataDir)
	cfg.Files.GCodeDir = absolute(cfg.Files.GCodeDir)
	if cfg.Materials.Catalog != "" {
		cfg.Materials.Catalog = absolute(cfg.Materials.Catalog)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive")
	}
	if c.Upload.GzipThreshold < 0 {
		return fmt.Errorf("upload.gzip_threshold must not be negative")
	}
	if c.Auth.Application == "" {
		return fmt.Errorf("auth.application must be set")
	}
	return nil
}

// absolute resolves p against the working directory.
func absolute(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	dir, _ := os.Getwd()
	return filepath.Join(dir, p)
}
