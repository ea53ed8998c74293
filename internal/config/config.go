package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Storage drivers understood by history.Open.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Storage  StorageConfig
	Models   ModelsConfig
	Log      LogConfig
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port"`
	StaticDir string `mapstructure:"static_dir"`
}

// UpstreamConfig points at the LM Studio server
type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig selects where conversations are persisted
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ModelsConfig locates local model artifacts
type ModelsConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig holds logging options
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"host":           "server.host",
	"port":           "server.port",
	"static-dir":     "server.static_dir",
	"upstream":       "upstream.base_url",
	"storage-driver": "storage.driver",
	"data-dir":       "storage.dir",
	"models-dir":     "models.dir",
	"log-level":      "log.level",
}

// Load reads configuration from defaults, an optional YAML file, the environment
// and, when flags is non-nil, command line flags (highest precedence).
//
// The file is taken from the "config" flag, then CONFIG_PATH, then ./config.yaml.
// A missing ./config.yaml is not an error.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "LMCHAT_SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	path := os.Getenv("CONFIG_PATH")
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.Upstream.BaseURL = strings.TrimRight(config.Upstream.BaseURL, "/")

	return &config, nil
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	lmstudio := filepath.Join(home, ".lmstudio")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("upstream.base_url", "http://localhost:1234")
	v.SetDefault("upstream.api_key", "lm-studio")
	v.SetDefault("storage.driver", StorageFile)
	v.SetDefault("storage.dir", filepath.Join(lmstudio, "conversations"))
	v.SetDefault("storage.sqlite_path", filepath.Join(lmstudio, "conversations.db"))
	v.SetDefault("models.dir", filepath.Join(lmstudio, "models"))
	v.SetDefault("log.level", "info")
}
