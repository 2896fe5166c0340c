package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Servers  []ServerConfig `mapstructure:"servers" yaml:"servers"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`

	Port string `mapstructure:"port" yaml:"port"`
}

// ServerConfig is one account. ID is the numeric account id cmdlists are
// routed by.
type ServerConfig struct {
	ID            int    `mapstructure:"id" yaml:"id"`
	Name          string `mapstructure:"name" yaml:"name"`
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	SecurePort    int    `mapstructure:"secure_port" yaml:"secure_port"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	TLS           bool   `mapstructure:"tls" yaml:"tls"`
	MaxConnection int    `mapstructure:"max_connections" yaml:"max_connections"`
	Pipelining    bool   `mapstructure:"pipelining" yaml:"pipelining"`
	Compression   bool   `mapstructure:"compression" yaml:"compression"`
	AuthOnConnect bool   `mapstructure:"auth_on_connect" yaml:"auth_on_connect"`
}

type DownloadConfig struct {
	OutDir             string `mapstructure:"out_dir" yaml:"out_dir"`
	OverwriteExisting  bool   `mapstructure:"overwrite_existing_files" yaml:"overwrite_existing_files"`
	DiscardTextContent bool   `mapstructure:"discard_text_content" yaml:"discard_text_content"`
	EnableFillAccount  bool   `mapstructure:"enable_fill_account" yaml:"enable_fill_account"`
	FillAccount        int    `mapstructure:"fill_account" yaml:"fill_account"`
	PreferSecure       bool   `mapstructure:"prefer_secure" yaml:"prefer_secure"`
	EnableThrottle     bool   `mapstructure:"enable_throttle" yaml:"enable_throttle"`
	Throttle           int    `mapstructure:"throttle" yaml:"throttle"`
	DecodeWorkers      int    `mapstructure:"decode_workers" yaml:"decode_workers"`
	UseMmap            bool   `mapstructure:"use_mmap" yaml:"use_mmap"`
	MmapChunkSize      int64  `mapstructure:"mmap_chunk_size" yaml:"mmap_chunk_size"`
	MmapMaxChunks      int    `mapstructure:"mmap_max_chunks" yaml:"mmap_max_chunks"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// Server returns the account with the given id.
func (c *Config) Server(id int) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// LoadEnv reads a .env file into the environment if there is one.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

func Load(path string) (*Config, error) {

	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Docker images mount the config under /config
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				return nil, fmt.Errorf("configuration file 'config.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp config.yaml.example config.yaml\n" +
					"Then edit it with your Usenet credentials.")
			} else {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("NEWSFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.enable_fill_account", false)
	v.SetDefault("download.throttle", 0)
	v.SetDefault("download.decode_workers", 4)
	v.SetDefault("download.mmap_chunk_size", 16<<20)
	v.SetDefault("download.mmap_max_chunks", 8)
	v.SetDefault("log.path", "newsflow.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "newsflow.db")
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	seen := make(map[int]bool)
	for i, s := range c.Servers {
		if s.ID <= 0 {
			return fmt.Errorf("server[%d] requires a positive numeric ID", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("server[%d]: duplicate ID %d", i, s.ID)
		}
		seen[s.ID] = true

		if s.Host == "" {
			return fmt.Errorf("server %d: host is required", s.ID)
		}

		if s.Port == 0 {
			if s.TLS {
				c.Servers[i].Port = 563
			} else {
				c.Servers[i].Port = 119
			}
		}

		if s.MaxConnection <= 0 {
			c.Servers[i].MaxConnection = 10
		}

		if s.Name == "" {
			c.Servers[i].Name = s.Host
		}
	}

	if c.Download.EnableFillAccount {
		if _, ok := c.Server(c.Download.FillAccount); !ok {
			return fmt.Errorf("fill account %d is not a configured server", c.Download.FillAccount)
		}
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}
	if c.Download.DecodeWorkers <= 0 {
		c.Download.DecodeWorkers = 4
	}
	if c.Download.EnableThrottle && c.Download.Throttle <= 0 {
		return errors.New("download.throttle must be positive when throttling is enabled")
	}

	return nil
}
