package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v3"
)

const DefaultApiUrl = "http://127.0.0.1:8080"
const DefaultAddr = "127.0.0.1:8080"
const DefaultData = "dailyupdate.json"
const DefaultTable = "ReminderItem"

const (
	EnvApiUrl = "DAILYUPDATE_API_URL"
	EnvAppKey = "DAILYUPDATE_APP_KEY"
)

// Config is shared by the client commands and `serve`.
// Precedence is flags, then env, then the yaml file, then defaults.
type Config struct {
	ApiUrl string `yaml:"api_url"`
	AppKey string `yaml:"app_key"`
	Table  string `yaml:"table"`

	// attributed as created_by on inserts
	User string `yaml:"user"`

	// gates the editing commands when set
	Password string `yaml:"password"`

	Addr string `yaml:"addr"`
	Data string `yaml:"data"`
}

func defaultConfig() *Config {
	return &Config{
		ApiUrl: DefaultApiUrl,
		Table:  DefaultTable,
		Addr:   DefaultAddr,
		Data:   DefaultData,
	}
}

// a missing file is not an error, it just means defaults
func loadConfigFile(path string, config *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, config); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(config *Config) {
	if apiUrl := os.Getenv(EnvApiUrl); apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if appKey := os.Getenv(EnvAppKey); appKey != "" {
		config.AppKey = appKey
	}
}

func applyOpts(opts docopt.Opts, config *Config) {
	set := func(key string, value *string) {
		if valueAny := opts[key]; valueAny != nil {
			if s, ok := valueAny.(string); ok && s != "" {
				*value = s
			}
		}
	}
	set("--api_url", &config.ApiUrl)
	set("--app_key", &config.AppKey)
	set("--table", &config.Table)
	set("--user", &config.User)
	set("--addr", &config.Addr)
	set("--data", &config.Data)
}

func LoadConfig(opts docopt.Opts) (*Config, error) {
	config := defaultConfig()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		if err := loadConfigFile(configPath, config); err != nil {
			return nil, err
		}
	}
	applyEnv(config)
	applyOpts(opts, config)
	return config, nil
}
