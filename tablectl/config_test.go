package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/go-playground/assert/v2"
)

func TestLoadConfigPrecedence(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tablectl.yml")
	err := os.WriteFile(configPath, []byte(`
api_url: https://file.example.com
app_key: file-key
table: FileReminders
user: brad
password: secret
`), 0o644)
	assert.Equal(t, nil, err)

	t.Setenv(EnvApiUrl, "https://env.example.com")
	t.Setenv(EnvAppKey, "")

	config, err := LoadConfig(docopt.Opts{
		"--config": configPath,
		"--table":  "FlagReminders",
		"--addr":   nil,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "https://env.example.com", config.ApiUrl)
	assert.Equal(t, "file-key", config.AppKey)
	assert.Equal(t, "FlagReminders", config.Table)
	assert.Equal(t, "brad", config.User)
	assert.Equal(t, "secret", config.Password)
	assert.Equal(t, DefaultAddr, config.Addr)
	assert.Equal(t, DefaultData, config.Data)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(EnvApiUrl, "")
	t.Setenv(EnvAppKey, "env-key")

	config, err := LoadConfig(docopt.Opts{
		"--config": filepath.Join(t.TempDir(), "missing.yml"),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, DefaultApiUrl, config.ApiUrl)
	assert.Equal(t, "env-key", config.AppKey)
	assert.Equal(t, DefaultTable, config.Table)
	assert.Equal(t, "", config.Password)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yml")
	os.WriteFile(configPath, []byte("api_url: [unterminated"), 0o644)

	_, err := LoadConfig(docopt.Opts{"--config": configPath})
	assert.NotEqual(t, nil, err)
}

func TestPasswordGate(t *testing.T) {
	// no password configured
	assert.Equal(t, nil, NewPasswordGate("").Check())

	gate := NewPasswordGate("secret")
	gate.readPassword = func() (string, error) {
		return "secret", nil
	}
	assert.Equal(t, nil, gate.Check())

	gate.readPassword = func() (string, error) {
		return "guess", nil
	}
	assert.Equal(t, ErrGateDenied, gate.Check())
}
