package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/tronclient/internal/model"
)

type Config struct {
	Host           string              `yaml:"host"`
	Port           int                 `yaml:"port"`
	Transport      model.TransportKind `yaml:"transport"`
	Program        string              `yaml:"program"`
	Username       string              `yaml:"username"`
	DBPath         string              `yaml:"db_path"`
	LogLevel       string              `yaml:"log_level"`
	ConnectTimeout time.Duration       `yaml:"connect_timeout"`
	CommandTimeout time.Duration       `yaml:"command_timeout"`
	ReconnectDelay time.Duration       `yaml:"reconnect_delay"`
	TickMaxLines   int                 `yaml:"tick_max_lines"`
	JournalLimit   int                 `yaml:"journal_limit"`
}

func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           6093,
		Transport:      model.TransportTCP,
		Program:        "APO",
		Username:       defaultUsername(),
		DBPath:         defaultDBPath(),
		LogLevel:       "info",
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 60 * time.Second,
		ReconnectDelay: 2 * time.Second,
		TickMaxLines:   64,
		JournalLimit:   500,
	}
}

// Load overlays the YAML file at path onto DefaultConfig. A missing file is
// not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.DBPath = expandPath(cfg.DBPath)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	switch c.Transport {
	case model.TransportTCP, model.TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.TickMaxLines <= 0 {
		return fmt.Errorf("tick_max_lines must be positive")
	}
	return nil
}

func (c Config) Params() model.ConnectionParams {
	return model.ConnectionParams{
		Host:      c.Host,
		Port:      c.Port,
		Transport: c.Transport,
		Program:   c.Program,
		Username:  c.Username,
	}
}

// Path returns the default config file location.
func Path() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "tronclient", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tronclient.db"
	}
	return filepath.Join(home, ".local", "state", "tronclient", "prefs.db")
}

func defaultUsername() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "observer"
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
