// Package config provides shared configuration utilities for CAASS components
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrMissingBrokerSetting is returned when a required broker setting has no value.
var ErrMissingBrokerSetting = errors.New("missing required broker setting")

// FindConfigFile searches for a config file in multiple platform-appropriate locations
// Returns the path and data if found, or an error if not found in any location
func FindConfigFile(filename string, component string) (string, []byte, error) {
	searchPaths := GetConfigSearchPaths(filename, component)

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for config files
// component is the service directory name, e.g. "provision-worker"
func GetConfigSearchPaths(filename string, component string) []string {
	var searchPaths []string

	// 1. Component-specific system directory (highest priority for services)
	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "CAASS", component, filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "CAASS", component, filename))
	default: // Linux and other Unix-like
		searchPaths = append(searchPaths, filepath.Join("/etc/caass", component, filename))
	}

	// 2. User-specific config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "CAASS", component, filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "CAASS", component, filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "caass", component, filename))
		}
	}

	// 3. Executable directory
	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	// 4. Current working directory (lowest priority)
	searchPaths = append(searchPaths, filepath.Join(".", filename))

	return searchPaths
}

// GetLogDirectory returns the appropriate directory for storing logs
func GetLogDirectory(component string, isService bool) (string, error) {
	var logDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "CAASS", component, "logs")
		default:
			logDir = filepath.Join("/var/log/caass", component)
		}
	} else {
		// Interactive mode - use current directory
		logDir = "logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// WriteDefaultTOML writes a default TOML configuration file with the provided structure.
// An existing file is never overwritten.
func WriteDefaultTOML(configPath string, config interface{}) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(configPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("config file %s already exists", configPath)
		}
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadTOML loads a TOML configuration file into the provided structure
func LoadTOML(configPath string, config interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Common configuration structs shared by the worker and the registration service

// BrokerConfig holds RabbitMQ connection settings. Host, Username and Password
// have no defaults and must be supplied externally.
type BrokerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	VHost    string `toml:"vhost"`
}

// DefaultBrokerPort is the AMQP 0-9-1 port.
const DefaultBrokerPort = 5672

// Validate reports the first missing required broker setting.
func (c *BrokerConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: rabbitmq section", ErrMissingBrokerSetting)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: rabbitmq.host", ErrMissingBrokerSetting)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: rabbitmq.username", ErrMissingBrokerSetting)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: rabbitmq.password", ErrMissingBrokerSetting)
	}
	return nil
}

// URL builds the amqp:// URL for the broker. Credentials are escaped.
func (c *BrokerConfig) URL() string {
	port := c.Port
	if port <= 0 {
		port = DefaultBrokerPort
	}
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		// The default vhost "/" must be sent as %2F.
		RawPath: "/" + url.PathEscape(vhost),
		Path:    "/" + vhost,
	}
	return u.String()
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	Dir     string `toml:"dir"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`

	// Rotation applies to the file in Dir. A zero MaxAgeDays or MaxFiles
	// keeps rotated files forever.
	Rotate     bool `toml:"rotate"`
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxAgeDays int  `toml:"max_age_days"`
	MaxFiles   int  `toml:"max_files"`
}

// DefaultLoggingConfig returns console plus rotated file output at info level.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Console:    true,
		Rotate:     true,
		MaxSizeMB:  50,
		MaxAgeDays: 7,
		MaxFiles:   10,
	}
}

// Validate rejects negative rotation limits.
func (c *LoggingConfig) Validate() error {
	switch {
	case c.MaxSizeMB < 0:
		return fmt.Errorf("logging.max_size_mb must not be negative, got %d", c.MaxSizeMB)
	case c.MaxAgeDays < 0:
		return fmt.Errorf("logging.max_age_days must not be negative, got %d", c.MaxAgeDays)
	case c.MaxFiles < 0:
		return fmt.Errorf("logging.max_files must not be negative, got %d", c.MaxFiles)
	}
	return nil
}

// envValue returns the component-prefixed variable if set, otherwise the generic one.
func envValue(prefix, key string) (string, bool) {
	if prefix != "" {
		if val := os.Getenv(prefix + "_" + key); val != "" {
			return val, true
		}
	}
	if val := os.Getenv(key); val != "" {
		return val, true
	}
	return "", false
}

// ApplyBrokerEnvOverrides applies RABBITMQ_* environment variables. A
// component prefix (e.g. "WORKER") takes precedence over the generic name.
func ApplyBrokerEnvOverrides(cfg *BrokerConfig, prefix string) {
	if val, ok := envValue(prefix, "RABBITMQ_HOST"); ok {
		cfg.Host = val
	}
	if val, ok := envValue(prefix, "RABBITMQ_PORT"); ok {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val, ok := envValue(prefix, "RABBITMQ_USERNAME"); ok {
		cfg.Username = val
	}
	if val, ok := envValue(prefix, "RABBITMQ_PASSWORD"); ok {
		cfg.Password = val
	}
	if val, ok := envValue(prefix, "RABBITMQ_VHOST"); ok {
		cfg.VHost = val
	}
}

// ApplyLoggingEnvOverrides applies the LOG_* environment variables.
// Unparseable numbers and booleans are ignored.
func ApplyLoggingEnvOverrides(cfg *LoggingConfig, prefix string) {
	if val, ok := envValue(prefix, "LOG_LEVEL"); ok {
		cfg.Level = strings.ToLower(val)
	}
	if val, ok := envValue(prefix, "LOG_DIR"); ok {
		cfg.Dir = val
	}
	if val, ok := envValue(prefix, "LOG_FILE"); ok {
		cfg.File = val
	}
	applyBoolEnv(prefix, "LOG_CONSOLE", &cfg.Console)
	applyBoolEnv(prefix, "LOG_ROTATE", &cfg.Rotate)
	applyIntEnv(prefix, "LOG_MAX_SIZE_MB", &cfg.MaxSizeMB)
	applyIntEnv(prefix, "LOG_MAX_AGE_DAYS", &cfg.MaxAgeDays)
	applyIntEnv(prefix, "LOG_MAX_FILES", &cfg.MaxFiles)
}

func applyBoolEnv(prefix, key string, dst *bool) {
	if val, ok := envValue(prefix, key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func applyIntEnv(prefix, key string, dst *int) {
	if val, ok := envValue(prefix, key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}
