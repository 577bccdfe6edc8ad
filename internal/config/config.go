// Package config loads server settings from the environment and client
// settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"collabtext/journalsync/internal/syncerr"
	"collabtext/journalsync/internal/transport"
)

type Server struct {
	Host        string
	Port        int
	DataDir     string
	WSPrefix    string
	DatabaseURL string
	RedisURL    string
	MDNS        bool
	LogLevel    string
}

func LoadServer() Server {
	return Server{
		Host:        getenv("JOURNALSYNC_HOST", "0.0.0.0"),
		Port:        getenvInt("JOURNALSYNC_PORT", 1234),
		DataDir:     getenv("JOURNALSYNC_DATA_DIR", "./data/rooms"),
		WSPrefix:    getenv("JOURNALSYNC_WS_PREFIX", "/sync/ws"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		RedisURL:    getenv("REDIS_URL", ""),
		MDNS:        getenvBool("JOURNALSYNC_MDNS", false),
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}
}

// Addr is the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Validate rejects settings the server cannot start with.
func (s Server) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return syncerr.Newf(syncerr.KindConfig, "server config", "port %d out of range", s.Port)
	}
	if strings.Trim(s.WSPrefix, "/") == "" {
		return syncerr.Newf(syncerr.KindConfig, "server config", "websocket prefix must not be empty")
	}
	if s.DatabaseURL == "" && s.DataDir == "" {
		return syncerr.Newf(syncerr.KindConfig, "server config", "either a data directory or DATABASE_URL is required")
	}
	return nil
}

// Client is the CLI's configuration file.
type Client struct {
	Endpoints []string `yaml:"endpoints"`
	Room      string   `yaml:"room"`
	CacheDir  string   `yaml:"cacheDir"`
	Namespace string   `yaml:"namespace"`
	LogLevel  string   `yaml:"logLevel"`
}

// DefaultClientPath is where the CLI looks for its configuration.
func DefaultClientPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "journalsync.yaml"
	}
	return filepath.Join(dir, "journalsync", "config.yaml")
}

// DefaultCacheDir is where the CLI keeps its local cache.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", ".journalsync")
	}
	return filepath.Join(dir, "journalsync")
}

// LoadClient reads path. A missing file yields the defaults. Every endpoint must
// be a ws:// or wss:// URL.
func LoadClient(path string) (Client, error) {
	var c Client
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Client{}, syncerr.New(syncerr.KindConfig, "read client config", err)
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Client{}, syncerr.New(syncerr.KindConfig, "parse client config", fmt.Errorf("%s: %w", path, err))
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Client{}, err
	}
	return c, nil
}

func (c *Client) applyDefaults() {
	if len(c.Endpoints) == 0 {
		if env := os.Getenv("JOURNALSYNC_ENDPOINTS"); env != "" {
			for _, e := range strings.Split(env, ",") {
				if e = strings.TrimSpace(e); e != "" {
					c.Endpoints = append(c.Endpoints, e)
				}
			}
		}
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir()
	}
	if c.Namespace == "" {
		c.Namespace = "journal"
	}
	if c.LogLevel == "" {
		c.LogLevel = getenv("LOG_LEVEL", "warn")
	}
}

// Validate checks every endpoint.
func (c Client) Validate() error {
	for _, e := range c.Endpoints {
		if err := transport.ValidateEndpoint(e); err != nil {
			return err
		}
	}
	return nil
}

// Save writes c to path, creating the directory.
func (c Client) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return syncerr.New(syncerr.KindConfig, "save client config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return syncerr.New(syncerr.KindConfig, "save client config", err)
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
