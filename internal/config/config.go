package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddress           = "127.0.0.1:3000"
	defaultMaxUpload         = 10 * 1024 * 1024
	defaultCommandRate       = 20
	defaultCommandBurst      = 40
	defaultRequestTimeout    = 10 * time.Second
	defaultHandshakeTimeout  = 5 * time.Second
	defaultTypingIdle        = time.Second
	defaultTypingTTL         = 10 * time.Second
	defaultReconnectInterval = 2 * time.Second
)

// Load reads .env (if present), the YAML file at path (if non-empty), applies
// SUPPORT_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Address, "SUPPORT_ADDR")
	set(&c.Console.BaseURL, "SUPPORT_BASE_URL")
	set(&c.Console.SocketURL, "SUPPORT_SOCKET_URL")
	set(&c.Console.Token, "SUPPORT_TOKEN")
	set(&c.Console.OperatorID, "SUPPORT_OPERATOR_ID")
	set(&c.Log.Level, "SUPPORT_LOG_LEVEL")
	set(&c.Log.Format, "SUPPORT_LOG_FORMAT")
}

// Validate fills defaults in place and rejects inconsistent values.
func (c *Config) Validate() error {
	s := &c.Server
	if s.Address == "" {
		s.Address = defaultAddress
	}
	if s.MaxUpload <= 0 {
		s.MaxUpload = defaultMaxUpload
	}
	if s.CommandRate <= 0 {
		s.CommandRate = defaultCommandRate
	}
	if s.CommandBurst <= 0 {
		s.CommandBurst = defaultCommandBurst
	}
	tokens := map[string]string{}
	for _, op := range s.Operators {
		if op.ID == "" || op.Token == "" {
			return errors.New("server.operators: id and token are required")
		}
		if prev, ok := tokens[op.Token]; ok {
			return fmt.Errorf("server.operators: %s and %s share a token", prev, op.ID)
		}
		tokens[op.Token] = op.ID
	}

	cc := &c.Console
	if cc.BaseURL == "" {
		cc.BaseURL = "http://" + s.Address
	}
	base, err := url.Parse(cc.BaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("console.base_url: invalid %q", cc.BaseURL)
	}
	if cc.SocketURL == "" {
		cc.SocketURL = SocketURLFor(base)
	}
	if cc.RequestTimeout <= 0 {
		cc.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if cc.HandshakeTimeout <= 0 {
		cc.HandshakeTimeout = Duration(defaultHandshakeTimeout)
	}
	if cc.TypingIdle <= 0 {
		cc.TypingIdle = Duration(defaultTypingIdle)
	}
	if cc.TypingTTL <= 0 {
		cc.TypingTTL = Duration(defaultTypingTTL)
	}
	if cc.ReconnectInterval <= 0 {
		cc.ReconnectInterval = Duration(defaultReconnectInterval)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return nil
}

// SocketURLFor derives the channel endpoint from the REST base URL.
func SocketURLFor(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	u.RawQuery = ""
	return u.String()
}
