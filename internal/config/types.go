package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// SizeBytes is unmarshaled from strings like "10MiB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration accepts "250ms" style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Console ConsoleConfig `yaml:"console"`
	Log     LogConfig     `yaml:"log"`
}

type Operator struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

type Customer struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ServerConfig configures the reference backend.
type ServerConfig struct {
	Address      string     `yaml:"address"`
	MaxUpload    SizeBytes  `yaml:"max_upload"`
	CommandRate  float64    `yaml:"command_rate"`
	CommandBurst int        `yaml:"command_burst"`
	Operators    []Operator `yaml:"operators"`
	Customers    []Customer `yaml:"customers"`
}

// ConsoleConfig configures a console session.
type ConsoleConfig struct {
	BaseURL            string   `yaml:"base_url"`
	SocketURL          string   `yaml:"socket_url"`
	Token              string   `yaml:"token"`
	OperatorID         string   `yaml:"operator_id"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	HandshakeTimeout   Duration `yaml:"handshake_timeout"`
	TypingIdle         Duration `yaml:"typing_idle"`
	TypingTTL          Duration `yaml:"typing_ttl"`
	RefreshAfterSelect *bool    `yaml:"refresh_after_select"`
	ReconnectInterval  Duration `yaml:"reconnect_interval"`
}

// RefreshesAfterSelect defaults to true when unset.
func (c ConsoleConfig) RefreshesAfterSelect() bool {
	return c.RefreshAfterSelect == nil || *c.RefreshAfterSelect
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
