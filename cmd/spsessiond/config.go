package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	backendMemory    = "memory"
	backendRedis     = "redis"
	backendWebSocket = "websocket"

	verifierNone      = ""
	verifierHMAC      = "hmac"
	verifierJWKS      = "jwks"
	verifierDiscovery = "discovery"
)

type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Session  SessionConfig  `yaml:"session"`
	Backend  BackendConfig  `yaml:"backend"`
	Verifier VerifierConfig `yaml:"verifier"`
	Control  ControlConfig  `yaml:"control"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
}

type SessionConfig struct {
	AppKey      string `yaml:"app_key"`
	AppKeyFile  string `yaml:"app_key_file"`
	UserAgent   string `yaml:"user_agent"`
	CachePath   string `yaml:"cache_path"`
	AutoRelogin bool   `yaml:"auto_relogin"`
	MailboxSize int    `yaml:"mailbox_size"`
}

type BackendConfig struct {
	Kind      string          `yaml:"kind"`
	Memory    MemoryConfig    `yaml:"memory"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type MemoryConfig struct {
	Accounts       map[string]string `yaml:"accounts"`
	Echo           bool              `yaml:"echo"`
	LoginLatencyMs int               `yaml:"login_latency_ms"`
}

// RedisConfig values override the REDIS_* / SPSESSION_REDIS_* environment.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	KeyPrefix string `yaml:"key_prefix"`
	BlockMs   int    `yaml:"block_ms"`
}

// WebSocketConfig values override the SPSESSION_WS_* environment.
type WebSocketConfig struct {
	URL          string `yaml:"url"`
	DialAttempts int    `yaml:"dial_attempts"`
}

type VerifierConfig struct {
	Kind     string `yaml:"kind"`
	Issuer   string `yaml:"issuer"`
	JWKSURL  string `yaml:"jwks_url"`
	HMACKey  string `yaml:"hmac_key"`
	LeewayMs int    `yaml:"leeway_ms"`
}

type ControlConfig struct {
	ConnectRate      int `yaml:"connect_rate"`
	ConnectBurst     int `yaml:"connect_burst"`
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	EventQueueSize   int `yaml:"event_queue_size"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// envOverrides are applied on top of the YAML file. Unset variables leave
// the file's values alone.
type envOverrides struct {
	ListenAddr     string `env:"SPSESSIOND_LISTEN_ADDR"`
	LogLevel       string `env:"SPSESSIOND_LOG_LEVEL"`
	Backend        string `env:"SPSESSION_BACKEND"`
	AppKey         string `env:"SPSESSION_APP_KEY"`
	AppKeyFile     string `env:"SPSESSION_APP_KEY_FILE"`
	UserAgent      string `env:"SPSESSION_USER_AGENT"`
	CachePath      string `env:"SPSESSION_CACHE_PATH"`
	VerifierKind   string `env:"SPSESSION_VERIFIER"`
	VerifierIssuer string `env:"SPSESSION_VERIFIER_ISSUER"`
	JWKSURL        string `env:"SPSESSION_VERIFIER_JWKS_URL"`
	HMACKey        string `env:"SPSESSION_VERIFIER_HMAC_KEY"`
}

// Load reads the YAML file at path (optional) and applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	cfg.applyEnv(env)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(env envOverrides) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Listen.Addr, env.ListenAddr)
	set(&c.Logging.Level, env.LogLevel)
	set(&c.Backend.Kind, env.Backend)
	set(&c.Session.AppKey, env.AppKey)
	set(&c.Session.AppKeyFile, env.AppKeyFile)
	set(&c.Session.UserAgent, env.UserAgent)
	set(&c.Session.CachePath, env.CachePath)
	set(&c.Verifier.Kind, env.VerifierKind)
	set(&c.Verifier.Issuer, env.VerifierIssuer)
	set(&c.Verifier.JWKSURL, env.JWKSURL)
	set(&c.Verifier.HMACKey, env.HMACKey)
}

func (c *Config) applyDefaults() {
	if c.Listen.Addr == "" {
		c.Listen.Addr = "127.0.0.1:8089"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = backendMemory
	}
	if c.Session.UserAgent == "" {
		c.Session.UserAgent = "spsessiond/0.1"
	}
	if c.Control.EventQueueSize <= 0 {
		c.Control.EventQueueSize = 64
	}
	c.Backend.Kind = strings.ToLower(c.Backend.Kind)
	c.Verifier.Kind = strings.ToLower(c.Verifier.Kind)
}

func (c *Config) validate() error {
	switch c.Backend.Kind {
	case backendMemory, backendRedis, backendWebSocket:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend.Kind)
	}
	switch c.Verifier.Kind {
	case verifierNone:
	case verifierHMAC:
		if c.Verifier.HMACKey == "" {
			return errors.New("verifier.hmac_key is required for the hmac verifier")
		}
	case verifierJWKS:
		if c.Verifier.JWKSURL == "" {
			return errors.New("verifier.jwks_url is required for the jwks verifier")
		}
	case verifierDiscovery:
		if c.Verifier.Issuer == "" {
			return errors.New("verifier.issuer is required for the discovery verifier")
		}
	default:
		return fmt.Errorf("unknown verifier %q", c.Verifier.Kind)
	}
	if c.Session.AutoRelogin && c.Session.CachePath == "" {
		return errors.New("session.auto_relogin requires session.cache_path")
	}
	return nil
}

// appKey returns the application key, reading AppKeyFile when set.
func (c *Config) appKey() ([]byte, error) {
	if c.Session.AppKeyFile != "" {
		b, err := os.ReadFile(c.Session.AppKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read app key: %w", err)
		}
		return b, nil
	}
	return []byte(c.Session.AppKey), nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
