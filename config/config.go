// Package config holds the gateway configuration value. It is built once,
// with Default or Load, and handed to every component that needs it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"rpc-gateway/identity"
)

// Config is the root configuration struct
type Config struct {
	IP        string `mapstructure:"ip"`
	Port      int    `mapstructure:"port"`
	Transport string `mapstructure:"transport"` // "tcp" or "zmq"

	SendPoolSize    int `mapstructure:"sendPoolSize"`
	ReceivePoolSize int `mapstructure:"receivePoolSize"`

	PingInterval      time.Duration `mapstructure:"pingInterval"`
	PingRetry         int           `mapstructure:"pingRetry"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	AdminPollInterval time.Duration `mapstructure:"adminPollInterval"`

	HandshakeRetryDelay time.Duration `mapstructure:"handshakeRetryDelay"`
	HandshakeRetryMax   time.Duration `mapstructure:"handshakeRetryMax"`

	SendHWM      int           `mapstructure:"sendHWM"`
	RecvHWM      int           `mapstructure:"recvHWM"`
	ReconnectMax time.Duration `mapstructure:"reconnectMax"`

	ShutdownGrace   time.Duration `mapstructure:"shutdownGrace"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout"` // 0 = wait forever
	RequestIDPrefix string        `mapstructure:"requestIDPrefix"`

	Discovery DiscoveryConfig `mapstructure:"discovery"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// DiscoveryConfig selects and tunes the membership collaborator.
type DiscoveryConfig struct {
	Backend     string        `mapstructure:"backend"` // "etcd" or "memory"
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	LeaseTTL    int64         `mapstructure:"leaseTTL"` // seconds
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	Resync      time.Duration `mapstructure:"resync"`
	// Static lists peers announced at start by the memory backend, "ROLE@ip:port".
	Static []string `mapstructure:"static"`
}

// RateLimitConfig throttles the send path. Rate 0 disables it.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// RetryConfig retries sends to services not discovered yet. Attempts <= 1 disables it.
type RetryConfig struct {
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// MetricsConfig holds the prometheus listener address; empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		IP:                  "127.0.0.1",
		Port:                5670,
		Transport:           "tcp",
		SendPoolSize:        4,
		ReceivePoolSize:     4,
		PingInterval:        5 * time.Second,
		PingRetry:           3,
		HeartbeatInterval:   40 * time.Second,
		PollInterval:        time.Millisecond,
		AdminPollInterval:   10 * time.Millisecond,
		HandshakeRetryDelay: 100 * time.Millisecond,
		HandshakeRetryMax:   2 * time.Second,
		SendHWM:             10000,
		RecvHWM:             10000,
		ReconnectMax:        time.Second,
		ShutdownGrace:       time.Second,
		RequestIDPrefix:     identity.DefaultRequestPrefix,
		Discovery: DiscoveryConfig{
			Backend:     "etcd",
			Endpoints:   []string{"localhost:2379"},
			Prefix:      "/rpc-gateway/nodes",
			LeaseTTL:    10,
			DialTimeout: 5 * time.Second,
			Resync:      30 * time.Second,
		},
		Retry: RetryConfig{Attempts: 1, Delay: 100 * time.Millisecond},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads configuration from file and environment (prefix RPCGW_) on top
// of Default. An empty path only applies the environment.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("RPCGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("ip", d.IP)
	v.SetDefault("port", d.Port)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("sendPoolSize", d.SendPoolSize)
	v.SetDefault("receivePoolSize", d.ReceivePoolSize)
	v.SetDefault("pingInterval", d.PingInterval)
	v.SetDefault("pingRetry", d.PingRetry)
	v.SetDefault("heartbeatInterval", d.HeartbeatInterval)
	v.SetDefault("pollInterval", d.PollInterval)
	v.SetDefault("adminPollInterval", d.AdminPollInterval)
	v.SetDefault("handshakeRetryDelay", d.HandshakeRetryDelay)
	v.SetDefault("handshakeRetryMax", d.HandshakeRetryMax)
	v.SetDefault("sendHWM", d.SendHWM)
	v.SetDefault("recvHWM", d.RecvHWM)
	v.SetDefault("reconnectMax", d.ReconnectMax)
	v.SetDefault("shutdownGrace", d.ShutdownGrace)
	v.SetDefault("requestTimeout", d.RequestTimeout)
	v.SetDefault("requestIDPrefix", d.RequestIDPrefix)
	v.SetDefault("discovery.backend", d.Discovery.Backend)
	v.SetDefault("discovery.endpoints", d.Discovery.Endpoints)
	v.SetDefault("discovery.prefix", d.Discovery.Prefix)
	v.SetDefault("discovery.leaseTTL", d.Discovery.LeaseTTL)
	v.SetDefault("discovery.dialTimeout", d.Discovery.DialTimeout)
	v.SetDefault("discovery.resync", d.Discovery.Resync)
	v.SetDefault("discovery.static", d.Discovery.Static)
	v.SetDefault("rateLimit.rate", d.RateLimit.Rate)
	v.SetDefault("rateLimit.burst", d.RateLimit.Burst)
	v.SetDefault("retry.attempts", d.Retry.Attempts)
	v.SetDefault("retry.delay", d.Retry.Delay)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.IP == "" {
		errs = append(errs, errors.New("ip is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Transport != "tcp" && c.Transport != "zmq" {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.SendPoolSize < 1 || c.ReceivePoolSize < 1 {
		errs = append(errs, errors.New("pool sizes must be positive"))
	}
	if c.PingInterval <= 0 || c.HeartbeatInterval <= 0 || c.PollInterval <= 0 || c.AdminPollInterval <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}
	if c.HandshakeRetryDelay <= 0 || c.HandshakeRetryMax < c.HandshakeRetryDelay {
		errs = append(errs, errors.New("handshakeRetryDelay must be positive and not above handshakeRetryMax"))
	}
	if c.PingRetry < 0 {
		errs = append(errs, errors.New("pingRetry must not be negative"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("requestTimeout must not be negative"))
	}
	if c.RequestIDPrefix == "" || strings.Contains(c.RequestIDPrefix, "-") {
		errs = append(errs, fmt.Errorf("invalid requestIDPrefix %q", c.RequestIDPrefix))
	}
	switch c.Discovery.Backend {
	case "etcd":
		if len(c.Discovery.Endpoints) == 0 {
			errs = append(errs, errors.New("discovery.endpoints required for etcd"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown discovery backend %q", c.Discovery.Backend))
	}
	if c.RateLimit.Rate < 0 {
		errs = append(errs, errors.New("rateLimit.rate must not be negative"))
	}
	return errors.Join(errs...)
}

// Self is this process's node in the CHANNEL role.
func (c Config) Self() identity.Node {
	return identity.NewNode(identity.ChannelRole, c.IP, c.Port)
}

// ListenAddr is the address the router endpoint binds, all interfaces.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
