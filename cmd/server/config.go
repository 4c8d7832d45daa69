package main

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/matst80/httpbridge/internal/bridge"
)

// Config holds the server runtime configuration. Flags win over the YAML
// file, which wins over the defaults.
type Config struct {
	ConfigFile string `yaml:"-"`

	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	ClientAddress string `yaml:"client_address"`
	Verbose       bool   `yaml:"verbose"`
	LogFormat     string `yaml:"log_format"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WritePolicy  string        `yaml:"write_policy"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
	RateLimit    int           `yaml:"rate_limit"`

	SessionRate       float64 `yaml:"session_rate"`
	GlobalSessionRate float64 `yaml:"global_session_rate"`
	SessionBurst      int     `yaml:"session_burst"`

	H2C           bool          `yaml:"h2c"`
	MetricsAddr   string        `yaml:"metrics"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	RedisAddr     string `yaml:"redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("httpbridge", pflag.ContinueOnError)
	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML config file; explicit flags override it")
	fs.StringVarP(&cfg.Address, "address", "a", "0.0.0.0", "IP address to listen on")
	fs.IntVarP(&cfg.Port, "port", "p", 3000, "port to listen on")
	fs.StringVarP(&cfg.ClientAddress, "client-address", "c", "127.0.0.1:22", "ip:port every stream is bridged to")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log every forwarded chunk")
	fs.StringVar(&cfg.LogFormat, "log-format", "json", "log format: json or text")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", bridge.DefaultDialTimeout, "timeout for connecting to the target")
	fs.StringVar(&cfg.WritePolicy, "write-policy", string(bridge.WriteBlock), "target write policy: block or drop")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", 0, "bound on one target write (0 = none; drop defaults to 1ms)")
	fs.IntVar(&cfg.BufferSize, "buffer-size", bridge.DefaultBufferSize, "read buffer per direction in bytes")
	fs.IntVar(&cfg.RateLimit, "rate-limit", 0, "bytes per second per direction per session (0 = unlimited)")
	fs.Float64Var(&cfg.SessionRate, "session-rate", 0, "new sessions per second per peer IP (0 = unlimited)")
	fs.Float64Var(&cfg.GlobalSessionRate, "global-session-rate", 0, "new sessions per second overall (0 = unlimited)")
	fs.IntVar(&cfg.SessionBurst, "session-burst", 5, "burst for the session rates")
	fs.BoolVar(&cfg.H2C, "h2c", true, "accept HTTP/2 cleartext")
	fs.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard address (empty disables)")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 5*time.Second, "time to let streams end on shutdown")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the shared session registry")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database")
	return fs
}

// parseConfig builds the configuration from args and the optional YAML file.
func parseConfig(args []string) (Config, error) {
	var cfg Config
	fs := newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.ConfigFile != "" {
		explicit := map[string]string{}
		fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })
		if err := loadYAML(cfg.ConfigFile, &cfg); err != nil {
			return cfg, err
		}
		for name, v := range explicit {
			if err := fs.Set(name, v); err != nil {
				return cfg, fmt.Errorf("reapply --%s: %w", name, err)
			}
		}
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if _, err := netip.ParseAddr(c.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", c.Address, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := netip.ParseAddrPort(c.ClientAddress); err != nil {
		return fmt.Errorf("invalid client address %q: %w", c.ClientAddress, err)
	}
	if _, err := bridge.ParseWritePolicy(c.WritePolicy); err != nil {
		return err
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q (want json or text)", c.LogFormat)
	}
	return nil
}

// listenAddr joins address and port, bracketing IPv6 literals.
func (c Config) listenAddr() string {
	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return c.Address + ":" + strconv.Itoa(c.Port)
	}
	return netip.AddrPortFrom(addr, uint16(c.Port)).String()
}

func (c Config) bridgeConfig() bridge.Config {
	policy, _ := bridge.ParseWritePolicy(c.WritePolicy)
	return bridge.Config{
		Target:       c.ClientAddress,
		Verbose:      c.Verbose,
		DialTimeout:  c.DialTimeout,
		BufferSize:   c.BufferSize,
		WritePolicy:  policy,
		WriteTimeout: c.WriteTimeout,
		RateLimit:    c.RateLimit,
	}
}
