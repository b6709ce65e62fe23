// Package config assembles the server settings from defaults, an optional
// YAML file, the environment and command-line flags, in that order of
// increasing precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/tribe-app/realtime/internal/realtime"
)

var logger = loggo.GetLogger("tribe.config")

// EnvPrefix prefixes the environment variable of every setting, e.g.
// TRIBE_LISTEN_ADDRESS for listen-address.
const EnvPrefix = "TRIBE_"

// Config holds the server settings.
type Config struct {
	ListenAddress     string        `yaml:"listen-address"`
	JWTSecret         string        `yaml:"jwt-secret"`
	DatabasePath      string        `yaml:"database-path"`
	IdleTimeout       time.Duration `yaml:"idle-timeout"`
	WriteWait         time.Duration `yaml:"write-wait"`
	PongWait          time.Duration `yaml:"pong-wait"`
	MaxMessageSize    int64         `yaml:"max-message-size"`
	SendQueueSize     int           `yaml:"send-queue-size"`
	ControlQueueSize  int           `yaml:"control-queue-size"`
	InboundRate       float64       `yaml:"inbound-rate"`
	InboundBurst      int           `yaml:"inbound-burst"`
	MembershipTimeout time.Duration `yaml:"membership-timeout"`
	AllowedOrigins    []string      `yaml:"allowed-origins"`
	LoggingConfig     string        `yaml:"logging-config"`
	ShutdownTimeout   time.Duration `yaml:"shutdown-timeout"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	opts := realtime.DefaultOptions()
	return Config{
		ListenAddress:     ":8080",
		DatabasePath:      "tribe.db",
		IdleTimeout:       opts.IdleTimeout,
		WriteWait:         opts.WriteWait,
		PongWait:          opts.PongWait,
		MaxMessageSize:    opts.MaxMessageSize,
		SendQueueSize:     opts.SendQueueSize,
		ControlQueueSize:  opts.ControlQueueSize,
		InboundRate:       opts.InboundRate,
		InboundBurst:      opts.InboundBurst,
		MembershipTimeout: opts.MembershipTimeout,
		LoggingConfig:     "<root>=INFO",
		ShutdownTimeout:   10 * time.Second,
	}
}

// Validate returns a NotValid error describing the first bad setting.
func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.NotValidf("empty listen-address")
	}
	if c.JWTSecret == "" {
		return errors.NotValidf("empty jwt-secret")
	}
	if c.DatabasePath == "" {
		return errors.NotValidf("empty database-path")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.NotValidf("shutdown-timeout %v", c.ShutdownTimeout)
	}
	if _, err := loggo.ParseConfigString(c.LoggingConfig); err != nil {
		return errors.NewNotValid(err, "logging-config")
	}
	return errors.Trace(c.Realtime().Validate())
}

// Realtime returns the per-connection options of the messaging layer.
func (c Config) Realtime() realtime.Options {
	return realtime.Options{
		IdleTimeout:       c.IdleTimeout,
		WriteWait:         c.WriteWait,
		PongWait:          c.PongWait,
		PingPeriod:        (c.PongWait * 9) / 10,
		MaxMessageSize:    c.MaxMessageSize,
		SendQueueSize:     c.SendQueueSize,
		ControlQueueSize:  c.ControlQueueSize,
		InboundRate:       c.InboundRate,
		InboundBurst:      c.InboundBurst,
		MembershipTimeout: c.MembershipTimeout,
		AllowedOrigins:    c.AllowedOrigins,
	}
}

// LookupEnv is the signature of os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// Load builds the settings from args, the process environment and any
// files they name. It does not validate the result.
func Load(args []string, env LookupEnv) (Config, error) {
	if env == nil {
		env = os.LookupEnv
	}

	var (
		configFile string
		envFile    string
		flagged    = make(map[string]string)
	)
	fs := gnuflag.NewFlagSet("tribe-realtime", gnuflag.ContinueOnError)
	fs.StringVar(&configFile, "config", "", "path of a YAML settings file")
	fs.StringVar(&envFile, "env-file", ".env", "path of a dotenv file")
	for _, s := range settings {
		fs.Var(&recorder{key: s.key, values: flagged}, s.key, s.usage)
	}
	if err := fs.Parse(true, args); err != nil {
		return Config{}, errors.Annotate(err, "parsing flags")
	}
	if fs.NArg() > 0 {
		return Config{}, errors.Errorf("unrecognized arguments: %q", fs.Args())
	}

	dotenv, err := readDotenv(envFile)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	lookup := func(key string) (string, bool) {
		if v, ok := env(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	cfg := Default()
	if configFile == "" {
		configFile, _ = lookup(EnvPrefix + "CONFIG")
	}
	if configFile != "" {
		if err := cfg.readFile(configFile); err != nil {
			return Config{}, errors.Trace(err)
		}
	}
	for _, s := range settings {
		if v, ok := lookup(s.envVar()); ok {
			if err := s.set(&cfg, v); err != nil {
				return Config{}, errors.Annotatef(err, "environment variable %s", s.envVar())
			}
		}
	}
	for _, s := range settings {
		if v, ok := flagged[s.key]; ok {
			if err := s.set(&cfg, v); err != nil {
				return Config{}, errors.Annotatef(err, "flag --%s", s.key)
			}
		}
	}
	return cfg, nil
}

func readDotenv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if os.IsNotExist(errors.Cause(err)) {
		logger.Debugf("no dotenv file at %q", path)
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading %q", path)
	}
	return values, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Annotate(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Annotatef(err, "parsing %q", path)
	}
	logger.Debugf("read settings from %q", path)
	return nil
}

// recorder keeps the raw value of a flag so it can be applied after the
// file and the environment.
type recorder struct {
	key    string
	values map[string]string
}

func (r *recorder) String() string {
	return r.values[r.key]
}

func (r *recorder) Set(v string) error {
	r.values[r.key] = v
	return nil
}

type setting struct {
	key   string
	usage string
	set   func(c *Config, v string) error
}

func (s setting) envVar() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(s.key, "-", "_"))
}

var settings = []setting{
	{"listen-address", "address the HTTP server listens on", func(c *Config, v string) error {
		c.ListenAddress = v
		return nil
	}},
	{"jwt-secret", "HS256 key of access tokens", func(c *Config, v string) error {
		c.JWTSecret = v
		return nil
	}},
	{"database-path", "path of the SQLite database", func(c *Config, v string) error {
		c.DatabasePath = v
		return nil
	}},
	{"idle-timeout", "close connections idle for this long, 0 disables", durationSetter(func(c *Config) *time.Duration { return &c.IdleTimeout })},
	{"write-wait", "deadline of a single socket write", durationSetter(func(c *Config) *time.Duration { return &c.WriteWait })},
	{"pong-wait", "read deadline extended by every inbound frame", durationSetter(func(c *Config) *time.Duration { return &c.PongWait })},
	{"max-message-size", "largest inbound frame in bytes", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.NotValidf("max-message-size %q", v)
		}
		c.MaxMessageSize = n
		return nil
	}},
	{"send-queue-size", "outbound queue length per connection", intSetter(func(c *Config) *int { return &c.SendQueueSize })},
	{"control-queue-size", "heartbeat reply queue length per connection", intSetter(func(c *Config) *int { return &c.ControlQueueSize })},
	{"inbound-rate", "inbound frames per second per connection, 0 disables", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.NotValidf("inbound-rate %q", v)
		}
		c.InboundRate = f
		return nil
	}},
	{"inbound-burst", "inbound frame burst per connection", intSetter(func(c *Config) *int { return &c.InboundBurst })},
	{"membership-timeout", "bound of a single membership check", durationSetter(func(c *Config) *time.Duration { return &c.MembershipTimeout })},
	{"allowed-origins", "comma separated handshake origins, empty allows all", func(c *Config, v string) error {
		c.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
		return nil
	}},
	{"logging-config", "loggo configuration string", func(c *Config, v string) error {
		c.LoggingConfig = v
		return nil
	}},
	{"shutdown-timeout", "grace period for open connections on shutdown", durationSetter(func(c *Config) *time.Duration { return &c.ShutdownTimeout })},
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.NotValidf("duration %q", v)
		}
		*field(c) = d
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("integer %q", v)
		}
		*field(c) = n
		return nil
	}
}
