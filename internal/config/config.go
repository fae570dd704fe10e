// Package config loads the agent configuration from .env, a TOML or YAML
// file and MCAGENT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/scheduler"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/validate"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCAGENT_"

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "30s" in every config format.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error { return d.UnmarshalText([]byte(n.Value)) }

type Server struct {
	Dir           string   `toml:"dir" yaml:"dir" json:"dir"`
	StartScript   string   `toml:"start_script" yaml:"start_script" json:"start_script"`
	Java          string   `toml:"java" yaml:"java" json:"java"`
	Jar           string   `toml:"jar" yaml:"jar" json:"jar"`
	MinMemory     string   `toml:"min_memory" yaml:"min_memory" json:"min_memory"`
	MaxMemory     string   `toml:"max_memory" yaml:"max_memory" json:"max_memory"`
	StopCommand   string   `toml:"stop_command" yaml:"stop_command" json:"stop_command"`
	StopTimeout   Duration `toml:"stop_timeout" yaml:"stop_timeout" json:"stop_timeout"`
	KillWait      Duration `toml:"kill_wait" yaml:"kill_wait" json:"kill_wait"`
	AutoStart     bool     `toml:"auto_start" yaml:"auto_start" json:"auto_start"`
	AcceptEULA    bool     `toml:"accept_eula" yaml:"accept_eula" json:"accept_eula"`
	NoFile        uint64   `toml:"nofile" yaml:"nofile" json:"nofile"`
	ConsoleBuffer int      `toml:"console_buffer" yaml:"console_buffer" json:"console_buffer"`
}

type Backup struct {
	Dir     string   `toml:"dir" yaml:"dir" json:"dir"`
	Keep    int      `toml:"keep" yaml:"keep" json:"keep"`
	Exclude []string `toml:"exclude" yaml:"exclude" json:"exclude"`
}

type Audit struct {
	SQLite       string `toml:"sqlite" yaml:"sqlite" json:"sqlite"`
	NATSURL      string `toml:"nats_url" yaml:"nats_url" json:"nats_url"`
	NATSSubject  string `toml:"nats_subject" yaml:"nats_subject" json:"nats_subject"`
	MQTTBroker   string `toml:"mqtt_broker" yaml:"mqtt_broker" json:"mqtt_broker"`
	MQTTTopic    string `toml:"mqtt_topic" yaml:"mqtt_topic" json:"mqtt_topic"`
	WebhookURL   string `toml:"webhook_url" yaml:"webhook_url" json:"webhook_url"`
	WebhookToken string `toml:"webhook_token" yaml:"webhook_token" json:"webhook_token"`
}

type RateLimit struct {
	Commands int      `toml:"commands" yaml:"commands" json:"commands"`
	Window   Duration `toml:"window" yaml:"window" json:"window"`
}

type Stats struct {
	Interval     Duration `toml:"interval" yaml:"interval" json:"interval"`
	QueryTimeout Duration `toml:"query_timeout" yaml:"query_timeout" json:"query_timeout"`
	QueryTTL     Duration `toml:"query_ttl" yaml:"query_ttl" json:"query_ttl"`
}

// Config is the agent configuration.
type Config struct {
	Listen    string           `toml:"listen" yaml:"listen" json:"listen"`
	Token     string           `toml:"token" yaml:"token" json:"token"`
	DataDir   string           `toml:"data_dir" yaml:"data_dir" json:"data_dir"`
	LogLevel  string           `toml:"log_level" yaml:"log_level" json:"log_level"`
	LogFile   string           `toml:"log_file" yaml:"log_file" json:"log_file"`
	Server    Server           `toml:"server" yaml:"server" json:"server"`
	Backup    Backup           `toml:"backup" yaml:"backup" json:"backup"`
	Audit     Audit            `toml:"audit" yaml:"audit" json:"audit"`
	RateLimit RateLimit        `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	Stats     Stats            `toml:"stats" yaml:"stats" json:"stats"`
	Schedules []scheduler.Item `toml:"schedule" yaml:"schedule" json:"schedule"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Listen:   ":8080",
		DataDir:  "data",
		LogLevel: "info",
		Server: Server{
			Dir:           "server",
			StartScript:   "start.sh",
			Java:          "java",
			Jar:           "server.jar",
			MinMemory:     "1G",
			MaxMemory:     "2G",
			StopCommand:   "stop",
			StopTimeout:   Duration(30 * time.Second),
			KillWait:      Duration(10 * time.Second),
			ConsoleBuffer: 2000,
		},
		Backup:    Backup{Keep: 10},
		Audit:     Audit{NATSSubject: "mcagent.audit", MQTTTopic: "mcagent/audit"},
		RateLimit: RateLimit{Commands: 30, Window: Duration(time.Minute)},
		Stats: Stats{
			Interval:     Duration(15 * time.Second),
			QueryTimeout: Duration(2 * time.Second),
			QueryTTL:     Duration(5 * time.Second),
		},
	}
}

// LoadDotEnvDefault loads .env from the working directory and from the
// directory of the running binary. Existing variables are not overridden.
func LoadDotEnvDefault() {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), ".env"))
	}
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			_ = godotenv.Load(p)
		}
	}
}

// Load builds the configuration. A missing file at path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.resolve(path)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = toml.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}

	str("LISTEN", &cfg.Listen)
	str("TOKEN", &cfg.Token)
	str("DATA_DIR", &cfg.DataDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FILE", &cfg.LogFile)
	str("SERVER_DIR", &cfg.Server.Dir)
	str("START_SCRIPT", &cfg.Server.StartScript)
	str("JAVA", &cfg.Server.Java)
	duration("STOP_TIMEOUT", &cfg.Server.StopTimeout)
	boolean("AUTO_START", &cfg.Server.AutoStart)
	boolean("ACCEPT_EULA", &cfg.Server.AcceptEULA)
	integer("CONSOLE_BUFFER", &cfg.Server.ConsoleBuffer)
	str("BACKUP_DIR", &cfg.Backup.Dir)
	integer("BACKUP_KEEP", &cfg.Backup.Keep)
	str("AUDIT_SQLITE", &cfg.Audit.SQLite)
	str("NATS_URL", &cfg.Audit.NATSURL)
	str("MQTT_BROKER", &cfg.Audit.MQTTBroker)
	str("WEBHOOK_URL", &cfg.Audit.WebhookURL)
	str("WEBHOOK_TOKEN", &cfg.Audit.WebhookToken)
	integer("RATE_LIMIT", &cfg.RateLimit.Commands)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// resolve fills derived paths. Relative paths in a config file are relative
// to the file.
func (c *Config) resolve(path string) {
	base := ""
	if path != "" {
		base = filepath.Dir(path)
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || base == "" {
			return p
		}
		return filepath.Join(base, p)
	}
	c.DataDir = abs(c.DataDir)
	c.Server.Dir = abs(c.Server.Dir)
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backups")
	} else {
		c.Backup.Dir = abs(c.Backup.Dir)
	}
	if c.Audit.SQLite == "" {
		c.Audit.SQLite = filepath.Join(c.DataDir, "audit.db")
	} else if c.Audit.SQLite != ":memory:" {
		c.Audit.SQLite = abs(c.Audit.SQLite)
	}
	if c.LogFile != "" {
		c.LogFile = abs(c.LogFile)
	}
}

// Validate checks the schema, then the rules the schema cannot express.
func (c Config) Validate() error {
	if err := validate.ValidateConfig(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var errs []error
	if c.Server.StopTimeout.D() <= 0 {
		errs = append(errs, errors.New("server.stop_timeout must be positive"))
	}
	if c.RateLimit.Commands > 0 && c.RateLimit.Window.D() <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if strings.ContainsAny(c.Server.StartScript, `/\`) {
		errs = append(errs, errors.New("server.start_script must be a file name inside server.dir"))
	}
	if err := scheduler.Validate(c.Schedules); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
