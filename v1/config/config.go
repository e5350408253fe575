// Package config loads the settings shared by the mutex binaries from
// flags, environment variables (MUTEX_*) and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "MUTEX"

// Backends accepted by the backend setting.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
)

// Config describes which store to use and how to observe it.
type Config struct {
	Backend      string
	Addr         string
	Password     string
	DB           int
	DSN          string
	Endpoints    []string
	Bucket       string
	Table        string
	Namespace    string
	Notify       bool
	KafkaBrokers []string
	PollInterval time.Duration

	LogLevel    string
	LogPretty   bool
	MetricsAddr string
	Trace       bool
}

// AddFlags registers the configuration flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("backend", BackendRedis, "lock store: memory, redis, nats, postgres or etcd")
	fs.String("addr", "localhost:6379", "redis address or nats url")
	fs.String("password", "", "redis password")
	fs.Int("db", 0, "redis database")
	fs.String("dsn", "", "postgres connection string")
	fs.StringSlice("endpoints", []string{"localhost:2379"}, "etcd endpoints")
	fs.String("bucket", "mutex_locks", "nats key-value bucket")
	fs.String("table", "mutex_locks", "postgres table")
	fs.String("namespace", "", "prefix added to every lock key")
	fs.Bool("notify", false, "publish releases so waiters retry immediately")
	fs.StringSlice("kafka-brokers", nil, "carry release notifications over kafka instead of the store")
	fs.Duration("poll-interval", 50*time.Millisecond, "interval between claim attempts")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("log-pretty", false, "human readable logs")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	fs.Bool("trace", false, "print spans to stderr")
}

// LoadEnvFiles loads the given .env files, ignoring the missing ones.
// Variables already set in the environment win.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// NewViper returns a viper instance reading MUTEX_* variables, with the
// flags of fs bound as defaults.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Backend:      strings.ToLower(v.GetString("backend")),
		Addr:         v.GetString("addr"),
		Password:     v.GetString("password"),
		DB:           v.GetInt("db"),
		DSN:          v.GetString("dsn"),
		Endpoints:    splitList(v.GetStringSlice("endpoints")),
		Bucket:       v.GetString("bucket"),
		Table:        v.GetString("table"),
		Namespace:    v.GetString("namespace"),
		Notify:       v.GetBool("notify"),
		KafkaBrokers: splitList(v.GetStringSlice("kafka-brokers")),
		PollInterval: v.GetDuration("poll-interval"),
		LogLevel:     v.GetString("log-level"),
		LogPretty:    v.GetBool("log-pretty"),
		MetricsAddr:  v.GetString("metrics-addr"),
		Trace:        v.GetBool("trace"),
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis, BackendNATS:
		if c.Addr == "" {
			return fmt.Errorf("config: %s backend requires addr", c.Backend)
		}
	case BackendPostgres:
		if c.DSN == "" {
			return errors.New("config: postgres backend requires dsn")
		}
	case BackendEtcd:
		if len(c.Endpoints) == 0 {
			return errors.New("config: etcd backend requires endpoints")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("config: negative poll interval %s", c.PollInterval)
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated
// environment variable.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
