// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/infra/etcd"
	"distributed-tasks/internal/scheduler"
	"distributed-tasks/internal/usecase"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TASKD_HTTP_LISTEN_ADDR.
const EnvPrefix = "TASKD"

// Config holds all configuration of a node.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Node      NodeConfig               `mapstructure:"node"`
	Store     StoreConfig              `mapstructure:"store"`
	Etcd      EtcdConfig               `mapstructure:"etcd"`
	HTTP      HTTPConfig               `mapstructure:"http"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	TaskLog   TaskLogConfig            `mapstructure:"tasklog"`
	History   HistoryConfig            `mapstructure:"history"`
	RunLogs   RunLogsConfig            `mapstructure:"runlogs"`
	Janitor   JanitorConfig            `mapstructure:"janitor"`
	Log       LogConfig                `mapstructure:"log"`
	Tracing   TracingConfig            `mapstructure:"tracing"`
	Tasks     []*domain.TaskDefinition `mapstructure:"tasks"`
}

type NodeConfig struct {
	// Name is stable across restarts; the node ID is generated per start.
	Name string `mapstructure:"name"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type EtcdConfig struct {
	etcd.ClientConfig `mapstructure:",squash"`
	// NodeTTL is the lease TTL of the node registration.
	NodeTTL time.Duration `mapstructure:"node_ttl"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type SchedulerConfig struct {
	scheduler.Config `mapstructure:",squash"`
	Timezone         string `mapstructure:"timezone"`
}

// Location resolves Timezone, defaulting to the local zone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

type TaskLogConfig struct {
	CommitRetries int           `mapstructure:"commit_retries"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	MaxFailures   int           `mapstructure:"max_failures"`
	MaxSuccesses  int           `mapstructure:"max_successes"`
}

type HistoryConfig struct {
	Backend    string        `mapstructure:"backend"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	Retention  time.Duration `mapstructure:"retention"`
}

type RunLogsConfig struct {
	Dir       string        `mapstructure:"dir"`
	Retention time.Duration `mapstructure:"retention"`
}

type JanitorConfig struct {
	usecase.JanitorConfig `mapstructure:",squash"`
	ElectionTTL           time.Duration `mapstructure:"election_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("etcd.node_ttl", "10s")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("scheduler.poll_interval", "1s")
	v.SetDefault("scheduler.max_concurrent", 0)
	v.SetDefault("scheduler.max_task_time", "0s")
	v.SetDefault("scheduler.past_task_time", "1m")
	v.SetDefault("scheduler.shutdown_grace", "30s")
	v.SetDefault("tasklog.commit_retries", 5)
	v.SetDefault("tasklog.retry_initial", "50ms")
	v.SetDefault("tasklog.retry_max", "2s")
	v.SetDefault("tasklog.max_failures", 10)
	v.SetDefault("tasklog.max_successes", 10)
	v.SetDefault("history.backend", BackendSQLite)
	v.SetDefault("history.sqlite_path", "./data")
	v.SetDefault("history.retention", "720h")
	v.SetDefault("runlogs.dir", "./data/runs")
	v.SetDefault("runlogs.retention", "168h")
	v.SetDefault("janitor.interval", "1m")
	v.SetDefault("janitor.election_ttl", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracing.enabled", false)
}

// Load loads configuration from an optional .env file, a config file and
// environment variables. path may name a config file explicitly; otherwise
// config.yaml is looked up in ./configs and the working directory.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file: defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and the static task definitions.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendEtcd:
	default:
		return fmt.Errorf("invalid store.backend %q", c.Store.Backend)
	}
	switch c.History.Backend {
	case BackendSQLite, BackendNone:
	case BackendEtcd:
		if c.Store.Backend != BackendEtcd {
			return errors.New("history.backend etcd requires store.backend etcd")
		}
	default:
		return fmt.Errorf("invalid history.backend %q", c.History.Backend)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Tasks))
	for _, def := range c.Tasks {
		if err := def.Validate(); err != nil {
			return err
		}
		if seen[def.Name] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}

// NodeName returns the configured node name or the host name.
func (c *Config) NodeName() string {
	if c.Node.Name != "" {
		return c.Node.Name
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "taskd"
}
