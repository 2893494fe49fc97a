package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/grid-engine/pkg/logger"
)

// Config is the complete configuration for coordinator and worker processes.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Mirror      MirrorConfig      `yaml:"mirror"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the coordinator's HTTP/WebSocket listener settings.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"GE_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"GE_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"GE_SERVER_WRITE_TIMEOUT"`
	CallTimeout  time.Duration `yaml:"call_timeout" env:"GE_SERVER_CALL_TIMEOUT"`
}

// CoordinatorConfig holds failure detection and scheduling policy.
type CoordinatorConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"GE_HEARTBEAT_INTERVAL"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout" env:"GE_PROBE_TIMEOUT"`
	MissedProbeThreshold int           `yaml:"missed_probe_threshold" env:"GE_MISSED_PROBE_THRESHOLD"`
	SubtaskTimeout       time.Duration `yaml:"subtask_timeout" env:"GE_SUBTASK_TIMEOUT"`
	MaxReassignments     int           `yaml:"max_reassignments" env:"GE_MAX_REASSIGNMENTS"`
	DispatchRetries      int           `yaml:"dispatch_retries" env:"GE_DISPATCH_RETRIES"`
	DispatchBackoff      time.Duration `yaml:"dispatch_backoff" env:"GE_DISPATCH_BACKOFF"`
	MinGranularity       int           `yaml:"min_granularity" env:"GE_MIN_GRANULARITY"`
	SweepInterval        time.Duration `yaml:"sweep_interval" env:"GE_SWEEP_INTERVAL"`
	RetainFinished       time.Duration `yaml:"retain_finished" env:"GE_RETAIN_FINISHED"`
}

// WorkerConfig holds worker agent settings.
type WorkerConfig struct {
	CoordinatorURL    string            `yaml:"coordinator_url" env:"GE_WORKER_COORDINATOR_URL"`
	Address           string            `yaml:"address" env:"GE_WORKER_ADDRESS"`
	Tags              []string          `yaml:"tags" env:"GE_WORKER_TAGS"`
	Labels            map[string]string `yaml:"labels" env:"GE_WORKER_LABELS"`
	Accelerator       string            `yaml:"accelerator" env:"GE_WORKER_ACCELERATOR"`
	Weight            float64           `yaml:"weight" env:"GE_WORKER_WEIGHT"`
	Concurrency       int               `yaml:"concurrency" env:"GE_WORKER_CONCURRENCY"`
	RequestTimeout    time.Duration     `yaml:"request_timeout" env:"GE_WORKER_REQUEST_TIMEOUT"`
	ReconnectInterval time.Duration     `yaml:"reconnect_interval" env:"GE_WORKER_RECONNECT_INTERVAL"`
}

// MirrorConfig holds the durable queue mirror settings.
type MirrorConfig struct {
	Enabled      bool   `yaml:"enabled" env:"GE_MIRROR_ENABLED"`
	Addr         string `yaml:"addr" env:"GE_MIRROR_ADDR"`
	Password     string `yaml:"password" env:"GE_MIRROR_PASSWORD"`
	DB           int    `yaml:"db" env:"GE_MIRROR_DB"`
	TaskStream   string `yaml:"task_stream" env:"GE_MIRROR_TASK_STREAM"`
	ResultStream string `yaml:"result_stream" env:"GE_MIRROR_RESULT_STREAM"`
	MaxLen       int64  `yaml:"max_len" env:"GE_MIRROR_MAX_LEN"`
	Group        string `yaml:"group" env:"GE_MIRROR_GROUP"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"GE_LOG_LEVEL"`
	Format     string `yaml:"format" env:"GE_LOG_FORMAT"`
	Output     string `yaml:"output" env:"GE_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"GE_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"GE_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"GE_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"GE_LOG_MAX_AGE"`
}

// Logger converts the logging section into logger settings.
func (c LoggingConfig) Logger() *logger.Config {
	return &logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			CallTimeout:  10 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			HeartbeatInterval:    5 * time.Second,
			ProbeTimeout:         2 * time.Second,
			MissedProbeThreshold: 3,
			SubtaskTimeout:       60 * time.Second,
			MaxReassignments:     3,
			DispatchRetries:      3,
			DispatchBackoff:      200 * time.Millisecond,
			MinGranularity:       1,
			SweepInterval:        time.Second,
			RetainFinished:       time.Hour,
		},
		Worker: WorkerConfig{
			CoordinatorURL:    "http://localhost:8080",
			Labels:            make(map[string]string),
			Concurrency:       4,
			RequestTimeout:    10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Mirror: MirrorConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			TaskStream:   "grid:tasks",
			ResultStream: "grid:results",
			MaxLen:       100000,
			Group:        "grid-replay",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	overrides  map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{overrides: make(map[string]string)}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithOverride sets a dot-path override, e.g. "coordinator.max_reassignments".
func (l *Loader) WithOverride(path, value string) *Loader {
	l.overrides[path] = value
	return l
}

// Load resolves configuration with precedence
// defaults < YAML file < environment variables < overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	for path, value := range l.overrides {
		if err := setPath(cfg, path, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", path, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnv walks nested structs and assigns fields carrying an env tag.
func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		if err := assign(field, raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// setPath assigns a value addressed by yaml tag names joined with dots.
func setPath(cfg *Config, path, value string) error {
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path: %s", path)
		}
		if i == len(parts)-1 {
			return assign(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%s is not a section", part)
		}
		v = field
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

var durationType = reflect.TypeOf(time.Duration(0))

// assign parses raw into the field according to its kind.
func assign(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.Kind() >= reflect.Int && field.Kind() <= reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case field.Kind() == reflect.Float32 || field.Kind() == reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	case field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.String:
		m := make(map[string]string)
		for _, pair := range strings.Split(raw, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) == 2 {
				m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
		field.Set(reflect.ValueOf(m))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Serialize renders the configuration as YAML.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses YAML on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
