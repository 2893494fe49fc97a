package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator collects every field error instead of stopping at the first one.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServer(&cfg.Server)
	v.validateCoordinator(&cfg.Coordinator)
	v.validateWorker(&cfg.Worker)
	v.validateMirror(&cfg.Mirror)
	v.validateLogging(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "must not be negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "must not be negative")
	}
	if cfg.CallTimeout <= 0 {
		v.addError("server.call_timeout", "must be positive")
	}
}

func (v *Validator) validateCoordinator(cfg *CoordinatorConfig) {
	if cfg.HeartbeatInterval <= 0 {
		v.addError("coordinator.heartbeat_interval", "must be positive")
	}
	if cfg.ProbeTimeout <= 0 {
		v.addError("coordinator.probe_timeout", "must be positive")
	} else if cfg.HeartbeatInterval > 0 && cfg.ProbeTimeout > cfg.HeartbeatInterval {
		v.addError("coordinator.probe_timeout", "must not exceed heartbeat_interval")
	}
	if cfg.MissedProbeThreshold < 1 {
		v.addError("coordinator.missed_probe_threshold", "must be at least 1")
	}
	if cfg.SubtaskTimeout <= 0 {
		v.addError("coordinator.subtask_timeout", "must be positive")
	}
	if cfg.MaxReassignments < 0 {
		v.addError("coordinator.max_reassignments", "must not be negative")
	}
	if cfg.DispatchRetries < 1 {
		v.addError("coordinator.dispatch_retries", "must be at least 1")
	}
	if cfg.DispatchBackoff < 0 {
		v.addError("coordinator.dispatch_backoff", "must not be negative")
	}
	if cfg.MinGranularity < 1 {
		v.addError("coordinator.min_granularity", "must be at least 1")
	}
	if cfg.SweepInterval <= 0 {
		v.addError("coordinator.sweep_interval", "must be positive")
	}
	if cfg.RetainFinished < 0 {
		v.addError("coordinator.retain_finished", "must not be negative")
	}
}

func (v *Validator) validateWorker(cfg *WorkerConfig) {
	if cfg.CoordinatorURL == "" {
		v.addError("worker.coordinator_url", "coordinator url is required")
	} else if u, err := url.Parse(cfg.CoordinatorURL); err != nil || u.Scheme == "" || u.Host == "" {
		v.addError("worker.coordinator_url", "must be an absolute http(s) url")
	}
	if cfg.Weight < 0 {
		v.addError("worker.weight", "must not be negative")
	}
	if cfg.Concurrency < 1 {
		v.addError("worker.concurrency", "must be at least 1")
	}
	for i, tag := range cfg.Tags {
		if strings.TrimSpace(tag) == "" {
			v.addError(fmt.Sprintf("worker.tags[%d]", i), "tag must not be empty")
		}
	}
	if cfg.RequestTimeout <= 0 {
		v.addError("worker.request_timeout", "must be positive")
	}
	if cfg.ReconnectInterval <= 0 {
		v.addError("worker.reconnect_interval", "must be positive")
	}
}

func (v *Validator) validateMirror(cfg *MirrorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Addr == "" {
		v.addError("mirror.addr", "address is required when the mirror is enabled")
	} else if !isValidAddress(cfg.Addr) {
		v.addError("mirror.addr", "invalid address format, expected host:port")
	}
	if cfg.TaskStream == "" {
		v.addError("mirror.task_stream", "stream name is required")
	}
	if cfg.ResultStream == "" {
		v.addError("mirror.result_stream", "stream name is required")
	}
	if cfg.TaskStream != "" && cfg.TaskStream == cfg.ResultStream {
		v.addError("mirror.result_stream", "must differ from task_stream")
	}
	if cfg.MaxLen < 0 {
		v.addError("mirror.max_len", "must not be negative")
	}
	if cfg.DB < 0 {
		v.addError("mirror.db", "must not be negative")
	}
}

func (v *Validator) validateLogging(cfg *LoggingConfig) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if cfg.Level != "" && !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", "invalid log level, must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if cfg.Format != "" && !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", "invalid log format, must be one of: json, console")
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
	case "file", "both":
		if cfg.FilePath == "" {
			v.addError("logging.file_path", "file path is required for file output")
		}
	default:
		v.addError("logging.output", "invalid output, must be one of: stdout, file, both")
	}
}

// isValidAddress checks if the address is a valid host:port or :port.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	return isValidHostname(host)
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for i := 0; i < len(label); i++ {
			if !isAlphanumeric(label[i]) && label[i] != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from path and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
