package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/haatos/runsync/internal/util"
)

var Config *Configuration

type SyncConfiguration struct {
	CallbackTimeout          time.Duration `yaml:"callback_timeout"`
	PollIntervalFast         time.Duration `yaml:"poll_interval_fast"`
	PollIntervalNormal       time.Duration `yaml:"poll_interval_normal"`
	PollIntervalSlow         time.Duration `yaml:"poll_interval_slow"`
	FastPollAttempts         int           `yaml:"fast_poll_attempts"`
	NormalPollAttempts       int           `yaml:"normal_poll_attempts"`
	MaxPollAttempts          int           `yaml:"max_poll_attempts"`
	AdaptivePollingEnabled   bool          `yaml:"adaptive_polling_enabled"`
	ConsistencyCheckInterval time.Duration `yaml:"consistency_check_interval"`
	ConsistencyCheckLimit    int           `yaml:"consistency_check_limit"`
	ExecutionTimeout         time.Duration `yaml:"execution_timeout"`
	StatusRetention          time.Duration `yaml:"status_retention"`
}

// PollInterval returns the wait after the given 1-based poll attempt.
func (sc SyncConfiguration) PollInterval(attempt int) time.Duration {
	if !sc.AdaptivePollingEnabled {
		return sc.PollIntervalNormal
	}
	switch {
	case attempt <= sc.FastPollAttempts:
		return sc.PollIntervalFast
	case attempt <= sc.FastPollAttempts+sc.NormalPollAttempts:
		return sc.PollIntervalNormal
	default:
		return sc.PollIntervalSlow
	}
}

// TotalPollingDuration sums the waits of the first attempts polls.
func (sc SyncConfiguration) TotalPollingDuration(attempts int) time.Duration {
	var total time.Duration
	for i := 1; i <= attempts; i++ {
		total += sc.PollInterval(i)
	}
	return total
}

type MonitorConfiguration struct {
	Enabled                bool          `yaml:"enabled"`
	CheckInterval          time.Duration `yaml:"check_interval"`
	CompilationCheckWindow time.Duration `yaml:"compilation_check_window"`
	BatchSize              int           `yaml:"batch_size"`
	RateLimitDelay         time.Duration `yaml:"rate_limit_delay"`
	QuickFailThreshold     time.Duration `yaml:"quick_fail_threshold"`
	EarlyStuckThreshold    time.Duration `yaml:"early_stuck_threshold"`
	StuckThreshold         time.Duration `yaml:"stuck_threshold"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	MaxAge                 time.Duration `yaml:"max_age"`
	Lookback               time.Duration `yaml:"lookback"`
}

type WebSocketConfiguration struct {
	Enabled      bool          `yaml:"enabled"`
	Path         string        `yaml:"path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

type JenkinsConfiguration struct {
	StatusTimeout time.Duration `yaml:"status_timeout"`
	LogTimeout    time.Duration `yaml:"log_timeout"`
	MaxAttempts   uint64        `yaml:"max_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryCap      time.Duration `yaml:"retry_cap"`
}

type Configuration struct {
	Sync      SyncConfiguration      `yaml:"sync"`
	Monitor   MonitorConfiguration   `yaml:"monitor"`
	WebSocket WebSocketConfiguration `yaml:"websocket"`
	Jenkins   JenkinsConfiguration   `yaml:"jenkins"`
}

func NewDefaultConfiguration() *Configuration {
	return &Configuration{
		Sync: SyncConfiguration{
			CallbackTimeout:          20 * time.Second,
			PollIntervalFast:         5 * time.Second,
			PollIntervalNormal:       10 * time.Second,
			PollIntervalSlow:         15 * time.Second,
			FastPollAttempts:         3,
			NormalPollAttempts:       5,
			MaxPollAttempts:          42,
			AdaptivePollingEnabled:   true,
			ConsistencyCheckInterval: 5 * time.Minute,
			ConsistencyCheckLimit:    50,
			ExecutionTimeout:         10 * time.Minute,
			StatusRetention:          time.Hour,
		},
		Monitor: MonitorConfiguration{
			Enabled:                true,
			CheckInterval:          20 * time.Second,
			CompilationCheckWindow: 20 * time.Second,
			BatchSize:              20,
			RateLimitDelay:         100 * time.Millisecond,
			QuickFailThreshold:     20 * time.Second,
			EarlyStuckThreshold:    120 * time.Second,
			StuckThreshold:         300 * time.Second,
			CleanupInterval:        time.Hour,
			MaxAge:                 24 * time.Hour,
			Lookback:               24 * time.Hour,
		},
		WebSocket: WebSocketConfiguration{
			Enabled:      true,
			Path:         "/api/ws",
			PingInterval: 25 * time.Second,
			PingTimeout:  60 * time.Second,
		},
		Jenkins: JenkinsConfiguration{
			StatusTimeout: 10 * time.Second,
			LogTimeout:    15 * time.Second,
			MaxAttempts:   3,
			RetryBase:     time.Second,
			RetryCap:      8 * time.Second,
		},
	}
}

// LoadConfiguration reads the YAML file at path on top of the defaults,
// writing the defaults out when the file does not exist, then applies
// environment overrides.
func LoadConfiguration(path string) (*Configuration, error) {
	config := NewDefaultConfiguration()

	configFileExists, _ := util.PathExists(path)
	if !configFileExists {
		b, err := yaml.Marshal(config)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return nil, err
		}
	} else {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides values from the environment. Plain integers are read in
// the unit of the variable; Go duration strings are accepted as well.
func (c *Configuration) ApplyEnv() error {
	var errs []error
	dur := func(key string, unit time.Duration, dst *time.Duration) {
		if err := envDuration(key, unit, dst); err != nil {
			errs = append(errs, err)
		}
	}
	num := func(key string, dst *int) {
		if err := envInt(key, dst); err != nil {
			errs = append(errs, err)
		}
	}

	dur("CALLBACK_TIMEOUT", time.Millisecond, &c.Sync.CallbackTimeout)
	dur("POLL_INTERVAL_FAST", time.Millisecond, &c.Sync.PollIntervalFast)
	dur("POLL_INTERVAL_NORMAL", time.Millisecond, &c.Sync.PollIntervalNormal)
	dur("POLL_INTERVAL_SLOW", time.Millisecond, &c.Sync.PollIntervalSlow)
	num("FAST_POLL_ATTEMPTS", &c.Sync.FastPollAttempts)
	num("NORMAL_POLL_ATTEMPTS", &c.Sync.NormalPollAttempts)
	num("MAX_POLL_ATTEMPTS", &c.Sync.MaxPollAttempts)
	envDisabled("ADAPTIVE_POLLING_ENABLED", &c.Sync.AdaptivePollingEnabled)
	dur("CONSISTENCY_CHECK_INTERVAL", time.Millisecond, &c.Sync.ConsistencyCheckInterval)

	dur("EXECUTION_MONITOR_INTERVAL", time.Millisecond, &c.Monitor.CheckInterval)
	dur("COMPILATION_CHECK_WINDOW", time.Millisecond, &c.Monitor.CompilationCheckWindow)
	num("EXECUTION_MONITOR_BATCH_SIZE", &c.Monitor.BatchSize)
	envDisabled("EXECUTION_MONITOR_ENABLED", &c.Monitor.Enabled)
	dur("EXECUTION_MONITOR_RATE_LIMIT", time.Millisecond, &c.Monitor.RateLimitDelay)
	dur("QUICK_FAIL_THRESHOLD_SECONDS", time.Second, &c.Monitor.QuickFailThreshold)
	dur("EARLY_STUCK_THRESHOLD_SECONDS", time.Second, &c.Monitor.EarlyStuckThreshold)
	dur("STUCK_THRESHOLD_SECONDS", time.Second, &c.Monitor.StuckThreshold)
	dur("EXECUTION_CLEANUP_INTERVAL", time.Millisecond, &c.Monitor.CleanupInterval)
	dur("EXECUTION_MONITOR_MAX_AGE_HOURS", time.Hour, &c.Monitor.MaxAge)

	envDisabled("WEBSOCKET_ENABLED", &c.WebSocket.Enabled)
	if v, ok := os.LookupEnv("WEBSOCKET_PATH"); ok && v != "" {
		c.WebSocket.Path = v
	}
	dur("WEBSOCKET_PING_TIMEOUT", time.Millisecond, &c.WebSocket.PingTimeout)
	dur("WEBSOCKET_PING_INTERVAL", time.Millisecond, &c.WebSocket.PingInterval)

	return errors.Join(errs...)
}

func envDuration(key string, unit time.Duration, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(n) * unit
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, v)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, v)
	}
	*dst = n
	return nil
}

// envDisabled only switches a flag off for the literal value "false".
func envDisabled(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v != "false"
	}
}

func checkDuration(errs []error, name string, v, lo, hi time.Duration) []error {
	if v < lo || v > hi {
		return append(errs, fmt.Errorf("%s must be between %s and %s, got %s", name, lo, hi, v))
	}
	return errs
}

func checkInt(errs []error, name string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return append(errs, fmt.Errorf("%s must be between %d and %d, got %d", name, lo, hi, v))
	}
	return errs
}

// Validate checks every tunable against its allowed range.
func (c *Configuration) Validate() error {
	var errs []error

	s := c.Sync
	errs = checkDuration(errs, "sync.callback_timeout", s.CallbackTimeout, 5*time.Second, 60*time.Second)
	errs = checkDuration(errs, "sync.poll_interval_fast", s.PollIntervalFast, time.Second, 30*time.Second)
	errs = checkDuration(errs, "sync.poll_interval_normal", s.PollIntervalNormal, time.Second, 60*time.Second)
	errs = checkDuration(errs, "sync.poll_interval_slow", s.PollIntervalSlow, time.Second, 120*time.Second)
	errs = checkInt(errs, "sync.fast_poll_attempts", s.FastPollAttempts, 0, 200)
	errs = checkInt(errs, "sync.normal_poll_attempts", s.NormalPollAttempts, 0, 200)
	errs = checkInt(errs, "sync.max_poll_attempts", s.MaxPollAttempts, 1, 200)
	errs = checkDuration(errs, "sync.consistency_check_interval", s.ConsistencyCheckInterval, 30*time.Second, time.Hour)
	errs = checkInt(errs, "sync.consistency_check_limit", s.ConsistencyCheckLimit, 1, 500)
	errs = checkDuration(errs, "sync.execution_timeout", s.ExecutionTimeout, time.Minute, 24*time.Hour)
	errs = checkDuration(errs, "sync.status_retention", s.StatusRetention, time.Minute, 24*time.Hour)

	m := c.Monitor
	errs = checkDuration(errs, "monitor.check_interval", m.CheckInterval, 5*time.Second, 5*time.Minute)
	errs = checkDuration(errs, "monitor.compilation_check_window", m.CompilationCheckWindow, 10*time.Second, 5*time.Minute)
	errs = checkInt(errs, "monitor.batch_size", m.BatchSize, 1, 100)
	errs = checkDuration(errs, "monitor.rate_limit_delay", m.RateLimitDelay, 0, 5*time.Second)
	errs = checkDuration(errs, "monitor.quick_fail_threshold", m.QuickFailThreshold, 5*time.Second, 300*time.Second)
	errs = checkDuration(errs, "monitor.early_stuck_threshold", m.EarlyStuckThreshold, 30*time.Second, 600*time.Second)
	errs = checkDuration(errs, "monitor.stuck_threshold", m.StuckThreshold, 60*time.Second, 1800*time.Second)
	errs = checkDuration(errs, "monitor.cleanup_interval", m.CleanupInterval, time.Minute, 24*time.Hour)
	errs = checkDuration(errs, "monitor.max_age", m.MaxAge, time.Hour, 30*24*time.Hour)
	errs = checkDuration(errs, "monitor.lookback", m.Lookback, time.Minute, 30*24*time.Hour)
	if m.EarlyStuckThreshold >= m.StuckThreshold {
		errs = append(errs, errors.New("monitor.early_stuck_threshold must be lower than monitor.stuck_threshold"))
	}

	w := c.WebSocket
	errs = checkDuration(errs, "websocket.ping_interval", w.PingInterval, time.Second, 5*time.Minute)
	errs = checkDuration(errs, "websocket.ping_timeout", w.PingTimeout, time.Second, 10*time.Minute)
	if w.PingInterval >= w.PingTimeout {
		errs = append(errs, errors.New("websocket.ping_interval must be lower than websocket.ping_timeout"))
	}

	j := c.Jenkins
	errs = checkDuration(errs, "jenkins.status_timeout", j.StatusTimeout, time.Second, time.Minute)
	errs = checkDuration(errs, "jenkins.log_timeout", j.LogTimeout, time.Second, 5*time.Minute)
	if j.MaxAttempts < 1 || j.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("jenkins.max_attempts must be between 1 and 10, got %d", j.MaxAttempts))
	}

	return errors.Join(errs...)
}
