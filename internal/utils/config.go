package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kabilan108/murmur/internal/uievents"
)

const AppName = "murmur"

var CONFIG_DIR = func() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.Getenv("HOME"), ".config", AppName)
	}
	return filepath.Join(dir, AppName)
}()

var CACHE_DIR = func() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.Getenv("HOME"), ".cache", AppName)
	}
	return filepath.Join(dir, AppName)
}()

// keyDelimiter replaces viper's "." so method names like "model.load" can be
// used as map keys.
const keyDelimiter = "::"

type Config struct {
	App        AppConfig        `json:"app" mapstructure:"app"`
	Sidecar    SidecarConfig    `json:"sidecar" mapstructure:"sidecar"`
	RPC        RPCConfig        `json:"rpc" mapstructure:"rpc"`
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`
	Watchdog   WatchdogConfig   `json:"watchdog" mapstructure:"watchdog"`
	Recording  RecordingConfig  `json:"recording" mapstructure:"recording"`
}

type AppConfig struct {
	LogLevel      string `json:"log_level" mapstructure:"log_level"`
	SocketPath    string `json:"socket_path" mapstructure:"socket_path"`
	UIAddr        string `json:"ui_addr" mapstructure:"ui_addr"`
	TypeResult    bool   `json:"type_result" mapstructure:"type_result"`
	TypingDelayMS int    `json:"typing_delay_ms" mapstructure:"typing_delay_ms"`
	SaveHistory   bool   `json:"save_history" mapstructure:"save_history"`
	Notifications bool   `json:"notifications" mapstructure:"notifications"`
	PowerEvents   bool   `json:"power_events" mapstructure:"power_events"`
}

type SidecarConfig struct {
	Command            string   `json:"command" mapstructure:"command"`
	Args               []string `json:"args" mapstructure:"args"`
	Env                []string `json:"env" mapstructure:"env"`
	WorkDir            string   `json:"work_dir" mapstructure:"work_dir"`
	Model              string   `json:"model" mapstructure:"model"`
	Language           string   `json:"language" mapstructure:"language"`
	Device             string   `json:"device" mapstructure:"device"`
	StopTimeoutMS      int      `json:"stop_timeout_ms" mapstructure:"stop_timeout_ms"`
	SelfCheckTimeoutMS int      `json:"self_check_timeout_ms" mapstructure:"self_check_timeout_ms"`
	LogBufferLines     int      `json:"log_buffer_lines" mapstructure:"log_buffer_lines"`
}

type RPCConfig struct {
	DefaultTimeoutMS int            `json:"default_timeout_ms" mapstructure:"default_timeout_ms"`
	MethodTimeoutsMS map[string]int `json:"method_timeouts_ms" mapstructure:"method_timeouts_ms"`
}

type SupervisorConfig struct {
	AutoRestart        bool    `json:"auto_restart" mapstructure:"auto_restart"`
	MaxRestartCount    int     `json:"max_restart_count" mapstructure:"max_restart_count"`
	FailureWindowSec   int     `json:"failure_window_sec" mapstructure:"failure_window_sec"`
	BackoffBaseMS      int     `json:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffFactor      float64 `json:"backoff_factor" mapstructure:"backoff_factor"`
	BackoffMaxMS       int     `json:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	SustainedHealthSec int     `json:"sustained_health_sec" mapstructure:"sustained_health_sec"`
}

type WatchdogConfig struct {
	IntervalSec       int  `json:"interval_sec" mapstructure:"interval_sec"`
	PingTimeoutMS     int  `json:"ping_timeout_ms" mapstructure:"ping_timeout_ms"`
	HangThresholdSec  int  `json:"hang_threshold_sec" mapstructure:"hang_threshold_sec"`
	MinSuspendGapSec  int  `json:"min_suspend_gap_sec" mapstructure:"min_suspend_gap_sec"`
	AutoRestartOnHang bool `json:"auto_restart_on_hang" mapstructure:"auto_restart_on_hang"`
}

type RecordingConfig struct {
	MaxDurationSec       int `json:"max_duration_sec" mapstructure:"max_duration_sec"`
	TooShortMS           int `json:"too_short_ms" mapstructure:"too_short_ms"`
	ResultWaitTimeoutSec int `json:"result_wait_timeout_sec" mapstructure:"result_wait_timeout_sec"`
	DoubleTapMS          int `json:"double_tap_ms" mapstructure:"double_tap_ms"`
	PollIntervalMS       int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:      "INFO",
			SocketPath:    "/tmp/murmur.sock",
			TypeResult:    true,
			TypingDelayMS: 10,
			SaveHistory:   true,
			Notifications: true,
			PowerEvents:   true,
		},
		Sidecar: SidecarConfig{
			Command:            "murmur-worker",
			Model:              "base.en",
			Language:           "en",
			StopTimeoutMS:      3000,
			SelfCheckTimeoutMS: 15000,
			LogBufferLines:     200,
		},
		RPC: RPCConfig{
			DefaultTimeoutMS: 10000,
			MethodTimeoutsMS: map[string]int{
				"system.ping":    5000,
				"model.load":     300000,
				"model.download": 1800000,
				"recording.stop": 60000,
			},
		},
		Supervisor: SupervisorConfig{
			AutoRestart:        true,
			MaxRestartCount:    3,
			FailureWindowSec:   60,
			BackoffBaseMS:      1000,
			BackoffFactor:      2,
			BackoffMaxMS:       30000,
			SustainedHealthSec: 120,
		},
		Watchdog: WatchdogConfig{
			IntervalSec:       15,
			PingTimeoutMS:     5000,
			HangThresholdSec:  60,
			MinSuspendGapSec:  60,
			AutoRestartOnHang: true,
		},
		Recording: RecordingConfig{
			MaxDurationSec:       300,
			TooShortMS:           300,
			ResultWaitTimeoutSec: 60,
			DoubleTapMS:          400,
			PollIntervalMS:       250,
		},
	}
}

func ms(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func sec(v int) time.Duration { return time.Duration(v) * time.Second }

func (c SidecarConfig) StopTimeout() time.Duration      { return ms(c.StopTimeoutMS) }
func (c SidecarConfig) SelfCheckTimeout() time.Duration { return ms(c.SelfCheckTimeoutMS) }

func (c RPCConfig) DefaultTimeout() time.Duration { return ms(c.DefaultTimeoutMS) }

func (c RPCConfig) MethodTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.MethodTimeoutsMS))
	for m, v := range c.MethodTimeoutsMS {
		out[m] = ms(v)
	}
	return out
}

func (c SupervisorConfig) FailureWindow() time.Duration   { return sec(c.FailureWindowSec) }
func (c SupervisorConfig) BackoffBase() time.Duration     { return ms(c.BackoffBaseMS) }
func (c SupervisorConfig) BackoffMax() time.Duration      { return ms(c.BackoffMaxMS) }
func (c SupervisorConfig) SustainedHealth() time.Duration { return sec(c.SustainedHealthSec) }

func (c WatchdogConfig) Interval() time.Duration      { return sec(c.IntervalSec) }
func (c WatchdogConfig) PingTimeout() time.Duration   { return ms(c.PingTimeoutMS) }
func (c WatchdogConfig) HangThreshold() time.Duration { return sec(c.HangThresholdSec) }
func (c WatchdogConfig) MinSuspendGap() time.Duration { return sec(c.MinSuspendGapSec) }

func (c RecordingConfig) MaxDuration() time.Duration       { return sec(c.MaxDurationSec) }
func (c RecordingConfig) TooShort() time.Duration          { return ms(c.TooShortMS) }
func (c RecordingConfig) ResultWaitTimeout() time.Duration { return sec(c.ResultWaitTimeoutSec) }
func (c RecordingConfig) DoubleTap() time.Duration         { return ms(c.DoubleTapMS) }
func (c RecordingConfig) PollInterval() time.Duration      { return ms(c.PollIntervalMS) }

// envBindings are the settings that can be overridden with MURMUR_* variables.
var envBindings = []string{
	"app::log_level",
	"app::socket_path",
	"app::ui_addr",
	"sidecar::command",
	"sidecar::model",
	"sidecar::language",
	"sidecar::device",
}

func Load() (*Config, error) {
	return LoadFrom(CONFIG_DIR)
}

func LoadFrom(dir string) (*Config, error) {
	config := DefaultConfig()

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("MURMUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()
	for _, key := range envBindings {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func Validate(config *Config) error {
	if _, err := ParseLevel(config.App.LogLevel); err != nil {
		return err
	}
	if config.App.TypingDelayMS < 0 {
		return fmt.Errorf("typing delay cannot be negative")
	}

	if config.App.UIAddr != "" && !uievents.LoopbackAddr(config.App.UIAddr) {
		return fmt.Errorf("ui_addr %q must be a loopback address", config.App.UIAddr)
	}

	if config.Sidecar.Command == "" {
		return fmt.Errorf("sidecar command is required")
	}
	if config.Sidecar.StopTimeoutMS <= 0 {
		return fmt.Errorf("sidecar stop timeout must be positive")
	}
	if config.Sidecar.SelfCheckTimeoutMS <= 0 {
		return fmt.Errorf("sidecar self-check timeout must be positive")
	}
	if config.Sidecar.LogBufferLines <= 0 {
		return fmt.Errorf("sidecar log buffer must hold at least one line")
	}

	if config.RPC.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("rpc default timeout must be positive")
	}
	for method, v := range config.RPC.MethodTimeoutsMS {
		if v <= 0 {
			return fmt.Errorf("rpc timeout for %s must be positive", method)
		}
	}

	if config.Supervisor.MaxRestartCount < 0 {
		return fmt.Errorf("max restart count cannot be negative")
	}
	if config.Supervisor.FailureWindowSec <= 0 {
		return fmt.Errorf("failure window must be positive")
	}
	if config.Supervisor.BackoffBaseMS < 0 || config.Supervisor.BackoffMaxMS < config.Supervisor.BackoffBaseMS {
		return fmt.Errorf("backoff max must be >= backoff base >= 0")
	}
	if config.Supervisor.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be >= 1")
	}
	if config.Supervisor.SustainedHealthSec < 0 {
		return fmt.Errorf("sustained health threshold cannot be negative")
	}

	if config.Watchdog.IntervalSec <= 0 {
		return fmt.Errorf("watchdog interval must be positive")
	}
	if config.Watchdog.PingTimeoutMS <= 0 {
		return fmt.Errorf("watchdog ping timeout must be positive")
	}
	if config.Watchdog.HangThresholdSec <= 0 {
		return fmt.Errorf("watchdog hang threshold must be positive")
	}

	if config.Recording.MaxDurationSec <= 0 {
		return fmt.Errorf("max recording duration must be positive")
	}
	if config.Recording.TooShortMS < 0 {
		return fmt.Errorf("too-short threshold cannot be negative")
	}
	if config.Recording.ResultWaitTimeoutSec <= 0 {
		return fmt.Errorf("result wait timeout must be positive")
	}
	if config.Recording.DoubleTapMS < 0 {
		return fmt.Errorf("double-tap window cannot be negative")
	}
	if config.Recording.PollIntervalMS <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	return nil
}

func InitConfigFile() (string, error) {
	configPath := filepath.Join(CONFIG_DIR, "config.json")

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	if err := os.MkdirAll(CONFIG_DIR, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	configData, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(configPath, configData, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return configPath, nil
}

var globalConfig *Config

func GetConfig() (*Config, error) {
	if globalConfig == nil {
		config, err := Load()
		if err != nil {
			return nil, err
		}
		globalConfig = config
	}
	return globalConfig, nil
}
