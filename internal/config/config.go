package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	ProviderGoogle  = "google"
	ProviderOutlook = "outlook"
	ProviderICS     = "ics"
)

type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Storage      StorageConfig             `mapstructure:"storage"`
	Delivery     DeliveryConfig            `mapstructure:"delivery"`
	Monitor      MonitorConfig             `mapstructure:"monitor"`
	Notification NotificationConfig        `mapstructure:"notification"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Defaults     DefaultsConfig            `mapstructure:"defaults"`
	Logging      LoggingConfig             `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	StuckAfter   time.Duration `mapstructure:"stuck_after"`
	JobRetention time.Duration `mapstructure:"job_retention"`
}

type MonitorConfig struct {
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
	HealthyThreshold    time.Duration    `mapstructure:"healthy_threshold"`
	ProbeTimeout        time.Duration    `mapstructure:"probe_timeout"`
	AlertRetention      int              `mapstructure:"alert_retention"`
	AlertMaxAge         time.Duration    `mapstructure:"alert_max_age"`
	Thresholds          ThresholdsConfig `mapstructure:"thresholds"`
}

type ThresholdsConfig struct {
	MinRequestsWarning  int           `mapstructure:"min_requests_warning"`
	FailureRateWarning  float64       `mapstructure:"failure_rate_warning"`
	MinRequestsCritical int           `mapstructure:"min_requests_critical"`
	FailureRateCritical float64       `mapstructure:"failure_rate_critical"`
	SlowResponse        time.Duration `mapstructure:"slow_response"`
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
}

type NotificationConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries"`
	MinLevel   string        `mapstructure:"min_level"`
}

type ProviderConfig struct {
	Type        string        `mapstructure:"type"`
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	AccessToken string        `mapstructure:"access_token"`
	CalendarID  string        `mapstructure:"calendar_id"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SMTP        SMTPConfig    `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

type DefaultsConfig struct {
	Provider        string `mapstructure:"provider"`
	TimeZone        string `mapstructure:"timezone"`
	ReminderMinutes []int  `mapstructure:"reminder_minutes"`
	ReminderMethod  string `mapstructure:"reminder_method"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("calrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/calrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("CALRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Watch re-reads the config file on change and hands the new monitor settings
// to apply. Only monitor thresholds are safe to change at runtime. Environment
// overrides apply on every reload as they do in Load.
func Watch(path string, apply func(MonitorConfig), log zerolog.Logger) error {
	if path == "" {
		return fmt.Errorf("config watch requires an explicit config file")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		reloadMonitor(v, apply, log)
	})
	v.WatchConfig()
	return nil
}

func reloadMonitor(v *viper.Viper, apply func(MonitorConfig), log zerolog.Logger) {
	cfg, err := decode(v)
	if err != nil {
		log.Error().Err(err).Str("file", v.ConfigFileUsed()).Msg("config reload failed, keeping current monitor settings")
		return
	}
	apply(cfg.Monitor)
	log.Info().Str("file", v.ConfigFileUsed()).Msg("monitor settings reloaded")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = name
			cfg.Providers[name] = p
		}
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery.workers must be at least 1")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		return fmt.Errorf("delivery.base_delay must be positive and not exceed delivery.max_delay")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case ProviderGoogle, ProviderOutlook, ProviderICS:
		default:
			return fmt.Errorf("provider %q has unknown type %q", name, p.Type)
		}
	}
	if c.Defaults.Provider != "" {
		p, ok := c.Providers[c.Defaults.Provider]
		if !ok || !p.Enabled {
			return fmt.Errorf("default provider %q is not configured or not enabled", c.Defaults.Provider)
		}
	}
	return nil
}

// EnabledProviders returns enabled provider names in sorted order.
func (c *Config) EnabledProviders() []string {
	var names []string
	for name, p := range c.Providers {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.api_key", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/calrelay.db")

	v.SetDefault("delivery.workers", 5)
	v.SetDefault("delivery.poll_interval", time.Second)
	v.SetDefault("delivery.call_timeout", 30*time.Second)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.base_delay", time.Second)
	v.SetDefault("delivery.max_delay", 30*time.Second)
	v.SetDefault("delivery.stuck_after", 5*time.Minute)
	v.SetDefault("delivery.job_retention", 7*24*time.Hour)

	v.SetDefault("monitor.health_check_interval", 5*time.Minute)
	v.SetDefault("monitor.healthy_threshold", 5*time.Second)
	v.SetDefault("monitor.probe_timeout", 30*time.Second)
	v.SetDefault("monitor.alert_retention", 100)
	v.SetDefault("monitor.alert_max_age", 7*24*time.Hour)
	v.SetDefault("monitor.thresholds.min_requests_warning", 10)
	v.SetDefault("monitor.thresholds.failure_rate_warning", 0.30)
	v.SetDefault("monitor.thresholds.min_requests_critical", 5)
	v.SetDefault("monitor.thresholds.failure_rate_critical", 0.80)
	v.SetDefault("monitor.thresholds.slow_response", 10*time.Second)
	v.SetDefault("monitor.thresholds.consecutive_failures", 3)

	v.SetDefault("notification.webhook_url", "")
	v.SetDefault("notification.timeout", 5*time.Second)
	v.SetDefault("notification.max_retries", 3)
	v.SetDefault("notification.min_level", "warning")

	v.SetDefault("providers", map[string]interface{}{
		ProviderICS: map[string]interface{}{
			"type":    ProviderICS,
			"enabled": true,
			"smtp": map[string]interface{}{
				"host":      "localhost",
				"port":      25,
				"from":      "agenda@localhost",
				"from_name": "Clinic Calendar",
			},
		},
	})

	v.SetDefault("defaults.provider", ProviderICS)
	v.SetDefault("defaults.timezone", "America/Sao_Paulo")
	v.SetDefault("defaults.reminder_minutes", []int{1440, 60})
	v.SetDefault("defaults.reminder_method", "email")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
