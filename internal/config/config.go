package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Voice      VoiceConfig      `mapstructure:"voice"`
	CallPolicy CallPolicyConfig `mapstructure:"call_policy"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type KafkaConfig struct {
	Brokers          []string      `mapstructure:"brokers"`
	ClientID         string        `mapstructure:"client_id"`
	CallEventsTopic  string        `mapstructure:"call_events_topic"`
	EnrichGroupID    string        `mapstructure:"enrich_group_id"`
	CommitInterval   time.Duration `mapstructure:"commit_interval"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig controls the due-computation loop.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	DueLookAhead time.Duration `mapstructure:"due_look_ahead"`
	WelcomeGrace time.Duration `mapstructure:"welcome_grace"`
	BatchLimit   int           `mapstructure:"batch_limit"`
	LockKey      string        `mapstructure:"lock_key"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// QueueConfig controls the drain loop and retry ladder.
type QueueConfig struct {
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffStep      time.Duration `mapstructure:"backoff_step"`
	DisableThreshold int           `mapstructure:"disable_threshold"`
}

// VoiceConfig configures the external voice-call provider bridge.
type VoiceConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxCallSeconds int           `mapstructure:"max_call_seconds"`
	CallbackURL    string        `mapstructure:"callback_url"`
	ModelID        string        `mapstructure:"model_id"`
	VoiceID        string        `mapstructure:"voice_id"`
	MockMode       bool          `mapstructure:"mock_mode"`
}

// CallPolicyConfig holds the product-level calling heuristics.
type CallPolicyConfig struct {
	MissedRetryDelay      time.Duration `mapstructure:"missed_retry_delay"`
	MissedRetryCutoffHour int           `mapstructure:"missed_retry_cutoff_hour"`
	AnswerMinSeconds      int           `mapstructure:"answer_min_seconds"`
	AnswerMinTranscript   int           `mapstructure:"answer_min_transcript"`
	TranscriptImprovement int           `mapstructure:"transcript_improvement"`
}

type EnrichmentConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("CALLLINE")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills policy knobs the config file may omit. The retry and
// window values are load-bearing; zeroes here would silently break scheduling.
func (c *Config) applyDefaults() {
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Minute
	}
	if c.Scheduler.DueLookAhead <= 0 {
		c.Scheduler.DueLookAhead = time.Hour
	}
	if c.Scheduler.WelcomeGrace <= 0 {
		c.Scheduler.WelcomeGrace = 20 * time.Minute
	}
	if c.Scheduler.BatchLimit <= 0 {
		c.Scheduler.BatchLimit = 100
	}
	if c.Scheduler.LockKey == "" {
		c.Scheduler.LockKey = "callline:scheduler:tick"
	}
	if c.Scheduler.LockTTL <= 0 {
		c.Scheduler.LockTTL = 30 * time.Second
	}
	if c.Queue.DrainInterval <= 0 {
		c.Queue.DrainInterval = time.Minute
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffStep <= 0 {
		c.Queue.BackoffStep = 15 * time.Minute
	}
	if c.Queue.DisableThreshold <= 0 {
		c.Queue.DisableThreshold = 4
	}
	if c.Voice.RequestTimeout <= 0 {
		c.Voice.RequestTimeout = 20 * time.Second
	}
	if c.Voice.MaxCallSeconds <= 0 {
		c.Voice.MaxCallSeconds = 600
	}
	if c.CallPolicy.MissedRetryDelay <= 0 {
		c.CallPolicy.MissedRetryDelay = 2 * time.Hour
	}
	if c.CallPolicy.MissedRetryCutoffHour <= 0 {
		c.CallPolicy.MissedRetryCutoffHour = 20
	}
	if c.CallPolicy.AnswerMinSeconds <= 0 {
		c.CallPolicy.AnswerMinSeconds = 30
	}
	if c.CallPolicy.AnswerMinTranscript <= 0 {
		c.CallPolicy.AnswerMinTranscript = 50
	}
	if c.CallPolicy.TranscriptImprovement <= 0 {
		c.CallPolicy.TranscriptImprovement = 100
	}
	if c.Enrichment.RequestTimeout <= 0 {
		c.Enrichment.RequestTimeout = 30 * time.Second
	}
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
