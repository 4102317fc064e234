package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Telephony TelephonyConfig `mapstructure:"telephony"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
	// GopsAddr enables the gops diagnostics agent when set.
	GopsAddr string `mapstructure:"gops_addr"`
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
	HealthQuery     string        `mapstructure:"health_query"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
	TranscriptTTL     time.Duration `mapstructure:"transcript_ttl"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	EventTopic      string        `mapstructure:"event_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`

	// ReplicationFactor applies only when the topic is created.
	ReplicationFactor int `mapstructure:"replication_factor"`
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

type TelemetryConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	ServiceName       string        `mapstructure:"service_name"`
	SampleRatio       float64       `mapstructure:"sample_ratio"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CollectorProtocol string        `mapstructure:"collector_protocol"`
}

// SchedulerConfig drives the dial scheduler.
type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	CallsPerSecond float64       `mapstructure:"calls_per_second"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffStep    time.Duration `mapstructure:"backoff_step"`
}

// RetryConfig drives the retry escalation worker.
type RetryConfig struct {
	ScanInterval time.Duration   `mapstructure:"scan_interval"`
	BatchLimit   int             `mapstructure:"batch_limit"`
	Delays       []time.Duration `mapstructure:"delays"`
	SMSThreshold int             `mapstructure:"sms_threshold"`
	SMSTemplate  string          `mapstructure:"sms_template"`
}

type ThrottleConfig struct {
	DefaultPerCampaign int           `mapstructure:"default_per_campaign"`
	SlotTTL            time.Duration `mapstructure:"slot_ttl"`
	SessionClaimTTL    time.Duration `mapstructure:"session_claim_ttl"`
}

type TelephonyConfig struct {
	// Provider is twilio or mock.
	Provider              string        `mapstructure:"provider"`
	AccountSID            string        `mapstructure:"account_sid"`
	AuthToken             string        `mapstructure:"auth_token"`
	DefaultCallerID       string        `mapstructure:"default_caller_id"`
	DefaultTransferNumber string        `mapstructure:"default_transfer_number"`
	PublicBaseURL         string        `mapstructure:"public_base_url"`
	TimeLimit             time.Duration `mapstructure:"time_limit"`
}

type RealtimeConfig struct {
	URL               string        `mapstructure:"url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Voice             string        `mapstructure:"voice"`
	Temperature       float64       `mapstructure:"temperature"`
	TurnDetection     string        `mapstructure:"turn_detection"`
	VADThreshold      float64       `mapstructure:"vad_threshold"`
	PrefixPadding     time.Duration `mapstructure:"prefix_padding"`
	SilenceDuration   time.Duration `mapstructure:"silence_duration"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ProfilesPath      string        `mapstructure:"profiles_path"`
	DefaultProfile    string        `mapstructure:"default_profile"`
	LocalEnergyCutoff float64       `mapstructure:"local_energy_cutoff"`
}

type BridgeConfig struct {
	TransferDelay    time.Duration `mapstructure:"transfer_delay"`
	HangupDelay      time.Duration `mapstructure:"hangup_delay"`
	AnalysisMinChars int           `mapstructure:"analysis_min_chars"`
	AnsweredMinChars int           `mapstructure:"answered_min_chars"`
	ContextTimeout   time.Duration `mapstructure:"context_timeout"`
	CleanupTimeout   time.Duration `mapstructure:"cleanup_timeout"`
	OtherProjects    int           `mapstructure:"other_projects"`
}

type ScoringConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-voice-bridge")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)

	v.SetDefault("kafka.event_topic", "outbound.call-events")
	v.SetDefault("kafka.consumer_group_id", "outbound-voice-bridge")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.calls_per_second", 2.0)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_step", 5*time.Minute)

	v.SetDefault("retry.scan_interval", 5*time.Minute)
	v.SetDefault("retry.batch_limit", 20)
	v.SetDefault("retry.delays", []string{"2h", "24h", "48h"})
	v.SetDefault("retry.sms_threshold", 3)
	v.SetDefault("retry.sms_template", "Hello {{name}}, we tried to reach you 3 times. Please call us back at {{number}}.")

	v.SetDefault("throttle.default_per_campaign", 10)
	v.SetDefault("throttle.slot_ttl", 45*time.Minute)
	v.SetDefault("throttle.session_claim_ttl", 45*time.Minute)

	v.SetDefault("telephony.provider", "twilio")
	v.SetDefault("telephony.time_limit", 1800*time.Second)

	v.SetDefault("realtime.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.model", "gpt-4o-realtime-preview")
	v.SetDefault("realtime.voice", "echo")
	v.SetDefault("realtime.temperature", 0.9)
	v.SetDefault("realtime.turn_detection", "server")
	v.SetDefault("realtime.vad_threshold", 0.7)
	v.SetDefault("realtime.prefix_padding", 300*time.Millisecond)
	v.SetDefault("realtime.silence_duration", 800*time.Millisecond)
	v.SetDefault("realtime.handshake_timeout", 10*time.Second)
	v.SetDefault("realtime.default_profile", "default")
	v.SetDefault("realtime.local_energy_cutoff", 0.02)

	v.SetDefault("bridge.transfer_delay", 500*time.Millisecond)
	v.SetDefault("bridge.hangup_delay", 4*time.Second)
	v.SetDefault("bridge.analysis_min_chars", 100)
	v.SetDefault("bridge.answered_min_chars", 50)
	v.SetDefault("bridge.context_timeout", 10*time.Second)
	v.SetDefault("bridge.cleanup_timeout", 30*time.Second)
	v.SetDefault("bridge.other_projects", 5)

	v.SetDefault("scoring.model", "gemini-2.0-flash")
	v.SetDefault("scoring.temperature", 0.3)
}

// Validate reports every missing setting the services cannot start without.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	require(c.Postgres.Host, "postgres.host")
	require(c.Postgres.Database, "postgres.database")
	switch c.Telephony.Provider {
	case "twilio":
		require(c.Telephony.AccountSID, "telephony.account_sid")
		require(c.Telephony.AuthToken, "telephony.auth_token")
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("telephony.provider must be twilio or mock, got %q", c.Telephony.Provider))
	}
	require(c.Telephony.DefaultCallerID, "telephony.default_caller_id")
	require(c.Telephony.PublicBaseURL, "telephony.public_base_url")
	require(c.Realtime.APIKey, "realtime.api_key")
	if c.Scoring.Enabled {
		require(c.Scoring.APIKey, "scoring.api_key")
	}

	switch c.Realtime.TurnDetection {
	case "server", "local":
	default:
		errs = append(errs, fmt.Errorf("realtime.turn_detection must be server or local, got %q", c.Realtime.TurnDetection))
	}
	if c.Scheduler.CallsPerSecond <= 0 {
		errs = append(errs, errors.New("scheduler.calls_per_second must be positive"))
	}
	if c.Scheduler.MaxAttempts <= 0 {
		errs = append(errs, errors.New("scheduler.max_attempts must be positive"))
	}
	if len(c.Retry.Delays) == 0 {
		errs = append(errs, errors.New("retry.delays must not be empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
