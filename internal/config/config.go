package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port           string
	LogLevel       string
	TracingEnabled bool
	JaegerEndpoint string

	StoreDriver   string
	DatabaseURL   string
	ProposalTable string

	RedisURL      string
	EventDedupTTL time.Duration

	KafkaBrokers     []string
	FlowEventsTopic  string
	BankEventsTopic  string
	BankEventsGroup  string
	BankEventsEnable bool

	NatsURL          string
	ConnectorTimeout time.Duration
	// SandboxBanks are served by the in-process sandbox connector instead of NATS.
	SandboxBanks []string

	SupportedBanks    []string
	MaxSubmitAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxCASRetries     int

	WebhookSecrets map[string]string
	WebhookMaxSkew time.Duration

	ReconcileEnabled    bool
	ReconcileInterval   time.Duration
	ReconcileBatchSize  int
	BankResponseTimeout time.Duration
	SubmissionTimeout   time.Duration
}

// Load reads configuration from the environment (e.g. MAX_SUBMIT_ATTEMPTS).
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	c := &Config{
		Port:           v.GetString("port"),
		LogLevel:       v.GetString("log_level"),
		TracingEnabled: v.GetBool("tracing_enabled"),
		JaegerEndpoint: v.GetString("jaeger_endpoint"),

		StoreDriver:   strings.ToLower(v.GetString("store_driver")),
		DatabaseURL:   v.GetString("database_url"),
		ProposalTable: v.GetString("proposal_table"),

		RedisURL:      v.GetString("redis_url"),
		EventDedupTTL: v.GetDuration("event_dedup_ttl"),

		KafkaBrokers:     splitList(v.GetString("kafka_brokers")),
		FlowEventsTopic:  v.GetString("flow_events_topic"),
		BankEventsTopic:  v.GetString("bank_events_topic"),
		BankEventsGroup:  v.GetString("bank_events_group"),
		BankEventsEnable: v.GetBool("bank_events_enabled"),

		NatsURL:          v.GetString("nats_url"),
		ConnectorTimeout: v.GetDuration("connector_timeout"),
		SandboxBanks:     splitList(v.GetString("sandbox_banks")),

		SupportedBanks:    splitList(v.GetString("supported_banks")),
		MaxSubmitAttempts: v.GetInt("max_submit_attempts"),
		InitialBackoff:    v.GetDuration("initial_backoff"),
		MaxBackoff:        v.GetDuration("max_backoff"),
		MaxCASRetries:     v.GetInt("max_cas_retries"),

		WebhookMaxSkew: v.GetDuration("webhook_max_skew"),

		ReconcileEnabled:    v.GetBool("reconcile_enabled"),
		ReconcileInterval:   v.GetDuration("reconcile_interval"),
		ReconcileBatchSize:  v.GetInt("reconcile_batch_size"),
		BankResponseTimeout: v.GetDuration("bank_response_timeout"),
		SubmissionTimeout:   v.GetDuration("submission_timeout"),
	}

	c.WebhookSecrets = make(map[string]string, len(c.SupportedBanks))
	for _, bank := range c.SupportedBanks {
		if secret := v.GetString("webhook_secret_" + bank); secret != "" {
			c.WebhookSecrets[bank] = secret
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8084")
	v.SetDefault("log_level", "info")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("jaeger_endpoint", "jaeger:4318")

	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("proposal_table", "credit_proposals")

	v.SetDefault("event_dedup_ttl", 24*time.Hour)

	v.SetDefault("flow_events_topic", "authorization.flow.changed")
	v.SetDefault("bank_events_topic", "bank.authorization.events")
	v.SetDefault("bank_events_group", "authorization-orchestrator")
	v.SetDefault("bank_events_enabled", false)

	v.SetDefault("connector_timeout", 10*time.Second)

	v.SetDefault("supported_banks", "itau,bradesco,santander,caixa")
	v.SetDefault("max_submit_attempts", 3)
	v.SetDefault("initial_backoff", 200*time.Millisecond)
	v.SetDefault("max_backoff", 5*time.Second)
	v.SetDefault("max_cas_retries", 5)

	v.SetDefault("webhook_max_skew", 5*time.Minute)

	v.SetDefault("reconcile_enabled", true)
	v.SetDefault("reconcile_interval", time.Minute)
	v.SetDefault("reconcile_batch_size", 100)
	v.SetDefault("bank_response_timeout", 72*time.Hour)
	v.SetDefault("submission_timeout", 10*time.Minute)
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if len(c.SupportedBanks) == 0 {
		return errors.New("SUPPORTED_BANKS must list at least one bank")
	}
	for _, b := range c.SandboxBanks {
		if !c.IsSupported(b) {
			return fmt.Errorf("SANDBOX_BANKS entry %q is not in SUPPORTED_BANKS", b)
		}
	}
	if c.MaxSubmitAttempts < 1 {
		return errors.New("MAX_SUBMIT_ATTEMPTS must be at least 1")
	}
	if c.MaxCASRetries < 1 {
		return errors.New("MAX_CAS_RETRIES must be at least 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return errors.New("backoff must satisfy 0 < INITIAL_BACKOFF <= MAX_BACKOFF")
	}
	if c.ReconcileEnabled && (c.ReconcileInterval <= 0 || c.BankResponseTimeout <= 0 || c.SubmissionTimeout <= 0) {
		return errors.New("RECONCILE_INTERVAL, BANK_RESPONSE_TIMEOUT and SUBMISSION_TIMEOUT must be positive")
	}
	if c.Port == "" {
		return errors.New("missing PORT")
	}
	return nil
}

// IsSupported reports whether bankCode is in the configured bank set.
func (c *Config) IsSupported(bankCode string) bool {
	for _, b := range c.SupportedBanks {
		if b == bankCode {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
