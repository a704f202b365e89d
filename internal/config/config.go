package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	ServiceName    = "canteen-service"
	ServiceVersion = "0.1.0"
)

const (
	GatewayEventsTopic = "PaymentGatewayEvents"
	NotificationTopic  = "OrderNotifications"
	GroupID            = "canteen-settlement-group"
	BatchTimeout       = 10 * time.Millisecond
	BatchSize          = 100
)

const (
	LogsPath      = "/otlp/v1/logs"    // Grafana Cloud OTLP path
	TracesPath    = "/otlp/v1/traces"  // Grafana Cloud OTLP path
	MetricsPath   = "/otlp/v1/metrics" // Grafana Cloud OTLP path
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
	MetricsPeriod = 15 * time.Second
)

// One TTL per entity type.
const (
	ReservationTTL           = 5 * time.Minute
	ReservationRetention     = 24 * time.Hour
	PickupGracePeriod        = 5 * time.Minute
	AbandonedOrderHorizon    = 24 * time.Hour
	SessionHistoryRetention  = 30 * 24 * time.Hour
	SuspiciousDeviceSwitch   = time.Hour
	OrderIndexRetention      = 30 * 24 * time.Hour
	ReservationSweepInterval = time.Minute
	PickupSweepInterval      = time.Minute
	AbandonedSweepInterval   = time.Hour
	SessionSweepInterval     = 24 * time.Hour
	SweepTimeout             = 30 * time.Second
)

const (
	// SweepPageSize bounds how many documents one sweep page touches; matches the
	// document store's max operations per atomic batch.
	SweepPageSize   = 500
	MaxTxRetries    = 50
	SignatureHeader = "X-Razorpay-Signature"
	ShutdownTimeout = 15 * time.Second
)

const (
	DispatchKafka  = "kafka"
	DispatchInline = "inline"
)

// ErrMissingConfiguration is returned when a required setting is absent.
var ErrMissingConfiguration = errors.New("missing required configuration")

type Config struct {
	HTTPAddr       string
	RedisURL       string
	RedisNamespace string
	KafkaBroker    string
	OtelEndpoint   string
	OtelAuthHeader string

	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration
	Currency             string

	WebhookDispatch string
}

// TelemetryEnabled reports whether OTLP export was configured.
func (c *Config) TelemetryEnabled() bool {
	return c.OtelEndpoint != ""
}

func LoadConfig() (*Config, error) {
	config := &Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		RedisURL:             os.Getenv("REDIS_URL"),
		RedisNamespace:       getEnv("REDIS_NAMESPACE", "canteen"),
		KafkaBroker:          os.Getenv("KAFKA_BROKER"),
		OtelEndpoint:         os.Getenv("OTEL_ENDPOINT"),
		OtelAuthHeader:       os.Getenv("OTEL_AUTH_HEADER"),
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.razorpay.com"),
		GatewayKeyID:         os.Getenv("GATEWAY_KEY_ID"),
		GatewayKeySecret:     os.Getenv("GATEWAY_KEY_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		Currency:             getEnv("CURRENCY", "INR"),
		WebhookDispatch:      getEnv("WEBHOOK_DISPATCH", DispatchKafka),
	}

	required := []struct {
		name  string
		value string
	}{
		{"REDIS_URL", config.RedisURL},
		{"KAFKA_BROKER", config.KafkaBroker},
		{"GATEWAY_KEY_ID", config.GatewayKeyID},
		{"GATEWAY_KEY_SECRET", config.GatewayKeySecret},
		{"GATEWAY_WEBHOOK_SECRET", config.GatewayWebhookSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, fmt.Errorf("%s environment variable is required: %w", r.name, ErrMissingConfiguration)
		}
	}

	if config.OtelEndpoint != "" && config.OtelAuthHeader == "" {
		return nil, fmt.Errorf("OTEL_AUTH_HEADER environment variable is required when OTEL_ENDPOINT is set: %w", ErrMissingConfiguration)
	}

	timeout, err := time.ParseDuration(getEnv("GATEWAY_TIMEOUT", "20s"))
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
	}
	if timeout <= 0 || timeout > time.Minute {
		return nil, fmt.Errorf("GATEWAY_TIMEOUT must be within (0, 1m], got %s", timeout)
	}
	config.GatewayTimeout = timeout

	switch config.WebhookDispatch {
	case DispatchKafka, DispatchInline:
	default:
		return nil, fmt.Errorf("WEBHOOK_DISPATCH must be %q or %q, got %q", DispatchKafka, DispatchInline, config.WebhookDispatch)
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
