package app

import (
	"context"
	"fmt"
	"os"

	"canteenservice/internal/config"
	"canteenservice/internal/platform/kafka"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/platform/redisstore"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config               *config.Config
	logger               observability.Logger
	tracer               observability.Tracer
	metrics              *observability.Counters
	store                *redisstore.Store
	gatewayConsumer      kafka.Consumer
	notificationProducer kafka.Producer
	gatewayProducer      kafka.Producer
	otelLogShutdown      func(context.Context) error
	otelTraceShutdown    func(context.Context) error
	otelMetricShutdown   func(context.Context) error
	withConsumer         bool
}

type ContainerOption func(*Container)

// WithoutConsumer skips the gateway-events reader. One-shot tools use it so
// they never join the consumer group.
func WithoutConsumer() ContainerOption {
	return func(c *Container) { c.withConsumer = false }
}

// NewContainer creates and initializes all infrastructure components
func NewContainer(ctx context.Context, opts ...ContainerOption) (*Container, error) {
	// Load configuration first
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	container := &Container{
		config:       cfg,
		withConsumer: true,
	}
	for _, opt := range opts {
		opt(container)
	}

	// Initialize logger
	if err := container.setupLogger(ctx); err != nil {
		return nil, err
	}

	// Setup OpenTelemetry and Kafka
	if err := container.setupObservability(ctx); err != nil {
		return nil, err
	}

	if err := container.setupStore(ctx); err != nil {
		container.Shutdown(ctx)
		return nil, err
	}

	return container, nil
}

// setupLogger initializes the logger with OpenTelemetry integration
func (c *Container) setupLogger(ctx context.Context) error {
	// Start with basic logger
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}

	c.logger = logger
	return nil
}

// setupObservability configures OpenTelemetry logging, tracing and metrics
func (c *Container) setupObservability(ctx context.Context) error {
	// Setup logging SDK
	otelLogShutdown, err := observability.SetupLoggingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}
	c.otelLogShutdown = otelLogShutdown

	// Setup tracing SDK
	tp, otelTraceShutdown, err := observability.SetupTracingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	c.otelTraceShutdown = otelTraceShutdown

	otelMetricShutdown, err := observability.SetupMetricsSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry metrics", zap.Error(err))
	}
	c.otelMetricShutdown = otelMetricShutdown

	// Re-initialize logger with OTel bridge
	c.reinitializeLoggerWithOTel()

	c.tracer = otel.Tracer(config.ServiceName)
	c.metrics = observability.NewCounters()

	var provider trace.TracerProvider = otel.GetTracerProvider()
	if tp != nil {
		provider = tp
	}
	return c.setupKafkaWithTracer(provider)
}

// reinitializeLoggerWithOTel creates a new logger with OpenTelemetry integration
func (c *Container) reinitializeLoggerWithOTel() {
	logProvider := global.GetLoggerProvider()
	instrumentationScopeName := config.ServiceName + ".manual"
	otelZapCore := otelzap.NewCore(instrumentationScopeName,
		otelzap.WithLoggerProvider(logProvider),
	)

	consoleEncoderConfig := zap.NewProductionEncoderConfig()
	consoleEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(consoleEncoderConfig),
		zapcore.Lock(os.Stdout),
		zap.InfoLevel,
	)

	finalCore := zapcore.NewTee(otelZapCore, consoleCore)
	logger := zap.New(finalCore,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(
			zap.String("service.name", config.ServiceName),
			zap.String("service.version", config.ServiceVersion),
		),
	)

	c.logger = logger
	c.logger.Info("Logger re-initialized with OpenTelemetry bridge")
}

// setupKafkaWithTracer initializes the gateway-events reader and the two
// writers with OpenTelemetry
func (c *Container) setupKafkaWithTracer(tp trace.TracerProvider) error {
	if c.withConsumer {
		readerConfig := kafkago.ReaderConfig{
			Brokers: []string{c.config.KafkaBroker},
			Topic:   config.GatewayEventsTopic,
			GroupID: config.GroupID,
		}
		reader, err := otelkafka.NewReader(kafkago.NewReader(readerConfig))
		if err != nil {
			return err
		}
		c.gatewayConsumer = reader
	}

	notifications, err := c.newWriter(tp, config.NotificationTopic)
	if err != nil {
		return err
	}
	c.notificationProducer = notifications

	gatewayEvents, err := c.newWriter(tp, config.GatewayEventsTopic)
	if err != nil {
		return err
	}
	c.gatewayProducer = gatewayEvents

	return nil
}

func (c *Container) newWriter(tp trace.TracerProvider, topic string) (kafka.Producer, error) {
	baseWriter := &kafkago.Writer{
		Addr:         kafkago.TCP(c.config.KafkaBroker),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: config.BatchTimeout,
		BatchSize:    config.BatchSize,
	}

	return otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(topic),
				attribute.String("messaging.kafka.client_id", config.ServiceName),
			},
		),
	)
}

func (c *Container) setupStore(ctx context.Context) error {
	store, err := redisstore.Open(ctx, redisstore.Options{
		RedisURL:     c.config.RedisURL,
		Namespace:    c.config.RedisNamespace,
		MaxTxRetries: config.MaxTxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	c.store = store
	c.logger.Info("Connected to Redis", zap.String("namespace", c.config.RedisNamespace))
	return nil
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	// Close Kafka components
	if c.gatewayConsumer != nil {
		if err := c.gatewayConsumer.Close(); err != nil {
			c.logger.Error("Failed to close gateway event consumer", zap.Error(err))
		}
	}

	for _, p := range []struct {
		name     string
		producer kafka.Producer
	}{
		{"notification", c.notificationProducer},
		{"gateway", c.gatewayProducer},
	} {
		if p.producer == nil {
			continue
		}
		if err := p.producer.Close(); err != nil {
			c.logger.Error("Failed to close message producer", zap.String("producer", p.name), zap.Error(err))
		}
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("Failed to close store", zap.Error(err))
		}
	}

	// Shutdown OpenTelemetry
	if c.otelTraceShutdown != nil {
		if err := c.otelTraceShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel tracing", zap.Error(err))
		}
	}

	if c.otelMetricShutdown != nil {
		if err := c.otelMetricShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel metrics", zap.Error(err))
		}
	}

	if c.otelLogShutdown != nil {
		if err := c.otelLogShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel logging", zap.Error(err))
		}
	}

	// Sync logger
	if err := c.logger.Sync(); err != nil {
		// Can't log this error since logger might be closed
		fmt.Printf("Failed to sync logger: %v\n", err)
	}

	c.logger.Info("Infrastructure shutdown complete")
}

// Getters for accessing infrastructure components
func (c *Container) Config() *config.Config                { return c.config }
func (c *Container) Logger() observability.Logger          { return c.logger }
func (c *Container) Tracer() observability.Tracer          { return c.tracer }
func (c *Container) Metrics() *observability.Counters      { return c.metrics }
func (c *Container) Store() *redisstore.Store              { return c.store }
func (c *Container) GatewayConsumer() kafka.Consumer       { return c.gatewayConsumer }
func (c *Container) NotificationProducer() kafka.Producer  { return c.notificationProducer }
func (c *Container) GatewayEventsProducer() kafka.Producer { return c.gatewayProducer }
