// Package main provides the entry point for the widget consumer worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"widgetconsumer/internal/consumer"
	"widgetconsumer/internal/dispatch"
	"widgetconsumer/internal/observability/logging"
	"widgetconsumer/internal/observability/metrics"
	"widgetconsumer/internal/observability/tracing"
	"widgetconsumer/internal/sink"
	dynamosink "widgetconsumer/internal/sink/dynamo"
	s3sink "widgetconsumer/internal/sink/s3"
	sqssource "widgetconsumer/internal/source/sqs"
)

// Config contains the configuration for the worker. Values come from the
// environment (the container contract: QUEUE_NAME, AWS_REGION, ...) and can
// be overridden with command line flags.
type Config struct {
	// Queue configuration
	QueueName          string `envconfig:"QUEUE_NAME"`
	QueueURL           string `envconfig:"QUEUE_URL"`
	DeadLetterQueueURL string `envconfig:"DEAD_LETTER_QUEUE_URL"`
	Region             string `envconfig:"AWS_REGION" default:"us-east-1"`
	Endpoint           string `envconfig:"AWS_ENDPOINT_URL"`
	WaitTimeSeconds    int    `envconfig:"WAIT_TIME_SECONDS" default:"20"`

	// Storage configuration
	StorageMode  string `envconfig:"STORAGE_MODE" default:"dynamodb"`
	WidgetTable  string `envconfig:"WIDGET_TABLE"`
	WidgetBucket string `envconfig:"WIDGET_BUCKET"`

	// Consumer configuration
	BatchSize           int           `envconfig:"BATCH_SIZE" default:"10"`
	MaxConcurrency      int           `envconfig:"MAX_CONCURRENCY" default:"10"`
	VisibilityTimeout   int           `envconfig:"VISIBILITY_TIMEOUT" default:"30"`
	MaxAttempts         int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	PollIntervalOnEmpty time.Duration `envconfig:"POLL_INTERVAL_ON_EMPTY" default:"1s"`
	RetryDelaySeconds   int           `envconfig:"RETRY_DELAY_SECONDS" default:"10"`
	HandlerTimeout      time.Duration `envconfig:"HANDLER_TIMEOUT" default:"5m"`
	ShutdownGrace       time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`

	// Observability configuration
	LogLevel        string  `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled  bool    `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsEndpoint string  `envconfig:"METRICS_ENDPOINT" default:":9090"`
	TracingEnabled  bool    `envconfig:"TRACING_ENABLED" default:"false"`
	TracingEndpoint string  `envconfig:"TRACING_ENDPOINT" default:"localhost:4317"`
	TracingSample   float64 `envconfig:"TRACING_SAMPLE_RATE" default:"1.0"`
	ServiceName     string  `envconfig:"SERVICE_NAME" default:"widget-consumer"`
	ServiceVersion  string  `envconfig:"SERVICE_VERSION" default:"0.1.0"`
	Environment     string  `envconfig:"ENVIRONMENT" default:"development"`
}

// loadConfig reads the environment and then lets flags override it.
func loadConfig() *Config {
	config := &Config{}
	if err := envconfig.Process("", config); err != nil {
		fmt.Fprintln(os.Stderr, "Error: invalid environment configuration:", err)
		os.Exit(2)
	}

	flag.StringVar(&config.QueueName, "queue-name", config.QueueName, "Name of the SQS queue (resolved to a URL at startup)")
	flag.StringVar(&config.QueueURL, "queue-url", config.QueueURL, "URL of the SQS queue (takes precedence over queue-name)")
	flag.StringVar(&config.DeadLetterQueueURL, "dead-letter-queue-url", config.DeadLetterQueueURL, "URL of the dead-letter queue")
	flag.StringVar(&config.Region, "region", config.Region, "AWS region")
	flag.StringVar(&config.Endpoint, "endpoint", config.Endpoint, "AWS endpoint URL (for local development)")
	flag.IntVar(&config.WaitTimeSeconds, "wait-time", config.WaitTimeSeconds, "Wait time for long polling in seconds")

	flag.StringVar(&config.StorageMode, "storage", config.StorageMode, "Storage mode (dynamodb or s3)")
	flag.StringVar(&config.WidgetTable, "table", config.WidgetTable, "DynamoDB table for widgets")
	flag.StringVar(&config.WidgetBucket, "bucket", config.WidgetBucket, "S3 bucket for widgets")

	flag.IntVar(&config.BatchSize, "batch-size", config.BatchSize, "Maximum number of messages to receive in a single call")
	flag.IntVar(&config.MaxConcurrency, "max-concurrency", config.MaxConcurrency, "Maximum number of messages to process concurrently")
	flag.IntVar(&config.VisibilityTimeout, "visibility-timeout", config.VisibilityTimeout, "Visibility timeout for messages in seconds")
	flag.IntVar(&config.MaxAttempts, "max-attempts", config.MaxAttempts, "Delivery attempts before a message is dead-lettered")
	flag.DurationVar(&config.PollIntervalOnEmpty, "poll-interval-on-empty", config.PollIntervalOnEmpty, "Delay before polling again after an empty receive")
	flag.IntVar(&config.RetryDelaySeconds, "retry-delay", config.RetryDelaySeconds, "Redelivery delay for released messages in seconds")
	flag.DurationVar(&config.HandlerTimeout, "handler-timeout", config.HandlerTimeout, "Hard per-message processing deadline")
	flag.DurationVar(&config.ShutdownGrace, "shutdown-grace", config.ShutdownGrace, "Maximum time to wait for in-flight messages during shutdown")

	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	flag.BoolVar(&config.MetricsEnabled, "metrics-enabled", config.MetricsEnabled, "Enable Prometheus metrics")
	flag.StringVar(&config.MetricsEndpoint, "metrics-endpoint", config.MetricsEndpoint, "Endpoint for Prometheus metrics")
	flag.BoolVar(&config.TracingEnabled, "tracing-enabled", config.TracingEnabled, "Enable OpenTelemetry tracing")
	flag.StringVar(&config.TracingEndpoint, "tracing-endpoint", config.TracingEndpoint, "Endpoint for OpenTelemetry tracing")

	flag.Parse()

	if config.QueueURL == "" && config.QueueName == "" {
		fmt.Fprintln(os.Stderr, "Error: queue-url or queue-name is required")
		flag.Usage()
		os.Exit(2)
	}

	return config
}

// setupSource builds the SQS-backed message source, resolving the queue
// name to a URL when needed.
func setupSource(ctx context.Context, config *Config, awsCfg aws.Config) (*sqssource.Source, error) {
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = &config.Endpoint
		}
	})

	queueURL := config.QueueURL
	if queueURL == "" {
		out, err := sqsClient.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName: aws.String(config.QueueName),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve queue %q: %w", config.QueueName, err)
		}
		queueURL = aws.ToString(out.QueueUrl)
	}

	src, err := sqssource.New(sqsClient, sqssource.Config{
		QueueURL:           queueURL,
		DeadLetterQueueURL: config.DeadLetterQueueURL,
		WaitTimeSeconds:    config.WaitTimeSeconds,
		VisibilityTimeout:  config.VisibilityTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := src.Verify(ctx); err != nil {
		return nil, err
	}
	return src, nil
}

// setupSink builds the storage sink selected by the storage mode. The mode
// is resolved exactly once here; per-message code never branches on it.
func setupSink(config *Config, awsCfg aws.Config) (sink.StorageSink, error) {
	mode, err := sink.ParseMode(config.StorageMode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case sink.ModeDynamoDB:
		if config.WidgetTable == "" {
			return nil, fmt.Errorf("storage mode %s requires a table", mode)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if config.Endpoint != "" {
				o.BaseEndpoint = &config.Endpoint
			}
		})
		return dynamosink.New(client, config.WidgetTable)

	case sink.ModeS3:
		if config.WidgetBucket == "" {
			return nil, fmt.Errorf("storage mode %s requires a bucket", mode)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if config.Endpoint != "" {
				o.BaseEndpoint = &config.Endpoint
				o.UsePathStyle = true
			}
		})
		return s3sink.New(client, config.WidgetBucket)

	default:
		return nil, fmt.Errorf("unknown storage mode: %s", mode)
	}
}

func main() {
	config := loadConfig()

	logging.Setup(config.LogLevel)

	m := metrics.New(metrics.Config{
		Enabled:      config.MetricsEnabled,
		HTTPEndpoint: config.MetricsEndpoint,
	})

	if err := tracing.Init(tracing.Config{
		Enabled:        config.TracingEnabled,
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		Environment:    config.Environment,
		OTLPEndpoint:   config.TracingEndpoint,
		SampleRate:     config.TracingSample,
	}); err != nil {
		logrus.WithError(err).Error("Failed to initialize tracer, continuing without tracing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logrus.WithField("signal", sig.String()).Info("Received termination signal")
		cancel()
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load AWS config")
	}

	src, err := setupSource(ctx, config, awsCfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up message source")
	}

	storage, err := setupSink(config, awsCfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up storage sink")
	}

	loop, err := consumer.New(src, dispatch.New(storage), consumer.Config{
		BatchSize:                config.BatchSize,
		MaxConcurrency:           config.MaxConcurrency,
		VisibilityTimeoutSeconds: config.VisibilityTimeout,
		MaxAttempts:              config.MaxAttempts,
		PollIntervalOnEmpty:      config.PollIntervalOnEmpty,
		RetryDelaySeconds:        config.RetryDelaySeconds,
		HandlerTimeout:           config.HandlerTimeout,
		ShutdownGrace:            config.ShutdownGrace,
	}, m)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up consumer")
	}

	runErr := loop.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to shut down tracing")
	}
	if err := m.Shutdown(); err != nil {
		logrus.WithError(err).Error("Failed to shut down metrics")
	}

	if runErr != nil {
		logrus.WithError(runErr).Error("Consumer stopped with fatal error")
		os.Exit(1)
	}
	logrus.Info("Consumer shutdown complete")
}
