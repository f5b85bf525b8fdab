// Package main provides the jobtrace stream ingester.
//
// The ingester consumes JSON-encoded span batches from Kafka and writes
// them through the event repository, which persists them to PostgreSQL and
// publishes change notifications over Redis. It also applies the optional
// pipeline seed file at startup and runs the periodic retention sweep.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/jobtrace-io/jobtrace/internal/broker"
	"github.com/jobtrace-io/jobtrace/internal/config"
	"github.com/jobtrace-io/jobtrace/internal/pipeline"
	"github.com/jobtrace-io/jobtrace/internal/storage"
	"github.com/jobtrace-io/jobtrace/internal/tracing"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

const shutdownTimeout = 10 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting jobtrace ingester",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Ingester failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Ingester stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	eventBroker, err := broker.New(ctx, broker.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	defer func() {
		_ = eventBroker.Close()
	}()

	spanStore, err := storage.NewSpanStore(conn)
	if err != nil {
		return fmt.Errorf("create span store: %w", err)
	}

	repositoryConfig := tracing.RepositoryConfigFromEnv()

	repository, err := tracing.NewRepository(spanStore, eventBroker, eventBroker,
		repositoryConfig, tracing.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return fmt.Errorf("create event repository: %w", err)
	}

	defer func() {
		_ = repository.Close()
	}()

	logger.Info("Event repository initialized",
		slog.Int("batch_size", repositoryConfig.BatchSize),
		slog.Duration("flush_interval", repositoryConfig.FlushInterval),
		slog.Int("retention_days", repositoryConfig.RetentionDays),
	)

	if err := applySeed(ctx, conn, logger); err != nil {
		return err
	}

	metricsServer := startMetricsServer(logger)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	go runRetentionSweep(ctx, repository, logger)

	return consume(ctx, repository, logger)
}

// applySeed upserts queue definitions from the optional YAML seed file.
// A missing or invalid file is logged and skipped.
func applySeed(ctx context.Context, conn *storage.Connection, logger *slog.Logger) error {
	path := config.GetEnvStr(pipeline.SeedFileEnvVar, "")
	if path == "" {
		return nil
	}

	seed, err := pipeline.LoadSeedFile(path)
	if err != nil {
		logger.Warn("Pipeline seed file rejected, continuing without it",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil
	}

	pipelineStore, err := storage.NewPipelineStore(conn)
	if err != nil {
		return fmt.Errorf("create pipeline store: %w", err)
	}

	if err := pipeline.ApplySeed(ctx, pipelineStore, seed); err != nil {
		return fmt.Errorf("apply pipeline seed: %w", err)
	}

	if seed != nil {
		logger.Info("Pipeline seed applied",
			slog.String("path", path),
			slog.Int("queues", len(seed.Queues)),
		)
	}

	return nil
}

func startMetricsServer(logger *slog.Logger) *http.Server {
	addr := config.GetEnvStr("METRICS_ADDR", ":9090")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", slog.String("addr", addr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

// runRetentionSweep deletes expired span rows on a fixed interval until the
// context is cancelled.
func runRetentionSweep(ctx context.Context, repository *tracing.Repository, logger *slog.Logger) {
	interval := config.GetEnvDuration("RETENTION_SWEEP_INTERVAL", time.Hour)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repository.TruncateEvents(ctx); err != nil {
				logger.Error("Retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// consume reads span batches from Kafka until the context is cancelled.
// Offsets commit only after the batch is persisted, so a crash replays
// rather than drops; the append-only span store tolerates the replay.
func consume(ctx context.Context, repository *tracing.Repository, logger *slog.Logger) error {
	brokers := config.ParseCommaSeparatedList(
		config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"))
	topic := config.GetEnvStr("KAFKA_TOPIC", "task-events")
	groupID := config.GetEnvStr("KAFKA_GROUP_ID", "jobtrace-ingester")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})

	defer func() {
		_ = reader.Close()
	}()

	logger.Info("Consuming span batches",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("group_id", groupID),
	)

	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("fetch message: %w", err)
		}

		spans, err := decodeSpanBatch(message.Value)
		if err != nil {
			logger.Warn("Skipping undecodable message",
				slog.String("topic", message.Topic),
				slog.Int64("offset", message.Offset),
				slog.String("error", err.Error()),
			)
		} else if len(spans) > 0 {
			if err := repository.InsertManyImmediate(ctx, spans); err != nil {
				return fmt.Errorf("persist span batch: %w", err)
			}

			logger.Debug("Span batch persisted",
				slog.Int("spans", len(spans)),
				slog.Int64("offset", message.Offset),
			)
		}

		if err := reader.CommitMessages(ctx, message); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// spanMessage is the wire form producers write to the topic.
type spanMessage struct {
	ID            string                 `json:"id"`
	TraceID       string                 `json:"traceId"`
	SpanID        string                 `json:"spanId"`
	ParentID      string                 `json:"parentId"`
	RunID         string                 `json:"runId"`
	EnvironmentID string                 `json:"environmentId"`
	Message       string                 `json:"message"`
	IsPartial     bool                   `json:"isPartial"`
	IsCancelled   bool                   `json:"isCancelled"`
	IsError       bool                   `json:"isError"`
	Status        string                 `json:"status"`
	StartTime     int64                  `json:"startTime"`
	Duration      int64                  `json:"duration"`
	Properties    map[string]interface{} `json:"properties"`
	Metadata      map[string]interface{} `json:"metadata"`
	Style         map[string]interface{} `json:"style"`
	Payload       interface{}            `json:"payload"`
	PayloadType   string                 `json:"payloadType"`
	Output        interface{}            `json:"output"`
	OutputType    string                 `json:"outputType"`
	Events        []spanEventMessage     `json:"events"`
}

type spanEventMessage struct {
	Name       string                 `json:"name"`
	Time       int64                  `json:"time"`
	Properties map[string]interface{} `json:"properties"`
}

func (m *spanMessage) toSpan() (*tracing.Span, error) {
	if m.TraceID == "" || m.SpanID == "" {
		return nil, fmt.Errorf("span message missing trace or span id")
	}

	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}

	span := &tracing.Span{
		ID:            id,
		TraceID:       m.TraceID,
		SpanID:        m.SpanID,
		ParentID:      m.ParentID,
		RunID:         m.RunID,
		EnvironmentID: m.EnvironmentID,
		Message:       m.Message,
		IsPartial:     m.IsPartial,
		IsCancelled:   m.IsCancelled,
		IsError:       m.IsError,
		Status:        tracing.SpanStatus(m.Status),
		StartTime:     m.StartTime,
		Duration:      m.Duration,
		Properties:    m.Properties,
		Metadata:      m.Metadata,
		Style:         m.Style,
		Payload:       m.Payload,
		PayloadType:   m.PayloadType,
		Output:        m.Output,
		OutputType:    m.OutputType,
	}

	for _, ev := range m.Events {
		span.Events = append(span.Events, tracing.SpanEvent{
			Name:       ev.Name,
			Time:       ev.Time,
			Properties: ev.Properties,
		})
	}

	return span, nil
}

// decodeSpanBatch accepts either a JSON array of spans or a single span
// object.
func decodeSpanBatch(value []byte) ([]*tracing.Span, error) {
	var messages []spanMessage

	if err := json.Unmarshal(value, &messages); err != nil {
		var single spanMessage
		if err := json.Unmarshal(value, &single); err != nil {
			return nil, fmt.Errorf("decode span batch: %w", err)
		}

		messages = []spanMessage{single}
	}

	spans := make([]*tracing.Span, 0, len(messages))

	for i := range messages {
		span, err := messages[i].toSpan()
		if err != nil {
			return nil, err
		}

		spans = append(spans, span)
	}

	return spans, nil
}
