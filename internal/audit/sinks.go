package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"account-security/internal/models"
)

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// BatchInserter is satisfied by client.ClickHouseClient.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// KafkaSink publishes each event keyed by account so per-account order holds.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	var errs []error
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		headers := map[string]string{"event_type": string(event.EventType)}
		if err := s.producer.ProduceMessage(ctx, s.topic, []byte(event.AccountID), payload, headers); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClickHouseSink appends events to a MergeTree table in one batch per flush.
type ClickHouseSink struct {
	inserter BatchInserter
	query    string
}

const ClickHouseSchema = `CREATE TABLE IF NOT EXISTS %s (
	event_id String,
	event_bucket UInt16,
	account_id String,
	event_date Date,
	event_time DateTime64(3, 'UTC'),
	event_type LowCardinality(String),
	channel LowCardinality(String),
	ip_address String,
	client_signature String,
	risk_score UInt8,
	risk_level LowCardinality(String),
	details Map(String, String)
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_bucket, event_time)`

func NewClickHouseSink(inserter BatchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{
		inserter: inserter,
		query:    fmt.Sprintf("INSERT INTO %s", table),
	}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]string{}
		}
		rows = append(rows, []interface{}{
			e.EventID, uint16(e.EventBucket), e.AccountID, e.EventTime, e.EventTime,
			string(e.EventType), e.Channel, e.IPAddress, e.ClientSig,
			uint8(e.RiskScore), e.RiskLevel, details,
		})
	}
	return s.inserter.BatchInsert(ctx, s.query, rows)
}

// ElasticsearchSink indexes login outcomes with their risk assessment so
// analysts can search sign-ins by network, device and score.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	var errs []error
	for _, e := range events {
		switch e.EventType {
		case models.EventLoginSucceeded, models.EventLoginFailed, models.EventLoginBlocked, models.EventAccountLocked:
		default:
			continue
		}
		doc := map[string]interface{}{
			"account_id":       e.AccountID,
			"event_type":       e.EventType,
			"@timestamp":       e.EventTime,
			"ip_address":       e.IPAddress,
			"client_signature": e.ClientSig,
			"risk_score":       e.RiskScore,
			"risk_level":       e.RiskLevel,
			"details":          e.Details,
		}
		if err := s.indexer.IndexDocument(ctx, s.index, e.EventID, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log. Used when no analytics
// backend is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []models.SecurityEvent) error {
	for _, e := range events {
		s.logger.Info("Security event",
			zap.String("event_type", string(e.EventType)),
			zap.String("event_id", e.EventID),
			zap.String("account_id", e.AccountID),
			zap.String("channel", e.Channel),
			zap.String("ip", e.IPAddress),
			zap.Int("risk_score", e.RiskScore),
			zap.String("risk_level", e.RiskLevel),
		)
	}
	return nil
}
