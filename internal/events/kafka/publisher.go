package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Publisher drains unpublished rows from ledger_events to a Kafka
// topic. Delivery is at-least-once; consumers dedupe on the carried
// dedupe key.
type Publisher struct {
	db     *gorm.DB
	log    *zap.Logger
	writer *kafka.Writer

	pollInterval time.Duration
	batchSize    int
}

type Config struct {
	Brokers      []string
	Topic        string
	PollInterval time.Duration
	BatchSize    int
}

func NewPublisher(db *gorm.DB, log *zap.Logger, cfg Config) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &Publisher{
		db:           db,
		log:          log.Named("events.publisher"),
		writer:       writer,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}
}

// RunForever polls the outbox until the context is cancelled.
func (p *Publisher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.DrainOnce(ctx); err != nil {
			p.log.Warn("outbox drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close flushes and closes the Kafka writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

type outboxRow struct {
	ID        snowflake.ID
	OrgID     snowflake.ID
	EventType string
	Payload   datatypes.JSONMap
	DedupeKey string
	CreatedAt time.Time
}

// DrainOnce publishes one batch of unpublished events and marks them
// published. Returns the number of events delivered.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	var rows []outboxRow
	err := p.db.WithContext(ctx).Raw(
		`SELECT id, org_id, event_type, payload, dedupe_key, created_at
		 FROM ledger_events
		 WHERE published = FALSE
		 ORDER BY id
		 LIMIT ?`,
		p.batchSize,
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	messages := make([]kafka.Message, 0, len(rows))
	ids := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		value, err := json.Marshal(map[string]any{
			"id":         row.ID.String(),
			"org_id":     row.OrgID.String(),
			"event_type": row.EventType,
			"dedupe_key": row.DedupeKey,
			"payload":    map[string]any(row.Payload),
			"created_at": row.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return 0, err
		}
		// Keyed by org + dedupe key: redeliveries of the same write land
		// on the same partition, so consumers drop duplicates in order.
		messages = append(messages, kafka.Message{
			Key:   []byte(strconv.FormatInt(int64(row.OrgID), 10) + ":" + row.DedupeKey),
			Value: value,
		})
		ids = append(ids, row.ID)
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return 0, err
	}

	if err := p.db.WithContext(ctx).Exec(
		`UPDATE ledger_events SET published = TRUE WHERE id IN ?`,
		ids,
	).Error; err != nil {
		return 0, err
	}
	return len(rows), nil
}
