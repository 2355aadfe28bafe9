package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrOutboxUnavailable = errors.New("outbox_unavailable")
	ErrInvalidEvent      = errors.New("invalid_ledger_event")
)

// Event is one ledger fact bound for downstream consumers. DedupeKey
// names the write the event describes ("transaction:<id>",
// "order_finalized:<id>"); replaying the same write is absorbed by the
// unique (org_id, dedupe_key) index instead of emitting a second event.
type Event struct {
	OrgID     snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Validate rejects events downstream consumers could not deduplicate.
func (e Event) Validate() error {
	if e.OrgID == 0 {
		return ErrInvalidEvent
	}
	if strings.TrimSpace(e.Type) == "" || strings.TrimSpace(e.DedupeKey) == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Outbox records ledger events in the ledger_events table, in the same
// transaction as the state they describe. The Kafka publisher worker
// drains them afterwards.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

// Publish records an event outside any caller transaction.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.publish(ctx, o.db, event)
}

// PublishTx records an event inside the caller's transaction, so the
// event row commits or rolls back with the write it describes.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return ErrOutboxUnavailable
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return ErrOutboxUnavailable
	}
	if err := event.Validate(); err != nil {
		return err
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_events (id, org_id, event_type, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, FALSE, ?)
		 ON CONFLICT (org_id, dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.OrgID,
		strings.TrimSpace(event.Type),
		payload,
		strings.TrimSpace(event.DedupeKey),
		time.Now().UTC(),
	).Error
}
