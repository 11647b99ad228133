// Package eventlog is the append-only circulation journal. Events are written
// through the caller's transaction so a journal entry exists exactly when the
// state change it describes was committed.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTableName = "circulation_events"
	maxBatchSize     = 1000
)

var (
	ErrInvalidBatchSize = errors.New("batch size must be between 1 and 1000")
	ErrEmptyEventType   = errors.New("event type must not be empty")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is a journaled state change of one stream (a book).
type Event struct {
	ID         int64           `json:"id"`
	StreamID   uuid.UUID       `json:"stream_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent encodes data as the event payload.
func NewEvent(streamID uuid.UUID, eventType string, data any, occurredAt time.Time) (Event, error) {
	if eventType == "" {
		return Event{}, ErrEmptyEventType
	}
	payload, err := codec.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		StreamID:   streamID,
		EventType:  eventType,
		Payload:    payload,
		OccurredAt: occurredAt.UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.Payload, v)
}

// Reader reads journaled events by ascending id.
type Reader interface {
	Stream(ctx context.Context, afterID int64, batchSize int) ([]Event, error)
	LoadStream(ctx context.Context, streamID uuid.UUID) ([]Event, error)
}

// ValidateBatchSize checks a Stream batch size.
func ValidateBatchSize(batchSize int) error {
	if batchSize < 1 || batchSize > maxBatchSize {
		return ErrInvalidBatchSize
	}
	return nil
}

// Journal is the Postgres-backed journal.
type Journal struct {
	db      *sqlx.DB
	table   string
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
}

// NewJournal creates a journal over db.
func NewJournal(db *sqlx.DB) *Journal {
	return &Journal{
		db:      db,
		table:   defaultTableName,
		dialect: goqu.Dialect("postgres"),
		tracer:  otel.Tracer("bookledger/eventlog"),
	}
}

type eventRow struct {
	ID         int64     `db:"id"`
	StreamID   uuid.UUID `db:"stream_id"`
	EventType  string    `db:"event_type"`
	Payload    []byte    `db:"payload"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Append writes events through ext, normally an open *sqlx.Tx.
func (j *Journal) Append(ctx context.Context, ext sqlx.ExtContext, events ...Event) error {
	ctx, span := j.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(attribute.Int("event.count", len(events))),
	)
	defer span.End()

	for i, event := range events {
		if event.EventType == "" {
			return ErrEmptyEventType
		}
		query, args, err := j.dialect.Insert(j.table).Prepared(true).Rows(goqu.Record{
			"stream_id":   event.StreamID,
			"event_type":  event.EventType,
			"payload":     string(event.Payload),
			"occurred_at": event.OccurredAt,
		}).Returning("id").ToSQL()
		if err != nil {
			return fmt.Errorf("build insert for event %d: %w", i, err)
		}

		var id int64
		if err := ext.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.String("event.type", event.EventType),
		))
	}

	return nil
}

// Stream provides a cursor-based read of the journal.
func (j *Journal) Stream(ctx context.Context, afterID int64, batchSize int) ([]Event, error) {
	if err := ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	ctx, span := j.tracer.Start(ctx, "eventlog.stream",
		trace.WithAttributes(
			attribute.Int64("after.id", afterID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	query, args, err := j.dialect.From(j.table).Prepared(true).
		Select("id", "stream_id", "event_type", "payload", "occurred_at").
		Where(goqu.C("id").Gt(afterID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build stream query: %w", err)
	}

	var rows []eventRow
	if err := j.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(rows)))
	return toEvents(rows), nil
}

// LoadStream returns every event of one stream in append order.
func (j *Journal) LoadStream(ctx context.Context, streamID uuid.UUID) ([]Event, error) {
	ctx, span := j.tracer.Start(ctx, "eventlog.load",
		trace.WithAttributes(attribute.String("stream.id", streamID.String())),
	)
	defer span.End()

	query, args, err := j.dialect.From(j.table).Prepared(true).
		Select("id", "stream_id", "event_type", "payload", "occurred_at").
		Where(goqu.C("stream_id").Eq(streamID)).
		Order(goqu.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build load query: %w", err)
	}

	var rows []eventRow
	if err := j.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query stream events: %w", err)
	}
	return toEvents(rows), nil
}

func toEvents(rows []eventRow) []Event {
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, Event{
			ID:         r.ID,
			StreamID:   r.StreamID,
			EventType:  r.EventType,
			Payload:    r.Payload,
			OccurredAt: r.OccurredAt,
		})
	}
	return events
}
