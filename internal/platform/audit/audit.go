// Package audit emits record-merge audit events. Events carry identifiers,
// statuses and actors only; never document or payload content.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/recordmerge/internal/platform/db"
)

// Action names the audited change.
type Action string

const (
	ActionFactCreated           Action = "fact.created"
	ActionFactStatusChanged     Action = "fact.status_changed"
	ActionFactVersionChanged    Action = "fact.version_changed"
	ActionConflictResolved      Action = "conflict.resolved"
	ActionConflictEscalated     Action = "conflict.escalated"
	ActionTransactionCommitted  Action = "transaction.committed"
	ActionTransactionRolledBack Action = "transaction.rolled_back"
)

// Event is one audit record.
type Event struct {
	ID         string `json:"id"`
	Action     Action `json:"action"`
	TxID       string `json:"tx_id"`
	PatientID  string `json:"patient_id"`
	FactID     string `json:"fact_id,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	// RelatedTxID is the reverted transaction on transaction.rolled_back.
	RelatedTxID string    `json:"related_tx_id,omitempty"`
	ActorKind   string    `json:"actor_kind"`
	ActorID     string    `json:"actor_id"`
	Recorded    time.Time `json:"recorded"`
}

func (e *Event) stamp() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
}

// Sink receives audit events.
type Sink interface {
	LogEvent(ctx context.Context, e *Event) error
}

// MultiSink writes to every sink and joins the errors.
type MultiSink []Sink

func (m MultiSink) LogEvent(ctx context.Context, e *Event) error {
	e.stamp()
	var errs []error
	for _, s := range m {
		if err := s.LogEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) LogEvent(_ context.Context, e *Event) error {
	e.stamp()
	s.Logger.Info().
		Str("audit_id", e.ID).
		Str("action", string(e.Action)).
		Str("tx_id", e.TxID).
		Str("patient_id", e.PatientID).
		Str("fact_id", e.FactID).
		Str("conflict_id", e.ConflictID).
		Str("from_status", e.FromStatus).
		Str("to_status", e.ToStatus).
		Str("related_tx_id", e.RelatedTxID).
		Str("actor_kind", e.ActorKind).
		Str("actor_id", e.ActorID).
		Time("recorded", e.Recorded).
		Msg("audit")
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) LogEvent(_ context.Context, e *Event) error {
	e.stamp()
	s.mu.Lock()
	s.events = append(s.events, *e)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// EventSender is the outbound event transport used by WebhookSink.
type EventSender interface {
	Send(ctx context.Context, eventType, patientID, txID string, v interface{}) error
}

// WebhookSink forwards events as audit.<action> webhook events.
type WebhookSink struct {
	Sender EventSender
}

func (s WebhookSink) LogEvent(ctx context.Context, e *Event) error {
	e.stamp()
	return s.Sender.Send(ctx, "audit."+string(e.Action), e.PatientID, e.TxID, e)
}

// PGSink writes events to the audit_event table.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink creates a PGSink backed by pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// LogEvent inserts e, joining the caller's transaction when ctx carries one.
func (s *PGSink) LogEvent(ctx context.Context, e *Event) error {
	e.stamp()
	const query = `
		INSERT INTO audit_event (
			id, action, tx_id, patient_id, fact_id, conflict_id,
			from_status, to_status, related_tx_id, actor_kind, actor_id, recorded
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	args := []any{
		e.ID, string(e.Action), e.TxID, e.PatientID, e.FactID, e.ConflictID,
		e.FromStatus, e.ToStatus, e.RelatedTxID, e.ActorKind, e.ActorID, e.Recorded,
	}

	if tx := db.TxFromContext(ctx); tx != nil {
		_, err := tx.Exec(ctx, query, args...)
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
