// Package review emits review-queue notifications for merges a human should
// look at, and keeps an in-memory queue of them for reviewers.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordmerge/internal/domain/record"
)

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Kind separates conflict escalations from quality-gate flags.
type Kind string

const (
	KindConflictReview Kind = "conflict_review"
	KindQualityFlag    Kind = "quality_flag"
)

// ReasonManualReview is the reason code of a conflict escalation.
const ReasonManualReview = "manual_review"

// CompetingValue describes one side of an escalated conflict. It carries the
// fact payload already in the record, never source document content.
type CompetingValue struct {
	FactID           string          `json:"fact_id"`
	Type             record.FactType `json:"type"`
	SubjectKey       string          `json:"subject_key"`
	Payload          record.Payload  `json:"payload,omitempty"`
	Confidence       float64         `json:"confidence"`
	SourceDocumentID string          `json:"source_document_id"`
	Incoming         bool            `json:"incoming"`
}

// Notification is one review-queue entry.
type Notification struct {
	ID           string           `json:"id"`
	Kind         Kind             `json:"kind"`
	TxID         string           `json:"tx_id"`
	PatientID    string           `json:"patient_id"`
	Reasons      []string         `json:"reasons"`
	ConflictID   string           `json:"conflict_id,omitempty"`
	Severity     record.Severity  `json:"severity,omitempty"`
	Rule         string           `json:"rule,omitempty"`
	Competing    []CompetingValue `json:"competing,omitempty"`
	Score        *float64         `json:"score,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Acknowledged bool             `json:"acknowledged"`
	AckedBy      string           `json:"acked_by,omitempty"`
	AckedAt      *time.Time       `json:"acked_at,omitempty"`
}

// ForConflict builds the notification for an escalated conflict. rec must
// contain every side's fact, typically the record returned by the commit.
func ForConflict(tx *record.Transaction, c record.Conflict, rec *record.Record) Notification {
	n := Notification{
		ID:         uuid.New().String(),
		Kind:       KindConflictReview,
		TxID:       tx.ID,
		PatientID:  tx.PatientID,
		Reasons:    []string{ReasonManualReview},
		ConflictID: c.ID,
		Severity:   c.Severity,
		Rule:       c.Rule,
		CreatedAt:  c.DetectedAt,
	}
	for _, s := range c.Sides {
		f := rec.Fact(s.FactID)
		if f == nil {
			continue
		}
		n.Competing = append(n.Competing, CompetingValue{
			FactID:           f.ID,
			Type:             f.Type,
			SubjectKey:       f.Payload.SubjectKey(),
			Payload:          f.Payload,
			Confidence:       f.Confidence,
			SourceDocumentID: f.SourceDocumentID,
			Incoming:         s.Incoming,
		})
	}
	return n
}

// ForQuality builds the quality-flag notification for a committed transaction.
func ForQuality(tx *record.Transaction, at time.Time) Notification {
	score := tx.Quality.Score
	return Notification{
		ID:        uuid.New().String(),
		Kind:      KindQualityFlag,
		TxID:      tx.ID,
		PatientID: tx.PatientID,
		Reasons:   append([]string(nil), tx.Quality.Reasons...),
		Score:     &score,
		CreatedAt: at,
	}
}

// ---------------------------------------------------------------------------
// Publishers
// ---------------------------------------------------------------------------

// Publisher delivers review notifications.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// MultiPublisher fans a notification out to every publisher and joins the
// errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventSender is the outbound event transport used by WebhookPublisher.
type EventSender interface {
	Send(ctx context.Context, eventType, patientID, txID string, v interface{}) error
}

// WebhookPublisher forwards notifications as review.<kind> events.
type WebhookPublisher struct {
	Sender EventSender
}

func (w WebhookPublisher) Publish(ctx context.Context, n Notification) error {
	return w.Sender.Send(ctx, "review."+string(n.Kind), n.PatientID, n.TxID, n)
}

// ---------------------------------------------------------------------------
// In-memory queue
// ---------------------------------------------------------------------------

// ErrNotFound is returned for unknown notification ids.
var ErrNotFound = errors.New("review notification not found")

// Filter narrows queue listings.
type Filter struct {
	PatientID string
	Kind      Kind
	// Pending excludes acknowledged notifications.
	Pending bool
}

// MemoryQueue is a Publisher that keeps notifications for reviewers.
type MemoryQueue struct {
	mu    sync.RWMutex
	items map[string]*Notification
	order []string
	now   func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]*Notification), now: func() time.Time { return time.Now().UTC() }}
}

func (q *MemoryQueue) Publish(_ context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.items[n.ID]; dup {
		return nil
	}
	q.items[n.ID] = &n
	q.order = append(q.order, n.ID)
	return nil
}

// Get returns a copy of one notification.
func (q *MemoryQueue) Get(_ context.Context, id string) (*Notification, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

// List returns matching notifications, newest first.
func (q *MemoryQueue) List(_ context.Context, f Filter, limit, offset int) ([]*Notification, int) {
	q.mu.RLock()
	var out []*Notification
	for _, id := range q.order {
		n := q.items[id]
		if f.PatientID != "" && n.PatientID != record.NormalizePatientID(f.PatientID) {
			continue
		}
		if f.Kind != "" && n.Kind != f.Kind {
			continue
		}
		if f.Pending && n.Acknowledged {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	q.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return []*Notification{}, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return out[offset:end], total
}

// Acknowledge marks a notification as handled by reviewer.
func (q *MemoryQueue) Acknowledge(_ context.Context, id, reviewer string) (*Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if !n.Acknowledged {
		at := q.now()
		n.Acknowledged = true
		n.AckedBy = reviewer
		n.AckedAt = &at
	}
	cp := *n
	return &cp, nil
}

// Pending returns the count of unacknowledged notifications.
func (q *MemoryQueue) Pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var c int
	for _, n := range q.items {
		if !n.Acknowledged {
			c++
		}
	}
	return c
}
