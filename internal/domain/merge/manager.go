// Package merge stages resource deltas against a snapshot of a patient's
// record, commits them with compare-and-swap, and reverts committed
// transactions with compensating ones.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/recordmerge/internal/domain/conflict"
	"github.com/ehr/recordmerge/internal/domain/dedup"
	"github.com/ehr/recordmerge/internal/domain/quality"
	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/domain/review"
	"github.com/ehr/recordmerge/internal/platform/audit"
	"github.com/ehr/recordmerge/internal/platform/telemetry"
)

// DefaultCommitRetries bounds re-staging after a version conflict.
const DefaultCommitRetries = 3

// Option configures a Manager.
type Option func(*Manager)

// WithReviewPublisher sets where review notifications go.
func WithReviewPublisher(p review.Publisher) Option {
	return func(m *Manager) { m.reviews = p }
}

// WithAuditSink sets where audit events go.
func WithAuditSink(s audit.Sink) Option {
	return func(m *Manager) { m.audit = s }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the manager's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCommitRetries sets how many times staging is retried after a version
// conflict.
func WithCommitRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTxIDs overrides transaction id generation.
func WithTxIDs(next func() string) Option {
	return func(m *Manager) { m.newTxID = next }
}

// Options are per-call merge options.
type Options struct {
	// TxID fixes the transaction id, e.g. one handed out by an async submit.
	TxID string
	// Actor defaults to the automated extractor that produced the delta.
	Actor record.Actor
}

// Manager is the transaction manager.
type Manager struct {
	store    record.Store
	policy   Policy
	dedup    *dedup.Engine
	detector *conflict.Detector
	resolver *conflict.Resolver
	gate     *quality.Gate

	reviews review.Publisher
	audit   audit.Sink
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	retries int
	now     func() time.Time
	newTxID func() string
}

// NewManager creates a Manager over store using policy.
func NewManager(store record.Store, policy Policy, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		policy:   policy,
		dedup:    dedup.New(policy.Dedup),
		detector: conflict.NewDetector(policy.Detector),
		resolver: conflict.NewResolver(policy.Resolver),
		gate:     quality.New(policy.Quality),
		logger:   zerolog.Nop(),
		retries:  DefaultCommitRetries,
		now:      func() time.Time { return time.Now().UTC() },
		newTxID:  func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Policy returns the policy the manager was built with.
func (m *Manager) Policy() Policy { return m.policy }

// NewTxID returns a fresh transaction id.
func (m *Manager) NewTxID() string { return m.newTxID() }

// Merge validates delta, stages it against the patient's current record and
// commits it. A version conflict re-stages against a fresh snapshot; once the
// retries are exhausted the returned error wraps ErrMergeFailed and the
// result has status failed.
func (m *Manager) Merge(ctx context.Context, delta *record.ResourceDelta, opts Options) (*Result, error) {
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	txID := opts.TxID
	if txID == "" {
		txID = m.newTxID()
	}
	actor := opts.Actor
	if actor.Kind == "" {
		actor = record.Actor{Kind: record.ActorAutomated, ID: delta.ExtractorID}
	}
	patientID := delta.NormalizedPatientID()
	log := m.logger.With().Str("tx_id", txID).Str("patient_id", patientID).Logger()

	var (
		lastErr  error
		attempts int
	)
	for attempts = 1; attempts <= m.retries+1; attempts++ {
		snap, err := m.store.Read(ctx, patientID)
		if err != nil {
			if ctx.Err() != nil {
				m.metrics.Transaction(string(record.TxMerge), "aborted")
				return nil, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			}
			lastErr = fmt.Errorf("read record: %w", err)
			break
		}

		start := time.Now()
		tx, err := m.stageMerge(ctx, delta, snap, txID, actor)
		m.metrics.ObserveStage(time.Since(start))
		if errors.Is(err, ErrAborted) {
			m.metrics.Transaction(string(record.TxMerge), "aborted")
			log.Info().Int("attempt", attempts).Msg("merge aborted during staging")
			return nil, err
		}
		if err != nil {
			lastErr = err
			break
		}

		rec, err := m.store.Commit(ctx, patientID, snap.Version, tx)
		if err == nil {
			m.afterCommit(ctx, tx, rec)
			return resultFor(tx, attempts, nil), nil
		}
		lastErr = err
		if !errors.Is(err, record.ErrVersionConflict) {
			break
		}
		m.metrics.CommitRetry()
		log.Debug().Int("attempt", attempts).Int64("base_version", snap.Version).Msg("record moved, re-staging")
	}
	if attempts > m.retries+1 {
		attempts = m.retries + 1
	}

	m.metrics.Transaction(string(record.TxMerge), "failed")
	log.Error().Err(lastErr).Int("attempts", attempts).Msg("merge failed")
	ferr := &FailedError{TxID: txID, PatientID: patientID, Attempts: attempts, Err: lastErr}
	return failedResult(txID, patientID, record.TxMerge, attempts, ferr), ferr
}

// Rollback reverts a committed merge with a compensating transaction.
// Unknown ids yield record.ErrNotFound, reverted ones
// record.ErrAlreadyRolledBack, and rollbacks or uncommitted transactions
// record.ErrRollbackNotApplicable.
func (m *Manager) Rollback(ctx context.Context, txID string, actor record.Actor) (*Result, error) {
	if actor.Kind == "" {
		actor = record.Actor{Kind: record.ActorHuman}
	}
	rbID := m.newTxID()
	var (
		lastErr   error
		attempts  int
		patientID string
	)
	for attempts = 1; attempts <= m.retries+1; attempts++ {
		target, err := m.store.GetTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		if err := rollbackApplicable(target); err != nil {
			return nil, err
		}
		patientID = target.PatientID

		snap, err := m.store.Read(ctx, patientID)
		if err != nil {
			lastErr = fmt.Errorf("read record: %w", err)
			break
		}
		tx, diverged, err := m.stageRollback(ctx, target, snap, rbID, actor)
		if err != nil {
			return nil, err
		}

		rec, err := m.store.Commit(ctx, patientID, snap.Version, tx)
		if err == nil {
			m.afterCommit(ctx, tx, rec)
			return resultFor(tx, attempts, diverged), nil
		}
		if errors.Is(err, record.ErrAlreadyRolledBack) || errors.Is(err, record.ErrRollbackNotApplicable) {
			return nil, err
		}
		lastErr = err
		if !errors.Is(err, record.ErrVersionConflict) {
			break
		}
		m.metrics.CommitRetry()
	}
	if attempts > m.retries+1 {
		attempts = m.retries + 1
	}

	m.metrics.Transaction(string(record.TxRollback), "failed")
	m.logger.Error().Err(lastErr).Str("tx_id", rbID).Str("rollback_of", txID).Msg("rollback failed")
	ferr := &FailedError{TxID: rbID, PatientID: patientID, Attempts: attempts, Err: lastErr}
	return failedResult(rbID, patientID, record.TxRollback, attempts, ferr), ferr
}

func rollbackApplicable(target *record.Transaction) error {
	switch {
	case target.Kind == record.TxRollback:
		return fmt.Errorf("transaction %s is a rollback: %w", target.ID, record.ErrRollbackNotApplicable)
	case target.Status == record.TxRolledBack:
		return fmt.Errorf("transaction %s: %w", target.ID, record.ErrAlreadyRolledBack)
	case target.Status != record.TxCommitted:
		return fmt.Errorf("transaction %s is %s: %w", target.ID, target.Status, record.ErrRollbackNotApplicable)
	}
	return nil
}
