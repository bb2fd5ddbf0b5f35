// Package batch drives resource deltas through the merge manager: one merge
// token per patient, a worker pool for async submissions, grouped batches
// merged in source order, and paced requeueing on lock contention.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/recordmerge/internal/domain/merge"
	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/platform/telemetry"
)

var (
	// ErrQueueFull is returned by Submit when the worker queue has no room.
	ErrQueueFull = errors.New("merge queue is full")
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("merge orchestrator is shutting down")
)

// Merger is the part of merge.Manager the orchestrator needs.
type Merger interface {
	Merge(ctx context.Context, delta *record.ResourceDelta, opts merge.Options) (*merge.Result, error)
	Rollback(ctx context.Context, txID string, actor record.Actor) (*merge.Result, error)
	NewTxID() string
}

// Config controls concurrency, queueing and requeue pacing.
type Config struct {
	Workers     int
	QueueSize   int
	LockWait    time.Duration
	MaxRequeues int
	RequeueRPS  float64
	StatusTTL   time.Duration
}

// DefaultConfig returns the built-in orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		LockWait:    5 * time.Second,
		MaxRequeues: 5,
		RequeueRPS:  10,
		StatusTTL:   time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxRequeues < 0 {
		c.MaxRequeues = 0
	}
	if c.RequeueRPS <= 0 {
		c.RequeueRPS = d.RequeueRPS
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = d.StatusTTL
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

type job struct {
	delta    *record.ResourceDelta
	txID     string
	requeues int
}

// Orchestrator schedules merges. Different patients run in parallel; one
// patient's merges are serialized by its token.
type Orchestrator struct {
	merger  Merger
	store   record.Store
	locks   *PatientLocks
	cfg     Config
	status  *gocache.Cache
	queue   chan job
	requeue *rate.Limiter
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	workers  sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	started  bool
	stopOnce sync.Once
	stopErr  error
}

// New creates an Orchestrator. store is used to find the patient of a
// rollback target. Call Start before Submit.
func New(merger Merger, store record.Store, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		merger:  merger,
		store:   store,
		cfg:     cfg,
		status:  gocache.New(cfg.StatusTTL, cfg.StatusTTL/2),
		queue:   make(chan job, cfg.QueueSize),
		requeue: rate.NewLimiter(rate.Limit(cfg.RequeueRPS), 1),
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.locks = NewPatientLocks(o.metrics)
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	for i := 0; i < o.cfg.Workers; i++ {
		o.workers.Add(1)
		go o.worker(i)
	}
	o.logger.Info().Int("workers", o.cfg.Workers).Int("queue_size", o.cfg.QueueSize).Msg("merge workers started")
}

// Shutdown stops accepting work and waits for every accepted delta to reach
// a final state. If ctx expires first, in-flight merges are aborted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		started := o.started
		o.mu.Unlock()

		done := make(chan struct{})
		go func() {
			if !started {
				o.drainUnstarted()
			}
			o.inflight.Wait()
			close(o.queue)
			o.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn().Msg("shutdown deadline reached, aborting in-flight merges")
			o.cancel()
			<-done
			o.stopErr = ctx.Err()
		}
		o.cancel()
		o.logger.Info().Msg("merge workers stopped")
	})
	return o.stopErr
}

// drainUnstarted fails queued jobs when no worker was ever started.
func (o *Orchestrator) drainUnstarted() {
	for {
		select {
		case j := <-o.queue:
			o.fail(j, ErrShuttingDown)
		default:
			return
		}
	}
}

// Submit validates delta, queues it and returns its transaction id. The
// merge runs on a worker; Status reports its progress.
func (o *Orchestrator) Submit(ctx context.Context, delta *record.ResourceDelta) (string, error) {
	if err := delta.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return "", ErrShuttingDown
	}

	j := job{delta: delta, txID: o.merger.NewTxID()}
	now := time.Now().UTC()
	o.setStatus(Status{
		TxID:        j.txID,
		PatientID:   delta.NormalizedPatientID(),
		State:       StateQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	})
	o.inflight.Add(1)
	select {
	case o.queue <- j:
	default:
		o.inflight.Done()
		o.status.Delete(j.txID)
		return "", ErrQueueFull
	}
	o.metrics.SetQueueDepth(len(o.queue))
	o.logger.Debug().Str("tx_id", j.txID).Str("patient_id", delta.NormalizedPatientID()).Msg("delta queued")
	return j.txID, nil
}

// SubmitSync merges delta on the caller's goroutine. Lock timeouts are
// retried up to MaxRequeues times before ErrLockTimeout is returned.
func (o *Orchestrator) SubmitSync(ctx context.Context, delta *record.ResourceDelta) (*merge.Result, error) {
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	txID := o.merger.NewTxID()
	now := time.Now().UTC()
	st := Status{TxID: txID, PatientID: delta.NormalizedPatientID(), State: StateRunning, SubmittedAt: now, UpdatedAt: now}
	o.setStatus(st)

	res, err := o.mergeLocked(ctx, delta, txID)
	o.setStatus(st.finish(res, err))
	return res, err
}

func (o *Orchestrator) mergeLocked(ctx context.Context, delta *record.ResourceDelta, txID string) (*merge.Result, error) {
	release, err := o.acquire(ctx, delta.NormalizedPatientID())
	if err != nil {
		return nil, err
	}
	defer release()
	return o.merger.Merge(ctx, delta, merge.Options{TxID: txID})
}

// acquire takes the patient's token, requeueing in place on timeouts.
func (o *Orchestrator) acquire(ctx context.Context, patientID string) (func(), error) {
	for attempt := 0; ; attempt++ {
		release, err := o.locks.Acquire(ctx, patientID, o.cfg.LockWait)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLockTimeout) || attempt >= o.cfg.MaxRequeues {
			return nil, err
		}
		o.metrics.Requeue()
		if err := o.requeue.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Status returns the last known state of a submitted transaction.
func (o *Orchestrator) Status(txID string) (Status, bool) {
	v, ok := o.status.Get(txID)
	if !ok {
		return Status{}, false
	}
	return v.(Status), true
}

// Lookup returns the submission status, falling back to the store for
// transactions this process never saw or has already forgotten.
func (o *Orchestrator) Lookup(ctx context.Context, txID string) (Status, error) {
	if st, ok := o.Status(txID); ok {
		return st, nil
	}
	tx, err := o.store.GetTransaction(ctx, txID)
	if err != nil {
		return Status{}, err
	}
	return statusFromTransaction(tx), nil
}

// Rollback reverts a committed transaction while holding its patient's
// token.
func (o *Orchestrator) Rollback(ctx context.Context, txID string, actor record.Actor) (*merge.Result, error) {
	target, err := o.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	release, err := o.acquire(ctx, target.PatientID)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := o.merger.Rollback(ctx, txID, actor)
	if err == nil {
		if st, ok := o.Status(txID); ok {
			st.State = StateRolledBack
			st.RolledBackBy = res.TxID
			st.UpdatedAt = time.Now().UTC()
			o.setStatus(st)
		}
	}
	return res, err
}

// ===================== workers =====================

func (o *Orchestrator) worker(id int) {
	defer o.workers.Done()
	log := o.logger.With().Int("worker", id).Logger()
	for j := range o.queue {
		o.metrics.SetQueueDepth(len(o.queue))
		o.process(log, j)
	}
}

func (o *Orchestrator) process(log zerolog.Logger, j job) {
	if err := o.ctx.Err(); err != nil {
		o.fail(j, ErrShuttingDown)
		return
	}
	o.updateStatus(j.txID, func(st *Status) { st.State = StateRunning; st.Requeues = j.requeues })

	pid := j.delta.NormalizedPatientID()
	release, err := o.locks.Acquire(o.ctx, pid, o.cfg.LockWait)
	if errors.Is(err, ErrLockTimeout) {
		o.retry(log, j, err)
		return
	}
	if err != nil {
		o.fail(j, err)
		return
	}

	res, err := o.merger.Merge(o.ctx, j.delta, merge.Options{TxID: j.txID})
	release()
	o.updateStatus(j.txID, func(st *Status) { *st = st.finish(res, err) })
	o.inflight.Done()
	if err != nil {
		log.Warn().Err(err).Str("tx_id", j.txID).Str("patient_id", pid).Msg("queued merge failed")
	}
}

// retry puts j back on the queue, paced by the requeue limiter, or fails it
// once MaxRequeues is spent.
func (o *Orchestrator) retry(log zerolog.Logger, j job, cause error) {
	if j.requeues >= o.cfg.MaxRequeues {
		o.fail(j, fmt.Errorf("gave up after %d requeues: %w", j.requeues, cause))
		return
	}
	j.requeues++
	o.metrics.Requeue()
	o.updateStatus(j.txID, func(st *Status) { st.State = StateQueued; st.Requeues = j.requeues })
	log.Debug().Str("tx_id", j.txID).Int("requeues", j.requeues).Msg("patient busy, requeueing")

	go func() {
		if err := o.requeue.Wait(o.ctx); err != nil {
			o.fail(j, ErrShuttingDown)
			return
		}
		select {
		case o.queue <- j:
		case <-o.ctx.Done():
			o.fail(j, ErrShuttingDown)
		}
	}()
}

func (o *Orchestrator) fail(j job, err error) {
	o.updateStatus(j.txID, func(st *Status) {
		st.State = StateFailed
		st.Error = err.Error()
	})
	o.metrics.Transaction(string(record.TxMerge), "failed")
	o.inflight.Done()
}

func (o *Orchestrator) setStatus(st Status) {
	o.status.Set(st.TxID, st, gocache.DefaultExpiration)
}

func (o *Orchestrator) updateStatus(txID string, fn func(*Status)) {
	st, _ := o.Status(txID)
	st.TxID = txID
	fn(&st)
	st.UpdatedAt = time.Now().UTC()
	o.setStatus(st)
}
