package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/platform/telemetry"
)

// ErrLockTimeout is returned when a patient's merge token could not be
// acquired within the bounded wait. Callers requeue rather than fail.
var ErrLockTimeout = errors.New("patient merge token not acquired in time")

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// PatientLocks hands out one merge token per patient. Entries are reference
// counted and dropped once nobody holds or waits for them.
type PatientLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	metrics *telemetry.Metrics
}

// NewPatientLocks creates an empty lock table. metrics may be nil.
func NewPatientLocks(metrics *telemetry.Metrics) *PatientLocks {
	return &PatientLocks{entries: make(map[string]*lockEntry), metrics: metrics}
}

// Acquire blocks until the patient's token is held. A wait <= 0 waits as
// long as ctx allows. The returned release func is safe to call twice.
func (l *PatientLocks) Acquire(ctx context.Context, patientID string, wait time.Duration) (func(), error) {
	key := record.NormalizePatientID(patientID)
	e := l.ref(key)

	actx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	start := time.Now()
	err := e.sem.Acquire(actx, 1)
	l.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		l.unref(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("patient %s after %s: %w", key, wait, ErrLockTimeout)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key)
		})
	}, nil
}

// Len is the number of patients with a held or awaited token.
func (l *PatientLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *PatientLocks) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *PatientLocks) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(l.entries, key)
	}
}
