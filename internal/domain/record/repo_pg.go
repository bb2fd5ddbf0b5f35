package record

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/recordmerge/internal/platform/db"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresMigrations holds the NNN_name.sql schema files for PGStore.
func PostgresMigrations() fs.FS {
	sub, err := fs.Sub(postgresMigrations, "migrations/postgres")
	if err != nil {
		panic(err)
	}
	return sub
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore persists records in PostgreSQL. A commit takes a row lock on the
// patient_record row, checks the version and writes everything in one
// transaction.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps an existing pool. The schema must already be migrated.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *PGStore) Read(ctx context.Context, patientID string) (*Record, error) {
	key := NormalizePatientID(patientID)
	var rec *Record
	err := db.WithTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly},
		func(ctx context.Context, _ pgx.Tx) error {
			var err error
			rec, err = s.readRecord(ctx, key)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", key, err)
	}
	return rec, nil
}

func (s *PGStore) readRecord(ctx context.Context, key string) (*Record, error) {
	q := s.conn(ctx)
	rec := NewRecord(key)
	err := q.QueryRow(ctx, `SELECT version, updated_at FROM patient_record WHERE patient_id = $1`, key).
		Scan(&rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT f.id, f.fact_type, r.revision, r.version, r.payload, r.content_hash, r.status,
			r.confidence, r.source_document_id, r.source_timestamp, r.as_recorded_by,
			r.tx_id, r.recorded_at
		FROM fact f JOIN fact_revision r ON r.fact_id = f.id
		WHERE f.patient_id = $1
		ORDER BY f.seq, r.revision`, key)
	if err != nil {
		return nil, err
	}
	var revs []FactRevision
	for rows.Next() {
		var (
			rev FactRevision
			raw []byte
		)
		if err := rows.Scan(&rev.FactID, &rev.Type, &rev.Revision, &rev.Version, &raw, &rev.ContentHash,
			&rev.Status, &rev.Confidence, &rev.SourceDocumentID, &rev.SourceTimestamp, &rev.AsRecordedBy,
			&rev.TxID, &rev.RecordedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if rev.Payload, err = DecodePayload(rev.Type, raw); err != nil {
			rows.Close()
			return nil, err
		}
		revs = append(revs, rev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rec.Facts = assembleFacts(key, revs)

	if rec.Provenance, err = s.readProvenance(ctx, q, key); err != nil {
		return nil, err
	}
	if rec.Conflicts, err = s.readConflicts(ctx, q, key); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PGStore) readProvenance(ctx context.Context, q queryable, key string) ([]ProvenanceEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, fact_id, fact_revision, fact_version, kind, source_document_id, extractor_id,
			actor_kind, actor_id, confidence, conflict_id, strategy, rationale, tx_id, recorded_at
		FROM provenance_entry WHERE patient_id = $1 ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProvenanceEntry
	for rows.Next() {
		p := ProvenanceEntry{PatientID: key}
		if err := rows.Scan(&p.ID, &p.FactID, &p.FactRevision, &p.FactVersion, &p.Kind, &p.SourceDocumentID,
			&p.ExtractorID, &p.Actor.Kind, &p.Actor.ID, &p.Confidence, &p.ConflictID, &p.Strategy,
			&p.Rationale, &p.TxID, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) readConflicts(ctx context.Context, q queryable, key string) ([]Conflict, error) {
	rows, err := q.Query(ctx, `
		SELECT id, tx_id, fact_type, incoming_fact_id, existing_fact_ids, rule, severity, strategy,
			rationale, sides, status, review_ref, detected_at, resolved_at, closed_by_tx
		FROM merge_conflict WHERE patient_id = $1 ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		c := Conflict{PatientID: key}
		var existing, sides []byte
		if err := rows.Scan(&c.ID, &c.TxID, &c.FactType, &c.IncomingFactID, &existing, &c.Rule, &c.Severity,
			&c.Strategy, &c.Rationale, &sides, &c.Status, &c.ReviewRef, &c.DetectedAt, &c.ResolvedAt,
			&c.ClosedByTx); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(existing, &c.ExistingFactIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sides, &c.Sides); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) Commit(ctx context.Context, patientID string, expectedVersion int64, tx *Transaction) (*Record, error) {
	key := NormalizePatientID(patientID)
	var rec *Record
	err := db.WithTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, _ pgx.Tx) error {
		q := s.conn(ctx)
		if _, err := q.Exec(ctx, `INSERT INTO patient_record (patient_id, version) VALUES ($1, 0)
			ON CONFLICT (patient_id) DO NOTHING`, key); err != nil {
			return fmt.Errorf("ensure patient row: %w", err)
		}
		var current int64
		if err := q.QueryRow(ctx, `SELECT version FROM patient_record WHERE patient_id = $1 FOR UPDATE`, key).
			Scan(&current); err != nil {
			return fmt.Errorf("lock patient row: %w", err)
		}
		if current != expectedVersion {
			return fmt.Errorf("patient %s at version %d, expected %d: %w", key, current, expectedVersion, ErrVersionConflict)
		}

		if tx.Kind == TxRollback {
			target, err := s.lockTransaction(ctx, q, tx.RollbackOf)
			if err != nil {
				return err
			}
			if err := checkRollbackTarget(target, tx); err != nil {
				return err
			}
		}

		if err := stampCommit(tx, expectedVersion+1, s.now().UTC()); err != nil {
			return err
		}
		if err := s.writeTransaction(ctx, q, key, tx); err != nil {
			return err
		}
		if tx.Kind == TxRollback {
			if _, err := q.Exec(ctx, `UPDATE merge_transaction SET status = $2, rolled_back_by = $3 WHERE id = $1`,
				tx.RollbackOf, TxRolledBack, tx.ID); err != nil {
				return fmt.Errorf("mark rolled back: %w", err)
			}
		}
		if _, err := q.Exec(ctx, `UPDATE patient_record SET version = $2, updated_at = $3 WHERE patient_id = $1`,
			key, tx.RecordVersion, *tx.CommittedAt); err != nil {
			return fmt.Errorf("bump version: %w", err)
		}

		var err error
		rec, err = s.readRecord(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PGStore) lockTransaction(ctx context.Context, q queryable, id string) (*Transaction, error) {
	var (
		body         []byte
		status       TxStatus
		rolledBackBy string
	)
	err := q.QueryRow(ctx, `SELECT body, status, rolled_back_by FROM merge_transaction WHERE id = $1 FOR UPDATE`, id).
		Scan(&body, &status, &rolledBackBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTransaction(body, status, rolledBackBy)
}

func (s *PGStore) writeTransaction(ctx context.Context, q queryable, key string, tx *Transaction) error {
	for _, ch := range tx.Changes {
		rev := ch.New
		if ch.Created() {
			if _, err := q.Exec(ctx, `INSERT INTO fact (id, patient_id, fact_type, created_tx, created_at)
				VALUES ($1,$2,$3,$4,$5)`, rev.FactID, key, rev.Type, rev.TxID, rev.RecordedAt); err != nil {
				return fmt.Errorf("insert fact %s: %w", rev.FactID, err)
			}
		}
		payload, err := json.Marshal(rev.Payload)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `INSERT INTO fact_revision (fact_id, revision, version, payload, content_hash,
				status, confidence, source_document_id, source_timestamp, as_recorded_by, tx_id, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			rev.FactID, rev.Revision, rev.Version, payload, rev.ContentHash, rev.Status, rev.Confidence,
			rev.SourceDocumentID, rev.SourceTimestamp, rev.AsRecordedBy, rev.TxID, rev.RecordedAt); err != nil {
			return fmt.Errorf("insert revision %s/%d: %w", rev.FactID, rev.Revision, err)
		}
	}

	for _, p := range tx.Provenance {
		if _, err := q.Exec(ctx, `INSERT INTO provenance_entry (id, patient_id, fact_id, fact_revision,
				fact_version, kind, source_document_id, extractor_id, actor_kind, actor_id, confidence,
				conflict_id, strategy, rationale, tx_id, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			p.ID, key, p.FactID, p.FactRevision, p.FactVersion, p.Kind, p.SourceDocumentID, p.ExtractorID,
			p.Actor.Kind, p.Actor.ID, p.Confidence, p.ConflictID, p.Strategy, p.Rationale, p.TxID,
			p.RecordedAt); err != nil {
			return fmt.Errorf("insert provenance %s: %w", p.ID, err)
		}
	}

	for _, c := range tx.Conflicts {
		existing, err := json.Marshal(c.ExistingFactIDs)
		if err != nil {
			return err
		}
		sides, err := json.Marshal(c.Sides)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `INSERT INTO merge_conflict (id, patient_id, tx_id, fact_type, incoming_fact_id,
				existing_fact_ids, rule, severity, strategy, rationale, sides, status, review_ref,
				detected_at, resolved_at, closed_by_tx)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, sides = EXCLUDED.sides,
				resolved_at = EXCLUDED.resolved_at, closed_by_tx = EXCLUDED.closed_by_tx`,
			c.ID, key, c.TxID, c.FactType, c.IncomingFactID, existing, c.Rule, c.Severity, c.Strategy,
			c.Rationale, sides, c.Status, c.ReviewRef, c.DetectedAt, c.ResolvedAt, c.ClosedByTx); err != nil {
			return fmt.Errorf("upsert conflict %s: %w", c.ID, err)
		}
	}

	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, `INSERT INTO merge_transaction (id, patient_id, kind, status, record_version,
			rollback_of, body, committed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tx.ID, key, tx.Kind, tx.Status, tx.RecordVersion, tx.RollbackOf, body, *tx.CommittedAt); err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *PGStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var (
		body         []byte
		status       TxStatus
		rolledBackBy string
	)
	err := s.conn(ctx).QueryRow(ctx, `SELECT body, status, rolled_back_by FROM merge_transaction WHERE id = $1`, id).
		Scan(&body, &status, &rolledBackBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeTransaction(body, status, rolledBackBy)
}

func (s *PGStore) ListTransactions(ctx context.Context, patientID string, limit, offset int) ([]*Transaction, int, error) {
	key := NormalizePatientID(patientID)
	q := s.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM merge_transaction WHERE patient_id = $1`, key).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := q.Query(ctx, `SELECT body, status, rolled_back_by FROM merge_transaction
		WHERE patient_id = $1 ORDER BY record_version DESC LIMIT $2 OFFSET $3`, key, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Transaction
	for rows.Next() {
		var (
			body         []byte
			status       TxStatus
			rolledBackBy string
		)
		if err := rows.Scan(&body, &status, &rolledBackBy); err != nil {
			return nil, 0, err
		}
		tx, err := decodeTransaction(body, status, rolledBackBy)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, tx)
	}
	return items, total, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// decodeTransaction rebuilds a transaction from its stored body; status and
// rollback link live in their own columns because rollback updates them.
func decodeTransaction(body []byte, status TxStatus, rolledBackBy string) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	tx.Status = status
	tx.RolledBackBy = rolledBackBy
	return &tx, nil
}

// assembleFacts groups revisions, already ordered by fact creation and
// revision number, into facts.
func assembleFacts(patientID string, revs []FactRevision) []*Fact {
	var (
		facts []*Fact
		byID  = make(map[string]*Fact)
	)
	for _, rev := range revs {
		f, ok := byID[rev.FactID]
		if !ok {
			f = &Fact{PatientID: patientID}
			byID[rev.FactID] = f
			facts = append(facts, f)
		}
		f.Apply(rev)
	}
	return facts
}
