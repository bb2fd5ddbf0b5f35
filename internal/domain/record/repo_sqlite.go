package record

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStore persists records in a single SQLite file. The version check
// is a conditional UPDATE, which also takes SQLite's write lock, so the
// check and all inserts run serialized in one transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("load sqlite migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("init sqlite migrate: %w", err)
	}
	// m.Close would close db as well; only the source is released here.
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, patientID string) (*Record, error) {
	key := NormalizePatientID(patientID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rec, err := s.readRecord(ctx, tx, key)
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", key, err)
	}
	return rec, nil
}

func (s *SQLiteStore) readRecord(ctx context.Context, tx *sql.Tx, key string) (*Record, error) {
	rec := NewRecord(key)
	var updated string
	err := tx.QueryRowContext(ctx, `SELECT version, updated_at FROM patient_record WHERE patient_id = ?`, key).
		Scan(&rec.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = parseTime(updated)

	rows, err := tx.QueryContext(ctx, `
		SELECT f.id, f.fact_type, r.revision, r.version, r.payload, r.content_hash, r.status,
			r.confidence, r.source_document_id, r.source_timestamp, r.as_recorded_by, r.tx_id, r.recorded_at
		FROM fact f JOIN fact_revision r ON r.fact_id = f.id
		WHERE f.patient_id = ?
		ORDER BY f.seq, r.revision`, key)
	if err != nil {
		return nil, err
	}
	var revs []FactRevision
	for rows.Next() {
		var (
			rev                     FactRevision
			payload, srcTS, recorded string
		)
		if err := rows.Scan(&rev.FactID, &rev.Type, &rev.Revision, &rev.Version, &payload, &rev.ContentHash,
			&rev.Status, &rev.Confidence, &rev.SourceDocumentID, &srcTS, &rev.AsRecordedBy, &rev.TxID,
			&recorded); err != nil {
			rows.Close()
			return nil, err
		}
		if rev.Payload, err = DecodePayload(rev.Type, json.RawMessage(payload)); err != nil {
			rows.Close()
			return nil, err
		}
		if srcTS != "" {
			ts := parseTime(srcTS)
			rev.SourceTimestamp = &ts
		}
		rev.RecordedAt = parseTime(recorded)
		revs = append(revs, rev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rec.Facts = assembleFacts(key, revs)

	if err := scanBodies(ctx, tx, `SELECT body FROM provenance_entry WHERE patient_id = ? ORDER BY seq`, key,
		func(b []byte) error {
			var p ProvenanceEntry
			if err := json.Unmarshal(b, &p); err != nil {
				return err
			}
			rec.Provenance = append(rec.Provenance, p)
			return nil
		}); err != nil {
		return nil, err
	}
	if err := scanBodies(ctx, tx, `SELECT body FROM merge_conflict WHERE patient_id = ? ORDER BY seq`, key,
		func(b []byte) error {
			var c Conflict
			if err := json.Unmarshal(b, &c); err != nil {
				return err
			}
			rec.Conflicts = append(rec.Conflicts, c)
			return nil
		}); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanBodies(ctx context.Context, tx *sql.Tx, query, key string, fn func([]byte) error) error {
	rows, err := tx.QueryContext(ctx, query, key)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Commit(ctx context.Context, patientID string, expectedVersion int64, mtx *Transaction) (*Record, error) {
	key := NormalizePatientID(patientID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO patient_record (patient_id, version, updated_at) VALUES (?, 0, '')`, key); err != nil {
		return nil, fmt.Errorf("ensure patient row: %w", err)
	}
	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE patient_record SET version = ?, updated_at = ? WHERE patient_id = ? AND version = ?`,
		expectedVersion+1, formatTime(now), key, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("bump version: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("patient %s moved past version %d: %w", key, expectedVersion, ErrVersionConflict)
	}

	if mtx.Kind == TxRollback {
		target, err := s.getTransaction(ctx, tx, mtx.RollbackOf)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err := checkRollbackTarget(target, mtx); err != nil {
			return nil, err
		}
	}
	if err := stampCommit(mtx, expectedVersion+1, now); err != nil {
		return nil, err
	}

	for _, ch := range mtx.Changes {
		rev := ch.New
		if ch.Created() {
			if _, err := tx.ExecContext(ctx, `INSERT INTO fact (id, patient_id, fact_type, created_tx, created_at) VALUES (?,?,?,?,?)`,
				rev.FactID, key, rev.Type, rev.TxID, formatTime(rev.RecordedAt)); err != nil {
				return nil, fmt.Errorf("insert fact %s: %w", rev.FactID, err)
			}
		}
		payload, err := json.Marshal(rev.Payload)
		if err != nil {
			return nil, err
		}
		srcTS := ""
		if rev.SourceTimestamp != nil {
			srcTS = formatTime(*rev.SourceTimestamp)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO fact_revision (fact_id, revision, version, payload, content_hash,
				status, confidence, source_document_id, source_timestamp, as_recorded_by, tx_id, recorded_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			rev.FactID, rev.Revision, rev.Version, string(payload), rev.ContentHash, rev.Status, rev.Confidence,
			rev.SourceDocumentID, srcTS, rev.AsRecordedBy, rev.TxID, formatTime(rev.RecordedAt)); err != nil {
			return nil, fmt.Errorf("insert revision %s/%d: %w", rev.FactID, rev.Revision, err)
		}
	}
	for _, p := range mtx.Provenance {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO provenance_entry (id, patient_id, fact_id, body) VALUES (?,?,?,?)`,
			p.ID, key, p.FactID, string(body)); err != nil {
			return nil, fmt.Errorf("insert provenance %s: %w", p.ID, err)
		}
	}
	for _, c := range mtx.Conflicts {
		body, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO merge_conflict (id, patient_id, status, body) VALUES (?,?,?,?)
			ON CONFLICT (id) DO UPDATE SET status = excluded.status, body = excluded.body`,
			c.ID, key, c.Status, string(body)); err != nil {
			return nil, fmt.Errorf("upsert conflict %s: %w", c.ID, err)
		}
	}
	body, err := json.Marshal(mtx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO merge_transaction (id, patient_id, kind, status, record_version, body)
		VALUES (?,?,?,?,?,?)`, mtx.ID, key, mtx.Kind, mtx.Status, mtx.RecordVersion, string(body)); err != nil {
		return nil, fmt.Errorf("insert transaction %s: %w", mtx.ID, err)
	}
	if mtx.Kind == TxRollback {
		if _, err := tx.ExecContext(ctx, `UPDATE merge_transaction SET status = ?, rolled_back_by = ? WHERE id = ?`,
			TxRolledBack, mtx.ID, mtx.RollbackOf); err != nil {
			return nil, fmt.Errorf("mark rolled back: %w", err)
		}
	}

	rec, err := s.readRecord(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) getTransaction(ctx context.Context, tx *sql.Tx, id string) (*Transaction, error) {
	var (
		body, rolledBackBy string
		status             TxStatus
	)
	err := tx.QueryRowContext(ctx, `SELECT body, status, rolled_back_by FROM merge_transaction WHERE id = ?`, id).
		Scan(&body, &status, &rolledBackBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeTransaction([]byte(body), status, rolledBackBy)
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return s.getTransaction(ctx, tx, id)
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, patientID string, limit, offset int) ([]*Transaction, int, error) {
	key := NormalizePatientID(patientID)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_transaction WHERE patient_id = ?`, key).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body, status, rolled_back_by FROM merge_transaction
		WHERE patient_id = ? ORDER BY record_version DESC LIMIT ? OFFSET ?`, key, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Transaction
	for rows.Next() {
		var (
			body, rolledBackBy string
			status             TxStatus
		)
		if err := rows.Scan(&body, &status, &rolledBackBy); err != nil {
			return nil, 0, err
		}
		t, err := decodeTransaction([]byte(body), status, rolledBackBy)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
