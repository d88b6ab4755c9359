package store

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/replog"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the reference Store implementation. SQLite only supports
// one writer at a time, so the connection pool is pinned to a single
// connection — matching the single-transaction-per-batch contract the
// Inserter relies on.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens a SQLite database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to sqlite database")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying pragmas")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying schema")
	}

	return &SQLiteStore{db: db, logger: replog.Component("store")}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Contains(ctx context.Context, docID, revID string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rev_id, history FROM revisions WHERE doc_id = ?`, docID)
	if err != nil {
		return false, errors.Wrap(err, "querying revisions")
	}
	defer rows.Close()

	for rows.Next() {
		var storedRev, history string
		if err := rows.Scan(&storedRev, &history); err != nil {
			return false, errors.Wrap(err, "scanning revision row")
		}
		if storedRev == revID {
			return true, nil
		}
		// storedRev is a descendant of revID if revID appears in its
		// recorded ancestor history.
		for _, anc := range splitHistory(history) {
			if anc == revID {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

func (s *SQLiteStore) CanAppendLinear(ctx context.Context, docID, revID string, history []string) (bool, error) {
	if len(history) == 0 {
		// No parent claimed: only safe if the document doesn't exist yet.
		exists, err := s.hasAnyRevision(ctx, docID)
		return !exists, err
	}
	parent := history[len(history)-1]
	winner, err := s.winningRev(ctx, docID)
	if err != nil {
		return false, err
	}
	if winner == "" {
		return false, nil
	}
	return winner == parent, nil
}

func (s *SQLiteStore) hasAnyRevision(ctx context.Context, docID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions WHERE doc_id = ?`, docID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "counting revisions")
	}
	return n > 0, nil
}

// winningRev returns the revision with the longest history chain recorded
// for docID, a simplified stand-in for real revision-tree conflict
// resolution (out of scope per spec.md §1).
func (s *SQLiteStore) winningRev(ctx context.Context, docID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rev_id, history FROM revisions WHERE doc_id = ?`, docID)
	if err != nil {
		return "", errors.Wrap(err, "querying revisions")
	}
	defer rows.Close()

	var winner string
	var winnerDepth = -1
	for rows.Next() {
		var revID, history string
		if err := rows.Scan(&revID, &history); err != nil {
			return "", errors.Wrap(err, "scanning revision row")
		}
		depth := len(splitHistory(history))
		if depth > winnerDepth {
			winner, winnerDepth = revID, depth
		}
	}
	return winner, rows.Err()
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, revs []*model.RevToInsert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		wrapped := errors.Wrap(err, "beginning transaction")
		finishAll(revs, wrapped, true)
		return wrapped
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO revisions (doc_id, rev_id, history, deleted, body) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		wrapped := errors.Wrap(err, "preparing insert")
		finishAll(revs, wrapped, true)
		return wrapped
	}
	defer stmt.Close()

	for _, rev := range revs {
		deleted := 0
		if rev.Deleted {
			deleted = 1
		}
		if _, err := stmt.ExecContext(ctx, rev.DocID, rev.RevID, joinHistory(rev.History), deleted, rev.Body); err != nil {
			tx.Rollback()
			wrapped := errors.Wrapf(err, "inserting %s/%s", rev.DocID, rev.RevID)
			finishAll(revs, wrapped, isTransientSQLiteError(err))
			return wrapped
		}
	}

	if err := tx.Commit(); err != nil {
		wrapped := errors.Wrap(err, "committing batch")
		finishAll(revs, wrapped, isTransientSQLiteError(err))
		return wrapped
	}

	for _, rev := range revs {
		rev.Finish()
	}
	return nil
}

func finishAll(revs []*model.RevToInsert, err error, transient bool) {
	for _, rev := range revs {
		rev.FinishError(err, transient)
	}
}

// isTransientSQLiteError classifies lock-contention style failures as
// retryable; everything else (constraint violations, corruption) is
// treated as permanent.
func isTransientSQLiteError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, replicatorID string) (CheckpointRecord, error) {
	var rec CheckpointRecord
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT replicator_id, last_sequence, config_fingerprint, updated_at FROM checkpoints WHERE replicator_id = ?`,
		replicatorID,
	).Scan(&rec.ReplicatorID, &rec.LastSequence, &rec.ConfigFingerprint, &updatedAt)
	if err == sql.ErrNoRows {
		return CheckpointRecord{}, nil
	}
	if err != nil {
		return CheckpointRecord{}, errors.Wrap(err, "loading checkpoint")
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return CheckpointRecord{}, errors.Wrap(err, "parsing checkpoint timestamp")
	}
	return rec, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (replicator_id, last_sequence, config_fingerprint, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(replicator_id) DO UPDATE SET last_sequence=excluded.last_sequence,
		   config_fingerprint=excluded.config_fingerprint, updated_at=excluded.updated_at`,
		rec.ReplicatorID, string(rec.LastSequence), rec.ConfigFingerprint, rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "saving checkpoint")
	}
	return nil
}

func splitHistory(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinHistory(h []string) string {
	return strings.Join(h, ",")
}
