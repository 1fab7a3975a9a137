package shuffle

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/petal-labs/rownumber/core"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS shuffle_tokens (
	run_id TEXT NOT NULL,
	shard INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	target INTEGER NOT NULL,
	marker INTEGER NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	payload BLOB,
	PRIMARY KEY (run_id, shard, seq)
);

CREATE INDEX IF NOT EXISTS idx_shuffle_tokens_group
ON shuffle_tokens(run_id, target, marker, shard, seq);`

// SQLiteStoreConfig configures the SQLite shuffle store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RunID scopes every row, so several runs can share one database.
	RunID string

	// KeepOnClose leaves the run's rows in place when the store closes.
	// By default they are deleted.
	KeepOnClose bool
}

// SQLiteStore persists shuffled tokens to a SQLite database so a partition's
// group can be rebuilt after a restart of the numbering phase.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteStoreConfig

	// SQLite allows one writer at a time; commits are serialized here
	// instead of surfacing SQLITE_BUSY to concurrent shards.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite shuffle store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.RunID == "" {
		return nil, fmt.Errorf("shufflestore: run id is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("shufflestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shufflestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shufflestore: create schema: %w", err)
	}

	return &SQLiteStore{db: db, cfg: cfg}, nil
}

// CommitShard replaces the shard's rows inside a single transaction.
func (s *SQLiteStore) CommitShard(ctx context.Context, shard int, tokens []core.Token) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("shufflestore: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM shuffle_tokens WHERE run_id = ? AND shard = ?`, s.cfg.RunID, shard,
	); err != nil {
		return fmt.Errorf("shufflestore: clear shard %d: %w", shard, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO shuffle_tokens (run_id, shard, seq, target, marker, count, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("shufflestore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for seq, tok := range tokens {
		if _, err := stmt.ExecContext(ctx,
			s.cfg.RunID,
			shard,
			seq,
			tok.Partition,
			int(tok.Marker),
			tok.Count,
			tok.Payload,
		); err != nil {
			return fmt.Errorf("shufflestore: insert shard %d seq %d: %w", shard, seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("shufflestore: commit shard %d: %w", shard, err)
	}
	return nil
}

// DiscardShard deletes the shard's rows.
func (s *SQLiteStore) DiscardShard(ctx context.Context, shard int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM shuffle_tokens WHERE run_id = ? AND shard = ?`, s.cfg.RunID, shard,
	); err != nil {
		return fmt.Errorf("shufflestore: discard shard %d: %w", shard, err)
	}
	return nil
}

// Group reads a partition's tokens ordered by marker, shard and sequence.
func (s *SQLiteStore) Group(ctx context.Context, partition int) ([]core.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT marker, count, payload FROM shuffle_tokens
		 WHERE run_id = ? AND target = ?
		 ORDER BY marker ASC, shard ASC, seq ASC`,
		s.cfg.RunID, partition,
	)
	if err != nil {
		return nil, fmt.Errorf("shufflestore: group %d: %w", partition, err)
	}
	defer rows.Close()

	group := []core.Token{}
	for rows.Next() {
		var (
			marker  int
			count   int64
			payload []byte
		)
		if err := rows.Scan(&marker, &count, &payload); err != nil {
			return nil, fmt.Errorf("shufflestore: scan token: %w", err)
		}
		group = append(group, core.Token{
			Marker:    core.Marker(marker), // #nosec G115 -- stored from a core.Marker byte
			Partition: partition,
			Count:     count,
			Payload:   payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shufflestore: group %d rows: %w", partition, err)
	}
	return group, nil
}

// Tokens returns the number of rows stored for the run.
func (s *SQLiteStore) Tokens(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shuffle_tokens WHERE run_id = ?`, s.cfg.RunID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("shufflestore: count tokens: %w", err)
	}
	return n, nil
}

// Close deletes the run's rows unless KeepOnClose is set, then closes the
// database connection.
func (s *SQLiteStore) Close() error {
	if !s.cfg.KeepOnClose {
		s.writeMu.Lock()
		_, err := s.db.Exec(`DELETE FROM shuffle_tokens WHERE run_id = ?`, s.cfg.RunID)
		s.writeMu.Unlock()
		if err != nil {
			_ = s.db.Close()
			return fmt.Errorf("shufflestore: clear run: %w", err)
		}
	}
	return s.db.Close()
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
