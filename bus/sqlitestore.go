package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/rownumber/runtime"

	_ "modernc.org/sqlite"
)

const eventSchemaVersion = 1

// runs holds one row per run, in first-seen order. Status and records are
// filled in from the run.finished event.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	records    INTEGER
);

CREATE TABLE IF NOT EXISTS events (
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	seq        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	shard      INTEGER,
	shard_name TEXT NOT NULL DEFAULT '',
	part       INTEGER,
	attempt    INTEGER NOT NULL,
	at_ns      INTEGER NOT NULL,
	elapsed_ns INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	trace_id   TEXT NOT NULL DEFAULT '',
	span_id    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_at ON events(at_ns);`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionRuns keeps at most this many most recent runs (0 = no run pruning).
	RetentionRuns int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// RunInfo summarizes one recorded run.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	FirstSeen time.Time `json:"first_seen"`
	Status    string    `json:"status"` // running, completed or failed
	Records   *int64    `json:"records,omitempty"`
}

// SQLiteEventStore persists job events to SQLite. Retention, when
// configured, is enforced by a background goroutine stopped by Close.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	// A single connection serializes the drain goroutine with SSE readers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionRuns > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("eventstore: read schema version: %w", err)
	}
	if version > eventSchemaVersion {
		return fmt.Errorf("eventstore: schema version %d is newer than supported version %d", version, eventSchemaVersion)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		sqliteSchema,
		fmt.Sprintf("PRAGMA user_version = %d", eventSchemaVersion),
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore: migrate: %w", err)
		}
	}
	return nil
}

// Append records an event and keeps the run's summary row current.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, first_seen) VALUES (?, ?) ON CONFLICT(run_id) DO NOTHING`,
		event.RunID, event.Time.UnixNano(),
	); err != nil {
		return fmt.Errorf("eventstore: record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, kind, shard, shard_name, part, attempt, at_ns, elapsed_ns, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID,
		event.Seq,
		string(event.Kind),
		nullableIndex(event.Shard),
		event.ShardName,
		nullableIndex(event.Partition),
		event.Attempt,
		event.Time.UnixNano(),
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	); err != nil {
		return fmt.Errorf("eventstore: append: %w", err)
	}

	if event.Kind == runtime.EventRunFinished {
		status, _ := event.Payload["status"].(string)
		if status == "" {
			status = "completed"
		}
		var records any
		if n, ok := event.Int64("records"); ok {
			records = n
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, records = ? WHERE run_id = ?`,
			status, records, event.RunID,
		); err != nil {
			return fmt.Errorf("eventstore: finish run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: commit: %w", err)
	}
	return nil
}

// List returns a run's events with Seq above afterSeq, in Seq order.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, shard, shard_name, part, attempt, at_ns, elapsed_ns, payload, trace_id, span_id
		   FROM events WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list: %w", err)
	}
	defer rows.Close()

	var events []runtime.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("eventstore: latest seq: %w", err)
	}
	return uint64(max(seq, 0)), nil // #nosec G115 -- clamped above
}

// Runs lists recorded runs, most recent first.
func (s *SQLiteEventStore) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, first_seen, status, records FROM runs ORDER BY rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("eventstore: runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var (
			info    RunInfo
			seenNs  int64
			records sql.NullInt64
		)
		if err := rows.Scan(&info.RunID, &seenNs, &info.Status, &records); err != nil {
			return nil, fmt.Errorf("eventstore: scan run: %w", err)
		}
		info.FirstSeen = time.Unix(0, seenNs).UTC()
		if records.Valid {
			info.Records = &records.Int64
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// RunIDs returns recorded run IDs, most recent first.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.RunID
	}
	return ids, nil
}

// Close stops the background pruner and closes the database.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune applies the retention settings once. Runs left without events are
// forgotten as well.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin prune: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	type stmt struct {
		query string
		args  []any
	}
	var stmts []stmt
	if s.cfg.RetentionRuns > 0 {
		stale := `SELECT run_id FROM runs ORDER BY rowid DESC LIMIT -1 OFFSET ?`
		stmts = append(stmts, stmt{`DELETE FROM events WHERE run_id IN (` + stale + `)`, []any{s.cfg.RetentionRuns}})
	}
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		stmts = append(stmts, stmt{`DELETE FROM events WHERE at_ns < ?`, []any{cutoff}})
	}
	stmts = append(stmts, stmt{`DELETE FROM runs WHERE run_id NOT IN (SELECT DISTINCT run_id FROM events)`, nil})

	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("eventstore: prune: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: commit prune: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func nullableIndex(i int) sql.NullInt64 {
	if i == runtime.None {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}

func scanEvent(rows *sql.Rows) (runtime.Event, error) {
	var (
		e                 runtime.Event
		kind, payloadJSON string
		shard, partition  sql.NullInt64
		atNs, elapsedNs   int64
	)
	if err := rows.Scan(
		&e.RunID, &e.Seq, &kind,
		&shard, &e.ShardName, &partition,
		&e.Attempt, &atNs, &elapsedNs,
		&payloadJSON, &e.TraceID, &e.SpanID,
	); err != nil {
		return e, fmt.Errorf("eventstore: scan event: %w", err)
	}

	e.Kind = runtime.EventKind(kind)
	e.Shard, e.Partition = runtime.None, runtime.None
	if shard.Valid {
		e.Shard = int(shard.Int64)
	}
	if partition.Valid {
		e.Partition = int(partition.Int64)
	}
	e.Time = time.Unix(0, atNs)
	e.Elapsed = time.Duration(elapsedNs)

	e.Payload = map[string]any{}
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return e, fmt.Errorf("eventstore: decode payload of seq %d: %w", e.Seq, err)
	}
	return e, nil
}

var _ EventStore = (*SQLiteEventStore)(nil)
