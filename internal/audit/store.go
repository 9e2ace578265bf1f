package audit

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is one append-only, capacity-bounded audit table. Appends are
// serialized by a lock; once the capacity is exceeded the oldest rows are
// evicted in the same transaction-free step, keeping the table a ring.
type Store struct {
	db       *sql.DB
	capacity int
	mu       sync.Mutex
}

// Record is a single privileged-execution outcome. It never carries the
// elevation secret, raw arguments, or raw output — only the redacted
// command shape and size/outcome numbers.
type Record struct {
	ID           int64
	Timestamp    time.Time
	AgentID      string
	CommandShape string
	Success      bool
	ExitCode     *int
	DurationMS   int64
	OutputBytes  int64
	ErrorSig     string
}

// Filter narrows Query results. Zero values mean "no constraint".
type Filter struct {
	AgentID string
	Success *bool
	Limit   int
}

func OpenStore(dsn string, capacity int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db, capacity: capacity}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Append inserts a record and evicts past-capacity rows, oldest first.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exitCode any
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_records (ts, agent_id, command_shape, success, exit_code, duration_ms, output_bytes, error_sig)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.AgentID, rec.CommandShape,
		rec.Success, exitCode, rec.DurationMS, rec.OutputBytes, rec.ErrorSig,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	_, err = s.db.Exec(
		`DELETE FROM audit_records WHERE id NOT IN
		 (SELECT id FROM audit_records ORDER BY id DESC LIMIT ?)`, s.capacity)
	if err != nil {
		return fmt.Errorf("evict audit records: %w", err)
	}
	return nil
}

// Query returns matching records, newest first.
func (s *Store) Query(f Filter) ([]Record, error) {
	q := "SELECT id, ts, agent_id, command_shape, success, exit_code, duration_ms, output_bytes, error_sig FROM audit_records"
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *f.Success)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 || limit > s.capacity {
		limit = s.capacity
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		var exitCode sql.NullInt64
		if err := rows.Scan(&rec.ID, &ts, &rec.AgentID, &rec.CommandShape, &rec.Success,
			&exitCode, &rec.DurationMS, &rec.OutputBytes, &rec.ErrorSig); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = parsed
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count reports how many records the store currently holds.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_records").Scan(&n)
	return n, err
}
