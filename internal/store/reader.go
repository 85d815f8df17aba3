package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// Counts holds the row count of every table in a snapshot.
type Counts struct {
	Threads    int64
	Classes    int64
	Methods    int64
	Signatures int64
	FQNs       int64
	Traces     int64
	Sessions   int64
}

// TraceRow is a trace with its identities decoded.
type TraceRow struct {
	ID        int64
	Parent    int64
	Thread    string
	Class     string
	Method    string
	Signature string
}

// Problem is one inconsistency found by Verify.
type Problem struct {
	Table  string
	ID     int64
	Detail string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s[%d]: %s", p.Table, p.ID, p.Detail)
}

// Reader inspects a snapshot written by Checkpoint.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the snapshot at path for reading.
func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("store: open snapshot: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open snapshot: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA query_only = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open snapshot: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close closes the snapshot.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Counts returns the number of rows in each table.
func (r *Reader) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	tables := []struct {
		name string
		dst  *int64
	}{
		{"threads", &c.Threads},
		{"classes", &c.Classes},
		{"methods", &c.Methods},
		{"signatures", &c.Signatures},
		{"fqns", &c.FQNs},
		{"traces", &c.Traces},
		{"sessions", &c.Sessions},
	}
	for _, t := range tables {
		if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name).Scan(t.dst); err != nil {
			return Counts{}, fmt.Errorf("store: count %s: %w", t.name, err)
		}
	}
	return c, nil
}

// Threads returns the recorded thread names in identity order.
func (r *Reader) Threads(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT thread_name FROM threads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("store: list threads: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Traces returns decoded traces in identity order. An empty thread returns
// every thread's traces.
func (r *Reader) Traces(ctx context.Context, thread string) ([]TraceRow, error) {
	query := `
SELECT t.id, t.parent_trace_id, th.thread_name, c.class_name, m.method_name, s.signature_name
FROM traces t
JOIN threads th ON th.id = t.thread_id
JOIN fqns f ON f.id = t.fqn_id
JOIN classes c ON c.id = f.class_id
JOIN methods m ON m.id = f.method_id
JOIN signatures s ON s.id = f.signature_id
WHERE ? = '' OR th.thread_name = ?
ORDER BY t.id`
	rows, err := r.db.QueryContext(ctx, query, thread, thread)
	if err != nil {
		return nil, fmt.Errorf("store: list traces: %w", err)
	}
	defer rows.Close()

	var out []TraceRow
	for rows.Next() {
		var tr TraceRow
		if err := rows.Scan(&tr.ID, &tr.Parent, &tr.Thread, &tr.Class, &tr.Method, &tr.Signature); err != nil {
			return nil, fmt.Errorf("store: list traces: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// consistencyChecks each select (table, id, detail) for offending rows.
var consistencyChecks = []string{
	`SELECT 'traces', t.id, 'unknown thread ' || t.thread_id FROM traces t
	 WHERE NOT EXISTS (SELECT 1 FROM threads WHERE id = t.thread_id)`,
	`SELECT 'traces', t.id, 'unknown fqn ' || t.fqn_id FROM traces t
	 WHERE NOT EXISTS (SELECT 1 FROM fqns WHERE id = t.fqn_id)`,
	`SELECT 'traces', t.id, 'parent ' || t.parent_trace_id || ' not recorded before child' FROM traces t
	 WHERE t.parent_trace_id != 0
	   AND (t.parent_trace_id >= t.id OR NOT EXISTS (SELECT 1 FROM traces p WHERE p.id = t.parent_trace_id))`,
	`SELECT 'traces', t.id, 'parent ' || t.parent_trace_id || ' on another thread' FROM traces t
	 JOIN traces p ON p.id = t.parent_trace_id
	 WHERE p.thread_id != t.thread_id`,
	`SELECT 'fqns', f.id, 'class ' || f.class_id || ' does not decode' FROM fqns f
	 WHERE NOT EXISTS (SELECT 1 FROM classes WHERE id = f.class_id)`,
	`SELECT 'fqns', f.id, 'method ' || f.method_id || ' does not decode' FROM fqns f
	 WHERE NOT EXISTS (SELECT 1 FROM methods WHERE id = f.method_id)`,
	`SELECT 'fqns', f.id, 'signature ' || f.signature_id || ' does not decode' FROM fqns f
	 WHERE NOT EXISTS (SELECT 1 FROM signatures WHERE id = f.signature_id)`,
	`SELECT 'fqns', MIN(id), 'duplicate triple' FROM fqns
	 GROUP BY class_id, method_id, signature_id HAVING COUNT(*) > 1`,
}

// Verify scans the snapshot for broken references and duplicate identities.
func (r *Reader) Verify(ctx context.Context) ([]Problem, error) {
	var problems []Problem
	for _, q := range consistencyChecks {
		rows, err := r.db.QueryContext(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("store: verify: %w", err)
		}
		for rows.Next() {
			var p Problem
			if err := rows.Scan(&p.Table, &p.ID, &p.Detail); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: verify: %w", err)
			}
			problems = append(problems, p)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("store: verify: %w", err)
		}
	}
	return problems, nil
}
