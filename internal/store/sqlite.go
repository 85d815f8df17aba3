package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"fortio.org/safecast"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ppiankov/calltrace/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (id INTEGER PRIMARY KEY, thread_name TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS classes (id INTEGER PRIMARY KEY, class_name TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS methods (id INTEGER PRIMARY KEY, method_name TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS signatures (id INTEGER PRIMARY KEY, signature_name TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS fqns (
	id INTEGER PRIMARY KEY,
	class_id INTEGER NOT NULL,
	method_id INTEGER NOT NULL,
	signature_id INTEGER NOT NULL,
	call_site INTEGER,
	UNIQUE (class_id, method_id, signature_id)
);
CREATE TABLE IF NOT EXISTS traces (
	id INTEGER PRIMARY KEY,
	thread_id INTEGER NOT NULL,
	fqn_id INTEGER NOT NULL,
	parent_trace_id INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sessions (id TEXT PRIMARY KEY, started_at TEXT NOT NULL);
`

// Upserts return the existing row id on conflict so interning is idempotent.
const (
	stmtThread    = `INSERT INTO threads (thread_name) VALUES (?) ON CONFLICT (thread_name) DO UPDATE SET thread_name = excluded.thread_name RETURNING id`
	stmtClass     = `INSERT INTO classes (class_name) VALUES (?) ON CONFLICT (class_name) DO UPDATE SET class_name = excluded.class_name RETURNING id`
	stmtMethod    = `INSERT INTO methods (method_name) VALUES (?) ON CONFLICT (method_name) DO UPDATE SET method_name = excluded.method_name RETURNING id`
	stmtSignature = `INSERT INTO signatures (signature_name) VALUES (?) ON CONFLICT (signature_name) DO UPDATE SET signature_name = excluded.signature_name RETURNING id`
	stmtFQN       = `INSERT INTO fqns (class_id, method_id, signature_id, call_site) VALUES (?, ?, ?, ?) ON CONFLICT (class_id, method_id, signature_id) DO UPDATE SET call_site = fqns.call_site RETURNING id`
	stmtTrace     = `INSERT INTO traces (thread_id, fqn_id, parent_trace_id) VALUES (?, ?, ?)`
	stmtSession   = `INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)`
)

// SQLite is a Sink backed by an in-memory SQLite database that is copied to
// its storage location on every checkpoint.
type SQLite struct {
	location string
	db       *sql.DB

	thread    *sql.Stmt
	class     *sql.Stmt
	method    *sql.Stmt
	signature *sql.Stmt
	fqn       *sql.Stmt
	trace     *sql.Stmt
	session   *sql.Stmt

	records atomic.Int64
	closed  atomic.Bool
}

// OpenSQLite creates the in-memory database and its schema. location is the
// snapshot path written by Checkpoint.
func OpenSQLite(location string) (*SQLite, error) {
	if location == "" {
		location = DefaultLocation
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &SQLite{location: location, db: db}
	stmts := []struct {
		dst  **sql.Stmt
		text string
	}{
		{&s.thread, stmtThread},
		{&s.class, stmtClass},
		{&s.method, stmtMethod},
		{&s.signature, stmtSignature},
		{&s.fqn, stmtFQN},
		{&s.trace, stmtTrace},
		{&s.session, stmtSession},
	}
	for _, st := range stmts {
		prepared, err := db.Prepare(st.text)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: prepare: %w", err)
		}
		*st.dst = prepared
	}
	return s, nil
}

// Location returns the snapshot path.
func (s *SQLite) Location() string {
	return s.location
}

func (s *SQLite) internName(stmt *sql.Stmt, table, name string) (model.ID, error) {
	if s.closed.Load() {
		return model.NoID, ErrClosed
	}
	var id int64
	if err := stmt.QueryRow(name).Scan(&id); err != nil {
		return model.NoID, fmt.Errorf("store: intern %s: %w", table, err)
	}
	return model.ID(id), nil
}

// InternThread returns the identity of a thread name.
func (s *SQLite) InternThread(name string) (model.ID, error) {
	return s.internName(s.thread, "thread", name)
}

// InternClass returns the identity of a class name.
func (s *SQLite) InternClass(name string) (model.ID, error) {
	return s.internName(s.class, "class", name)
}

// InternMethod returns the identity of a method name.
func (s *SQLite) InternMethod(name string) (model.ID, error) {
	return s.internName(s.method, "method", name)
}

// InternSignature returns the identity of a method signature.
func (s *SQLite) InternSignature(name string) (model.ID, error) {
	return s.internName(s.signature, "signature", name)
}

// InternFQN records the triple along with the call site of its first sighting.
// Handles outside SQLite's integer range are stored as NULL.
func (s *SQLite) InternFQN(fqn model.FQN, site model.CallSiteID) (model.ID, error) {
	if s.closed.Load() {
		return model.NoID, ErrClosed
	}
	var callSite sql.NullInt64
	if v, err := safecast.Conv[int64](uint64(site)); err == nil {
		callSite = sql.NullInt64{Int64: v, Valid: true}
	} else {
		log.Debugf("store: call site 0x%x not representable: %v", uint64(site), err)
	}

	var id int64
	err := s.fqn.QueryRow(int64(fqn.Class), int64(fqn.Method), int64(fqn.Signature), callSite).Scan(&id)
	if err != nil {
		return model.NoID, fmt.Errorf("store: intern fqn: %w", err)
	}
	return model.ID(id), nil
}

// AppendTrace inserts a trace row and returns its rowid. parent may be
// model.NoID.
func (s *SQLite) AppendTrace(thread, fqn, parent model.ID) (model.ID, error) {
	if s.closed.Load() {
		return model.NoID, ErrClosed
	}
	res, err := s.trace.Exec(int64(thread), int64(fqn), int64(parent))
	if err != nil {
		return model.NoID, fmt.Errorf("store: append trace: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.NoID, fmt.Errorf("store: append trace: %w", err)
	}
	s.records.Add(1)
	return model.ID(id), nil
}

// BeginSession inserts a row into the sessions table.
func (s *SQLite) BeginSession(id string, started time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.session.Exec(id, started.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("store: begin session: %w", err)
	}
	return nil
}

// Checkpoint copies the database to its location atomically: VACUUM INTO a
// temporary file next to the target, then rename over it.
func (s *SQLite) Checkpoint() (Snapshot, error) {
	if s.closed.Load() {
		return Snapshot{}, ErrClosed
	}
	start := time.Now()

	dir := filepath.Dir(s.location)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return Snapshot{}, fmt.Errorf("store: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.location)+".tmp-*")
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(tmpPath); err != nil {
		return Snapshot{}, fmt.Errorf("store: prepare temp snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := s.db.Exec(`VACUUM INTO ?`, tmpPath); err != nil {
		return Snapshot{}, fmt.Errorf("store: vacuum into %s: %w", tmpPath, err)
	}

	sum, size, err := hashFile(tmpPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: hash snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.location); err != nil {
		return Snapshot{}, fmt.Errorf("store: install snapshot: %w", err)
	}

	return Snapshot{
		Path:    s.location,
		Records: s.records.Load(),
		Bytes:   size,
		SHA256:  sum,
		Took:    time.Since(start),
	}, nil
}

// Close releases the database. Checkpoint first to keep the data.
func (s *SQLite) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, st := range []*sql.Stmt{s.thread, s.class, s.method, s.signature, s.fqn, s.trace, s.session} {
		_ = st.Close()
	}
	return s.db.Close()
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}
