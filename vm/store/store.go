// Package store persists suspended frames. Snapshots are encoded as
// canonical CBOR and kept in a SQLite table keyed by frame UUID, so a
// frame awaiting a long-running native can be rebuilt in another process.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tern/vm"
)

var log = commonlog.GetLogger("tern.store")

// ErrNotFound is returned by Load and Delete for unknown frames.
var ErrNotFound = errors.New("frame not found")

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor enc mode: %v", err))
	}
}

// Marshal encodes a snapshot in canonical CBOR.
func Marshal(snap *vm.FrameSnapshot) ([]byte, error) {
	data, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("store: marshal %s: %w", snap.UUID, err)
	}
	return data, nil
}

// Unmarshal decodes a snapshot produced by Marshal.
func Unmarshal(data []byte) (*vm.FrameSnapshot, error) {
	var snap vm.FrameSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("store: unmarshal: %w", err)
	}
	return &snap, nil
}

// ---------------------------------------------------------------------------
// FrameStore
// ---------------------------------------------------------------------------

// Entry is the indexed summary of a stored frame.
type Entry struct {
	UUID     string
	Function string
	PC       int
	State    vm.FrameState
	Caller   string
}

// FrameStore is a SQLite-backed table of frame snapshots.
type FrameStore struct {
	db *sql.DB
	mu sync.Mutex
}

// dsn applies the busy timeout to every connection the pool opens.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + "_pragma=busy_timeout(5000)"
}

// Open opens (or creates) the frame store at path.
func Open(path string) (*FrameStore, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening frame store: %w", err)
	}
	// SQLite has a single writer; one connection queues requests in the
	// pool instead of failing them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS frames (
		uuid     TEXT PRIMARY KEY,
		function TEXT NOT NULL,
		pc       INTEGER NOT NULL,
		state    TEXT NOT NULL,
		caller   TEXT NOT NULL DEFAULT '',
		data     BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating frames table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS frames_function ON frames(function)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating frames index: %w", err)
	}
	return &FrameStore{db: db}, nil
}

// Close closes the underlying database.
func (s *FrameStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the snapshot of one frame.
func (s *FrameStore) Save(snap *vm.FrameSnapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO frames (uuid, function, pc, state, caller, data) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.UUID, snap.Function, snap.PC, snap.State.String(), snap.Caller, data,
	)
	if err != nil {
		return fmt.Errorf("saving frame %s: %w", snap.UUID, err)
	}
	log.Debugf("saved frame %s (%s at pc %d)", snap.UUID, snap.Function, snap.PC)
	return nil
}

// SaveFrame snapshots f and saves it.
func (s *FrameStore) SaveFrame(f *vm.Frame) (*vm.FrameSnapshot, error) {
	snap, err := f.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap, s.Save(snap)
}

// Load returns the snapshot stored under id.
func (s *FrameStore) Load(id string) (*vm.FrameSnapshot, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM frames WHERE uuid = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading frame %s: %w", id, err)
	}
	return Unmarshal(data)
}

// take removes the row stored under id and returns its snapshot. Of
// concurrent takes of one frame exactly one succeeds.
func (s *FrameStore) take(id string) (*vm.FrameSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data []byte
	err := s.db.QueryRow(`DELETE FROM frames WHERE uuid = ? RETURNING data`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("taking frame %s: %w", id, err)
	}
	return Unmarshal(data)
}

// putBack re-stores a taken snapshot whose frame could not be resumed.
func (s *FrameStore) putBack(snap *vm.FrameSnapshot) {
	if err := s.Save(snap); err != nil {
		log.Errorf("frame %s lost: %v", snap.UUID, err)
	}
}

// Delete removes the snapshot stored under id.
func (s *FrameStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM frames WHERE uuid = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting frame %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ListByFunction returns the stored frames of one function ordered by UUID.
// An empty name lists every frame.
func (s *FrameStore) ListByFunction(name string) ([]Entry, error) {
	query := `SELECT uuid, function, pc, state, caller FROM frames`
	var args []any
	if name != "" {
		query += ` WHERE function = ?`
		args = append(args, name)
	}
	query += ` ORDER BY uuid`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing frames: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var state string
		if err := rows.Scan(&e.UUID, &e.Function, &e.PC, &state, &e.Caller); err != nil {
			return nil, fmt.Errorf("scanning frame row: %w", err)
		}
		st, ok := vm.ParseFrameState(state)
		if !ok {
			return nil, fmt.Errorf("frame %s: unknown state %q", e.UUID, state)
		}
		e.State = st
		out = append(out, e)
	}
	return out, rows.Err()
}

// Resume takes a stored frame, restores it into rt and forks it as the root
// of a new context. The row is consumed atomically, so concurrent resumes
// of one frame admit it once; the others fail with ErrNotFound. A frame
// that cannot be restored or admitted is stored again.
func (s *FrameStore) Resume(ctx context.Context, rt *vm.Runtime, id string, opts vm.ForkOptions) (*vm.Task, error) {
	snap, err := s.take(id)
	if err != nil {
		return nil, err
	}
	f, err := rt.Restore(snap)
	if err != nil {
		s.putBack(snap)
		return nil, err
	}
	task, err := rt.ForkFrame(ctx, f, opts)
	if err != nil {
		s.putBack(snap)
		return nil, err
	}
	log.Debugf("resumed frame %s (%s)", id, snap.Function)
	return task, nil
}

// ResumeWith resumes a stored frame and delivers value, coerced to the type
// of the frame's pending result slot. A frame without a result slot is
// resumed with AcceptVoid and value is ignored. Coercion happens before
// the row is consumed, so a bad value leaves the frame stored.
func (s *FrameStore) ResumeWith(ctx context.Context, rt *vm.Runtime, id, value string, opts vm.ForkOptions) (*vm.Task, error) {
	snap, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	var v vm.Value
	if snap.Dst != vm.NoSlot {
		fn, ok := rt.Program().Function(snap.Function)
		if !ok || int(snap.Dst) >= len(fn.Slots) {
			return nil, fmt.Errorf("frame %s: no result slot %d in %s", id, snap.Dst, snap.Function)
		}
		if v, err = vm.Coerce(fn.Slots[snap.Dst].Type, value); err != nil {
			return nil, err
		}
	}
	task, err := s.Resume(ctx, rt, id, opts)
	if err != nil {
		return nil, err
	}
	if snap.Dst == vm.NoSlot {
		err = task.Context().AcceptVoid()
	} else {
		err = task.Context().AcceptAny(v)
	}
	if err != nil {
		task.Context().Abort(err)
		s.putBack(snap)
		return nil, err
	}
	return task, nil
}
