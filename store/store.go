// Package store archives runs and their samples in a SQLite database
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/nasa-jpl/nanoprep/opt"
	"github.com/nasa-jpl/nanoprep/protocol"
	"github.com/nasa-jpl/nanoprep/record"
)

// batch is the number of samples written per transaction
const batch = 256

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id       TEXT PRIMARY KEY,
	protocol TEXT NOT NULL,
	params   TEXT NOT NULL,
	started  TEXT NOT NULL,
	finished TEXT,
	phase    TEXT NOT NULL,
	error    TEXT
);
CREATE TABLE IF NOT EXISTS samples (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	seq      INTEGER NOT NULL,
	time     REAL,
	voltage  REAL,
	current  REAL,
	diameter REAL,
	state    INTEGER,
	nan      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, seq)
);`

// SQLite stores NaN as NULL, so NaN fields are flagged in the nan column
const (
	nanTime = 1 << iota
	nanVoltage
	nanCurrent
	nanDiameter
)

// timeFormat is fixed width so stored times sort as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// Store is a SQLite backed run archive
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if path == "" {
		path = "nanoprep.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// RunRow is an archived run
type RunRow struct {
	ID       string         `json:"id"`
	Protocol string         `json:"protocol"`
	Params   map[string]any `json:"params"`
	Started  time.Time      `json:"started"`
	Finished *time.Time     `json:"finished,omitempty"`
	Phase    string         `json:"phase"`
	Error    string         `json:"error,omitempty"`
}

// Begin records the start of run and returns a consumer that archives its
// samples.  Close the consumer to flush it.
func (s *Store) Begin(run protocol.Run) (*Recorder, error) {
	params, err := json.Marshal(run.Values.Map())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT INTO runs (id, protocol, params, started, phase) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Protocol, string(params), run.Started.UTC().Format(timeFormat), string(protocol.Running))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &Recorder{s: s, id: run.ID}, nil
}

// Finish records the end of a run
func (s *Store) Finish(res protocol.Result) error {
	var errS sql.NullString
	if res.Err != nil {
		errS = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.db.Exec(`UPDATE runs SET finished = ?, phase = ?, error = ? WHERE id = ?`,
		res.Finished.UTC().Format(timeFormat), string(res.Phase), errS, res.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, res.ID)
	}
	return nil
}

// Runs returns up to limit runs, newest first
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, protocol, params, started, finished, phase, error FROM runs ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []RunRow
	for rows.Next() {
		var (
			r                 RunRow
			params, started   string
			finished, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Protocol, &params, &started, &finished, &r.Phase, &errText); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", r.ID, err)
		}
		if r.Started, err = time.Parse(timeFormat, started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := time.Parse(timeFormat, finished.String)
			if err != nil {
				return nil, err
			}
			r.Finished = &t
		}
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Samples returns the samples of a run in order
func (s *Store) Samples(ctx context.Context, id string) ([]record.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, voltage, current, diameter, state, nan FROM samples WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("select samples: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []record.Sample
	for rows.Next() {
		var (
			t, v, i, d sql.NullFloat64
			st         sql.NullInt64
			nan        int
		)
		if err := rows.Scan(&t, &v, &i, &d, &st, &nan); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		smp := record.Sample{
			Time:     fromNull(t, nan&nanTime != 0),
			Voltage:  fromNull(v, nan&nanVoltage != 0),
			Current:  fromNull(i, nan&nanCurrent != 0),
			Diameter: fromNull(d, nan&nanDiameter != 0),
		}
		if st.Valid {
			smp.State = opt.Some(int(st.Int64))
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func fromNull(f sql.NullFloat64, isNaN bool) opt.Value[float64] {
	switch {
	case isNaN:
		return opt.Some(math.NaN())
	case f.Valid:
		return opt.Some(f.Float64)
	default:
		return opt.None[float64]()
	}
}

// toNull converts a field for insertion, setting bit in mask for NaN
func toNull(v opt.Value[float64], bit int, mask *int) sql.NullFloat64 {
	f, ok := v.Get()
	if !ok {
		return sql.NullFloat64{}
	}
	if math.IsNaN(f) {
		*mask |= bit
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// Recorder is a record.Consumer writing one run's samples in batches
type Recorder struct {
	s   *Store
	id  string
	mu  sync.Mutex
	seq int
	buf []record.Sample
	err error
}

// Sample buffers s, writing the buffer once it is full.  The first write
// error is kept and returned by Close.
func (r *Recorder) Sample(s record.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, s)
	if len(r.buf) >= batch {
		r.flush()
	}
}

// Progress does nothing
func (r *Recorder) Progress(float64) {}

// flush writes the buffer in one transaction.  r.mu must be held.
func (r *Recorder) flush() {
	if len(r.buf) == 0 || r.err != nil {
		r.buf = r.buf[:0]
		return
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.err = r.s.insert(r.id, r.seq, r.buf)
	r.seq += len(r.buf)
	r.buf = r.buf[:0]
}

func (s *Store) insert(id string, seq int, smps []record.Sample) (retErr error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.Prepare(`INSERT INTO samples (run_id, seq, time, voltage, current, diameter, state, nan) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for k, smp := range smps {
		mask := 0
		var st sql.NullInt64
		if v, ok := smp.State.Get(); ok {
			st = sql.NullInt64{Int64: int64(v), Valid: true}
		}
		_, err := stmt.Exec(id, seq+k,
			toNull(smp.Time, nanTime, &mask),
			toNull(smp.Voltage, nanVoltage, &mask),
			toNull(smp.Current, nanCurrent, &mask),
			toNull(smp.Diameter, nanDiameter, &mask),
			st, mask)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

// Close writes any buffered samples
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flush()
	return r.err
}
