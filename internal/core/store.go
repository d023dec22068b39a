package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/burst/pkg/burst"
)

// Store is the SQLite resource ledger. Every request handle and instance id
// is written the moment it exists and marked released when teardown
// confirms it gone, so a crashed run leaves a record of what to reap.
//
// Store implements burst.Recorder.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("mkdir ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// Recorder calls arrive from many goroutines; one connection serializes
	// them and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() int64 { return s.now().UnixMilli() }

func (s *Store) RunStarted(ctx context.Context, runID string, spec *burst.FleetSpec, provider string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, fleet, provider, nodes, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, spec.Name(), provider, spec.Size(), s.stamp())
	if err != nil {
		log.Error().Err(err).Str("run", runID).Msg("Ledger: could not record run")
	}
}

func (s *Store) ResourceCreated(ctx context.Context, runID, group string, kind burst.ResourceKind, id string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO resources (run_id, kind, id, grp, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, string(kind), id, group, s.stamp())
	if err != nil {
		log.Error().Err(err).Str("run", runID).Str("id", id).Msg("Ledger: could not record resource")
	}
}

func (s *Store) ResourceReleased(ctx context.Context, runID string, kind burst.ResourceKind, id string) {
	if err := s.MarkReleased(ctx, runID, kind, id); err != nil {
		log.Error().Err(err).Str("run", runID).Str("id", id).Msg("Ledger: could not mark resource released")
	}
}

func (s *Store) NodeTransition(context.Context, string, string, burst.NodeState, burst.NodeState) {}

func (s *Store) RunFinished(ctx context.Context, runID string, res *burst.Result, elapsed time.Duration) {
	var msg sql.NullString
	if err := res.Error(); err != nil {
		msg = sql.NullString{String: err.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ?, error = ? WHERE id = ?`,
		s.stamp(), res.Outcome.String(), msg, runID)
	if err != nil {
		log.Error().Err(err).Str("run", runID).Msg("Ledger: could not record run outcome")
	}
}

// MarkReleased records that a resource is gone.
func (s *Store) MarkReleased(ctx context.Context, runID string, kind burst.ResourceKind, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE resources SET released_at = ? WHERE run_id = ? AND kind = ? AND id = ? AND released_at IS NULL`,
		s.stamp(), runID, string(kind), id)
	return err
}

// Resource is one ledger row never marked released.
type Resource struct {
	RunID     string
	Provider  string
	Fleet     string
	Group     string
	Kind      burst.ResourceKind
	ID        string
	CreatedAt time.Time
}

// Leaks lists unreleased resources, oldest first. An empty runID lists all
// runs.
func (s *Store) Leaks(ctx context.Context, runID string) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, runs.provider, runs.fleet, r.grp, r.kind, r.id, r.created_at
		FROM resources r JOIN runs ON runs.id = r.run_id
		WHERE r.released_at IS NULL AND (? = '' OR r.run_id = ?)
		ORDER BY r.created_at, r.kind DESC, r.id`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("query leaks: %w", err)
	}
	defer rows.Close()
	var out []Resource
	for rows.Next() {
		var r Resource
		var kind string
		var created int64
		if err := rows.Scan(&r.RunID, &r.Provider, &r.Fleet, &r.Group, &kind, &r.ID, &created); err != nil {
			return nil, err
		}
		r.Kind = burst.ResourceKind(kind)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run is one ledger row of the runs table.
type Run struct {
	ID         string
	Fleet      string
	Provider   string
	Nodes      int
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Error      string
}

// Runs lists the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fleet, provider, nodes, started_at, finished_at, outcome, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		var outcome, msg sql.NullString
		if err := rows.Scan(&r.ID, &r.Fleet, &r.Provider, &r.Nodes, &started, &finished, &outcome, &msg); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		r.Outcome, r.Error = outcome.String, msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
