// Package sqlite provides a single-file SQLite implementation of
// ledger.Store on the pure-Go modernc.org/sqlite driver.
//
// The store uses one connection, so transactions are serialized in-process.
// Timestamps are stored as Unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/ledger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is a SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Ensure Store implements ledger.Store at compile time.
var _ ledger.Store = (*Store)(nil)

const scriptColumns = `id, owner, source, status, provider, output_path, failure_kind, last_error, created_at, updated_at`

const attemptColumns = `id, script_id, number, sandbox_id, started_at, ended_at, outcome, exit_code, stdout, stderr, output_path`

// New opens (or creates) the database at path and applies migrations.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite database: %w", err)
	}

	s := &Store{db: db}
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Migrate applies pending embedded migrations and returns how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return 0, fmt.Errorf("reading migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied := 0
	for _, entry := range entries {
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		var exists bool
		if err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version,
		).Scan(&exists); err != nil {
			exists = false
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		slog.Info("applying migration", "file", entry.Name(), "version", version)

		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return applied, fmt.Errorf("applying migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UnixNano(),
		); err != nil {
			return applied, fmt.Errorf("recording migration %s: %w", entry.Name(), err)
		}
		applied++
	}
	return applied, nil
}

// CreateScript inserts a new script row.
func (s *Store) CreateScript(ctx context.Context, sc *api.Script) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (`+scriptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Owner, sc.Source, string(sc.Status), sc.Provider,
		sc.OutputPath, string(sc.FailureKind), sc.LastError,
		sc.CreatedAt.UnixNano(), sc.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("inserting script: %w", err)
	}
	return nil
}

// GetScript retrieves a script by ID.
func (s *Store) GetScript(ctx context.Context, id string) (*api.Script, error) {
	return scanScript(s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
}

// UpdateScript applies upd in a transaction.
func (s *Store) UpdateScript(ctx context.Context, id string, upd api.ScriptUpdate) (*api.Script, error) {
	var out *api.Script
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sc, err := scanScript(tx.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if err := ledger.ApplyUpdate(sc, upd, time.Now().UTC()); err != nil {
			return err
		}
		if err := writeScript(ctx, tx, sc); err != nil {
			return err
		}
		out = sc
		return nil
	})
	return out, err
}

// ClaimScript moves the script to running unless it is already active.
func (s *Store) ClaimScript(ctx context.Context, id string) (*api.Script, error) {
	var out *api.Script
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sc, err := scanScript(tx.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if err := ledger.Claim(sc, time.Now().UTC()); err != nil {
			return err
		}
		if err := writeScript(ctx, tx, sc); err != nil {
			return err
		}
		out = sc
		return nil
	})
	return out, err
}

// BeginAttempt opens the next attempt for the script.
func (s *Store) BeginAttempt(ctx context.Context, scriptID, sandboxID string, startedAt time.Time) (*api.ExecutionAttempt, error) {
	var out *api.ExecutionAttempt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sc, err := scanScript(tx.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, scriptID))
		if err != nil {
			return err
		}

		var open, last int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(ended_at IS NULL), 0), COALESCE(MAX(number), 0)
			FROM attempts WHERE script_id = ?
		`, scriptID).Scan(&open, &last); err != nil {
			return fmt.Errorf("reading attempt trail: %w", err)
		}
		if open > 0 {
			return ledger.ErrAttemptInFlight
		}

		if err := ledger.ApplyUpdate(sc, ledger.RunningUpdate(sc), startedAt); err != nil {
			return err
		}

		a := &api.ExecutionAttempt{
			ID:        api.NewAttemptID(),
			ScriptID:  scriptID,
			Number:    last + 1,
			SandboxID: sandboxID,
			StartedAt: startedAt,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (id, script_id, number, sandbox_id, started_at) VALUES (?, ?, ?, ?, ?)`,
			a.ID, a.ScriptID, a.Number, a.SandboxID, a.StartedAt.UnixNano(),
		); err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrAttemptInFlight
			}
			return fmt.Errorf("inserting attempt: %w", err)
		}

		if err := writeScript(ctx, tx, sc); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// CompleteAttempt seals the attempt and updates its script in one transaction.
func (s *Store) CompleteAttempt(ctx context.Context, attemptID string, res api.AttemptResult, upd api.ScriptUpdate) (*api.ExecutionAttempt, error) {
	var out *api.ExecutionAttempt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAttempt(tx.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, attemptID))
		if err != nil {
			return err
		}
		sc, err := scanScript(tx.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, a.ScriptID))
		if err != nil {
			return err
		}

		if err := ledger.SealAttempt(a, res); err != nil {
			return err
		}
		if err := ledger.ApplyUpdate(sc, upd, res.EndedAt); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE attempts
			SET ended_at = ?, outcome = ?, exit_code = ?, stdout = ?, stderr = ?, output_path = ?
			WHERE id = ?
		`, a.EndedAt.UnixNano(), string(a.Outcome), a.ExitCode, a.Stdout, a.Stderr, a.OutputPath, a.ID); err != nil {
			return fmt.Errorf("updating attempt: %w", err)
		}
		if err := writeScript(ctx, tx, sc); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// ListAttempts returns the script's attempts ordered by number.
func (s *Store) ListAttempts(ctx context.Context, scriptID string) ([]*api.ExecutionAttempt, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM scripts WHERE id = ?)", scriptID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking script: %w", err)
	}
	if !exists {
		return nil, ledger.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE script_id = ? ORDER BY number`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var out []*api.ExecutionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecoverInterrupted seals open attempts and fails active scripts.
func (s *Store) RecoverInterrupted(ctx context.Context, now time.Time) (int, error) {
	recovered := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE status IN (?, ?)`,
			string(api.ScriptStatusRunning), string(api.ScriptStatusRepairing))
		if err != nil {
			return fmt.Errorf("querying active scripts: %w", err)
		}
		var active []*api.Script
		for rows.Next() {
			sc, err := scanScript(rows)
			if err != nil {
				rows.Close()
				return err
			}
			active = append(active, sc)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res := ledger.InterruptedResult(now)
		for _, sc := range active {
			if _, err := tx.ExecContext(ctx,
				`UPDATE attempts SET ended_at = ?, outcome = ?, stderr = ? WHERE script_id = ? AND ended_at IS NULL`,
				res.EndedAt.UnixNano(), string(res.Outcome), res.Stderr, sc.ID,
			); err != nil {
				return fmt.Errorf("sealing interrupted attempt: %w", err)
			}
			if err := ledger.ApplyUpdate(sc, ledger.InterruptedUpdate(), now); err != nil {
				return err
			}
			if err := writeScript(ctx, tx, sc); err != nil {
				return err
			}
		}
		recovered = len(active)
		return nil
	})
	return recovered, err
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScript(row scanner) (*api.Script, error) {
	var sc api.Script
	var status, kind string
	var created, updated int64
	err := row.Scan(
		&sc.ID, &sc.Owner, &sc.Source, &status, &sc.Provider,
		&sc.OutputPath, &kind, &sc.LastError, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning script: %w", err)
	}
	sc.Status = api.ScriptStatus(status)
	sc.FailureKind = api.Kind(kind)
	sc.CreatedAt = time.Unix(0, created).UTC()
	sc.UpdatedAt = time.Unix(0, updated).UTC()
	return &sc, nil
}

func scanAttempt(row scanner) (*api.ExecutionAttempt, error) {
	var a api.ExecutionAttempt
	var outcome string
	var started int64
	var ended sql.NullInt64
	err := row.Scan(
		&a.ID, &a.ScriptID, &a.Number, &a.SandboxID, &started, &ended,
		&outcome, &a.ExitCode, &a.Stdout, &a.Stderr, &a.OutputPath,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning attempt: %w", err)
	}
	a.Outcome = api.Outcome(outcome)
	a.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		a.EndedAt = &t
	}
	return &a, nil
}

func writeScript(ctx context.Context, tx *sql.Tx, sc *api.Script) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE scripts
		SET source = ?, status = ?, output_path = ?, failure_kind = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, sc.Source, string(sc.Status), sc.OutputPath, string(sc.FailureKind), sc.LastError, sc.UpdatedAt.UnixNano(), sc.ID)
	if err != nil {
		return fmt.Errorf("updating script: %w", err)
	}
	return nil
}

// isUniqueViolation matches SQLite's UNIQUE and PRIMARY KEY constraint errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
