// Package postgres provides a PostgreSQL implementation of ledger.Store.
// It uses pgx/v5 for connection pooling; every attempt change and its script
// update commit in one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/ledger"
)

// Store is a PostgreSQL-backed ledger.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements ledger.Store at compile time.
var _ ledger.Store = (*Store)(nil)

const scriptColumns = `id, owner, source, status, provider, output_path, failure_kind, last_error, created_at, updated_at`

const attemptColumns = `id, script_id, number, sandbox_id, started_at, ended_at, outcome, exit_code, stdout, stderr, output_path`

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if _, err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// CreateScript inserts a new script row.
func (s *Store) CreateScript(ctx context.Context, sc *api.Script) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scripts (`+scriptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		sc.ID, sc.Owner, sc.Source, string(sc.Status), sc.Provider,
		sc.OutputPath, string(sc.FailureKind), sc.LastError, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("inserting script: %w", err)
	}
	return nil
}

// GetScript retrieves a script by ID.
func (s *Store) GetScript(ctx context.Context, id string) (*api.Script, error) {
	return getScript(ctx, s.pool, id, false)
}

// UpdateScript applies upd under a row lock.
func (s *Store) UpdateScript(ctx context.Context, id string, upd api.ScriptUpdate) (*api.Script, error) {
	var out *api.Script
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sc, err := getScript(ctx, tx, id, true)
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
// The row lock makes the status check and the write atomic across
// processes sharing the database.
func (s *Store) ClaimScript(ctx context.Context, id string) (*api.Script, error) {
	var out *api.Script
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sc, err := getScript(ctx, tx, id, true)
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

// BeginAttempt opens the next attempt. The script row lock serializes
// concurrent callers; the partial unique index backs it up.
func (s *Store) BeginAttempt(ctx context.Context, scriptID, sandboxID string, startedAt time.Time) (*api.ExecutionAttempt, error) {
	var out *api.ExecutionAttempt
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sc, err := getScript(ctx, tx, scriptID, true)
		if err != nil {
			return err
		}

		var open bool
		var last int
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(bool_or(ended_at IS NULL), false), COALESCE(MAX(number), 0)
			FROM attempts WHERE script_id = $1
		`, scriptID).Scan(&open, &last)
		if err != nil {
			return fmt.Errorf("reading attempt trail: %w", err)
		}
		if open {
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
		_, err = tx.Exec(ctx, `
			INSERT INTO attempts (id, script_id, number, sandbox_id, started_at)
			VALUES ($1, $2, $3, $4, $5)
		`, a.ID, a.ScriptID, a.Number, a.SandboxID, a.StartedAt)
		if err != nil {
			if isDuplicateKey(err) {
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAttempt(tx.QueryRow(ctx,
			`SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, attemptID))
		if err != nil {
			return err
		}
		sc, err := getScript(ctx, tx, a.ScriptID, true)
		if err != nil {
			return err
		}

		if err := ledger.SealAttempt(a, res); err != nil {
			return err
		}
		if err := ledger.ApplyUpdate(sc, upd, res.EndedAt); err != nil {
			return err
		}

		if err := writeAttempt(ctx, tx, a); err != nil {
			return err
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
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM scripts WHERE id = $1)", scriptID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking script: %w", err)
	}
	if !exists {
		return nil, ledger.ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE script_id = $1 ORDER BY number`, scriptID)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE status IN ($1, $2) FOR UPDATE`,
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
			_, err := tx.Exec(ctx, `
				UPDATE attempts SET ended_at = $1, outcome = $2, stderr = $3
				WHERE script_id = $4 AND ended_at IS NULL
			`, res.EndedAt, string(res.Outcome), res.Stderr, sc.ID)
			if err != nil {
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

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getScript(ctx context.Context, q queryRower, id string, forUpdate bool) (*api.Script, error) {
	query := `SELECT ` + scriptColumns + ` FROM scripts WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	return scanScript(q.QueryRow(ctx, query, id))
}

func scanScript(row pgx.Row) (*api.Script, error) {
	var sc api.Script
	var status, kind string
	err := row.Scan(
		&sc.ID, &sc.Owner, &sc.Source, &status, &sc.Provider,
		&sc.OutputPath, &kind, &sc.LastError, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning script: %w", err)
	}
	sc.Status = api.ScriptStatus(status)
	sc.FailureKind = api.Kind(kind)
	return &sc, nil
}

func scanAttempt(row pgx.Row) (*api.ExecutionAttempt, error) {
	var a api.ExecutionAttempt
	var outcome string
	err := row.Scan(
		&a.ID, &a.ScriptID, &a.Number, &a.SandboxID, &a.StartedAt, &a.EndedAt,
		&outcome, &a.ExitCode, &a.Stdout, &a.Stderr, &a.OutputPath,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning attempt: %w", err)
	}
	a.Outcome = api.Outcome(outcome)
	return &a, nil
}

func writeScript(ctx context.Context, tx pgx.Tx, sc *api.Script) error {
	_, err := tx.Exec(ctx, `
		UPDATE scripts
		SET source = $2, status = $3, output_path = $4, failure_kind = $5, last_error = $6, updated_at = $7
		WHERE id = $1
	`, sc.ID, sc.Source, string(sc.Status), sc.OutputPath, string(sc.FailureKind), sc.LastError, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating script: %w", err)
	}
	return nil
}

func writeAttempt(ctx context.Context, tx pgx.Tx, a *api.ExecutionAttempt) error {
	_, err := tx.Exec(ctx, `
		UPDATE attempts
		SET ended_at = $2, outcome = $3, exit_code = $4, stdout = $5, stderr = $6, output_path = $7
		WHERE id = $1
	`, a.ID, a.EndedAt, string(a.Outcome), a.ExitCode, a.Stdout, a.Stderr, a.OutputPath)
	if err != nil {
		return fmt.Errorf("updating attempt: %w", err)
	}
	return nil
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
