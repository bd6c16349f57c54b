package resource

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DatabaseResource isolates relational state for one test by wrapping every
// statement in a single transaction that is rolled back, never committed, on
// cleanup. Nothing a test writes is observable outside its own scope.
//
// The rollback-only scheme inherits the backend's transaction semantics:
// statements that auto-commit (DDL on some backends) escape the isolation.
// That is a documented limitation of the approach, not something this type
// tries to paper over.
type DatabaseResource struct {
	*Resource

	conn *pgxpool.Conn
	tx   pgx.Tx
}

// NewDatabase acquires a connection from the shared engine pool, opens the
// isolating transaction, and registers rollback-then-release as the sole
// cleanup action.
func NewDatabase(ctx context.Context, id string, engine *pgxpool.Pool, logger *zap.Logger) (*DatabaseResource, error) {
	base, err := New(id, KindDatabase, logger)
	if err != nil {
		return nil, err
	}

	conn, err := engine.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire database connection: %w", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin isolation transaction: %w", err)
	}

	d := &DatabaseResource{Resource: base, conn: conn, tx: tx}
	base.AddCleanup(func(ctx context.Context) error {
		defer conn.Release()
		if err := tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			return fmt.Errorf("rollback isolation transaction: %w", err)
		}
		return nil
	})
	// The borrowed conn carries the isolation transaction and belongs to the
	// owning scope alone; it must never see traffic from another goroutine.
	// Probes ping through a connection the engine pool acquires separately.
	base.SetProbe(func(ctx context.Context) error {
		return engine.Ping(ctx)
	})
	return d, nil
}

// Exec runs a statement inside the isolating transaction.
func (d *DatabaseResource) Exec(ctx context.Context, sql string, args ...any) error {
	if err := d.checkActive(); err != nil {
		return err
	}
	d.Touch()
	if _, err := d.tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("exec %q: %w", sql, err)
	}
	return nil
}

// Query runs a query inside the isolating transaction. The caller owns the
// returned rows and must close them.
func (d *DatabaseResource) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := d.checkActive(); err != nil {
		return nil, err
	}
	d.Touch()
	return d.tx.Query(ctx, sql, args...)
}

// errRow defers an error to Scan, matching how pgx reports row-level
// failures.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// QueryRow runs a single-row query inside the isolating transaction. On an
// inactive resource the returned row's Scan reports ErrInactive.
func (d *DatabaseResource) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := d.checkActive(); err != nil {
		return errRow{err: err}
	}
	d.Touch()
	return d.tx.QueryRow(ctx, sql, args...)
}
