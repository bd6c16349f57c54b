package resource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnalyticsResource isolates analytics-store state for one test by prefixing
// every table name it creates with a generated token. Cleanup enumerates and
// drops exactly the tables carrying that prefix, so concurrent tests sharing
// one analytics database never see each other's tables.
type AnalyticsResource struct {
	*Resource

	db     *sql.DB
	prefix string
}

// NewAnalytics wraps a shared analytics handle with a fresh name prefix.
// The handle itself is shared infrastructure and is not closed on cleanup;
// only the prefixed tables are dropped.
func NewAnalytics(ctx context.Context, id string, db *sql.DB, logger *zap.Logger) (*AnalyticsResource, error) {
	base, err := New(id, KindAnalytics, logger)
	if err != nil {
		return nil, err
	}

	prefix := "t_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	a := &AnalyticsResource{Resource: base, db: db, prefix: prefix}

	base.AddCleanup(func(ctx context.Context) error {
		return a.dropPrefixedTables(ctx)
	})
	base.SetProbe(func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	return a, nil
}

// Prefix returns the table-name prefix scoping this resource's objects.
func (a *AnalyticsResource) Prefix() string { return a.prefix }

// TableName maps a logical table name into this resource's namespace.
func (a *AnalyticsResource) TableName(name string) string {
	return a.prefix + "_" + name
}

// Exec runs a statement against the analytics store. Callers are expected to
// build table names through TableName so cleanup can find them.
func (a *AnalyticsResource) Exec(ctx context.Context, query string, args ...any) error {
	if err := a.checkActive(); err != nil {
		return err
	}
	a.Touch()
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("analytics exec: %w", err)
	}
	return nil
}

// Query runs a query against the analytics store.
func (a *AnalyticsResource) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := a.checkActive(); err != nil {
		return nil, err
	}
	a.Touch()
	return a.db.QueryContext(ctx, query, args...)
}

func (a *AnalyticsResource) dropPrefixedTables(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = current_schema() AND tablename LIKE $1`,
		a.prefix+"_%")
	if err != nil {
		return fmt.Errorf("enumerate analytics tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan analytics table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var errs []string
	for _, name := range tables {
		// Table names come from pg_tables filtered by our own prefix, so
		// quoting them directly is safe.
		if _, err := a.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
			a.logger.Warn("failed to drop analytics table",
				zap.String("resource_id", a.id),
				zap.String("table", name),
				zap.Error(err))
			errs = append(errs, name)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to drop analytics tables: %s", strings.Join(errs, ", "))
	}
	return nil
}
