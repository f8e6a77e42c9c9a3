// Package postgres provides a PostgreSQL usage.Sink built on a pgx/v5
// connection pool with embedded schema migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/batchgate/pkg/usage"
)

// Sink is a PostgreSQL-backed usage.Sink.
type Sink struct {
	pool *pgxpool.Pool
}

// Ensure Sink implements usage.Sink at compile time.
var _ usage.Sink = (*Sink)(nil)

// New connects to PostgreSQL. If MigrateOnStart is true, schema migrations
// are applied before the sink is returned.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Sink{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// Record inserts one event. The tenant defaults to the one in ctx.
func (s *Sink) Record(ctx context.Context, e usage.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Tenant == "" {
		e.Tenant = usage.GetTenant(ctx)
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_events (
			id, occurred_at, subject, tenant_id, model, request_id,
			group_id, batch_size, choices, status, duration_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		e.ID, e.Time, e.Subject, e.Tenant, e.Model, e.RequestID,
		int64(e.GroupID), e.BatchSize, e.Choices, e.Status, e.Duration.Nanoseconds(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return usage.ErrConflict
		}
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

// List returns matching events, newest first, scoped to the tenant in ctx.
func (s *Sink) List(ctx context.Context, f usage.Filter) ([]usage.Event, error) {
	f = f.Scoped(ctx)

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Subject != "" {
		add("subject = $%d", f.Subject)
	}
	if f.Tenant != "" {
		add("tenant_id = $%d", f.Tenant)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}

	query := `
		SELECT id, occurred_at, subject, tenant_id, model, request_id,
		       group_id, batch_size, choices, status, duration_ns
		FROM usage_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.Event, error) {
		var (
			e        usage.Event
			groupID  int64
			duration int64
		)
		err := row.Scan(
			&e.ID, &e.Time, &e.Subject, &e.Tenant, &e.Model, &e.RequestID,
			&groupID, &e.BatchSize, &e.Choices, &e.Status, &duration,
		)
		e.GroupID = uint64(groupID)
		e.Duration = time.Duration(duration)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning usage events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection.
func (s *Sink) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
