package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TaskStore implements domain.TaskStore against a pgx connection pool.
//
// Advisory locks (try_advisory_lock/release_advisory_lock) are scoped to a
// single physical connection per the Postgres advisory-lock contract, so
// the Store pins one pooled connection per held lock name until it is
// released.
type TaskStore struct {
	Pool *pgxpool.Pool

	locksMu sync.Mutex
	locks   map[string]*pgxpool.Conn
}

// NewTaskStore constructs a TaskStore backed by pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{Pool: pool, locks: make(map[string]*pgxpool.Conn)}
}

var tracer = otel.Tracer("repo.taskstore")

func (s *TaskStore) span(ctx context.Context, op, table string) (context.Context, trace.Span) {
	ctx, sp := tracer.Start(ctx, "taskstore."+op)
	sp.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	return ctx, sp
}
