// Package app wires the Dispatcher's supervisor loop and its supporting
// services (worker lifecycle, Job scanning, lease/maintenance cleanup),
// plus process-level startup helpers (readiness probes, HTTP mux
// assembly) shared by cmd/dispatcher and cmd/apiserver.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and cache readiness probes used by
// /readyz. Either dependency may be nil in degraded/test deployments.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client) (
	db func(ctx context.Context) error,
	cache func(ctx context.Context) error,
) {
	db = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	cache = func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	return db, cache
}
