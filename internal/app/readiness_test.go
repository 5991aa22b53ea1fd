package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(_ context.Context) error { return f.err }

func TestBuildReadinessChecks_DB(t *testing.T) {
	dbCheck, _ := BuildReadinessChecks(nil, nil)
	assert.Error(t, dbCheck(context.Background()), "nil pool must fail readiness")

	dbCheck, _ = BuildReadinessChecks(fakePinger{}, nil)
	assert.NoError(t, dbCheck(context.Background()))
}

func TestBuildReadinessChecks_Cache(t *testing.T) {
	_, cacheCheck := BuildReadinessChecks(nil, nil)
	assert.Error(t, cacheCheck(context.Background()), "nil redis client must fail readiness")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	_, cacheCheck = BuildReadinessChecks(nil, rdb)
	assert.NoError(t, cacheCheck(context.Background()))
}
