package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "REQUIRE_HTTPS", "REQUIRE_ACCOUNT_IN_CONFIG"} {
		_ = os.Unsetenv(k)
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, 5, cfg.WorkerMaxInflightPerAccount)
	assert.Equal(t, 60.0, cfg.WorkerTokensCapacity)
	assert.False(t, cfg.RequireHTTPS)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_ProdDefaultsRequireHTTPS(t *testing.T) {
	os.Setenv("APP_ENV", "production")
	defer os.Unsetenv("APP_ENV")
	_ = os.Unsetenv("REQUIRE_HTTPS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.True(t, cfg.RequireHTTPS)
	assert.True(t, cfg.RequireAccountInConfig)
}

func TestLoad_ExplicitRequireHTTPSOverridesDefault(t *testing.T) {
	os.Setenv("APP_ENV", "production")
	os.Setenv("REQUIRE_HTTPS", "false")
	defer os.Unsetenv("APP_ENV")
	defer os.Unsetenv("REQUIRE_HTTPS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.RequireHTTPS)
}
