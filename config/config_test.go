package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 3*time.Second, cfg.OperationTimeout)
	assert.Equal(t, "0 3 * * *", cfg.MaintenanceCron)
	assert.Equal(t, 200, cfg.MaintenancePageSize)
	assert.Equal(t, 30*time.Minute, cfg.MaintenanceLockTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.MaintenanceAuthEnabled())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("LOYALTY_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://loyalty@localhost/loyalty")
	t.Setenv("OPERATION_TIMEOUT", "750ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://shop.example,https://admin.example")
	t.Setenv("MAINTENANCE_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 750*time.Millisecond, cfg.OperationTimeout)
	assert.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.MaintenanceAuthEnabled())
}

func TestLoad_DotEnvFile(t *testing.T) {
	// GIVEN a .env file and one variable already set in the environment
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOYALTY_SQLITE_PATH=/var/lib/loyalty.db\nLOG_FORMAT=json\n"), 0o600))
	t.Setenv("LOG_FORMAT", "text")
	t.Cleanup(func() { os.Unsetenv("LOYALTY_SQLITE_PATH") })

	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN the file fills the gap and the environment wins
	assert.Equal(t, "/var/lib/loyalty.db", cfg.SQLitePath)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown store":           {"LOYALTY_STORE": "mongo"},
		"postgres without url":    {"LOYALTY_STORE": "postgres", "DATABASE_URL": ""},
		"webhook without secret":  {"WEBHOOK_URL": "https://hooks.example/loyalty"},
		"unparseable duration":    {"OPERATION_TIMEOUT": "soon"},
		"non-positive op timeout": {"OPERATION_TIMEOUT": "0s"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}
