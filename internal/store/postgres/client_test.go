package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/vaultdash?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "vaultdash", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
	assert.Contains(t, DSN(ClientConfig{Host: "h", Port: 6543, SSLMode: "require"}), ":6543/?sslmode=require")
}

func TestPageClause(t *testing.T) {
	since := time.Unix(100, 0)
	query, args := pageClause("SELECT 1 FROM t WHERE a = $1", []any{"x"}, 2,
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	assert.Equal(t,
		"SELECT 1 FROM t WHERE a = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4",
		query)
	assert.Equal(t, []any{"x", since, 10, 20}, args)

	query, args = pageClause("SELECT 1 FROM t WHERE 1=1", nil, 1, domain.ListOpts{})
	assert.Equal(t, "SELECT 1 FROM t WHERE 1=1 ORDER BY created_at DESC", query)
	assert.Empty(t, args)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	assert.NoError(t, err)
	for _, table := range []string{"tx_records", "audit_log", "vault_snapshots"} {
		assert.Contains(t, string(data), table)
	}
}
