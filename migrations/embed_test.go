package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaCoversRepositoryTables(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.Equal(t, "0001_init.sql", names[0])

	raw, err := Files.ReadFile(names[0])
	require.NoError(t, err)
	schema := string(raw)
	for _, table := range []string{
		"users", "roles", "user_roles", "units", "materials",
		"requests", "request_items", "approvals",
		"stock_records", "stock_movements", "audit_logs", "idempotency_keys",
	} {
		require.True(t, strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" ("), table)
	}
	require.Contains(t, schema, "UNIQUE (material_id, store_id)")
	require.Contains(t, schema, "CHECK (qty_before + qty_delta = qty_after)")
}
