package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/pulsebox/internal/database/migrations"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range entries {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file name %q", name)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestEmbeddedMigrationsDeclareUniqueKeys(t *testing.T) {
	integrations, err := fs.ReadFile(migrations.FS, "000001_create_integrations.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(integrations), "UNIQUE INDEX IF NOT EXISTS idx_integrations_owner_provider ON integrations (owner_id, provider_type)")

	notifications, err := fs.ReadFile(migrations.FS, "000002_create_notifications.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(notifications), "UNIQUE INDEX IF NOT EXISTS idx_notifications_owner_source ON notifications (owner_id, source_id)")
}

func TestEmbeddedMigrationsAddNotificationTombstones(t *testing.T) {
	up, err := fs.ReadFile(migrations.FS, "000003_notification_tombstones.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ")
}
