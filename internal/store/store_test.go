package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fuomag9/pulsebox/internal/models"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if err := db.AutoMigrate(&models.Integration{}, &models.Notification{}); err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	return db
}

func tokenStores(t *testing.T) map[string]func(t *testing.T) TokenStore {
	return map[string]func(t *testing.T) TokenStore{
		"memory": func(t *testing.T) TokenStore { return NewMemoryTokenStore() },
		"gorm":   func(t *testing.T) TokenStore { return NewGormTokenStore(openSQLite(t)) },
	}
}

func notificationStores(t *testing.T) map[string]func(t *testing.T) NotificationStore {
	return map[string]func(t *testing.T) NotificationStore{
		"memory": func(t *testing.T) NotificationStore { return NewMemoryNotificationStore() },
		"gorm":   func(t *testing.T) NotificationStore { return NewGormNotificationStore(openSQLite(t)) },
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func newIntegration(owner string, pt models.ProviderType, expiry *time.Time) *models.Integration {
	return &models.Integration{
		OwnerID:           owner,
		ProviderType:      pt,
		AccessCredential:  "access-" + owner,
		RefreshCredential: strPtr("refresh-" + owner),
		CredentialExpiry:  expiry,
		Status:            models.StatusActive,
		ProviderMetadata:  map[string]any{"team_id": "T-" + owner},
	}
}

func TestTokenStore_UpsertIsIdempotent(t *testing.T) {
	for name, newStore := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			first, err := s.Upsert(ctx, newIntegration("u1", models.ProviderSlack, timePtr(time.Now().Add(time.Hour))))
			require.NoError(t, err)
			require.NotEmpty(t, first.ID)

			second := newIntegration("u1", models.ProviderSlack, timePtr(time.Now().Add(2*time.Hour)))
			second.AccessCredential = "access-rotated"
			second.RefreshCredential = nil
			second.ProviderMetadata = map[string]any{"team_id": "T-new"}

			stored, err := s.Upsert(ctx, second)
			require.NoError(t, err)

			assert.Equal(t, first.ID, stored.ID)
			assert.Equal(t, "access-rotated", stored.AccessCredential)
			require.NotNil(t, stored.RefreshCredential)
			assert.Equal(t, "refresh-u1", *stored.RefreshCredential, "nil refresh credential keeps the stored one")
			assert.Equal(t, "T-new", stored.MetadataString("team_id"))

			list, err := s.ListByOwner(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestTokenStore_UpsertResetsFailureState(t *testing.T) {
	for name, newStore := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			in, err := s.Upsert(ctx, newIntegration("u1", models.ProviderGmail, timePtr(time.Now().Add(time.Hour))))
			require.NoError(t, err)

			for range 3 {
				_, err = s.RecordRefreshFailure(ctx, in.ID, "invalid token", 3)
				require.NoError(t, err)
			}
			broken, err := s.Get(ctx, in.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusError, broken.Status)

			reconnected, err := s.Upsert(ctx, newIntegration("u1", models.ProviderGmail, timePtr(time.Now().Add(time.Hour))))
			require.NoError(t, err)
			assert.Equal(t, models.StatusActive, reconnected.Status)
			assert.Zero(t, reconnected.RefreshFailures)
			assert.Empty(t, reconnected.LastError)
		})
	}
}

func TestTokenStore_GetActive(t *testing.T) {
	for name, newStore := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			_, err := s.GetActive(ctx, "u1", models.ProviderHubSpot)
			assert.ErrorIs(t, err, ErrNotFound)

			in, err := s.Upsert(ctx, newIntegration("u1", models.ProviderHubSpot, nil))
			require.NoError(t, err)

			got, err := s.GetActive(ctx, "u1", models.ProviderHubSpot)
			require.NoError(t, err)
			assert.Equal(t, in.ID, got.ID)

			require.NoError(t, s.SetStatus(ctx, in.ID, models.StatusRevoked, "invalid_grant"))
			_, err = s.GetActive(ctx, "u1", models.ProviderHubSpot)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTokenStore_ListExpiring(t *testing.T) {
	for name, newStore := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			now := time.Now()

			soon, err := s.Upsert(ctx, newIntegration("soon", models.ProviderGmail, timePtr(now.Add(2*time.Minute))))
			require.NoError(t, err)
			_, err = s.Upsert(ctx, newIntegration("later", models.ProviderGmail, timePtr(now.Add(2*time.Hour))))
			require.NoError(t, err)
			_, err = s.Upsert(ctx, newIntegration("never", models.ProviderGmail, nil))
			require.NoError(t, err)
			revoked, err := s.Upsert(ctx, newIntegration("revoked", models.ProviderGmail, timePtr(now.Add(time.Minute))))
			require.NoError(t, err)
			require.NoError(t, s.SetStatus(ctx, revoked.ID, models.StatusRevoked, ""))

			list, err := s.ListExpiring(ctx, now.Add(5*time.Minute))
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, soon.ID, list[0].ID)
		})
	}
}

func TestTokenStore_RefreshFailurePolicy(t *testing.T) {
	for name, newStore := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			in, err := s.Upsert(ctx, newIntegration("u1", models.ProviderGoogleDrive, timePtr(time.Now().Add(time.Minute))))
			require.NoError(t, err)

			status, err := s.RecordRefreshFailure(ctx, in.ID, "timeout", 3)
			require.NoError(t, err)
			assert.Equal(t, models.StatusActive, status)

			status, err = s.RecordRefreshFailure(ctx, in.ID, "timeout", 3)
			require.NoError(t, err)
			assert.Equal(t, models.StatusActive, status)

			expiry := time.Now().Add(time.Hour)
			require.NoError(t, s.UpdateCredentials(ctx, in.ID, "fresh", nil, &expiry))

			got, err := s.Get(ctx, in.ID)
			require.NoError(t, err)
			assert.Equal(t, "fresh", got.AccessCredential)
			assert.Equal(t, "refresh-u1", *got.RefreshCredential)
			assert.Zero(t, got.RefreshFailures)

			for i := 1; i <= 3; i++ {
				status, err = s.RecordRefreshFailure(ctx, in.ID, "timeout", 3)
				require.NoError(t, err)
			}
			assert.Equal(t, models.StatusError, status)

			_, err = s.RecordRefreshFailure(ctx, "missing", "x", 3)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTokenStore_MetadataRouting(t *testing.T) {
	for name, newStore := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			a, err := s.Upsert(ctx, newIntegration("a", models.ProviderSlack, nil))
			require.NoError(t, err)
			_, err = s.Upsert(ctx, newIntegration("b", models.ProviderSlack, nil))
			require.NoError(t, err)

			list, err := s.FindActiveByMetadata(ctx, models.ProviderSlack, "team_id", "T-a")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, a.ID, list[0].ID)

			require.NoError(t, s.MergeMetadata(ctx, a.ID, map[string]any{"channel_id": "ch-1"}))
			got, err := s.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, "ch-1", got.MetadataString("channel_id"))
			assert.Equal(t, "T-a", got.MetadataString("team_id"))

			list, err = s.FindActiveByMetadata(ctx, models.ProviderGmail, "team_id", "T-a")
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestTokenStore_DeleteChecksOwner(t *testing.T) {
	for name, newStore := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			in, err := s.Upsert(ctx, newIntegration("u1", models.ProviderSlack, nil))
			require.NoError(t, err)

			assert.ErrorIs(t, s.Delete(ctx, "intruder", in.ID), ErrNotFound)
			require.NoError(t, s.Delete(ctx, "u1", in.ID))

			_, err = s.Get(ctx, in.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func newNotification(owner, sourceID string, created time.Time) *models.Notification {
	return &models.Notification{
		OwnerID:       owner,
		IntegrationID: "int-1",
		Title:         "Title " + sourceID,
		Body:          "Body",
		Source:        models.ProviderGmail,
		SourceID:      sourceID,
		CreatedAt:     created,
	}
}

func TestNotificationStore_InsertIfAbsent(t *testing.T) {
	for name, newStore := range notificationStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			exists, err := s.Exists(ctx, "u1", "m1")
			require.NoError(t, err)
			assert.False(t, exists)

			created, err := s.InsertIfAbsent(ctx, newNotification("u1", "m1", time.Now()))
			require.NoError(t, err)
			assert.True(t, created)

			created, err = s.InsertIfAbsent(ctx, newNotification("u1", "m1", time.Now()))
			require.NoError(t, err)
			assert.False(t, created)

			// same source id for another owner is a separate notification
			created, err = s.InsertIfAbsent(ctx, newNotification("u2", "m1", time.Now()))
			require.NoError(t, err)
			assert.True(t, created)

			exists, err = s.Exists(ctx, "u1", "m1")
			require.NoError(t, err)
			assert.True(t, exists)

			list, err := s.List(ctx, "u1", models.NotificationFilter{})
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestNotificationStore_FeedOperations(t *testing.T) {
	for name, newStore := range notificationStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			base := time.Now().Add(-48 * time.Hour)

			for i, id := range []string{"a", "b", "c"} {
				_, err := s.InsertIfAbsent(ctx, newNotification("u1", id, base.Add(time.Duration(i)*time.Hour)))
				require.NoError(t, err)
			}
			slack := newNotification("u1", "s1", base.Add(10*time.Hour))
			slack.Source = models.ProviderSlack
			_, err := s.InsertIfAbsent(ctx, slack)
			require.NoError(t, err)

			list, err := s.List(ctx, "u1", models.NotificationFilter{})
			require.NoError(t, err)
			require.Len(t, list, 4)
			assert.Equal(t, "s1", list[0].SourceID, "newest first")

			list, err = s.List(ctx, "u1", models.NotificationFilter{Source: models.ProviderGmail, Limit: 2})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "c", list[0].SourceID)

			require.NoError(t, s.MarkRead(ctx, "u1", list[0].ID, true))
			assert.ErrorIs(t, s.MarkRead(ctx, "u2", list[0].ID, true), ErrNotFound)

			unread, err := s.CountUnread(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), unread)

			list, err = s.List(ctx, "u1", models.NotificationFilter{UnreadOnly: true})
			require.NoError(t, err)
			assert.Len(t, list, 3)

			marked, err := s.MarkAllRead(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), marked)

			deleted, err := s.DeleteReadBefore(ctx, base.Add(90*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(2), deleted)

			list, err = s.List(ctx, "u1", models.NotificationFilter{})
			require.NoError(t, err)
			require.Len(t, list, 2)

			require.NoError(t, s.Delete(ctx, "u1", list[0].ID))
			assert.ErrorIs(t, s.Delete(ctx, "u1", list[0].ID), ErrNotFound)

			// cleaned-up source events are never ingested again
			created, err := s.InsertIfAbsent(ctx, newNotification("u1", "a", time.Now()))
			require.NoError(t, err)
			assert.False(t, created)
		})
	}
}

func TestNotificationStore_DeletedSourceStaysKnown(t *testing.T) {
	for name, newStore := range notificationStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			n := newNotification("u1", "m1", time.Now().Add(-60*24*time.Hour))
			created, err := s.InsertIfAbsent(ctx, n)
			require.NoError(t, err)
			require.True(t, created)

			require.NoError(t, s.Delete(ctx, "u1", n.ID))

			exists, err := s.Exists(ctx, "u1", "m1")
			require.NoError(t, err)
			assert.True(t, exists)

			created, err = s.InsertIfAbsent(ctx, newNotification("u1", "m1", time.Now()))
			require.NoError(t, err)
			assert.False(t, created)

			list, err := s.List(ctx, "u1", models.NotificationFilter{})
			require.NoError(t, err)
			assert.Empty(t, list)

			unread, err := s.CountUnread(ctx, "u1")
			require.NoError(t, err)
			assert.Zero(t, unread)

			assert.ErrorIs(t, s.MarkRead(ctx, "u1", n.ID, true), ErrNotFound)

			marked, err := s.MarkAllRead(ctx, "u1")
			require.NoError(t, err)
			assert.Zero(t, marked)
		})
	}
}
