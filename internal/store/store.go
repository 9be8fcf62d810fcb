// Package store persists integrations and notifications.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fuomag9/pulsebox/internal/models"
)

// ErrNotFound is returned when a record does not exist or is not visible to the owner
var ErrNotFound = errors.New("record not found")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TokenStore persists integrations and their encrypted credentials.
// Implementations must be safe for concurrent use.
type TokenStore interface {
	// Upsert inserts or overwrites the integration keyed by (owner, provider type).
	// A nil refresh credential keeps the stored one. The persisted row is returned.
	Upsert(ctx context.Context, in *models.Integration) (*models.Integration, error)
	Get(ctx context.Context, id string) (*models.Integration, error)
	// GetActive returns the owner's active integration of the given type
	GetActive(ctx context.Context, ownerID string, providerType models.ProviderType) (*models.Integration, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Integration, error)
	ListActiveByType(ctx context.Context, providerType models.ProviderType) ([]models.Integration, error)
	// FindActiveByMetadata returns active integrations whose metadata[field] equals value
	FindActiveByMetadata(ctx context.Context, providerType models.ProviderType, field, value string) ([]models.Integration, error)
	// ListExpiring returns active integrations with a credential expiry before the cutoff
	ListExpiring(ctx context.Context, before time.Time) ([]models.Integration, error)
	// UpdateCredentials stores refreshed credentials, marks the integration active
	// and resets the failure counter.
	UpdateCredentials(ctx context.Context, id, access string, refresh *string, expiry *time.Time) error
	// RecordRefreshFailure increments the failure counter and moves the integration
	// to error once maxFailures consecutive failures are reached.
	RecordRefreshFailure(ctx context.Context, id, reason string, maxFailures int) (models.IntegrationStatus, error)
	SetStatus(ctx context.Context, id string, status models.IntegrationStatus, reason string) error
	MergeMetadata(ctx context.Context, id string, values map[string]any) error
	Delete(ctx context.Context, ownerID, id string) error
}

// NotificationSink is the write side used by ingestion
type NotificationSink interface {
	// Exists reports whether the source event was ever stored, deleted or not
	Exists(ctx context.Context, ownerID, sourceID string) (bool, error)
	// InsertIfAbsent inserts n unless (owner, source id) already exists.
	// created is false when the row was already present.
	InsertIfAbsent(ctx context.Context, n *models.Notification) (created bool, err error)
}

// NotificationStore adds the owner-facing feed operations
type NotificationStore interface {
	NotificationSink
	List(ctx context.Context, ownerID string, filter models.NotificationFilter) ([]models.Notification, error)
	CountUnread(ctx context.Context, ownerID string) (int64, error)
	MarkRead(ctx context.Context, ownerID, id string, read bool) error
	MarkAllRead(ctx context.Context, ownerID string) (int64, error)
	// Delete hides the notification; its source id stays known to Exists
	Delete(ctx context.Context, ownerID, id string) error
	// DeleteReadBefore removes read notifications created before cutoff with
	// the same tombstone semantics as Delete
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
