package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuomag9/pulsebox/internal/models"
)

var (
	_ TokenStore        = (*GormTokenStore)(nil)
	_ NotificationStore = (*GormNotificationStore)(nil)
)

// GormTokenStore is the relational TokenStore
type GormTokenStore struct {
	db *gorm.DB
}

// NewGormTokenStore creates a TokenStore backed by db
func NewGormTokenStore(db *gorm.DB) *GormTokenStore {
	return &GormTokenStore{db: db}
}

func (s *GormTokenStore) Upsert(ctx context.Context, in *models.Integration) (*models.Integration, error) {
	now := time.Now().UTC()
	rec := *in
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ProviderMetadata == nil {
		rec.ProviderMetadata = map[string]any{}
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.CredentialExpiry = utcPtr(rec.CredentialExpiry)

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "provider_type"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "access_credential"}, Value: gorm.Expr("excluded.access_credential")},
			{Column: clause.Column{Name: "refresh_credential"}, Value: gorm.Expr("COALESCE(excluded.refresh_credential, integrations.refresh_credential)")},
			{Column: clause.Column{Name: "credential_expiry"}, Value: gorm.Expr("excluded.credential_expiry")},
			{Column: clause.Column{Name: "status"}, Value: gorm.Expr("excluded.status")},
			{Column: clause.Column{Name: "provider_metadata"}, Value: gorm.Expr("excluded.provider_metadata")},
			{Column: clause.Column{Name: "refresh_failures"}, Value: 0},
			{Column: clause.Column{Name: "last_error"}, Value: ""},
			{Column: clause.Column{Name: "updated_at"}, Value: now},
		},
	}).Create(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("upsert integration: %w", err)
	}

	// On conflict the generated id was discarded; read back the surviving row
	var stored models.Integration
	err = s.db.WithContext(ctx).
		Where("owner_id = ? AND provider_type = ?", rec.OwnerID, rec.ProviderType).
		First(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("reload integration: %w", err)
	}

	return &stored, nil
}

func (s *GormTokenStore) Get(ctx context.Context, id string) (*models.Integration, error) {
	var in models.Integration
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&in).Error; err != nil {
		return nil, notFound(err, "get integration")
	}
	return &in, nil
}

func (s *GormTokenStore) GetActive(ctx context.Context, ownerID string, providerType models.ProviderType) (*models.Integration, error) {
	var in models.Integration
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND provider_type = ? AND status = ?", ownerID, providerType, models.StatusActive).
		First(&in).Error
	if err != nil {
		return nil, notFound(err, "get active integration")
	}
	return &in, nil
}

func (s *GormTokenStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Integration, error) {
	var list []models.Integration
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	return list, nil
}

func (s *GormTokenStore) ListActiveByType(ctx context.Context, providerType models.ProviderType) ([]models.Integration, error) {
	var list []models.Integration
	err := s.db.WithContext(ctx).
		Where("provider_type = ? AND status = ?", providerType, models.StatusActive).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list integrations by type: %w", err)
	}
	return list, nil
}

func (s *GormTokenStore) FindActiveByMetadata(ctx context.Context, providerType models.ProviderType, field, value string) ([]models.Integration, error) {
	q := s.db.WithContext(ctx).
		Where("provider_type = ? AND status = ?", providerType, models.StatusActive)

	if s.db.Dialector.Name() == "postgres" {
		q = q.Where("provider_metadata ->> ? = ?", field, value)
	} else {
		q = q.Where("json_extract(provider_metadata, ?) = ?", "$."+field, value)
	}

	var list []models.Integration
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("find integrations by %s: %w", field, err)
	}
	return list, nil
}

func (s *GormTokenStore) ListExpiring(ctx context.Context, before time.Time) ([]models.Integration, error) {
	var list []models.Integration
	err := s.db.WithContext(ctx).
		Where("status = ? AND credential_expiry IS NOT NULL AND credential_expiry < ?", models.StatusActive, before.UTC()).
		Order("credential_expiry ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring integrations: %w", err)
	}
	return list, nil
}

func (s *GormTokenStore) UpdateCredentials(ctx context.Context, id, access string, refresh *string, expiry *time.Time) error {
	updates := map[string]any{
		"access_credential": access,
		"credential_expiry": utcPtr(expiry),
		"status":            models.StatusActive,
		"refresh_failures":  0,
		"last_error":        "",
		"updated_at":        time.Now().UTC(),
	}
	if refresh != nil {
		updates["refresh_credential"] = *refresh
	}

	res := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update credentials: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormTokenStore) RecordRefreshFailure(ctx context.Context, id, reason string, maxFailures int) (models.IntegrationStatus, error) {
	res := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Updates(map[string]any{
		"refresh_failures": gorm.Expr("refresh_failures + 1"),
		"status":           gorm.Expr("CASE WHEN refresh_failures + 1 >= ? THEN ? ELSE status END", maxFailures, models.StatusError),
		"last_error":       reason,
		"updated_at":       time.Now().UTC(),
	})
	if res.Error != nil {
		return "", fmt.Errorf("record refresh failure: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrNotFound
	}

	in, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return in.Status, nil
}

func (s *GormTokenStore) SetStatus(ctx context.Context, id string, status models.IntegrationStatus, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"last_error": reason,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormTokenStore) MergeMetadata(ctx context.Context, id string, values map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var in models.Integration
		if err := q.Where("id = ?", id).First(&in).Error; err != nil {
			return notFound(err, "merge metadata")
		}

		merged := make(map[string]any, len(in.ProviderMetadata)+len(values))
		maps.Copy(merged, in.ProviderMetadata)
		maps.Copy(merged, values)

		in.ProviderMetadata = merged
		in.UpdatedAt = time.Now().UTC()
		if err := tx.Model(&in).Select("provider_metadata", "updated_at").Updates(&in).Error; err != nil {
			return fmt.Errorf("merge metadata: %w", err)
		}
		return nil
	})
}

func (s *GormTokenStore) Delete(ctx context.Context, ownerID, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&models.Integration{})
	if res.Error != nil {
		return fmt.Errorf("delete integration: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GormNotificationStore is the relational NotificationStore
type GormNotificationStore struct {
	db *gorm.DB
}

// NewGormNotificationStore creates a NotificationStore backed by db
func NewGormNotificationStore(db *gorm.DB) *GormNotificationStore {
	return &GormNotificationStore{db: db}
}

// Exists also sees deleted notifications so their source events stay deduplicated
func (s *GormNotificationStore) Exists(ctx context.Context, ownerID, sourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Unscoped().Model(&models.Notification{}).
		Where("owner_id = ? AND source_id = ?", ownerID, sourceID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return count > 0, nil
}

func (s *GormNotificationStore) InsertIfAbsent(ctx context.Context, n *models.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	} else {
		n.CreatedAt = n.CreatedAt.UTC()
	}
	if n.ProviderMetadata == nil {
		n.ProviderMetadata = map[string]any{}
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "source_id"}},
		DoNothing: true,
	}).Create(n)
	if res.Error != nil {
		return false, fmt.Errorf("insert notification: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormNotificationStore) List(ctx context.Context, ownerID string, filter models.NotificationFilter) ([]models.Notification, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if filter.UnreadOnly {
		q = q.Where("read = ?", false)
	}
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}

	var list []models.Notification
	err := q.Order("created_at DESC").Limit(clampLimit(filter.Limit)).Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return list, nil
}

func (s *GormNotificationStore) CountUnread(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("owner_id = ? AND read = ?", ownerID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (s *GormNotificationStore) MarkRead(ctx context.Context, ownerID, id string, read bool) error {
	var readAt *time.Time
	if read {
		now := time.Now().UTC()
		readAt = &now
	}

	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(map[string]any{"read": read, "read_at": readAt})
	if res.Error != nil {
		return fmt.Errorf("mark notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormNotificationStore) MarkAllRead(ctx context.Context, ownerID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("owner_id = ? AND read = ?", ownerID, false).
		Updates(map[string]any{"read": true, "read_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("mark all read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormNotificationStore) Delete(ctx context.Context, ownerID, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&models.Notification{})
	if res.Error != nil {
		return fmt.Errorf("delete notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteReadBefore soft-deletes, leaving the (owner, source id) key in place
func (s *GormNotificationStore) DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("read = ? AND created_at < ?", true, cutoff.UTC()).
		Delete(&models.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete read notifications: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
