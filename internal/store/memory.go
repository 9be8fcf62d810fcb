package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuomag9/pulsebox/internal/models"
)

var (
	_ TokenStore        = (*MemoryTokenStore)(nil)
	_ NotificationStore = (*MemoryNotificationStore)(nil)
)

// MemoryTokenStore is an in-memory TokenStore for tests and local development
type MemoryTokenStore struct {
	mu           sync.RWMutex
	integrations map[string]models.Integration
}

// NewMemoryTokenStore creates an empty in-memory token store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		integrations: make(map[string]models.Integration),
	}
}

func (s *MemoryTokenStore) Upsert(_ context.Context, in *models.Integration) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec := cloneIntegration(*in)
	rec.CredentialExpiry = utcPtr(rec.CredentialExpiry)
	rec.RefreshFailures = 0
	rec.LastError = ""
	rec.UpdatedAt = now
	if rec.ProviderMetadata == nil {
		rec.ProviderMetadata = map[string]any{}
	}

	if existing, ok := s.findLocked(rec.OwnerID, rec.ProviderType); ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		if rec.RefreshCredential == nil {
			rec.RefreshCredential = existing.RefreshCredential
		}
	} else {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.CreatedAt = now
	}

	s.integrations[rec.ID] = rec
	out := cloneIntegration(rec)
	return &out, nil
}

func (s *MemoryTokenStore) Get(_ context.Context, id string) (*models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.integrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneIntegration(in)
	return &out, nil
}

func (s *MemoryTokenStore) GetActive(_ context.Context, ownerID string, providerType models.ProviderType) (*models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.findLocked(ownerID, providerType)
	if !ok || in.Status != models.StatusActive {
		return nil, ErrNotFound
	}
	out := cloneIntegration(in)
	return &out, nil
}

func (s *MemoryTokenStore) ListByOwner(_ context.Context, ownerID string) ([]models.Integration, error) {
	list := s.filter(func(in models.Integration) bool {
		return in.OwnerID == ownerID
	})
	slices.SortFunc(list, func(a, b models.Integration) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return list, nil
}

func (s *MemoryTokenStore) ListActiveByType(_ context.Context, providerType models.ProviderType) ([]models.Integration, error) {
	return s.filter(func(in models.Integration) bool {
		return in.ProviderType == providerType && in.Status == models.StatusActive
	}), nil
}

func (s *MemoryTokenStore) FindActiveByMetadata(_ context.Context, providerType models.ProviderType, field, value string) ([]models.Integration, error) {
	return s.filter(func(in models.Integration) bool {
		return in.ProviderType == providerType &&
			in.Status == models.StatusActive &&
			in.MetadataString(field) == value
	}), nil
}

func (s *MemoryTokenStore) ListExpiring(_ context.Context, before time.Time) ([]models.Integration, error) {
	list := s.filter(func(in models.Integration) bool {
		return in.Status == models.StatusActive && in.ExpiresBefore(before)
	})
	slices.SortFunc(list, func(a, b models.Integration) int {
		return a.CredentialExpiry.Compare(*b.CredentialExpiry)
	})
	return list, nil
}

func (s *MemoryTokenStore) UpdateCredentials(_ context.Context, id, access string, refresh *string, expiry *time.Time) error {
	return s.update(id, func(in *models.Integration) {
		in.AccessCredential = access
		if refresh != nil {
			r := *refresh
			in.RefreshCredential = &r
		}
		in.CredentialExpiry = utcPtr(expiry)
		in.Status = models.StatusActive
		in.RefreshFailures = 0
		in.LastError = ""
	})
}

func (s *MemoryTokenStore) RecordRefreshFailure(_ context.Context, id, reason string, maxFailures int) (models.IntegrationStatus, error) {
	var status models.IntegrationStatus
	err := s.update(id, func(in *models.Integration) {
		in.RefreshFailures++
		in.LastError = reason
		if in.RefreshFailures >= maxFailures {
			in.Status = models.StatusError
		}
		status = in.Status
	})
	return status, err
}

func (s *MemoryTokenStore) SetStatus(_ context.Context, id string, status models.IntegrationStatus, reason string) error {
	return s.update(id, func(in *models.Integration) {
		in.Status = status
		in.LastError = reason
	})
}

func (s *MemoryTokenStore) MergeMetadata(_ context.Context, id string, values map[string]any) error {
	return s.update(id, func(in *models.Integration) {
		if in.ProviderMetadata == nil {
			in.ProviderMetadata = make(map[string]any, len(values))
		}
		maps.Copy(in.ProviderMetadata, values)
	})
}

func (s *MemoryTokenStore) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.integrations[id]
	if !ok || in.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.integrations, id)
	return nil
}

func (s *MemoryTokenStore) findLocked(ownerID string, providerType models.ProviderType) (models.Integration, bool) {
	for _, in := range s.integrations {
		if in.OwnerID == ownerID && in.ProviderType == providerType {
			return in, true
		}
	}
	return models.Integration{}, false
}

func (s *MemoryTokenStore) filter(keep func(models.Integration) bool) []models.Integration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []models.Integration
	for _, in := range s.integrations {
		if keep(in) {
			list = append(list, cloneIntegration(in))
		}
	}
	return list
}

func (s *MemoryTokenStore) update(id string, fn func(*models.Integration)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.integrations[id]
	if !ok {
		return ErrNotFound
	}
	in = cloneIntegration(in)
	fn(&in)
	in.UpdatedAt = time.Now().UTC()
	s.integrations[id] = in
	return nil
}

func cloneIntegration(in models.Integration) models.Integration {
	out := in
	out.ProviderMetadata = maps.Clone(in.ProviderMetadata)
	if in.RefreshCredential != nil {
		r := *in.RefreshCredential
		out.RefreshCredential = &r
	}
	if in.CredentialExpiry != nil {
		e := *in.CredentialExpiry
		out.CredentialExpiry = &e
	}
	return out
}

// MemoryNotificationStore is an in-memory NotificationStore
type MemoryNotificationStore struct {
	mu            sync.RWMutex
	notifications map[string]models.Notification
	// bySource indexes owner|source_id to the notification id. Entries
	// outlive deleted notifications.
	bySource map[string]string
}

// NewMemoryNotificationStore creates an empty in-memory notification store
func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{
		notifications: make(map[string]models.Notification),
		bySource:      make(map[string]string),
	}
}

func (s *MemoryNotificationStore) Exists(_ context.Context, ownerID, sourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.bySource[sourceKey(ownerID, sourceID)]
	return ok, nil
}

func (s *MemoryNotificationStore) InsertIfAbsent(_ context.Context, n *models.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceKey(n.OwnerID, n.SourceID)
	if _, ok := s.bySource[key]; ok {
		return false, nil
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.ProviderMetadata == nil {
		n.ProviderMetadata = map[string]any{}
	}

	rec := *n
	rec.ProviderMetadata = maps.Clone(n.ProviderMetadata)
	s.notifications[rec.ID] = rec
	s.bySource[key] = rec.ID
	return true, nil
}

func (s *MemoryNotificationStore) List(_ context.Context, ownerID string, filter models.NotificationFilter) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []models.Notification
	for _, n := range s.notifications {
		if n.OwnerID != ownerID {
			continue
		}
		if filter.UnreadOnly && n.Read {
			continue
		}
		if filter.Source != "" && n.Source != filter.Source {
			continue
		}
		list = append(list, n)
	}

	slices.SortFunc(list, func(a, b models.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	if limit := clampLimit(filter.Limit); len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemoryNotificationStore) CountUnread(_ context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, n := range s.notifications {
		if n.OwnerID == ownerID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *MemoryNotificationStore) MarkRead(_ context.Context, ownerID, id string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.OwnerID != ownerID {
		return ErrNotFound
	}

	n.Read = read
	n.ReadAt = nil
	if read {
		now := time.Now().UTC()
		n.ReadAt = &now
	}
	s.notifications[id] = n
	return nil
}

func (s *MemoryNotificationStore) MarkAllRead(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var count int64
	for id, n := range s.notifications {
		if n.OwnerID == ownerID && !n.Read {
			n.Read = true
			n.ReadAt = &now
			s.notifications[id] = n
			count++
		}
	}
	return count, nil
}

func (s *MemoryNotificationStore) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.notifications, id)
	return nil
}

func (s *MemoryNotificationStore) DeleteReadBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, n := range s.notifications {
		if n.Read && n.CreatedAt.Before(cutoff) {
			delete(s.notifications, id)
			count++
		}
	}
	return count, nil
}

func sourceKey(ownerID, sourceID string) string {
	return fmt.Sprintf("%s|%s", ownerID, sourceID)
}
