// Package subscriptions registers and renews provider change subscriptions
// (Gmail watch, Drive channels) for connected integrations.
package subscriptions

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/secrets"
	"github.com/fuomag9/pulsebox/internal/store"
	"github.com/fuomag9/pulsebox/internal/tasks"
)

// ExpiresAtKey is the provider_metadata key holding the subscription expiry (RFC3339)
const ExpiresAtKey = "subscription_expires_at"

// DefaultRenewWindow renews subscriptions that expire within this window
const DefaultRenewWindow = 24 * time.Hour

// Service performs subscription tasks
type Service struct {
	registry    *providers.Registry
	store       store.TokenStore
	cipher      secrets.Cipher
	renewWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

var _ tasks.SubscribeHandler = (*Service)(nil)

// NewService creates the subscription service
func NewService(registry *providers.Registry, tokens store.TokenStore, cipher secrets.Cipher, logger *zap.Logger) *Service {
	return &Service{
		registry:    registry,
		store:       tokens,
		cipher:      cipher,
		renewWindow: DefaultRenewWindow,
		logger:      logger.Named("subscriptions"),
		now:         time.Now,
	}
}

// Subscribe registers the provider subscription for one integration and stores
// the returned identifiers in its metadata
func (s *Service) Subscribe(ctx context.Context, integrationID string) error {
	in, err := s.store.Get(ctx, integrationID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindIntegrationNotFound, "integration not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailed, "load integration", err)
	}
	if in.Status != models.StatusActive {
		s.logger.Debug("skipping subscription for inactive integration",
			zap.String("integration_id", in.ID),
			zap.String("status", string(in.Status)),
		)
		return nil
	}

	adapter, err := s.registry.Get(in.ProviderType)
	if err != nil {
		return err
	}
	sub, ok := adapter.(providers.Subscriber)
	if !ok {
		return nil
	}

	access, err := s.cipher.Decrypt(in.AccessCredential)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "decrypt access credential", err)
	}

	values, err := sub.Subscribe(ctx, access, in)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	if err := s.store.MergeMetadata(ctx, in.ID, values); err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailed, "save subscription metadata", err)
	}

	s.logger.Info("subscription registered",
		zap.String("integration_id", in.ID),
		zap.String("provider", string(in.ProviderType)),
		zap.Any("expires_at", values[ExpiresAtKey]),
	)
	return nil
}

// RenewExpiring enqueues a subscribe task for every active integration whose
// subscription is missing or expires within the renew window. It returns the
// number of tasks enqueued.
func (s *Service) RenewExpiring(ctx context.Context, queue tasks.Queue) (int, error) {
	cutoff := s.now().Add(s.renewWindow)
	enqueued := 0

	for _, pt := range s.registry.Types() {
		adapter, err := s.registry.Get(pt)
		if err != nil {
			return enqueued, err
		}
		if _, ok := adapter.(providers.Subscriber); !ok {
			continue
		}

		list, err := s.store.ListActiveByType(ctx, pt)
		if err != nil {
			return enqueued, apperr.Wrap(apperr.KindPersistenceFailed, "list integrations", err)
		}

		for i := range list {
			if !NeedsRenewal(&list[i], cutoff) {
				continue
			}
			if err := queue.EnqueueSubscribe(ctx, list[i].ID); err != nil {
				s.logger.Warn("failed to enqueue renewal",
					zap.String("integration_id", list[i].ID),
					zap.Error(err),
				)
				continue
			}
			enqueued++
		}
	}

	return enqueued, nil
}

// NeedsRenewal reports whether the stored subscription expires before cutoff.
// An integration without a recorded expiry is treated as unsubscribed.
func NeedsRenewal(in *models.Integration, cutoff time.Time) bool {
	raw := in.MetadataString(ExpiresAtKey)
	if raw == "" {
		return true
	}
	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return expiresAt.Before(cutoff)
}
