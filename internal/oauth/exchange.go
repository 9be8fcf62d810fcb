// Package oauth turns authorization codes into stored integrations.
package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/secrets"
	"github.com/fuomag9/pulsebox/internal/store"
	"github.com/fuomag9/pulsebox/internal/tasks"
)

const (
	// MinCodeLength rejects obviously truncated codes before any network call
	MinCodeLength = 10
	// NominalValidity is the expiry given to credentials that never expire
	NominalValidity = 365 * 24 * time.Hour
)

// ExchangeService exchanges authorization codes and persists the resulting credentials
type ExchangeService struct {
	registry *providers.Registry
	store    store.TokenStore
	cipher   secrets.Cipher
	queue    tasks.Queue
	logger   *zap.Logger
	now      func() time.Time
}

// NewExchangeService creates the exchange service. queue may be nil to skip
// subscription registration.
func NewExchangeService(registry *providers.Registry, tokens store.TokenStore, cipher secrets.Cipher, queue tasks.Queue, logger *zap.Logger) *ExchangeService {
	return &ExchangeService{
		registry: registry,
		store:    tokens,
		cipher:   cipher,
		queue:    queue,
		logger:   logger.Named("oauth"),
		now:      time.Now,
	}
}

// ExchangeAndStore exchanges code with the provider and upserts the owner's integration
func (s *ExchangeService) ExchangeAndStore(ctx context.Context, providerType models.ProviderType, code, redirectURI, ownerID string) (*models.Integration, error) {
	code = strings.TrimSpace(code)
	if len(code) < MinCodeLength {
		return nil, apperr.Validation("authorization code must be at least %d characters", MinCodeLength)
	}
	if ownerID == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing owner")
	}

	adapter, err := s.registry.Get(providerType)
	if err != nil {
		return nil, err
	}

	tokens, err := adapter.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	if tokens.AccessToken == "" {
		return nil, apperr.New(apperr.KindTokenExchangeFailed, "provider returned no access token")
	}

	access, err := s.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encrypt access credential", err)
	}

	var refresh *string
	if tokens.RefreshToken != "" {
		enc, err := s.cipher.Encrypt(tokens.RefreshToken)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "encrypt refresh credential", err)
		}
		refresh = &enc
	}

	expiry := ExpiryFrom(s.now(), tokens.ExpiresIn)

	saved, err := s.store.Upsert(ctx, &models.Integration{
		OwnerID:           ownerID,
		ProviderType:      providerType,
		AccessCredential:  access,
		RefreshCredential: refresh,
		CredentialExpiry:  &expiry,
		Status:            models.StatusActive,
		ProviderMetadata:  stringMetadata(tokens.Metadata),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailed, "save integration", err)
	}

	s.logger.Info("integration connected",
		zap.String("integration_id", saved.ID),
		zap.String("owner_id", ownerID),
		zap.String("provider", string(providerType)),
	)

	s.enqueueSubscribe(ctx, adapter, saved)

	return saved, nil
}

// ExpiryFrom turns a provider lifetime into an absolute expiry
func ExpiryFrom(now time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return now.Add(NominalValidity).UTC()
	}
	return now.Add(time.Duration(expiresIn) * time.Second).UTC()
}

func (s *ExchangeService) enqueueSubscribe(ctx context.Context, adapter providers.Adapter, in *models.Integration) {
	if s.queue == nil {
		return
	}
	if _, ok := adapter.(providers.Subscriber); !ok {
		return
	}
	if err := s.queue.EnqueueSubscribe(ctx, in.ID); err != nil {
		s.logger.Warn("failed to enqueue subscription",
			zap.String("integration_id", in.ID),
			zap.Error(err),
		)
	}
}

// stringMetadata stores every metadata value as a string so routing lookups
// compare like with like
func stringMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case []string:
			out[k] = strings.Join(val, " ")
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
