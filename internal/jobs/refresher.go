package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/oauth"
	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/secrets"
	"github.com/fuomag9/pulsebox/internal/store"
)

// SweepError describes one integration that could not be refreshed
type SweepError struct {
	IntegrationID string              `json:"integration_id"`
	Type          models.ProviderType `json:"type"`
	Error         string              `json:"error"`
}

// SweepResult summarizes one refresh sweep
type SweepResult struct {
	Refreshed int          `json:"refreshed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Errors    []SweepError `json:"errors"`
}

// Refresher renews credentials that are about to expire
type Refresher struct {
	registry    *providers.Registry
	tokens      store.TokenStore
	cipher      secrets.Cipher
	cfg         config.RefreshConfig
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewRefresher creates a refresher
func NewRefresher(registry *providers.Registry, tokens store.TokenStore, cipher secrets.Cipher, cfg config.RefreshConfig, concurrency int, logger *zap.Logger) *Refresher {
	if cfg.Margin <= 0 {
		cfg.Margin = 5 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Refresher{
		registry:    registry,
		tokens:      tokens,
		cipher:      cipher,
		cfg:         cfg,
		concurrency: concurrency,
		logger:      logger.Named("refresh"),
		now:         time.Now,
	}
}

type outcome struct {
	skipped bool
	err     error
}

// RunSweep refreshes every active integration expiring within the margin.
// Each integration is handled independently; one failure never stops the others.
func (r *Refresher) RunSweep(ctx context.Context) (*SweepResult, error) {
	candidates, err := r.tokens.ListExpiring(ctx, r.now().Add(r.cfg.Margin))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailed, "list expiring integrations", err)
	}

	outcomes := make([]outcome, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range candidates {
		g.Go(func() error {
			outcomes[i] = r.refreshOne(gctx, &candidates[i])
			return nil
		})
	}
	_ = g.Wait()

	result := &SweepResult{Errors: []SweepError{}}
	for i, o := range outcomes {
		switch {
		case o.skipped:
			result.Skipped++
		case o.err != nil:
			result.Failed++
			result.Errors = append(result.Errors, SweepError{
				IntegrationID: candidates[i].ID,
				Type:          candidates[i].ProviderType,
				Error:         o.err.Error(),
			})
		default:
			result.Refreshed++
		}
	}

	if len(candidates) > 0 {
		r.logger.Info("refresh sweep finished",
			zap.Int("candidates", len(candidates)),
			zap.Int("refreshed", result.Refreshed),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
		)
	}
	return result, nil
}

func (r *Refresher) refreshOne(ctx context.Context, in *models.Integration) outcome {
	log := r.logger.With(
		zap.String("integration_id", in.ID),
		zap.String("provider", string(in.ProviderType)),
	)

	adapter, err := r.registry.Get(in.ProviderType)
	if err != nil {
		return outcome{err: err}
	}
	if !adapter.SupportsRefresh() {
		return outcome{skipped: true}
	}

	if !in.HasRefreshCredential() {
		if err := r.tokens.SetStatus(ctx, in.ID, models.StatusExpired, "no refresh credential"); err != nil {
			log.Error("failed to mark integration expired", zap.Error(err))
		}
		return outcome{err: apperr.New(apperr.KindTokenRefreshFailed, "no refresh credential")}
	}

	refreshToken, err := r.cipher.Decrypt(*in.RefreshCredential)
	if err != nil {
		return r.fail(ctx, log, in, apperr.Wrap(apperr.KindInternal, "decrypt refresh credential", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ItemTimeout)
	tokens, err := adapter.Refresh(callCtx, refreshToken)
	cancel()
	if err != nil {
		if providers.IsRevoked(err) {
			if serr := r.tokens.SetStatus(ctx, in.ID, models.StatusRevoked, err.Error()); serr != nil {
				log.Error("failed to mark integration revoked", zap.Error(serr))
			}
			log.Warn("refresh grant revoked", zap.Error(err))
			return outcome{err: err}
		}
		return r.fail(ctx, log, in, err)
	}

	access, err := r.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return r.fail(ctx, log, in, apperr.Wrap(apperr.KindInternal, "encrypt access credential", err))
	}

	// Providers that do not rotate refresh tokens omit them; keep the stored one
	var refresh *string
	if tokens.RefreshToken != "" {
		enc, err := r.cipher.Encrypt(tokens.RefreshToken)
		if err != nil {
			return r.fail(ctx, log, in, apperr.Wrap(apperr.KindInternal, "encrypt refresh credential", err))
		}
		refresh = &enc
	}

	expiry := oauth.ExpiryFrom(r.now(), tokens.ExpiresIn)
	if err := r.tokens.UpdateCredentials(ctx, in.ID, access, refresh, &expiry); err != nil {
		return outcome{err: apperr.Wrap(apperr.KindPersistenceFailed, "save refreshed credentials", err)}
	}

	log.Debug("credentials refreshed", zap.Time("expires_at", expiry))
	return outcome{}
}

// fail records a failed attempt against the consecutive-failure policy
func (r *Refresher) fail(ctx context.Context, log *zap.Logger, in *models.Integration, cause error) outcome {
	status, err := r.tokens.RecordRefreshFailure(ctx, in.ID, cause.Error(), r.cfg.MaxFailures)
	if err != nil {
		log.Error("failed to record refresh failure", zap.Error(err))
	} else if status == models.StatusError {
		log.Warn("integration moved to error after repeated refresh failures", zap.Error(cause))
	} else {
		log.Info("refresh failed", zap.Error(cause))
	}
	return outcome{err: cause}
}
