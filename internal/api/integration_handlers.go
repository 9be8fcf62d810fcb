package api

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/auth"
	"github.com/fuomag9/pulsebox/internal/ingest"
	"github.com/fuomag9/pulsebox/internal/jobs"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/store"
)

const maxWebhookBody = 1 << 20

// HandleListIntegrations returns the caller's integrations without credentials
func HandleListIntegrations(tokens store.TokenStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.ListByOwner(r.Context(), OwnerFromContext(r.Context()))
		if err != nil {
			writeError(w, logger, apperr.Wrap(apperr.KindPersistenceFailed, "list integrations", err))
			return
		}
		if list == nil {
			list = []models.Integration{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// HandleDeleteIntegration disconnects one of the caller's integrations
func HandleDeleteIntegration(tokens store.TokenStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := tokens.Delete(r.Context(), OwnerFromContext(r.Context()), id); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSync runs a bounded poll of the caller's integration
func HandleSync(pipeline *ingest.Pipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "type")
		providerType, ok := models.ParseProviderType(raw)
		if !ok {
			writeError(w, logger, apperr.Validation("unsupported integration type %q", raw))
			return
		}

		result, err := pipeline.Sync(r.Context(), OwnerFromContext(r.Context()), providerType)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleRefreshTokens runs one refresh sweep for the external scheduler.
// When cronSecret is set the caller must present it as a bearer token.
func HandleRefreshTokens(refresher *jobs.Refresher, cronSecret string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cronSecret != "" {
			got := auth.BearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(cronSecret)) != 1 {
				writeError(w, logger, apperr.New(apperr.KindUnauthorized, "invalid cron secret"))
				return
			}
		}

		result, err := refresher.RunSweep(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleWebhook ingests one provider webhook. Everything that passes the
// signature check is acknowledged with 200.
func HandleWebhook(pipeline *ingest.Pipeline, providerType models.ProviderType, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, logger, apperr.Validation("webhook body too large or unreadable"))
			return
		}

		result, err := pipeline.HandleWebhook(r.Context(), providerType, body, r.Header, r.URL.Query())
		if err != nil {
			writeError(w, logger, err)
			return
		}

		if result.Challenge != "" {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": result.Challenge})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
