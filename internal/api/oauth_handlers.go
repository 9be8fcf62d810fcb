package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/oauth"
)

// stateCookie carries the CSRF state between GET /api/oauth/state and the exchange
const stateCookie = "pulsebox_oauth_state"

const stateTTL = 10 * time.Minute

// ExchangeRequest is the body of POST /api/oauth/{group}/exchange
type ExchangeRequest struct {
	Code            string `json:"code"`
	IntegrationType string `json:"integration_type"`
	RedirectURI     string `json:"redirect_uri,omitempty"`
	State           string `json:"state,omitempty"`
}

// IntegrationSummary is the public view of a connected integration
type IntegrationSummary struct {
	ID        string                   `json:"id"`
	Type      models.ProviderType      `json:"type"`
	Status    models.IntegrationStatus `json:"status"`
	CreatedAt time.Time                `json:"created_at"`
}

// ExchangeResponse is returned after a successful exchange
type ExchangeResponse struct {
	Success     bool               `json:"success"`
	Integration IntegrationSummary `json:"integration"`
}

// HandleGetState issues a fresh CSRF state and pins it in a short-lived cookie
func HandleGetState(cfg *config.Config, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := oauth.GenerateState()
		if err != nil {
			writeError(w, logger, apperr.Wrap(apperr.KindInternal, "generate state", err))
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/api/oauth",
			MaxAge:   int(stateTTL.Seconds()),
			HttpOnly: true,
			Secure:   cfg.Environment == "production",
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, map[string]string{"state": state})
	}
}

// HandleExchange trades an authorization code for credentials and stores the integration
func HandleExchange(exchange *oauth.ExchangeService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		group := strings.ToLower(chi.URLParam(r, "group"))

		var req ExchangeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		providerType, ok := models.ParseProviderType(req.IntegrationType)
		if !ok {
			writeError(w, logger, apperr.Validation("unsupported integration type %q", req.IntegrationType))
			return
		}
		if providerType.Group() != group {
			writeError(w, logger, apperr.Validation("%s cannot be connected through %s", providerType.Label(), group))
			return
		}

		// A state issued by HandleGetState must come back unchanged
		if cookie, err := r.Cookie(stateCookie); err == nil {
			if !oauth.VerifyState(cookie.Value, req.State) {
				writeError(w, logger, apperr.Validation("state mismatch"))
				return
			}
			http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/api/oauth", MaxAge: -1})
		}

		in, err := exchange.ExchangeAndStore(r.Context(), providerType, req.Code, req.RedirectURI, OwnerFromContext(r.Context()))
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, ExchangeResponse{
			Success:     true,
			Integration: summarize(in),
		})
	}
}

func summarize(in *models.Integration) IntegrationSummary {
	return IntegrationSummary{
		ID:        in.ID,
		Type:      in.ProviderType,
		Status:    in.Status,
		CreatedAt: in.CreatedAt,
	}
}
