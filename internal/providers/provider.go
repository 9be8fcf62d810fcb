// Package providers holds one adapter per supported provider. Each adapter owns
// its provider's token endpoint, data API and webhook format, and translates them
// into the shared TokenSet, EventRef and Payload shapes.
package providers

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/netguard"
)

// TokenSet is the result of a code exchange or refresh
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds; 0 means it does not expire
	ExpiresIn int64
	// Metadata carries provider account identifiers used for webhook routing
	Metadata map[string]any
}

// EventRef identifies one provider event. Inline is set when the listing or
// webhook already carried the full content, so no fetch is needed.
type EventRef struct {
	SourceID string
	Inline   *Payload
	// Hint carries provider-specific lookup fields (object type, channel)
	Hint map[string]string
}

// Payload is a provider event in the common shape before it becomes a Notification
type Payload struct {
	SourceID   string
	Title      string
	Body       string
	OccurredAt time.Time
	Metadata   map[string]any
}

// WebhookBatch is the set of events in one delivery addressed to one provider account
type WebhookBatch struct {
	RoutingKey string
	Events     []EventRef
	// ListRecent asks the pipeline to run a bounded sync instead of using Events
	ListRecent bool
}

// WebhookDelivery is a parsed inbound webhook
type WebhookDelivery struct {
	// Challenge is echoed back for URL verification handshakes
	Challenge string
	Batches   []WebhookBatch
}

// Adapter is implemented by every provider
type Adapter interface {
	Type() models.ProviderType
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)
	SupportsRefresh() bool
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	FetchEvent(ctx context.Context, accessToken string, ref EventRef) (*Payload, error)
	ListRecentEvents(ctx context.Context, accessToken string, pageSize int) ([]EventRef, error)
	// VerifyInboundSignature checks webhook authenticity before anything is parsed
	VerifyInboundSignature(body []byte, headers http.Header, query url.Values) bool
	// RoutingField names the provider_metadata key that webhook routing keys match
	RoutingField() string
	ParseWebhook(body []byte, headers http.Header, query url.Values) (*WebhookDelivery, error)
}

// Subscriber is implemented by adapters that register change subscriptions
// after a successful connect. The returned values are merged into the
// integration's provider_metadata.
type Subscriber interface {
	Subscribe(ctx context.Context, accessToken string, in *models.Integration) (map[string]any, error)
}

// Registry maps provider types to adapters
type Registry struct {
	adapters map[models.ProviderType]Adapter
}

// NewRegistry creates a registry from the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.ProviderType]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

// Get returns the adapter for a provider type
func (r *Registry) Get(providerType models.ProviderType) (Adapter, error) {
	a, ok := r.adapters[providerType]
	if !ok {
		return nil, apperr.Validation("unsupported integration type %q", providerType)
	}
	return a, nil
}

// Types returns the registered provider types in a stable order
func (r *Registry) Types() []models.ProviderType {
	types := make([]models.ProviderType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// NewDefaultRegistry builds the registry with every supported adapter
func NewDefaultRegistry(cfg *config.Config, logger *zap.Logger) *Registry {
	opts := Options{Timeout: cfg.ProviderTimeout}
	if !cfg.AllowPrivateEgress {
		opts.Guard = netguard.New(false)
	}
	return NewRegistry(
		NewGmail(cfg.Google, opts, logger),
		NewDrive(cfg.Google, opts, logger),
		NewSlack(cfg.Slack, opts, logger),
		NewHubSpot(cfg.HubSpot, opts, logger),
	)
}
