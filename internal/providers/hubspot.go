package providers

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
)

const (
	hubspotAPIBase = "https://api.hubapi.com"

	headerHubSpotSignature = "X-HubSpot-Signature"
)

var (
	hubspotEndpoint = oauth2.Endpoint{
		AuthURL:  "https://app.hubspot.com/oauth/authorize",
		TokenURL: "https://api.hubapi.com/oauth/v1/token",
	}
	hubspotScopes = []string{"oauth", "crm.objects.contacts.read"}

	// hubspotObjects maps webhook object prefixes to CRM object paths and the
	// property used as the record title
	hubspotObjects = map[string]struct {
		path       string
		titleProps []string
		label      string
	}{
		"contact": {path: "contacts", titleProps: []string{"firstname", "lastname"}, label: "Contact"},
		"company": {path: "companies", titleProps: []string{"name"}, label: "Company"},
		"deal":    {path: "deals", titleProps: []string{"dealname"}, label: "Deal"},
		"ticket":  {path: "tickets", titleProps: []string{"subject"}, label: "Ticket"},
	}
)

// HubSpot adapts the HubSpot OAuth and CRM APIs. Webhooks arrive as an array of
// events for possibly several portals.
type HubSpot struct {
	cfg     config.HubSpotConfig
	apiBase string
	oauth   *oauthClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Adapter = (*HubSpot)(nil)

// NewHubSpot creates the HubSpot adapter
func NewHubSpot(cfg config.HubSpotConfig, opts Options, logger *zap.Logger) *HubSpot {
	opts = opts.withDefaults(10, 10)

	apiBase := hubspotAPIBase
	if cfg.APIBaseURL != "" {
		apiBase = strings.TrimRight(cfg.APIBaseURL, "/")
	}

	return &HubSpot{
		cfg:     cfg,
		apiBase: apiBase,
		oauth:   newOAuthClient(models.ProviderHubSpot, cfg.ProviderConfig, hubspotEndpoint, hubspotScopes, newHTTPClient(opts)),
		limiter: rate.NewLimiter(opts.Limit, opts.Burst),
		logger:  logger.Named("hubspot"),
	}
}

func (h *HubSpot) Type() models.ProviderType { return models.ProviderHubSpot }

func (h *HubSpot) SupportsRefresh() bool { return true }

func (h *HubSpot) RoutingField() string { return "portal_id" }

type hubspotTokenInfo struct {
	HubID     int64    `json:"hub_id"`
	HubDomain string   `json:"hub_domain"`
	User      string   `json:"user"`
	Scopes    []string `json:"scopes"`
}

func (h *HubSpot) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	tok, err := h.oauth.exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	ts := tokenSetFromOAuth(tok)

	// portal_id routes webhooks; connecting still succeeds without it
	var info hubspotTokenInfo
	infoURL := h.apiBase + "/oauth/v1/access-tokens/" + url.PathEscape(tok.AccessToken)
	if err := getJSON(ctx, h.oauth.httpClient, infoURL, &info); err != nil {
		h.logger.Warn("token info lookup failed after exchange", zap.Error(err))
	} else {
		ts.Metadata["portal_id"] = strconv.FormatInt(info.HubID, 10)
		ts.Metadata["hub_domain"] = info.HubDomain
		ts.Metadata["user"] = info.User
		if len(info.Scopes) > 0 {
			ts.Metadata["scope"] = strings.Join(info.Scopes, " ")
		}
	}

	return ts, nil
}

func (h *HubSpot) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	tok, err := h.oauth.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return tokenSetFromOAuth(tok), nil
}

type hubspotObject struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// ListRecentEvents returns the newest contacts as creation events
func (h *HubSpot) ListRecentEvents(ctx context.Context, accessToken string, pageSize int) ([]EventRef, error) {
	if err := wait(ctx, h.limiter); err != nil {
		return nil, err
	}

	search := map[string]any{
		"sorts":      []map[string]string{{"propertyName": "createdate", "direction": "DESCENDING"}},
		"properties": []string{"firstname", "lastname", "email", "createdate"},
		"limit":      pageSize,
	}
	var resp struct {
		Results []hubspotObject `json:"results"`
	}
	client := h.oauth.authorizedClient(accessToken)
	if err := postJSON(ctx, client, h.apiBase+"/crm/v3/objects/contacts/search", search, &resp); err != nil {
		return nil, fetchError(models.ProviderHubSpot, "contacts search", err)
	}

	refs := make([]EventRef, 0, len(resp.Results))
	for _, obj := range resp.Results {
		p := hubspotPayload("contact", "creation", obj)
		refs = append(refs, EventRef{SourceID: p.SourceID, Inline: p})
	}
	return refs, nil
}

func (h *HubSpot) FetchEvent(ctx context.Context, accessToken string, ref EventRef) (*Payload, error) {
	objectType, rest, _ := strings.Cut(ref.SourceID, ":")
	objectID, action, _ := strings.Cut(rest, ":")
	action, _, _ = strings.Cut(action, ":")

	spec, ok := hubspotObjects[objectType]
	if !ok || objectID == "" {
		return nil, apperr.Validation("unsupported HubSpot event %q", ref.SourceID)
	}

	if err := wait(ctx, h.limiter); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("properties", strings.Join(append(append([]string{}, spec.titleProps...), "email", "createdate"), ","))
	objectURL := fmt.Sprintf("%s/crm/v3/objects/%s/%s?%s", h.apiBase, spec.path, url.PathEscape(objectID), q.Encode())

	var obj hubspotObject
	if err := getJSON(ctx, h.oauth.authorizedClient(accessToken), objectURL, &obj); err != nil {
		return nil, fetchError(models.ProviderHubSpot, "object fetch", err)
	}

	p := hubspotPayload(objectType, action, obj)
	p.SourceID = ref.SourceID
	// the object only carries its latest edit time
	if t, err := time.Parse(time.RFC3339Nano, ref.Hint[hintOccurredAt]); err == nil {
		p.OccurredAt = t
	}
	for k, v := range ref.Hint {
		if _, exists := p.Metadata[k]; !exists {
			p.Metadata[k] = v
		}
	}
	return p, nil
}

func hubspotSourceID(objectType, objectID, action string) string {
	return objectType + ":" + objectID + ":" + action
}

func hubspotPayload(objectType, action string, obj hubspotObject) *Payload {
	spec := hubspotObjects[objectType]

	var parts []string
	for _, prop := range spec.titleProps {
		if v := strings.TrimSpace(obj.Properties[prop]); v != "" {
			parts = append(parts, v)
		}
	}
	name := strings.Join(parts, " ")
	if name == "" {
		name = obj.Properties["email"]
	}
	if name == "" {
		name = "#" + obj.ID
	}

	verb := "updated"
	switch action {
	case "creation":
		verb = "created"
	case "deletion":
		verb = "deleted"
	}

	body := fmt.Sprintf("%s %s was %s", spec.label, name, verb)
	if email := obj.Properties["email"]; email != "" && email != name {
		body += " (" + email + ")"
	}

	occurred := obj.CreatedAt
	if action != "creation" && !obj.UpdatedAt.IsZero() {
		occurred = obj.UpdatedAt
	}

	return &Payload{
		SourceID:   hubspotSourceID(objectType, obj.ID, action),
		Title:      fmt.Sprintf("%s %s: %s", spec.label, verb, name),
		Body:       body,
		OccurredAt: occurred.UTC(),
		Metadata: map[string]any{
			"object_type": objectType,
			"object_id":   obj.ID,
			"action":      action,
		},
	}
}

// VerifyInboundSignature checks the v1 signature sha256(client_secret + body) when enabled
func (h *HubSpot) VerifyInboundSignature(body []byte, headers http.Header, _ url.Values) bool {
	if !h.cfg.VerifySignatures {
		return true
	}
	signature := headers.Get(headerHubSpotSignature)
	if signature == "" || h.cfg.ClientSecret == "" {
		return false
	}
	expected := HubSpotSignature(h.cfg.ClientSecret, body)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) == 1
}

// HubSpotSignature computes the v1 X-HubSpot-Signature value
func HubSpotSignature(clientSecret string, body []byte) string {
	sum := sha256.Sum256(append([]byte(clientSecret), body...))
	return hex.EncodeToString(sum[:])
}

// hintOccurredAt carries the webhook event time to FetchEvent
const hintOccurredAt = "occurred_at"

type hubspotEvent struct {
	EventID          int64  `json:"eventId"`
	SubscriptionType string `json:"subscriptionType"`
	PortalID         int64  `json:"portalId"`
	ObjectID         int64  `json:"objectId"`
	OccurredAt       int64  `json:"occurredAt"`
	PropertyName     string `json:"propertyName"`
	PropertyValue    string `json:"propertyValue"`
}

// ParseWebhook groups the event array by portal. Deletions are carried inline
// because the object can no longer be fetched.
func (h *HubSpot) ParseWebhook(body []byte, _ http.Header, _ url.Values) (*WebhookDelivery, error) {
	var events []hubspotEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, apperr.Validation("invalid HubSpot webhook payload: %v", err)
	}

	delivery := &WebhookDelivery{}
	index := map[int64]int{}

	for _, ev := range events {
		objectType, action, ok := strings.Cut(ev.SubscriptionType, ".")
		if _, known := hubspotObjects[objectType]; !ok || !known || ev.ObjectID == 0 {
			continue
		}

		objectID := strconv.FormatInt(ev.ObjectID, 10)
		sourceID := hubspotSourceID(objectType, objectID, action)
		if action == "propertyChange" {
			// every change to the same record is a distinct event
			sourceID += ":" + strconv.FormatInt(ev.EventID, 10)
		}

		ref := EventRef{
			SourceID: sourceID,
			Hint: map[string]string{
				"object_type": objectType,
				"object_id":   objectID,
				"action":      action,
			},
		}
		if ev.OccurredAt > 0 {
			ref.Hint[hintOccurredAt] = time.UnixMilli(ev.OccurredAt).UTC().Format(time.RFC3339Nano)
		}
		if ev.PropertyName != "" {
			ref.Hint["property_name"] = ev.PropertyName
			ref.Hint["property_value"] = ev.PropertyValue
		}
		if action == "deletion" {
			p := hubspotPayload(objectType, action, hubspotObject{ID: objectID})
			p.SourceID = sourceID
			if ev.OccurredAt > 0 {
				p.OccurredAt = time.UnixMilli(ev.OccurredAt).UTC()
			}
			ref.Inline = p
		}

		i, seen := index[ev.PortalID]
		if !seen {
			i = len(delivery.Batches)
			index[ev.PortalID] = i
			delivery.Batches = append(delivery.Batches, WebhookBatch{
				RoutingKey: strconv.FormatInt(ev.PortalID, 10),
			})
		}
		delivery.Batches[i].Events = append(delivery.Batches[i].Events, ref)
	}

	return delivery, nil
}
