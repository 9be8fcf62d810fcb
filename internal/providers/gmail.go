package providers

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
)

var gmailScopes = []string{
	gmail.GmailReadonlyScope,
}

// Gmail adapts the Gmail API. Inbound pushes arrive through a Pub/Sub push
// subscription and only announce that the mailbox changed.
type Gmail struct {
	cfg     config.GoogleConfig
	oauth   *oauthClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

var (
	_ Adapter    = (*Gmail)(nil)
	_ Subscriber = (*Gmail)(nil)
)

// NewGmail creates the Gmail adapter
func NewGmail(cfg config.GoogleConfig, opts Options, logger *zap.Logger) *Gmail {
	opts = opts.withDefaults(2, 5)
	return &Gmail{
		cfg:     cfg,
		oauth:   newOAuthClient(models.ProviderGmail, cfg.ProviderConfig, google.Endpoint, gmailScopes, newHTTPClient(opts)),
		limiter: rate.NewLimiter(opts.Limit, opts.Burst),
		logger:  logger.Named("gmail"),
	}
}

func (g *Gmail) Type() models.ProviderType { return models.ProviderGmail }

func (g *Gmail) SupportsRefresh() bool { return true }

func (g *Gmail) RoutingField() string { return "email_address" }

func (g *Gmail) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	tok, err := g.oauth.exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	ts := tokenSetFromOAuth(tok)

	// The mailbox address routes Pub/Sub pushes; connecting still succeeds without it
	profile, err := g.profile(ctx, tok.AccessToken)
	if err != nil {
		g.logger.Warn("profile lookup failed after exchange", zap.Error(err))
	} else {
		ts.Metadata["email_address"] = strings.ToLower(profile.EmailAddress)
		ts.Metadata["history_id"] = strconv.FormatUint(profile.HistoryId, 10)
	}

	return ts, nil
}

func (g *Gmail) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	tok, err := g.oauth.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return tokenSetFromOAuth(tok), nil
}

func (g *Gmail) ListRecentEvents(ctx context.Context, accessToken string, pageSize int) ([]EventRef, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, g.limiter); err != nil {
		return nil, err
	}

	resp, err := svc.Users.Messages.List("me").
		LabelIds("INBOX").
		MaxResults(int64(pageSize)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, googleFetchError(models.ProviderGmail, "messages.list", err)
	}

	refs := make([]EventRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, EventRef{SourceID: m.Id})
	}
	return refs, nil
}

func (g *Gmail) FetchEvent(ctx context.Context, accessToken string, ref EventRef) (*Payload, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, g.limiter); err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", ref.SourceID).
		Format("metadata").
		MetadataHeaders("Subject", "From", "Date").
		Context(ctx).
		Do()
	if err != nil {
		return nil, googleFetchError(models.ProviderGmail, "messages.get", err)
	}

	return gmailPayload(msg), nil
}

func gmailPayload(msg *gmail.Message) *Payload {
	var subject, from string
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				subject = h.Value
			case "from":
				from = h.Value
			}
		}
	}

	title := strings.TrimSpace(subject)
	if title == "" {
		title = "(no subject)"
	}

	p := &Payload{
		SourceID: msg.Id,
		Title:    title,
		Body:     html.UnescapeString(msg.Snippet),
		Metadata: map[string]any{
			"message_id": msg.Id,
			"thread_id":  msg.ThreadId,
			"from":       from,
			"labels":     msg.LabelIds,
		},
	}
	if msg.InternalDate > 0 {
		p.OccurredAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	return p
}

// VerifyInboundSignature checks the shared push token when one is configured
func (g *Gmail) VerifyInboundSignature(_ []byte, _ http.Header, query url.Values) bool {
	if g.cfg.PushToken == "" {
		return true
	}
	got := query.Get("token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(g.cfg.PushToken)) == 1
}

type pubSubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailPushData struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

func (g *Gmail) ParseWebhook(body []byte, _ http.Header, _ url.Values) (*WebhookDelivery, error) {
	var push pubSubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, apperr.Validation("invalid Pub/Sub envelope: %v", err)
	}
	if push.Message.Data == "" {
		return nil, apperr.Validation("Pub/Sub envelope has no data")
	}

	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(push.Message.Data); err != nil {
			return nil, apperr.Validation("Pub/Sub data is not base64")
		}
	}

	var data gmailPushData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apperr.Validation("invalid Gmail push data: %v", err)
	}
	if data.EmailAddress == "" {
		return nil, apperr.Validation("Gmail push data has no emailAddress")
	}

	return &WebhookDelivery{
		Batches: []WebhookBatch{{
			RoutingKey: strings.ToLower(data.EmailAddress),
			ListRecent: true,
		}},
	}, nil
}

// Subscribe starts a users.watch on the inbox when a Pub/Sub topic is configured
func (g *Gmail) Subscribe(ctx context.Context, accessToken string, _ *models.Integration) (map[string]any, error) {
	if g.cfg.PubSubTopic == "" {
		return nil, nil
	}

	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, g.limiter); err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: g.cfg.PubSubTopic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, googleFetchError(models.ProviderGmail, "users.watch", err)
	}

	return map[string]any{
		"history_id":              strconv.FormatUint(resp.HistoryId, 10),
		"subscription_expires_at": time.UnixMilli(resp.Expiration).UTC().Format(time.RFC3339),
	}, nil
}

func (g *Gmail) profile(ctx context.Context, accessToken string) (*gmail.Profile, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, g.limiter); err != nil {
		return nil, err
	}
	return svc.Users.GetProfile("me").Context(ctx).Do()
}

func (g *Gmail) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(g.oauth.authorizedClient(accessToken))}
	if g.cfg.APIBaseURL != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(g.cfg.APIBaseURL, "/")+"/"))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create Gmail client", err)
	}
	return svc, nil
}

// googleFetchError maps a googleapi failure to UpstreamFetchFailed, keeping the API message
func googleFetchError(provider models.ProviderType, op string, err error) error {
	e := apperr.Wrap(apperr.KindUpstreamFetchFailed, fmt.Sprintf("%s %s failed", provider.Label(), op), err)

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		details := gerr.Message
		if details == "" {
			details = gerr.Body
		}
		e = e.WithDetails(details).WithCode(strconv.Itoa(gerr.Code))
	}
	return e
}
