package providers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
)

const (
	driveFileFields = "id,name,mimeType,modifiedTime,webViewLink,lastModifyingUser(displayName,emailAddress)"
	// channelLifetime is the longest watch Drive accepts for changes
	channelLifetime = 7 * 24 * time.Hour

	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerChannelToken  = "X-Goog-Channel-Token"
)

var driveScopes = []string{
	drive.DriveMetadataReadonlyScope,
}

// Drive adapts the Google Drive API. Change notifications carry no content,
// so each one triggers a listing of recently modified files.
type Drive struct {
	cfg     config.GoogleConfig
	oauth   *oauthClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

var (
	_ Adapter    = (*Drive)(nil)
	_ Subscriber = (*Drive)(nil)
)

// NewDrive creates the Google Drive adapter
func NewDrive(cfg config.GoogleConfig, opts Options, logger *zap.Logger) *Drive {
	opts = opts.withDefaults(8, 10)
	return &Drive{
		cfg:     cfg,
		oauth:   newOAuthClient(models.ProviderGoogleDrive, cfg.ProviderConfig, google.Endpoint, driveScopes, newHTTPClient(opts)),
		limiter: rate.NewLimiter(opts.Limit, opts.Burst),
		logger:  logger.Named("drive"),
	}
}

func (d *Drive) Type() models.ProviderType { return models.ProviderGoogleDrive }

func (d *Drive) SupportsRefresh() bool { return true }

func (d *Drive) RoutingField() string { return "channel_id" }

func (d *Drive) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	tok, err := d.oauth.exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	return tokenSetFromOAuth(tok), nil
}

func (d *Drive) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	tok, err := d.oauth.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return tokenSetFromOAuth(tok), nil
}

// ListRecentEvents returns the most recently modified files with their content inline
func (d *Drive) ListRecentEvents(ctx context.Context, accessToken string, pageSize int) ([]EventRef, error) {
	svc, err := d.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, d.limiter); err != nil {
		return nil, err
	}

	resp, err := svc.Files.List().
		Q("trashed = false").
		OrderBy("modifiedTime desc").
		PageSize(int64(pageSize)).
		Fields("files(" + driveFileFields + ")").
		Context(ctx).
		Do()
	if err != nil {
		return nil, googleFetchError(models.ProviderGoogleDrive, "files.list", err)
	}

	refs := make([]EventRef, 0, len(resp.Files))
	for _, f := range resp.Files {
		p := drivePayload(f)
		refs = append(refs, EventRef{SourceID: p.SourceID, Inline: p})
	}
	return refs, nil
}

func (d *Drive) FetchEvent(ctx context.Context, accessToken string, ref EventRef) (*Payload, error) {
	fileID, _, _ := strings.Cut(ref.SourceID, ":")
	if fileID == "" {
		return nil, apperr.Validation("drive event has no file id")
	}

	svc, err := d.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, d.limiter); err != nil {
		return nil, err
	}

	f, err := svc.Files.Get(fileID).Fields(driveFileFields).Context(ctx).Do()
	if err != nil {
		return nil, googleFetchError(models.ProviderGoogleDrive, "files.get", err)
	}

	p := drivePayload(f)
	// Keep the caller's revision so the dedup key stays stable
	p.SourceID = ref.SourceID
	return p, nil
}

// driveSourceID identifies one revision of a file, so each modification is a new event
func driveSourceID(f *drive.File) string {
	return f.Id + ":" + f.ModifiedTime
}

func drivePayload(f *drive.File) *Payload {
	editor := ""
	if f.LastModifyingUser != nil {
		editor = f.LastModifyingUser.DisplayName
		if editor == "" {
			editor = f.LastModifyingUser.EmailAddress
		}
	}

	body := "File was modified"
	if editor != "" {
		body = fmt.Sprintf("Modified by %s", editor)
	}

	p := &Payload{
		SourceID: driveSourceID(f),
		Title:    f.Name,
		Body:     body,
		Metadata: map[string]any{
			"file_id":       f.Id,
			"mime_type":     f.MimeType,
			"web_link":      f.WebViewLink,
			"modified_by":   editor,
			"modified_time": f.ModifiedTime,
		},
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		p.OccurredAt = t.UTC()
	}
	return p
}

// VerifyInboundSignature requires the channel headers and, when configured, the channel token
func (d *Drive) VerifyInboundSignature(_ []byte, headers http.Header, _ url.Values) bool {
	if headers.Get(headerChannelID) == "" || headers.Get(headerResourceState) == "" {
		return false
	}
	if d.cfg.DriveChannelToken == "" {
		return true
	}
	got := headers.Get(headerChannelToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(d.cfg.DriveChannelToken)) == 1
}

// ParseWebhook acknowledges the sync handshake and turns every other state into a listing
func (d *Drive) ParseWebhook(_ []byte, headers http.Header, _ url.Values) (*WebhookDelivery, error) {
	state := strings.ToLower(headers.Get(headerResourceState))
	if state == "sync" {
		return &WebhookDelivery{}, nil
	}

	return &WebhookDelivery{
		Batches: []WebhookBatch{{
			RoutingKey: headers.Get(headerChannelID),
			ListRecent: true,
		}},
	}, nil
}

// Subscribe opens a changes.watch channel that posts to the Drive webhook
func (d *Drive) Subscribe(ctx context.Context, accessToken string, _ *models.Integration) (map[string]any, error) {
	if d.cfg.DriveWebhookURL == "" {
		return nil, nil
	}

	svc, err := d.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, d.limiter); err != nil {
		return nil, err
	}

	start, err := svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return nil, googleFetchError(models.ProviderGoogleDrive, "changes.getStartPageToken", err)
	}

	channel := &drive.Channel{
		Id:         uuid.NewString(),
		Type:       "web_hook",
		Address:    d.cfg.DriveWebhookURL,
		Token:      d.cfg.DriveChannelToken,
		Expiration: time.Now().Add(channelLifetime).UnixMilli(),
	}

	if err := wait(ctx, d.limiter); err != nil {
		return nil, err
	}
	watched, err := svc.Changes.Watch(start.StartPageToken, channel).Context(ctx).Do()
	if err != nil {
		return nil, googleFetchError(models.ProviderGoogleDrive, "changes.watch", err)
	}

	channelID, expiration := watched.Id, watched.Expiration
	if channelID == "" {
		channelID = channel.Id
	}
	if expiration == 0 {
		expiration = channel.Expiration
	}

	d.logger.Debug("changes channel opened", zap.String("channel_id", channelID), zap.Int64("expiration", expiration))

	return map[string]any{
		"channel_id":              channelID,
		"resource_id":             watched.ResourceId,
		"start_page_token":        start.StartPageToken,
		"subscription_expires_at": time.UnixMilli(expiration).UTC().Format(time.RFC3339),
	}, nil
}

func (d *Drive) service(ctx context.Context, accessToken string) (*drive.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(d.oauth.authorizedClient(accessToken))}
	if d.cfg.APIBaseURL != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(d.cfg.APIBaseURL, "/")+"/drive/v3/"))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create Drive client", err)
	}
	return svc, nil
}
