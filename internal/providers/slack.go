package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
)

const (
	slackAPIBase = "https://slack.com/api"
	// slackSignatureWindow is the replay window for signed requests
	slackSignatureWindow = 300 * time.Second
	// slackMaxChannels bounds how many channels one listing scans
	slackMaxChannels = 20

	headerSlackTimestamp = "X-Slack-Request-Timestamp"
	headerSlackSignature = "X-Slack-Signature"
)

// Slack adapts the Slack Web API and Events API. Bot tokens do not expire.
type Slack struct {
	cfg        config.SlackConfig
	apiBase    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

var _ Adapter = (*Slack)(nil)

// NewSlack creates the Slack adapter
func NewSlack(cfg config.SlackConfig, opts Options, logger *zap.Logger) *Slack {
	opts = opts.withDefaults(1, 5)

	apiBase := slackAPIBase
	if cfg.APIBaseURL != "" {
		apiBase = strings.TrimRight(cfg.APIBaseURL, "/")
	}

	return &Slack{
		cfg:        cfg,
		apiBase:    apiBase,
		httpClient: newHTTPClient(opts),
		limiter:    rate.NewLimiter(opts.Limit, opts.Burst),
		logger:     logger.Named("slack"),
		now:        time.Now,
	}
}

func (s *Slack) Type() models.ProviderType { return models.ProviderSlack }

func (s *Slack) SupportsRefresh() bool { return false }

func (s *Slack) RoutingField() string { return "team_id" }

type slackOAuthResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	BotUserID   string `json:"bot_user_id"`
	AppID       string `json:"app_id"`
	ExpiresIn   int64  `json:"expires_in"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	AuthedUser struct {
		ID string `json:"id"`
	} `json:"authed_user"`
}

// ExchangeCode calls oauth.v2.access. Slack answers HTTP 200 with ok=false on failure.
func (s *Slack) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	if redirectURI == "" {
		redirectURI = s.cfg.RedirectURL
	}
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}

	tokenURL := s.apiBase + "/oauth.v2.access"
	if s.cfg.TokenURL != "" {
		tokenURL = s.cfg.TokenURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create Slack token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTokenExchangeFailed, "Slack token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTokenExchangeFailed, "read Slack token response", err)
	}

	var result slackOAuthResponse
	if resp.StatusCode != http.StatusOK ||
		json.Unmarshal(body, &result) != nil ||
		!result.OK || result.AccessToken == "" {
		e := apperr.New(apperr.KindTokenExchangeFailed, "Slack token endpoint rejected the request").
			WithDetails(truncateBody(body))
		if result.Error != "" {
			e = e.WithCode(result.Error)
		}
		return nil, e
	}

	return &TokenSet{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
		Metadata: map[string]any{
			"team_id":        result.Team.ID,
			"team_name":      result.Team.Name,
			"scope":          result.Scope,
			"bot_user_id":    result.BotUserID,
			"app_id":         result.AppID,
			"authed_user_id": result.AuthedUser.ID,
		},
	}, nil
}

func (s *Slack) Refresh(context.Context, string) (*TokenSet, error) {
	return nil, apperr.New(apperr.KindTokenRefreshFailed, "Slack tokens do not support refresh")
}

type slackMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Channel  string `json:"channel"`
}

type slackChannel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsMember bool   `json:"is_member"`
	IsIM     bool   `json:"is_im"`
}

// ListRecentEvents collects the newest messages across the channels the bot belongs to
func (s *Slack) ListRecentEvents(ctx context.Context, accessToken string, pageSize int) ([]EventRef, error) {
	var channels struct {
		Channels []slackChannel `json:"channels"`
	}
	q := url.Values{}
	q.Set("types", "public_channel,private_channel,im")
	q.Set("exclude_archived", "true")
	q.Set("limit", "200")
	if err := s.call(ctx, accessToken, "conversations.list", q, &channels); err != nil {
		return nil, err
	}

	var refs []EventRef
	scanned := 0
	for _, ch := range channels.Channels {
		if !ch.IsMember && !ch.IsIM {
			continue
		}
		if scanned == slackMaxChannels {
			break
		}
		scanned++

		var history struct {
			Messages []slackMessage `json:"messages"`
		}
		hq := url.Values{}
		hq.Set("channel", ch.ID)
		hq.Set("limit", strconv.Itoa(pageSize))
		if err := s.call(ctx, accessToken, "conversations.history", hq, &history); err != nil {
			s.logger.Warn("channel history unavailable", zap.String("channel", ch.ID), zap.Error(err))
			continue
		}

		for _, m := range history.Messages {
			if !isUserMessage(m) {
				continue
			}
			m.Channel = ch.ID
			p := slackPayload(m, ch.Name)
			refs = append(refs, EventRef{SourceID: p.SourceID, Inline: p})
		}
	}

	// Newest first; Slack timestamps compare correctly as decimals
	slices.SortFunc(refs, func(a, b EventRef) int {
		return compareSlackTS(b.Inline.Metadata["ts"].(string), a.Inline.Metadata["ts"].(string))
	})
	if len(refs) > pageSize {
		refs = refs[:pageSize]
	}
	return refs, nil
}

func (s *Slack) FetchEvent(ctx context.Context, accessToken string, ref EventRef) (*Payload, error) {
	channel, ts, ok := strings.Cut(ref.SourceID, ":")
	if !ok || channel == "" || ts == "" {
		return nil, apperr.Validation("invalid Slack event id %q", ref.SourceID)
	}

	var history struct {
		Messages []slackMessage `json:"messages"`
	}
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("latest", ts)
	q.Set("inclusive", "true")
	q.Set("limit", "1")
	if err := s.call(ctx, accessToken, "conversations.history", q, &history); err != nil {
		return nil, err
	}

	for _, m := range history.Messages {
		if m.TS == ts {
			m.Channel = channel
			return slackPayload(m, ""), nil
		}
	}
	return nil, apperr.New(apperr.KindUpstreamFetchFailed, "Slack message not found").WithDetails(ref.SourceID)
}

func isUserMessage(m slackMessage) bool {
	return (m.Type == "message" || m.Type == "app_mention") && m.Subtype == "" && m.TS != ""
}

func slackSourceID(channel, ts string) string {
	return channel + ":" + ts
}

func slackPayload(m slackMessage, channelName string) *Payload {
	title := "New Slack message"
	if channelName != "" {
		title = "New message in #" + channelName
	}

	p := &Payload{
		SourceID: slackSourceID(m.Channel, m.TS),
		Title:    title,
		Body:     m.Text,
		Metadata: map[string]any{
			"channel":   m.Channel,
			"user":      m.User,
			"ts":        m.TS,
			"thread_ts": m.ThreadTS,
		},
	}
	if t, ok := parseSlackTS(m.TS); ok {
		p.OccurredAt = t
	}
	return p
}

func parseSlackTS(ts string) (time.Time, bool) {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}, false
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}

func compareSlackTS(a, b string) int {
	fa, _ := strconv.ParseFloat(a, 64)
	fb, _ := strconv.ParseFloat(b, 64)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

// VerifyInboundSignature checks the v0 HMAC-SHA256 signature over "v0:timestamp:body"
func (s *Slack) VerifyInboundSignature(body []byte, headers http.Header, _ url.Values) bool {
	if s.cfg.SigningSecret == "" {
		return false
	}

	timestamp := headers.Get(headerSlackTimestamp)
	signature := headers.Get(headerSlackSignature)
	if timestamp == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > slackSignatureWindow {
		return false
	}

	return hmac.Equal([]byte(signature), []byte(SlackSignature(s.cfg.SigningSecret, timestamp, body)))
}

// SlackSignature computes the X-Slack-Signature value for a request
func SlackSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte("v0:" + timestamp + ":"))
	_, _ = mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

type slackEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	Event     json.RawMessage `json:"event"`
}

func (s *Slack) ParseWebhook(body []byte, _ http.Header, _ url.Values) (*WebhookDelivery, error) {
	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Validation("invalid Slack event payload: %v", err)
	}

	switch env.Type {
	case "url_verification":
		return &WebhookDelivery{Challenge: env.Challenge}, nil
	case "event_callback":
	default:
		return &WebhookDelivery{}, nil
	}

	var m slackMessage
	if len(env.Event) > 0 {
		if err := json.Unmarshal(env.Event, &m); err != nil {
			return nil, apperr.Validation("invalid Slack event: %v", err)
		}
	}
	if !isUserMessage(m) || m.Channel == "" {
		return &WebhookDelivery{}, nil
	}

	p := slackPayload(m, "")
	p.Metadata["event_id"] = env.EventID

	return &WebhookDelivery{
		Batches: []WebhookBatch{{
			RoutingKey: env.TeamID,
			Events:     []EventRef{{SourceID: p.SourceID, Inline: p}},
		}},
	}, nil
}

type slackAPIResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// call invokes a Web API read method and decodes the response into out
func (s *Slack) call(ctx context.Context, accessToken, method string, query url.Values, out any) error {
	if err := wait(ctx, s.limiter); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/"+method+"?"+query.Encode(), nil)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "create Slack request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var raw json.RawMessage
	if err := doJSON(s.httpClient, req, &raw); err != nil {
		return fetchError(models.ProviderSlack, method, err)
	}

	var status slackAPIResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return fetchError(models.ProviderSlack, method, err)
	}
	if !status.OK {
		return apperr.Wrap(apperr.KindUpstreamFetchFailed, fmt.Sprintf("Slack %s failed", method), errors.New(status.Error)).
			WithCode(status.Error)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fetchError(models.ProviderSlack, method, err)
	}
	return nil
}
