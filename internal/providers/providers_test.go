package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func googleConfig(srv *httptest.Server) config.GoogleConfig {
	return config.GoogleConfig{
		ProviderConfig: config.ProviderConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURL:  "http://localhost/callback",
			TokenURL:     srv.URL + "/token",
			APIBaseURL:   srv.URL,
		},
	}
}

func TestGmailExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "abcdefghij", r.PostForm.Get("code"))
			assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
			writeJSON(t, w, map[string]any{
				"access_token":  "A",
				"refresh_token": "R",
				"expires_in":    3600,
				"token_type":    "Bearer",
			})
		case "/gmail/v1/users/me/profile":
			assert.Equal(t, "Bearer A", r.Header.Get("Authorization"))
			writeJSON(t, w, map[string]any{"emailAddress": "Jane@Example.com", "historyId": "987"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewGmail(googleConfig(srv), Options{}, zap.NewNop())

	ts, err := g.ExchangeCode(context.Background(), "abcdefghij", "")
	require.NoError(t, err)
	assert.Equal(t, "A", ts.AccessToken)
	assert.Equal(t, "R", ts.RefreshToken)
	assert.InDelta(t, 3600, ts.ExpiresIn, 5)
	assert.Equal(t, "jane@example.com", ts.Metadata["email_address"])
	assert.Equal(t, "987", ts.Metadata["history_id"])
}

func TestGmailExchangeCodeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Bad Request"}`))
	}))
	defer srv.Close()

	g := NewGmail(googleConfig(srv), Options{}, zap.NewNop())

	_, err := g.ExchangeCode(context.Background(), "abcdefghij", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTokenExchangeFailed))

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Contains(t, e.Details, "invalid_grant")
	assert.Equal(t, "invalid_grant", e.Code)
}

func TestGoogleRefreshRevoked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	d := NewDrive(googleConfig(srv), Options{}, zap.NewNop())

	_, err := d.Refresh(context.Background(), "R")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTokenRefreshFailed))
	assert.True(t, IsRevoked(err))
}

func TestGmailParseWebhook(t *testing.T) {
	g := NewGmail(config.GoogleConfig{PushToken: "push-secret"}, Options{}, zap.NewNop())

	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"Jane@Example.com","historyId":12345}`))
	body := []byte(`{"message":{"data":"` + data + `","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`)

	assert.False(t, g.VerifyInboundSignature(body, http.Header{}, url.Values{"token": {"wrong"}}))
	assert.True(t, g.VerifyInboundSignature(body, http.Header{}, url.Values{"token": {"push-secret"}}))

	delivery, err := g.ParseWebhook(body, http.Header{}, nil)
	require.NoError(t, err)
	require.Len(t, delivery.Batches, 1)
	assert.Equal(t, "jane@example.com", delivery.Batches[0].RoutingKey)
	assert.True(t, delivery.Batches[0].ListRecent)

	_, err = g.ParseWebhook([]byte(`{"message":{}}`), http.Header{}, nil)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestGmailPayloadMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			writeJSON(t, w, map[string]any{"messages": []map[string]string{{"id": "m1"}, {"id": "m2"}}})
		case "/gmail/v1/users/me/messages/m1":
			writeJSON(t, w, map[string]any{
				"id":           "m1",
				"threadId":     "t1",
				"snippet":      "Lunch &amp; learn",
				"internalDate": "1700000000000",
				"payload": map[string]any{"headers": []map[string]string{
					{"name": "Subject", "value": "Hello"},
					{"name": "From", "value": "bob@example.com"},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewGmail(googleConfig(srv), Options{}, zap.NewNop())

	refs, err := g.ListRecentEvents(context.Background(), "A", 15)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "m1", refs[0].SourceID)
	assert.Nil(t, refs[0].Inline)

	p, err := g.FetchEvent(context.Background(), "A", refs[0])
	require.NoError(t, err)
	assert.Equal(t, "m1", p.SourceID)
	assert.Equal(t, "Hello", p.Title)
	assert.Equal(t, "Lunch & learn", p.Body)
	assert.Equal(t, "bob@example.com", p.Metadata["from"])
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), p.OccurredAt)

	_, err = g.FetchEvent(context.Background(), "A", EventRef{SourceID: "missing"})
	assert.True(t, errors.Is(err, apperr.ErrUpstreamFetchFailed))
}

func TestDriveSyncStateMakesNoCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDrive(googleConfig(srv), Options{}, zap.NewNop())

	headers := http.Header{}
	headers.Set(headerChannelID, "chan-1")
	headers.Set(headerResourceState, "sync")

	require.True(t, d.VerifyInboundSignature(nil, headers, nil))

	delivery, err := d.ParseWebhook(nil, headers, nil)
	require.NoError(t, err)
	assert.Empty(t, delivery.Batches)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDriveVerifyInboundSignature(t *testing.T) {
	d := NewDrive(config.GoogleConfig{DriveChannelToken: "tok"}, Options{}, zap.NewNop())

	headers := http.Header{}
	assert.False(t, d.VerifyInboundSignature(nil, headers, nil))

	headers.Set(headerChannelID, "chan-1")
	headers.Set(headerResourceState, "change")
	assert.False(t, d.VerifyInboundSignature(nil, headers, nil))

	headers.Set(headerChannelToken, "tok")
	assert.True(t, d.VerifyInboundSignature(nil, headers, nil))

	delivery, err := d.ParseWebhook(nil, headers, nil)
	require.NoError(t, err)
	require.Len(t, delivery.Batches, 1)
	assert.Equal(t, "chan-1", delivery.Batches[0].RoutingKey)
	assert.True(t, delivery.Batches[0].ListRecent)
}

func TestDriveListRecentEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files", r.URL.Path)
		assert.Equal(t, "modifiedTime desc", r.URL.Query().Get("orderBy"))
		writeJSON(t, w, map[string]any{"files": []map[string]any{{
			"id":                "f1",
			"name":              "Plan.docx",
			"modifiedTime":      "2024-05-01T10:00:00Z",
			"lastModifyingUser": map[string]string{"displayName": "Ann"},
		}}})
	}))
	defer srv.Close()

	d := NewDrive(googleConfig(srv), Options{}, zap.NewNop())

	refs, err := d.ListRecentEvents(context.Background(), "A", 15)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "f1:2024-05-01T10:00:00Z", refs[0].SourceID)
	require.NotNil(t, refs[0].Inline)
	assert.Equal(t, "Plan.docx", refs[0].Inline.Title)
	assert.Equal(t, "Modified by Ann", refs[0].Inline.Body)
}

func newTestSlack(srv *httptest.Server, now time.Time) *Slack {
	cfg := config.SlackConfig{
		ProviderConfig: config.ProviderConfig{ClientID: "client", ClientSecret: "secret"},
		SigningSecret:  "signing-secret",
	}
	if srv != nil {
		cfg.APIBaseURL = srv.URL
	}
	s := NewSlack(cfg, Options{Limit: 1000, Burst: 100}, zap.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func signedSlackHeaders(secret string, ts time.Time, body []byte) http.Header {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	h := http.Header{}
	h.Set(headerSlackTimestamp, timestamp)
	h.Set(headerSlackSignature, SlackSignature(secret, timestamp, body))
	return h
}

func TestSlackVerifyInboundSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newTestSlack(nil, now)
	body := []byte(`{"type":"event_callback"}`)

	t.Run("valid", func(t *testing.T) {
		assert.True(t, s.VerifyInboundSignature(body, signedSlackHeaders("signing-secret", now, body), nil))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, s.VerifyInboundSignature(body, signedSlackHeaders("other", now, body), nil))
	})

	t.Run("tampered body", func(t *testing.T) {
		h := signedSlackHeaders("signing-secret", now, body)
		assert.False(t, s.VerifyInboundSignature([]byte(`{"type":"other"}`), h, nil))
	})

	t.Run("outside replay window", func(t *testing.T) {
		old := now.Add(-6 * time.Minute)
		assert.False(t, s.VerifyInboundSignature(body, signedSlackHeaders("signing-secret", old, body), nil))
	})

	t.Run("missing headers", func(t *testing.T) {
		assert.False(t, s.VerifyInboundSignature(body, http.Header{}, nil))
	})
}

func TestSlackParseWebhook(t *testing.T) {
	s := newTestSlack(nil, time.Now())

	delivery, err := s.ParseWebhook([]byte(`{"type":"url_verification","challenge":"xyz"}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "xyz", delivery.Challenge)
	assert.Empty(t, delivery.Batches)

	body := []byte(`{"type":"event_callback","team_id":"T1","event_id":"Ev1","event":{"type":"message","channel":"C1","user":"U1","text":"hi","ts":"1700000000.000100"}}`)
	delivery, err = s.ParseWebhook(body, nil, nil)
	require.NoError(t, err)
	require.Len(t, delivery.Batches, 1)
	batch := delivery.Batches[0]
	assert.Equal(t, "T1", batch.RoutingKey)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "C1:1700000000.000100", batch.Events[0].SourceID)
	require.NotNil(t, batch.Events[0].Inline)
	assert.Equal(t, "hi", batch.Events[0].Inline.Body)
	assert.Equal(t, "Ev1", batch.Events[0].Inline.Metadata["event_id"])

	edited := []byte(`{"type":"event_callback","team_id":"T1","event":{"type":"message","subtype":"message_changed","channel":"C1","ts":"1.0"}}`)
	delivery, err = s.ParseWebhook(edited, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, delivery.Batches)

	_, err = s.ParseWebhook([]byte(`not json`), nil, nil)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestSlackExchangeCode(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/oauth.v2.access", r.URL.Path)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "abcdefghij", r.PostForm.Get("code"))
			writeJSON(t, w, map[string]any{
				"ok":           true,
				"access_token": "xoxb-1",
				"scope":        "channels:history",
				"bot_user_id":  "B1",
				"team":         map[string]string{"id": "T1", "name": "Acme"},
			})
		}))
		defer srv.Close()

		ts, err := newTestSlack(srv, time.Now()).ExchangeCode(context.Background(), "abcdefghij", "")
		require.NoError(t, err)
		assert.Equal(t, "xoxb-1", ts.AccessToken)
		assert.Empty(t, ts.RefreshToken)
		assert.Zero(t, ts.ExpiresIn)
		assert.Equal(t, "T1", ts.Metadata["team_id"])
	})

	t.Run("ok false", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]any{"ok": false, "error": "invalid_code"})
		}))
		defer srv.Close()

		_, err := newTestSlack(srv, time.Now()).ExchangeCode(context.Background(), "abcdefghij", "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperr.ErrTokenExchangeFailed))
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, "invalid_code", e.Code)
		assert.Contains(t, e.Details, "invalid_code")
	})
}

func TestSlackListRecentEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xoxb-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/conversations.list":
			writeJSON(t, w, map[string]any{"ok": true, "channels": []map[string]any{
				{"id": "C1", "name": "general", "is_member": true},
				{"id": "C2", "name": "random", "is_member": false},
				{"id": "C3", "name": "broken", "is_member": true},
				{"id": "D1", "is_im": true},
			}})
		case "/conversations.history":
			switch r.URL.Query().Get("channel") {
			case "C1":
				writeJSON(t, w, map[string]any{"ok": true, "messages": []map[string]any{
					{"type": "message", "user": "U1", "text": "one", "ts": "100.000001"},
					{"type": "message", "subtype": "channel_join", "ts": "150.000001"},
				}})
			case "D1":
				writeJSON(t, w, map[string]any{"ok": true, "messages": []map[string]any{
					{"type": "message", "user": "U2", "text": "two", "ts": "200.000001"},
				}})
			default:
				writeJSON(t, w, map[string]any{"ok": false, "error": "channel_not_found"})
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	refs, err := newTestSlack(srv, time.Now()).ListRecentEvents(context.Background(), "xoxb-1", 15)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "D1:200.000001", refs[0].SourceID)
	assert.Equal(t, "C1:100.000001", refs[1].SourceID)
	assert.Equal(t, "New message in #general", refs[1].Inline.Title)
}

func TestSlackDoesNotRefresh(t *testing.T) {
	s := newTestSlack(nil, time.Now())
	assert.False(t, s.SupportsRefresh())

	_, err := s.Refresh(context.Background(), "x")
	assert.True(t, errors.Is(err, apperr.ErrTokenRefreshFailed))
}

func TestHubSpotParseWebhook(t *testing.T) {
	h := NewHubSpot(config.HubSpotConfig{}, Options{}, zap.NewNop())

	body := []byte(`[
		{"eventId":1,"subscriptionType":"contact.creation","portalId":111,"objectId":5,"occurredAt":1700000000000},
		{"eventId":2,"subscriptionType":"deal.propertyChange","portalId":222,"objectId":9,"propertyName":"amount","propertyValue":"100"},
		{"eventId":3,"subscriptionType":"contact.deletion","portalId":111,"objectId":6,"occurredAt":1700000000000},
		{"eventId":4,"subscriptionType":"unknown.thing","portalId":111,"objectId":7}
	]`)

	delivery, err := h.ParseWebhook(body, nil, nil)
	require.NoError(t, err)
	require.Len(t, delivery.Batches, 2)

	first := delivery.Batches[0]
	assert.Equal(t, "111", first.RoutingKey)
	require.Len(t, first.Events, 2)
	assert.Equal(t, "contact:5:creation", first.Events[0].SourceID)
	assert.Nil(t, first.Events[0].Inline)
	assert.Equal(t, "contact:6:deletion", first.Events[1].SourceID)
	require.NotNil(t, first.Events[1].Inline)
	assert.Equal(t, "Contact deleted: #6", first.Events[1].Inline.Title)

	second := delivery.Batches[1]
	assert.Equal(t, "222", second.RoutingKey)
	require.Len(t, second.Events, 1)
	assert.Equal(t, "deal:9:propertyChange:2", second.Events[0].SourceID)
	assert.Equal(t, "amount", second.Events[0].Hint["property_name"])

	_, err = h.ParseWebhook([]byte(`{}`), nil, nil)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestHubSpotVerifyInboundSignature(t *testing.T) {
	body := []byte(`[]`)

	off := NewHubSpot(config.HubSpotConfig{}, Options{}, zap.NewNop())
	assert.True(t, off.VerifyInboundSignature(body, http.Header{}, nil))

	on := NewHubSpot(config.HubSpotConfig{
		ProviderConfig:   config.ProviderConfig{ClientSecret: "shh"},
		VerifySignatures: true,
	}, Options{}, zap.NewNop())
	assert.False(t, on.VerifyInboundSignature(body, http.Header{}, nil))

	h := http.Header{}
	h.Set(headerHubSpotSignature, HubSpotSignature("shh", body))
	assert.True(t, on.VerifyInboundSignature(body, h, nil))

	h.Set(headerHubSpotSignature, HubSpotSignature("other", body))
	assert.False(t, on.VerifyInboundSignature(body, h, nil))
}

func TestHubSpotFetchEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crm/v3/objects/contacts/5":
			writeJSON(t, w, map[string]any{
				"id":         "5",
				"properties": map[string]string{"firstname": "Jane", "lastname": "Doe", "email": "jane@example.com"},
				"createdAt":  "2024-05-01T10:00:00Z",
			})
		case "/crm/v3/objects/contacts/search":
			assert.Equal(t, http.MethodPost, r.Method)
			writeJSON(t, w, map[string]any{"results": []map[string]any{{
				"id":         "7",
				"properties": map[string]string{"email": "x@example.com"},
				"createdAt":  "2024-05-02T10:00:00Z",
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewHubSpot(config.HubSpotConfig{ProviderConfig: config.ProviderConfig{APIBaseURL: srv.URL}}, Options{}, zap.NewNop())

	p, err := h.FetchEvent(context.Background(), "A", EventRef{SourceID: "contact:5:creation"})
	require.NoError(t, err)
	assert.Equal(t, "contact:5:creation", p.SourceID)
	assert.Equal(t, "Contact created: Jane Doe", p.Title)
	assert.Equal(t, "Contact Jane Doe was created (jane@example.com)", p.Body)

	refs, err := h.ListRecentEvents(context.Background(), "A", 15)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "contact:7:creation", refs[0].SourceID)
	assert.Equal(t, "Contact created: x@example.com", refs[0].Inline.Title)

	_, err = h.FetchEvent(context.Background(), "A", EventRef{SourceID: "widget:1:creation"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestHubSpotFetchEventKeepsWebhookTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v3/objects/contacts/5", r.URL.Path)
		writeJSON(t, w, map[string]any{
			"id":         "5",
			"properties": map[string]string{"firstname": "Jane"},
			"createdAt":  "2024-01-01T00:00:00Z",
			"updatedAt":  "2024-06-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	h := NewHubSpot(config.HubSpotConfig{ProviderConfig: config.ProviderConfig{APIBaseURL: srv.URL}}, Options{}, zap.NewNop())

	body := []byte(`[{"eventId":8,"subscriptionType":"contact.propertyChange","portalId":111,"objectId":5,"occurredAt":1700000000000,"propertyName":"firstname","propertyValue":"Jane"}]`)
	delivery, err := h.ParseWebhook(body, nil, nil)
	require.NoError(t, err)
	require.Len(t, delivery.Batches, 1)
	require.Len(t, delivery.Batches[0].Events, 1)
	ref := delivery.Batches[0].Events[0]

	p, err := h.FetchEvent(context.Background(), "A", ref)
	require.NoError(t, err)
	assert.Equal(t, "contact:5:propertyChange:8", p.SourceID)
	assert.True(t, time.UnixMilli(1700000000000).Equal(p.OccurredAt), "got %s", p.OccurredAt)

	// without a webhook time the object's edit time is used
	p, err = h.FetchEvent(context.Background(), "A", EventRef{SourceID: "contact:5:propertyChange:9"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), p.OccurredAt)
}

func TestRegistry(t *testing.T) {
	cfg := &config.Config{ProviderTimeout: time.Second}
	r := NewDefaultRegistry(cfg, zap.NewNop())

	assert.Equal(t, []models.ProviderType{
		models.ProviderGmail, models.ProviderGoogleDrive, models.ProviderHubSpot, models.ProviderSlack,
	}, r.Types())

	a, err := r.Get(models.ProviderSlack)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSlack, a.Type())

	_, err = r.Get("teams")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
