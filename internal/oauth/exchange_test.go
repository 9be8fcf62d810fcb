package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/secrets"
	"github.com/fuomag9/pulsebox/internal/store"
	"github.com/fuomag9/pulsebox/internal/tasks"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) EnqueueSubscribe(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type failingStore struct {
	store.TokenStore
}

func (failingStore) Upsert(context.Context, *models.Integration) (*models.Integration, error) {
	return nil, errors.New("connection refused")
}

// googleStub serves the token endpoint and the Gmail profile call
func googleStub(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "A",
				"refresh_token": "R",
				"expires_in":    3600,
				"token_type":    "Bearer",
			})
		case "/gmail/v1/users/me/profile":
			_ = json.NewEncoder(w).Encode(map[string]any{"emailAddress": "owner@example.com", "historyId": "1"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, srv *httptest.Server, tokens store.TokenStore, cipher secrets.Cipher, queue *recordingQueue) *ExchangeService {
	t.Helper()
	cfg := config.GoogleConfig{ProviderConfig: config.ProviderConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/token",
		APIBaseURL:   srv.URL,
	}}
	registry := providers.NewRegistry(providers.NewGmail(cfg, providers.Options{}, zap.NewNop()))

	var q tasks.Queue
	if queue != nil {
		q = queue
	}
	return NewExchangeService(registry, tokens, cipher, q, zap.NewNop())
}

func TestExchangeAndStoreGmail(t *testing.T) {
	var calls atomic.Int32
	srv := googleStub(t, &calls)
	tokens := store.NewMemoryTokenStore()
	queue := &recordingQueue{}
	svc := newService(t, srv, tokens, secrets.Passthrough{}, queue)

	in, err := svc.ExchangeAndStore(context.Background(), models.ProviderGmail, "abcdefghij", "", "owner-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, in.Status)
	assert.Equal(t, "A", in.AccessCredential)
	require.NotNil(t, in.RefreshCredential)
	assert.Equal(t, "R", *in.RefreshCredential)
	require.NotNil(t, in.CredentialExpiry)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *in.CredentialExpiry, 10*time.Second)
	assert.Equal(t, "owner@example.com", in.ProviderMetadata["email_address"])
	assert.Equal(t, []string{in.ID}, queue.ids)
}

func TestExchangeAndStoreEncryptsCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := googleStub(t, &calls)
	cipher, err := secrets.NewAEADCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	svc := newService(t, srv, store.NewMemoryTokenStore(), cipher, nil)

	in, err := svc.ExchangeAndStore(context.Background(), models.ProviderGmail, "abcdefghij", "", "owner-1")
	require.NoError(t, err)

	assert.NotEqual(t, "A", in.AccessCredential)
	plain, err := cipher.Decrypt(in.AccessCredential)
	require.NoError(t, err)
	assert.Equal(t, "A", plain)
}

func TestExchangeAndStoreIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	srv := googleStub(t, &calls)
	tokens := store.NewMemoryTokenStore()
	svc := newService(t, srv, tokens, secrets.Passthrough{}, &recordingQueue{})

	first, err := svc.ExchangeAndStore(context.Background(), models.ProviderGmail, "abcdefghij", "", "owner-1")
	require.NoError(t, err)

	require.NoError(t, tokens.SetStatus(context.Background(), first.ID, models.StatusRevoked, "revoked"))

	second, err := svc.ExchangeAndStore(context.Background(), models.ProviderGmail, "klmnopqrst", "", "owner-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.StatusActive, second.Status)

	list, err := tokens.ListByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExchangeAndStoreValidation(t *testing.T) {
	var calls atomic.Int32
	srv := googleStub(t, &calls)
	svc := newService(t, srv, store.NewMemoryTokenStore(), secrets.Passthrough{}, nil)

	_, err := svc.ExchangeAndStore(context.Background(), models.ProviderGmail, "  short  ", "", "owner-1")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = svc.ExchangeAndStore(context.Background(), models.ProviderSlack, "abcdefghij", "", "owner-1")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	assert.Equal(t, int32(0), calls.Load())
}

func TestExchangeAndStorePersistenceFailure(t *testing.T) {
	var calls atomic.Int32
	srv := googleStub(t, &calls)
	svc := newService(t, srv, failingStore{store.NewMemoryTokenStore()}, secrets.Passthrough{}, nil)

	_, err := svc.ExchangeAndStore(context.Background(), models.ProviderGmail, "abcdefghij", "", "owner-1")
	assert.True(t, errors.Is(err, apperr.ErrPersistenceFailed))
}

func TestExpiryFrom(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Hour), ExpiryFrom(now, 3600))
	assert.Equal(t, now.Add(NominalValidity), ExpiryFrom(now, 0))
}

func TestState(t *testing.T) {
	a, err := GenerateState()
	require.NoError(t, err)
	b, err := GenerateState()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.True(t, VerifyState(a, a))
	assert.False(t, VerifyState(a, b))
	assert.False(t, VerifyState("", ""))
}
