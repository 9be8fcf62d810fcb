package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs_MatchesByKind(t *testing.T) {
	err := Wrap(KindTokenExchangeFailed, "slack exchange failed", errors.New("invalid_code")).
		WithDetails(`{"ok":false,"error":"invalid_code"}`)
	wrapped := fmt.Errorf("exchange: %w", err)

	assert.True(t, errors.Is(wrapped, ErrTokenExchangeFailed))
	assert.False(t, errors.Is(wrapped, ErrTokenRefreshFailed))
	assert.Equal(t, KindTokenExchangeFailed, KindOf(wrapped))

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, `{"ok":false,"error":"invalid_code"}`, e.Details)
	assert.Equal(t, "slack exchange failed: invalid_code", e.Error())
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindTokenExchangeFailed, http.StatusBadGateway},
		{KindTokenRefreshFailed, http.StatusBadGateway},
		{KindIntegrationNotFound, http.StatusNotFound},
		{KindPersistenceFailed, http.StatusInternalServerError},
		{KindUpstreamFetchFailed, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestWithDetails_DoesNotMutateSentinel(t *testing.T) {
	_ = ErrUpstreamFetchFailed.WithDetails("x")
	assert.Empty(t, ErrUpstreamFetchFailed.Details)
}
