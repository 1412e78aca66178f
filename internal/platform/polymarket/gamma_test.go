package polymarket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

func TestGammaGetMarkets(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"1","conditionId":"0xaaa","question":"Will it rain?","active":true,"closed":false,
			 "enableOrderBook":true,"clobTokenIds":"[\"111\",\"222\"]","createdAt":"2024-01-02T03:04:05Z"},
			{"id":"2","conditionId":"0xbbb","active":"true","closed":"false","enableOrderBook":"true",
			 "tokens":[{"token_id":"333","outcome":"Yes"},{"token_id":"444","outcome":"No"}]},
			{"id":"3","conditionId":"0xccc","active":true,"closed":false,"enableOrderBook":false,"clobTokenIds":"[\"555\"]"},
			{"id":"4","conditionId":"0xddd","active":true,"closed":true,"enableOrderBook":true,"clobTokenIds":"[\"666\"]"}
		]`))
	}))
	defer srv.Close()

	markets, err := NewGammaClient(srv.URL+"/").GetMarkets(context.Background(), 100, 200)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"limit": "100", "offset": "200", "active": "true", "closed": "false"}, query)
	require.Len(t, markets, 2, "markets without an order book or already closed are skipped")

	assert.Equal(t, domain.MarketID("0xaaa"), markets[0].ID)
	assert.Equal(t, ExchangeName, markets[0].Exchange)
	assert.Equal(t, "Will it rain?", markets[0].Question)
	assert.Equal(t, []domain.TokenID{"111", "222"}, markets[0].TokenIDs)
	assert.Equal(t, 2024, markets[0].CreatedAt.Year())

	assert.Equal(t, "Unknown", markets[1].Question)
	assert.Equal(t, []domain.TokenID{"333", "444"}, markets[1].TokenIDs)
	assert.Equal(t, domain.MarketStatusActive, markets[1].Status)
}

func TestGammaStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		_, err := NewGammaClient(srv.URL).GetMarkets(context.Background(), 10, 0)
		srv.Close()
		assert.ErrorIs(t, err, tt.want)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := NewGammaClient(srv.URL).GetMarkets(context.Background(), 10, 0)
	assert.ErrorContains(t, err, "HTTP 502")
}
