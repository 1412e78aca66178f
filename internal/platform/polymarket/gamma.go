package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetMarkets returns one page of open markets with an order book.
func (g *GammaClient) GetMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("active", "true")
	params.Set("closed", "false")

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get markets: %w", err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(apiMarkets))
	for i := range apiMarkets {
		if !apiMarkets[i].Streamable() {
			continue
		}
		markets = append(markets, apiMarkets[i].ToDomainMarket())
	}
	return markets, nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
