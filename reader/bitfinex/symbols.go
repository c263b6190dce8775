package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SymbolsClient lists the pairs the exchange trades through its public REST
// API. No credentials are needed.
type SymbolsClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewSymbolsClient(endpoint string, timeout time.Duration) *SymbolsClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SymbolsClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// AllSymbols returns every traded pair, upper-cased.
func (c *SymbolsClient) AllSymbols(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/symbols", nil)
	if err != nil {
		return nil, fmt.Errorf("build symbols request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch symbols: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch symbols: unexpected status %d", resp.StatusCode)
	}

	var symbols []string
	if err := json.NewDecoder(resp.Body).Decode(&symbols); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	for i, s := range symbols {
		symbols[i] = strings.ToUpper(s)
	}
	return symbols, nil
}
