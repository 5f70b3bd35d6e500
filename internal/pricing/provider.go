package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPProvider reads BTC prices from an exchange-rates endpoint answering
// {"data":{"currency":"BTC","rates":{"USD":"64000.1",...}}}.
type HTTPProvider struct {
	url    string
	client *http.Client
}

func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvider) Name() string { return "exchange_api" }

type exchangeRatesResponse struct {
	Data struct {
		Currency string            `json:"currency"`
		Rates    map[string]string `json:"rates"`
	} `json:"data"`
}

func (p *HTTPProvider) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	endpoint := p.url
	if !strings.Contains(endpoint, "?") {
		endpoint += "?currency=BTC"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("exchange api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out exchangeRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}
	if out.Data.Currency != "" && !strings.EqualFold(out.Data.Currency, "BTC") {
		return decimal.Zero, fmt.Errorf("exchange api quoted %s, want BTC", out.Data.Currency)
	}
	raw, ok := out.Data.Rates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return decimal.NewFromString(raw)
}
