// Package quote fetches current prices for ticker symbols from a batched
// upstream quote API and normalizes errors per symbol.
//
// All prices use shopspring/decimal — never float64 for money.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/metrics"
)

var (
	// ErrUnknownSymbol marks a single symbol the upstream did not
	// recognize. Other symbols in the same batch are unaffected.
	ErrUnknownSymbol = errors.New("quote: unknown symbol")

	// ErrBadResponse marks a malformed or non-object upstream payload.
	// The whole batch fails.
	ErrBadResponse = errors.New("quote: invalid upstream response")
)

// Result is the outcome of a quote lookup for one symbol: either a price
// and company name, or a per-symbol error.
type Result struct {
	Price decimal.Decimal `json:"price"`
	Name  string          `json:"name"`
	Err   error           `json:"-"`
}

// Source provides batched quote lookups. Fetch returns one Result per
// requested symbol; a transport or parse failure fails the whole batch
// instead. An empty symbol list returns an empty map without any call.
type Source interface {
	Fetch(ctx context.Context, symbols []string) (map[string]Result, error)
}

// Client fetches quotes over HTTP from an IEX-style batch endpoint:
// GET {base}/stock/market/batch?types=quote&symbols=A,B
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a quote client with a bounded request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// batchEntry mirrors the upstream per-symbol payload.
type batchEntry struct {
	Quote struct {
		LatestPrice json.Number `json:"latestPrice"`
		CompanyName string      `json:"companyName"`
	} `json:"quote"`
}

// Fetch looks up all symbols in one batched call. Symbols missing from the
// response map to ErrUnknownSymbol individually; the batch itself still
// succeeds as long as the response parsed.
func (c *Client) Fetch(ctx context.Context, symbols []string) (map[string]Result, error) {
	results := make(map[string]Result, len(symbols))
	if len(symbols) == 0 {
		return results, nil
	}

	q := url.Values{}
	q.Set("types", "quote")
	q.Set("symbols", strings.Join(symbols, ","))
	reqURL := c.baseURL + "/stock/market/batch?" + q.Encode()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("quote: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.QuoteRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("quote: fetch batch: %w", err)
	}
	defer resp.Body.Close()
	metrics.QuoteLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		metrics.QuoteRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.QuoteRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("quote: read body: %w", err)
	}

	// The top level must be an object keyed by symbol; anything else
	// (array, scalar, invalid JSON) fails the whole batch.
	var payload map[string]batchEntry
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.QuoteRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	for _, symbol := range symbols {
		entry, ok := payload[symbol]
		if !ok {
			results[symbol] = Result{Err: ErrUnknownSymbol}
			continue
		}
		price, err := decimal.NewFromString(entry.Quote.LatestPrice.String())
		if err != nil {
			slog.Error("quote price unparseable", "symbol", symbol, "raw", entry.Quote.LatestPrice)
			results[symbol] = Result{Err: fmt.Errorf("%w: bad price for %s", ErrBadResponse, symbol)}
			continue
		}
		results[symbol] = Result{Price: price, Name: entry.Quote.CompanyName}
	}

	metrics.QuoteRequestsTotal.WithLabelValues("ok").Inc()
	return results, nil
}
