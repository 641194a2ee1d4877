package quote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/papertrade/broker-engine/internal/quote"
)

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *quote.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, quote.NewClient(srv.URL, 5*time.Second)
}

func TestFetch_Batch(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/stock/market/batch" {
			t.Errorf("unexpected path %s", got)
		}
		if got := r.URL.Query().Get("types"); got != "quote" {
			t.Errorf("expected types=quote, got %s", got)
		}
		if got := r.URL.Query().Get("symbols"); got != "AAPL,MSFT" {
			t.Errorf("expected symbols=AAPL,MSFT, got %s", got)
		}
		w.Write([]byte(`{
			"AAPL": {"quote": {"latestPrice": 189.84, "companyName": "Apple Inc"}},
			"MSFT": {"quote": {"latestPrice": "411.2", "companyName": "Microsoft Corp"}}
		}`))
	})

	results, err := client.Fetch(context.Background(), []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if aapl := results["AAPL"]; aapl.Err != nil || aapl.Price.String() != "189.84" || aapl.Name != "Apple Inc" {
		t.Errorf("unexpected AAPL result: %+v", aapl)
	}
	if msft := results["MSFT"]; msft.Err != nil || msft.Price.String() != "411.2" {
		t.Errorf("unexpected MSFT result: %+v", msft)
	}
}

func TestFetch_UnknownSymbolIsPerSymbol(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"AAPL": {"quote": {"latestPrice": 189.84, "companyName": "Apple Inc"}}}`))
	})

	results, err := client.Fetch(context.Background(), []string{"AAPL", "NOPE"})
	if err != nil {
		t.Fatalf("batch should still succeed: %v", err)
	}
	if results["AAPL"].Err != nil {
		t.Errorf("AAPL should resolve, got %v", results["AAPL"].Err)
	}
	if !errors.Is(results["NOPE"].Err, quote.ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol for NOPE, got %v", results["NOPE"].Err)
	}
}

func TestFetch_NonObjectBodyFailsBatch(t *testing.T) {
	for _, body := range []string{`[1, 2, 3]`, `"quote"`, `{"AAPL": `} {
		_, client := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(body))
		})
		_, err := client.Fetch(context.Background(), []string{"AAPL"})
		if !errors.Is(err, quote.ErrBadResponse) {
			t.Errorf("body %q: expected ErrBadResponse, got %v", body, err)
		}
	}
}

func TestFetch_UpstreamErrorFailsBatch(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	})

	_, err := client.Fetch(context.Background(), []string{"AAPL"})
	if err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestFetch_EmptyInputMakesNoCall(t *testing.T) {
	_, client := newServer(t, func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("no HTTP call expected for empty symbol list")
	})

	results, err := client.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty result map, got %d entries", len(results))
	}
}

func TestFetch_MissingPriceIsPerSymbol(t *testing.T) {
	_, client := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"AAPL": {"quote": {"companyName": "Apple Inc"}}}`))
	})

	results, err := client.Fetch(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("batch should still succeed: %v", err)
	}
	if !errors.Is(results["AAPL"].Err, quote.ErrBadResponse) {
		t.Errorf("expected ErrBadResponse for AAPL, got %v", results["AAPL"].Err)
	}
}
