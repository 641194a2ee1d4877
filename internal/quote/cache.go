package quote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedSource wraps a primary Source with a Redis read-through cache.
// Each symbol is cached individually with a short TTL so a batch that
// mixes hot and cold symbols only fetches the cold ones upstream.
// Per-symbol errors are never cached.
type CachedSource struct {
	primary Source
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedSource creates a cached wrapper around a primary quote source.
func NewCachedSource(primary Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// cachedQuote is the Redis payload for one symbol.
type cachedQuote struct {
	Price string `json:"price"`
	Name  string `json:"name"`
}

func quoteKey(symbol string) string { return "quote:" + symbol }

// Fetch serves what it can from Redis and forwards the misses to the
// primary source in one batch. Cache failures degrade to upstream reads.
func (s *CachedSource) Fetch(ctx context.Context, symbols []string) (map[string]Result, error) {
	results := make(map[string]Result, len(symbols))
	if len(symbols) == 0 {
		return results, nil
	}

	var misses []string
	for _, symbol := range symbols {
		data, err := s.rdb.Get(ctx, quoteKey(symbol)).Bytes()
		if err != nil {
			misses = append(misses, symbol)
			continue
		}
		var cq cachedQuote
		if json.Unmarshal(data, &cq) != nil {
			misses = append(misses, symbol)
			continue
		}
		price, err := decimal.NewFromString(cq.Price)
		if err != nil {
			misses = append(misses, symbol)
			continue
		}
		results[symbol] = Result{Price: price, Name: cq.Name}
	}

	if len(misses) == 0 {
		return results, nil
	}

	fetched, err := s.primary.Fetch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for symbol, r := range fetched {
		results[symbol] = r
		if r.Err != nil {
			continue
		}
		if data, err := json.Marshal(cachedQuote{Price: r.Price.String(), Name: r.Name}); err == nil {
			s.rdb.Set(ctx, quoteKey(symbol), data, s.ttl)
		}
	}
	return results, nil
}
