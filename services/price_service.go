// services/price_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed returns the USD price of one unit of a token on a network.
type PriceFeed interface {
	USDPrice(ctx context.Context, token, network string) (decimal.Decimal, error)
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// CoinGeckoPrices reads /simple/price and caches each (token, network) quote
// for TTL. A failed or zero quote is never served from an expired cache entry.
type CoinGeckoPrices struct {
	BaseURL string
	// TokenIDs maps "SYMBOL" or "SYMBOL@network" to a coingecko id. The
	// network-qualified key wins for bridged tokens priced per chain.
	TokenIDs   map[string]string
	TTL        time.Duration
	HTTPClient *http.Client
	Now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

func NewCoinGeckoPrices(baseURL string, tokenIDs map[string]string, ttl time.Duration, client *http.Client) *CoinGeckoPrices {
	ids := make(map[string]string, len(tokenIDs))
	for key, id := range tokenIDs {
		sym, network, _ := strings.Cut(key, "@")
		ids[priceKey(sym, network)] = id
	}
	return &CoinGeckoPrices{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TokenIDs:   ids,
		TTL:        ttl,
		HTTPClient: client,
		Now:        time.Now,
		cache:      make(map[string]cachedPrice),
	}
}

func priceKey(token, network string) string {
	key := strings.ToUpper(strings.TrimSpace(token))
	if network = strings.ToLower(strings.TrimSpace(network)); network != "" {
		key += "@" + network
	}
	return key
}

func (p *CoinGeckoPrices) coinID(token, network string) (string, bool) {
	if id, ok := p.TokenIDs[priceKey(token, network)]; ok {
		return id, true
	}
	id, ok := p.TokenIDs[priceKey(token, "")]
	return id, ok
}

func (p *CoinGeckoPrices) USDPrice(ctx context.Context, token, network string) (decimal.Decimal, error) {
	key := priceKey(token, network)
	now := p.Now()

	p.mu.RLock()
	c, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && now.Sub(c.fetchedAt) < p.TTL {
		return c.price, nil
	}

	id, ok := p.coinID(token, network)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unknown token %s", ErrPriceUnavailable, key)
	}
	price, err := p.fetch(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive quote for %s", ErrPriceUnavailable, key)
	}

	p.mu.Lock()
	p.cache[key] = cachedPrice{price: price, fetchedAt: now}
	p.mu.Unlock()
	return price, nil
}

func (p *CoinGeckoPrices) fetch(ctx context.Context, id string) (decimal.Decimal, error) {
	u, err := url.Parse(p.BaseURL + "/simple/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad base url: %v", ErrPriceUnavailable, err)
	}
	q := u.Query()
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("%w: status %d: %s", ErrPriceUnavailable, resp.StatusCode, string(body))
	}

	var quotes map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrPriceUnavailable, err)
	}
	price, ok := quotes[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no usd quote for %s", ErrPriceUnavailable, id)
	}
	return price, nil
}
