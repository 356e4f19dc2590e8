package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/cache"
)

// DefaultCardTTL bounds how long card data outlives an unfinished order.
const DefaultCardTTL = 15 * time.Minute

// CardVault keeps card data out of the saga context, which is persisted with
// every transition and served by the ops API. The context only carries the
// token and the masked card.
type CardVault interface {
	Put(ctx context.Context, token string, card domain.PaymentDetail) error
	// Get returns domain.ErrCardUnavailable for unknown or expired tokens.
	Get(ctx context.Context, token string) (domain.PaymentDetail, error)
	Delete(ctx context.Context, token string) error
}

type vaultEntry struct {
	card    domain.PaymentDetail
	expires time.Time
}

// MemoryVault holds cards in process memory. Coordinators sharing a saga
// store need the cache-backed vault instead.
type MemoryVault struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cards map[string]vaultEntry
}

func NewMemoryVault(ttl time.Duration) *MemoryVault {
	return &MemoryVault{ttl: ttl, now: time.Now, cards: make(map[string]vaultEntry)}
}

func (v *MemoryVault) Put(_ context.Context, token string, card domain.PaymentDetail) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for t, e := range v.cards {
		if now.After(e.expires) {
			delete(v.cards, t)
		}
	}
	v.cards[token] = vaultEntry{card: card, expires: now.Add(v.ttl)}
	return nil
}

func (v *MemoryVault) Get(_ context.Context, token string) (domain.PaymentDetail, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.cards[token]
	if !ok || v.now().After(e.expires) {
		return domain.PaymentDetail{}, domain.ErrCardUnavailable
	}
	return e.card, nil
}

func (v *MemoryVault) Delete(_ context.Context, token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cards, token)
	return nil
}

// CacheVault stores cards in the shared cache under a TTL.
type CacheVault struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewCacheVault(c cache.Cache, ttl time.Duration) *CacheVault {
	return &CacheVault{cache: c, ttl: ttl}
}

func (v *CacheVault) Put(ctx context.Context, token string, card domain.PaymentDetail) error {
	raw, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("order: encode card: %w", err)
	}
	return v.cache.Set(ctx, v.key(token), raw, v.ttl)
}

func (v *CacheVault) Get(ctx context.Context, token string) (domain.PaymentDetail, error) {
	raw, err := v.cache.Get(ctx, v.key(token))
	if err != nil {
		return domain.PaymentDetail{}, err
	}
	if raw == "" {
		return domain.PaymentDetail{}, domain.ErrCardUnavailable
	}
	var card domain.PaymentDetail
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		return domain.PaymentDetail{}, fmt.Errorf("order: decode card: %w", err)
	}
	return card, nil
}

func (v *CacheVault) Delete(ctx context.Context, token string) error {
	return v.cache.Del(ctx, v.key(token))
}

func (v *CacheVault) key(token string) string { return v.cache.GenerateKey("card", token) }
