package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) Save(ctx context.Context, accountID string, state *model.AccountState) error {
	if err := s.primary.Save(ctx, accountID, state); err != nil {
		// The cached copy may be stale after a version conflict.
		s.rdb.Del(ctx, accountKey(accountID))
		return err
	}
	s.cacheJSON(ctx, accountKey(accountID), state)
	return nil
}

func (s *CachedStore) SaveBatch(ctx context.Context, states ...*model.AccountState) error {
	if err := s.primary.SaveBatch(ctx, states...); err != nil {
		for _, st := range states {
			s.rdb.Del(ctx, accountKey(st.Account.ID))
		}
		return err
	}
	for _, st := range states {
		s.cacheJSON(ctx, accountKey(st.Account.ID), st)
	}
	return nil
}

func (s *CachedStore) SavePlan(ctx context.Context, p *model.FixedTermPlan) error {
	if err := s.primary.SavePlan(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, planKey(p.ID))
	return nil
}

func (s *CachedStore) SaveOffer(ctx context.Context, o *model.P2POffer) error {
	if err := s.primary.SaveOffer(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, offerKey(o.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Load(ctx context.Context, accountID string) (*model.AccountState, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, accountKey(accountID)).Bytes()
	if err == nil {
		var st model.AccountState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.cacheJSON(ctx, accountKey(accountID), st)
	return st, nil
}

func (s *CachedStore) GetPlan(ctx context.Context, id string) (*model.FixedTermPlan, error) {
	data, err := s.rdb.Get(ctx, planKey(id)).Bytes()
	if err == nil {
		var p model.FixedTermPlan
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, planKey(id), p)
	return p, nil
}

func (s *CachedStore) GetOffer(ctx context.Context, id string) (*model.P2POffer, error) {
	data, err := s.rdb.Get(ctx, offerKey(id)).Bytes()
	if err == nil {
		var o model.P2POffer
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, offerKey(id), o)
	return o, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]string, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListPlans(ctx context.Context) ([]model.FixedTermPlan, error) {
	return s.primary.ListPlans(ctx)
}

func (s *CachedStore) ListOffers(ctx context.Context) ([]model.P2POffer, error) {
	return s.primary.ListOffers(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func planKey(id string) string    { return fmt.Sprintf("plan:%s", id) }
func offerKey(id string) string   { return fmt.Sprintf("offer:%s", id) }
