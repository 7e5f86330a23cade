package status

import (
	"context"
	"fmt"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore serves repeated reads of finished tasks from memory.
// Only terminal records are cached: they can never change again.
type CachedStore struct {
	Store
	cache *lru.Cache[string, domain.TaskRecord]
}

// NewCachedStore wraps store with an LRU of the given size
func NewCachedStore(store Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, domain.TaskRecord](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create status cache: %w", err)
	}
	return &CachedStore{Store: store, cache: cache}, nil
}

func (s *CachedStore) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	if rec, ok := s.cache.Get(taskID); ok {
		return &rec, nil
	}

	rec, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if domain.IsTerminal(rec.State) {
		s.cache.Add(taskID, *rec)
	}
	return rec, nil
}
