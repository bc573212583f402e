// Package eagerload batches the entity lookups needed to render a set of
// updates, so that downstream rendering can resolve any update's notifier or
// resource without issuing per-update queries.
package eagerload

import (
	"context"
	"sync"

	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"
)

// FetchFunc loads a batch of entities by ID, prefetching the given related
// columns, and returns them indexed by ID.
type FetchFunc func(ctx context.Context, ids []int64, include []string) (map[int64]interface{}, error)

// Plan declares how one entity type is eager-loaded: the related columns to
// prefetch along with it and the function that performs the batched fetch.
// Types without a plan are skipped.
type Plan struct {
	Type    model.EntityType
	Include []string
	Fetch   FetchFunc
}

// Cache holds the loaded entities indexed by type tag and ID.
type Cache map[model.EntityType]map[int64]interface{}

// Lookup resolves a reference against the cache.
func (c Cache) Lookup(ref model.EntityRef) (interface{}, bool) {
	entities, found := c[ref.Type]
	if !found {
		return nil, false
	}
	entity, found := entities[ref.ID]
	return entity, found
}

// Build collects the distinct entity IDs referenced by the updates' notifier
// and resource slots and issues exactly one batched fetch per planned type.
// The per-type fetches run concurrently; the first failure wins.
func Build(ctx context.Context, updates []*model.Update, plans []Plan) (Cache, error) {
	wrapMsg := "unable to build the eager-load cache"

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	cache := make(Cache)
	for _, plan := range plans {
		ids := referencedIDs(updates, plan.Type)
		if len(ids) == 0 {
			continue
		}
		wg.Add(1)
		go func(plan Plan, ids []int64) {
			defer wg.Done()
			entities, err := plan.Fetch(ctx, ids, plan.Include)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "unable to fetch entities of type `%s`", plan.Type)
				}
				return
			}
			cache[plan.Type] = entities
		}(plan, ids)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, errors.Wrap(firstErr, wrapMsg)
	}
	return cache, nil
}

// referencedIDs returns the distinct IDs of every entity of the given type
// referenced by any update's notifier or resource slot.
func referencedIDs(updates []*model.Update, entityType model.EntityType) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(ref model.EntityRef) {
		if ref.Type == entityType && !seen[ref.ID] {
			seen[ref.ID] = true
			ids = append(ids, ref.ID)
		}
	}
	for _, update := range updates {
		add(update.Notifier)
		add(update.Resource)
	}
	return ids
}
