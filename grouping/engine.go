// Package grouping collapses a raw stream of update records into ordered,
// human-meaningful batches: one batch per (resource, notification kind), with
// hour bucketing for bulk observation creation and synthesized entries for
// activity on a resource's notifying associations.
package grouping

import (
	"context"
	"sort"
	"time"

	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"
)

// hourBucketFormat truncates a timestamp to its calendar hour. Batches
// spanning different hours never merge.
const hourBucketFormat = "2006-01-02 15"

// Group is one ordered batch of updates sharing a group key. Hour buckets
// split from the same batch carry the same key.
type Group struct {
	Key     model.GroupKey
	Updates []*model.Update
}

// Engine groups and sorts updates. It never mutates persisted updates; the
// activity entries it synthesizes are transient values scoped to one call.
type Engine struct {
	resolver     Resolver
	associations AssociationConfig
	now          func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the clock used when an update and its notifier both
// lack a creation timestamp. The default is time.Now, which makes grouping
// of such updates non-deterministic; inject a fixed clock in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New returns a grouping engine that resolves entities through the given
// resolver and synthesizes activity entries per the given association
// configuration.
func New(resolver Resolver, associations AssociationConfig, options ...Option) *Engine {
	engine := &Engine{
		resolver:     resolver,
		associations: associations,
		now:          time.Now,
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

// timedUpdate pairs an update with its effective timestamp so that the
// timestamp fallback is evaluated exactly once per update.
type timedUpdate struct {
	update *model.Update
	at     time.Time
}

// timedGroup is a group that still carries its effective timestamps.
type timedGroup struct {
	key   model.GroupKey
	batch []timedUpdate
}

// GroupAndSort partitions the given updates by group key, orders each batch
// by effective timestamp, applies the kind-specific batch policies, and
// returns the resulting flat list of groups ordered by most recent activity
// first. The input may belong to one subscriber or be scoped arbitrarily by
// the caller; grouping is subscriber-agnostic.
func (e *Engine) GroupAndSort(ctx context.Context, updates []*model.Update) ([]Group, error) {

	// Partition the updates, preserving the order in which keys first appear.
	var keys []model.GroupKey
	partitions := make(map[model.GroupKey][]timedUpdate)
	for _, update := range updates {
		at, err := e.effectiveTime(ctx, update)
		if err != nil {
			return nil, err
		}
		key := update.GroupKey()
		if _, seen := partitions[key]; !seen {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], timedUpdate{update: update, at: at})
	}

	// Apply the kind-specific batch policy to each partition.
	var groups []timedGroup
	for _, key := range keys {
		batch := partitions[key]
		sortBatch(batch)
		switch {
		case key.Notification == model.KindCreatedObservations && len(batch) > 1:
			groups = append(groups, hourBuckets(key, batch)...)
		case key.Notification == model.KindActivity:
			batch, err := e.appendActivity(ctx, key, batch)
			if err != nil {
				return nil, err
			}
			sortBatch(batch)
			groups = append(groups, timedGroup{key: key, batch: batch})
		default:
			groups = append(groups, timedGroup{key: key, batch: batch})
		}
	}

	// Most recently active groups come first; ties keep their input order.
	sort.SliceStable(groups, func(i, j int) bool {
		return lastTime(groups[i]).After(lastTime(groups[j]))
	})

	result := make([]Group, len(groups))
	for i, group := range groups {
		result[i] = Group{Key: group.key, Updates: strip(group.batch)}
	}
	return result, nil
}

// effectiveTime returns the timestamp an update is ordered by: its own
// creation time if recorded, else the notifier's creation time, else the
// current time.
func (e *Engine) effectiveTime(ctx context.Context, update *model.Update) (time.Time, error) {
	if update.CreatedAt != nil {
		return *update.CreatedAt, nil
	}
	notifier, found, err := e.resolver.Resolve(ctx, update.Notifier)
	if err != nil {
		return time.Time{}, errors.Wrapf(
			err, "unable to resolve notifier %s %d for update %d",
			update.Notifier.Type, update.Notifier.ID, update.ID,
		)
	}
	if found && !notifier.CreatedAt.IsZero() {
		return notifier.CreatedAt, nil
	}
	return e.now(), nil
}

// hourBuckets splits a time-sorted batch into one group per calendar hour.
// The batch is already sorted, so the buckets come out in ascending order.
func hourBuckets(key model.GroupKey, batch []timedUpdate) []timedGroup {
	var hours []string
	buckets := make(map[string][]timedUpdate)
	for _, entry := range batch {
		hour := entry.at.Format(hourBucketFormat)
		if _, seen := buckets[hour]; !seen {
			hours = append(hours, hour)
		}
		buckets[hour] = append(buckets[hour], entry)
	}
	groups := make([]timedGroup, len(hours))
	for i, hour := range hours {
		groups[i] = timedGroup{key: key, batch: buckets[hour]}
	}
	return groups
}

// appendActivity synthesizes a transient update for every associate of the
// batch's resource that isn't already represented by a notifier in the batch.
// A resource that no longer exists yields no associates; the plain batch is
// still emitted.
func (e *Engine) appendActivity(ctx context.Context, key model.GroupKey, batch []timedUpdate) ([]timedUpdate, error) {
	_, found, err := e.resolver.Resolve(ctx, key.ResourceRef())
	if err != nil {
		return nil, errors.Wrapf(err, "unable to resolve resource %s %d", key.ResourceType, key.ResourceID)
	}
	if !found {
		return batch, nil
	}

	for _, association := range e.associations[key.ResourceType] {
		if association.Notification != model.KindActivity {
			continue
		}
		associates, err := e.resolver.AssociatesOf(ctx, key.ResourceRef(), association.Name)
		if err != nil {
			return nil, errors.Wrapf(
				err, "unable to enumerate %s of %s %d",
				association.Name, key.ResourceType, key.ResourceID,
			)
		}
		for _, associate := range associates {
			if containsNotifier(batch, associate.Ref) {
				continue
			}
			at := associate.CreatedAt
			if at.IsZero() {
				at = e.now()
			}
			batch = append(batch, timedUpdate{
				update: &model.Update{
					Resource:     key.ResourceRef(),
					Notifier:     associate.Ref,
					Notification: model.KindActivity,
				},
				at: at,
			})
		}
	}
	return batch, nil
}

// containsNotifier reports whether any update in the batch was caused by the
// given entity. Matching by notifier identity is what makes synthesis
// idempotent across repeated grouping passes.
func containsNotifier(batch []timedUpdate, ref model.EntityRef) bool {
	for _, entry := range batch {
		if entry.update.Notifier == ref {
			return true
		}
	}
	return false
}

func sortBatch(batch []timedUpdate) {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].at.Before(batch[j].at)
	})
}

func lastTime(group timedGroup) time.Time {
	return group.batch[len(group.batch)-1].at
}

func strip(batch []timedUpdate) []*model.Update {
	updates := make([]*model.Update, len(batch))
	for i, entry := range batch {
		updates[i] = entry.update
	}
	return updates
}
