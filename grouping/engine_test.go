package grouping

import (
	"context"
	"testing"
	"time"

	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// MockResolver provides a canned set of entities and associations for testing.
type MockResolver struct {
	Entities     map[model.EntityRef]Entity
	Associates   map[string][]Entity
	ResolveErr   error
	ResolveCount int
}

// Resolve returns the canned entity for the given reference, if any.
func (r *MockResolver) Resolve(_ context.Context, ref model.EntityRef) (*Entity, bool, error) {
	r.ResolveCount++
	if r.ResolveErr != nil {
		return nil, false, r.ResolveErr
	}
	entity, found := r.Entities[ref]
	if !found {
		return nil, false, nil
	}
	return &entity, true, nil
}

// AssociatesOf returns the canned associates for the given association name.
func (r *MockResolver) AssociatesOf(_ context.Context, _ model.EntityRef, association string) ([]Entity, error) {
	return r.Associates[association], nil
}

// testAssociations declares comments and identifications as activity
// associations of observations.
func testAssociations() AssociationConfig {
	return AssociationConfig{
		model.TypeObservation: {
			{Name: "comments", Notification: model.KindActivity},
			{Name: "identifications", Notification: model.KindActivity},
			{Name: "photos", Notification: model.KindChange},
		},
	}
}

func ts(hour, min int) time.Time {
	return time.Date(2020, 7, 9, hour, min, 0, 0, time.UTC)
}

func tsp(hour, min int) *time.Time {
	t := ts(hour, min)
	return &t
}

func observationRef(id int64) model.EntityRef {
	return model.EntityRef{Type: model.TypeObservation, ID: id}
}

func commentRef(id int64) model.EntityRef {
	return model.EntityRef{Type: model.TypeComment, ID: id}
}

func newTestEngine(resolver Resolver) *Engine {
	return New(resolver, testAssociations(), WithClock(func() time.Time { return ts(23, 59) }))
}

func TestEmptyInput(t *testing.T) {
	assert := assert.New(t)

	engine := newTestEngine(&MockResolver{})
	groups, err := engine.GroupAndSort(context.Background(), nil)
	assert.NoError(err, "unexpected error from an empty grouping pass")
	assert.Empty(groups, "an empty input should produce an empty output")
}

func TestBatchesSortedByEffectiveTimestamp(t *testing.T) {
	assert := assert.New(t)

	updates := []*model.Update{
		{ID: 1, Resource: observationRef(7), Notifier: commentRef(1), Notification: model.KindChange, CreatedAt: tsp(12, 30)},
		{ID: 2, Resource: observationRef(7), Notifier: commentRef(2), Notification: model.KindChange, CreatedAt: tsp(10, 0)},
		{ID: 3, Resource: observationRef(7), Notifier: commentRef(3), Notification: model.KindChange, CreatedAt: tsp(11, 15)},
	}

	engine := newTestEngine(&MockResolver{})
	groups, err := engine.GroupAndSort(context.Background(), updates)
	assert.NoError(err)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}

	// The batch must be in ascending timestamp order.
	ids := []int64{}
	for _, update := range groups[0].Updates {
		ids = append(ids, update.ID)
	}
	assert.Equal([]int64{2, 3, 1}, ids, "batch isn't in ascending timestamp order")
}

func TestGroupsSortedByLastTimestampDescending(t *testing.T) {
	assert := assert.New(t)

	updates := []*model.Update{
		{ID: 1, Resource: observationRef(1), Notifier: commentRef(1), Notification: model.KindChange, CreatedAt: tsp(9, 0)},
		{ID: 2, Resource: observationRef(2), Notifier: commentRef(2), Notification: model.KindChange, CreatedAt: tsp(14, 0)},
		{ID: 3, Resource: observationRef(3), Notifier: commentRef(3), Notification: model.KindChange, CreatedAt: tsp(11, 0)},
	}

	engine := newTestEngine(&MockResolver{})
	groups, err := engine.GroupAndSort(context.Background(), updates)
	assert.NoError(err)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}

	// The group whose latest update is most recent comes first.
	assert.Equal(int64(2), groups[0].Key.ResourceID)
	assert.Equal(int64(3), groups[1].Key.ResourceID)
	assert.Equal(int64(1), groups[2].Key.ResourceID)
}

func TestEffectiveTimestampFallsBackToNotifier(t *testing.T) {
	assert := assert.New(t)

	resolver := &MockResolver{
		Entities: map[model.EntityRef]Entity{
			commentRef(1): {Ref: commentRef(1), CreatedAt: ts(8, 0)},
			commentRef(2): {Ref: commentRef(2), CreatedAt: ts(16, 0)},
		},
	}
	updates := []*model.Update{
		{ID: 1, Resource: observationRef(1), Notifier: commentRef(2), Notification: model.KindChange},
		{ID: 2, Resource: observationRef(1), Notifier: commentRef(1), Notification: model.KindChange},
	}

	engine := newTestEngine(resolver)
	groups, err := engine.GroupAndSort(context.Background(), updates)
	assert.NoError(err)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}

	// The update with the earlier notifier creation time must sort first.
	assert.Equal(int64(2), groups[0].Updates[0].ID)
	assert.Equal(int64(1), groups[0].Updates[1].ID)
}

func TestEffectiveTimestampFallsBackToClock(t *testing.T) {
	assert := assert.New(t)

	// Neither the update nor its notifier carries a timestamp.
	late := []*model.Update{
		{ID: 1, Resource: observationRef(1), Notifier: commentRef(1), Notification: model.KindChange},
	}
	early := []*model.Update{
		{ID: 2, Resource: observationRef(2), Notifier: commentRef(2), Notification: model.KindChange, CreatedAt: tsp(1, 0)},
	}

	engine := newTestEngine(&MockResolver{})
	groups, err := engine.GroupAndSort(context.Background(), append(early, late...))
	assert.NoError(err)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	// The clock fallback lands at the injected time, after the early update.
	assert.Equal(int64(1), groups[0].Key.ResourceID)
}

func TestCreatedObservationsHourBuckets(t *testing.T) {
	assert := assert.New(t)

	key := model.GroupKey{ResourceType: model.TypeObservation, ResourceID: 5, Notification: model.KindCreatedObservations}
	updates := []*model.Update{
		{ID: 1, Resource: key.ResourceRef(), Notifier: observationRef(10), Notification: model.KindCreatedObservations, CreatedAt: tsp(10, 45)},
		{ID: 2, Resource: key.ResourceRef(), Notifier: observationRef(11), Notification: model.KindCreatedObservations, CreatedAt: tsp(11, 5)},
		{ID: 3, Resource: key.ResourceRef(), Notifier: observationRef(12), Notification: model.KindCreatedObservations, CreatedAt: tsp(10, 15)},
	}

	engine := newTestEngine(&MockResolver{})
	groups, err := engine.GroupAndSort(context.Background(), updates)
	assert.NoError(err)
	if len(groups) != 2 {
		t.Fatalf("expected 2 hour buckets, got %d", len(groups))
	}

	// Both buckets carry the originating key, and each bucket only contains
	// updates from a single calendar hour.
	assert.Equal(key, groups[0].Key)
	assert.Equal(key, groups[1].Key)
	assert.Len(groups[0].Updates, 1)
	assert.Len(groups[1].Updates, 2)
	assert.Equal(int64(2), groups[0].Updates[0].ID)
	assert.Equal(int64(3), groups[1].Updates[0].ID)
	assert.Equal(int64(1), groups[1].Updates[1].ID)
}

func TestSingletonBatchIsNeverBucketed(t *testing.T) {
	assert := assert.New(t)

	updates := []*model.Update{
		{ID: 1, Resource: observationRef(5), Notifier: observationRef(10), Notification: model.KindCreatedObservations, CreatedAt: tsp(10, 45)},
	}

	engine := newTestEngine(&MockResolver{})
	groups, err := engine.GroupAndSort(context.Background(), updates)
	assert.NoError(err)
	assert.Len(groups, 1)
	assert.Len(groups[0].Updates, 1)
}

func TestActivitySynthesis(t *testing.T) {
	assert := assert.New(t)

	resolver := &MockResolver{
		Entities: map[model.EntityRef]Entity{
			observationRef(7): {Ref: observationRef(7), CreatedAt: ts(8, 0)},
		},
		Associates: map[string][]Entity{
			"comments": {
				{Ref: commentRef(1), CreatedAt: ts(9, 0)},
				{Ref: commentRef(2), CreatedAt: ts(10, 0)},
				{Ref: commentRef(3), CreatedAt: ts(11, 0)},
			},
		},
	}
	updates := []*model.Update{
		{ID: 1, SubscriberID: 42, Resource: observationRef(7), Notifier: commentRef(2), Notification: model.KindActivity, CreatedAt: tsp(10, 0)},
	}

	engine := newTestEngine(resolver)
	groups, err := engine.GroupAndSort(context.Background(), updates)
	assert.NoError(err)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}

	// One associate was already represented, so exactly two entries are
	// synthesized, and the batch stays in ascending timestamp order.
	batch := groups[0].Updates
	if len(batch) != 3 {
		t.Fatalf("expected 3 updates in the batch, got %d", len(batch))
	}
	assert.Equal(commentRef(1), batch[0].Notifier)
	assert.Equal(commentRef(2), batch[1].Notifier)
	assert.Equal(commentRef(3), batch[2].Notifier)

	// The persisted update survives untouched; the synthesized entries are
	// transient values with no ID.
	assert.Equal(int64(1), batch[1].ID)
	assert.Zero(batch[0].ID)
	assert.Zero(batch[2].ID)

	// A second pass over the first pass's output synthesizes nothing new.
	again, err := engine.GroupAndSort(context.Background(), batch)
	assert.NoError(err)
	if len(again) != 1 {
		t.Fatalf("expected 1 group from the second pass, got %d", len(again))
	}
	assert.Len(again[0].Updates, 3, "a repeated grouping pass duplicated synthesized entries")
}

func TestActivityResourceGone(t *testing.T) {
	assert := assert.New(t)

	// The resource was deleted, so nothing resolves.
	resolver := &MockResolver{
		Associates: map[string][]Entity{
			"comments": {{Ref: commentRef(1), CreatedAt: ts(9, 0)}},
		},
	}
	updates := []*model.Update{
		{ID: 1, Resource: observationRef(7), Notifier: commentRef(2), Notification: model.KindActivity, CreatedAt: tsp(10, 0)},
	}

	engine := newTestEngine(resolver)
	groups, err := engine.GroupAndSort(context.Background(), updates)
	assert.NoError(err, "a deleted resource shouldn't fail the grouping pass")
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	assert.Len(groups[0].Updates, 1, "no entries should be synthesized for a deleted resource")
}

func TestResolverFailurePropagates(t *testing.T) {
	assert := assert.New(t)

	resolver := &MockResolver{ResolveErr: errors.New("connection refused")}
	updates := []*model.Update{
		{ID: 1, Resource: observationRef(7), Notifier: commentRef(2), Notification: model.KindActivity},
	}

	engine := newTestEngine(resolver)
	_, err := engine.GroupAndSort(context.Background(), updates)
	assert.Error(err, "an infrastructure failure should fail the grouping pass")
}
