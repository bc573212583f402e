package model

import "time"

// EntityType identifies a kind of domain entity that can appear in the
// resource or notifier slot of an update.
type EntityType string

// The entity types that updates currently reference.
const (
	TypeObservation    EntityType = "observation"
	TypeComment        EntityType = "comment"
	TypeIdentification EntityType = "identification"
	TypeListedTaxon    EntityType = "listed_taxon"
	TypePost           EntityType = "post"
)

// EntityRef is a polymorphic reference to a domain entity.
type EntityRef struct {
	Type EntityType
	ID   int64
}

// NotificationKind identifies the kind of event that an update describes.
type NotificationKind string

// The base notification kinds plus the subscriber-facing sub-kinds.
const (
	KindCreate              NotificationKind = "create"
	KindChange              NotificationKind = "change"
	KindActivity            NotificationKind = "activity"
	KindCreatedObservations NotificationKind = "created_observations"
)

// KnownNotificationKind returns true if the given string names a notification
// kind that this service understands.
func KnownNotificationKind(kind string) bool {
	switch NotificationKind(kind) {
	case KindCreate, KindChange, KindActivity, KindCreatedObservations:
		return true
	}
	return false
}

// Update represents a single notification event for one subscriber. An update
// synthesized during grouping has a zero ID and is never persisted.
type Update struct {
	ID           int64
	SubscriberID int64
	Resource     EntityRef
	Notifier     EntityRef
	Notification NotificationKind

	// CreatedAt is nil when the event producer didn't record a timestamp,
	// in which case ordering falls back to the notifier's own creation time
	// and finally to the current time.
	CreatedAt *time.Time
}

// GroupKey returns the key that updates are batched under.
func (u *Update) GroupKey() GroupKey {
	return GroupKey{
		ResourceType: u.Resource.Type,
		ResourceID:   u.Resource.ID,
		Notification: u.Notification,
	}
}

// GroupKey identifies one batch of related updates.
type GroupKey struct {
	ResourceType EntityType
	ResourceID   int64
	Notification NotificationKind
}

// ResourceRef returns the reference to the resource that the batch is about.
func (k GroupKey) ResourceRef() EntityRef {
	return EntityRef{Type: k.ResourceType, ID: k.ResourceID}
}
