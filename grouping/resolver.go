package grouping

import (
	"context"
	"time"

	"github.com/cyverse-de/update-digest/model"
)

// Entity is the minimal view of a resolved domain entity that the grouping
// engine needs: its identity and its creation time. A zero CreatedAt means
// the creation time is unknown.
type Entity struct {
	Ref       model.EntityRef
	CreatedAt time.Time
}

// Resolver looks up domain entities referenced by updates. Implementations
// report absent entities via the boolean return rather than an error; errors
// are reserved for infrastructure failures.
type Resolver interface {

	// Resolve returns the entity for the given reference, or false if no such
	// entity exists.
	Resolve(ctx context.Context, ref model.EntityRef) (*Entity, bool, error)

	// AssociatesOf enumerates the entities currently related to the given
	// resource through the named association.
	AssociatesOf(ctx context.Context, resource model.EntityRef, association string) ([]Entity, error)
}

// Association describes one notifying association declared for a resource
// type: a related entity collection whose members generate updates of the
// given kind on the parent resource.
type Association struct {
	Name         string
	Notification model.NotificationKind
}

// AssociationConfig maps each resource type to its declared notifying
// associations.
type AssociationConfig map[model.EntityType][]Association
