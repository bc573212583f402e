package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cyverse-de/update-digest/grouping"
	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// AssociationSpec declares how to enumerate one association: the table the
// associates live in, the column that references the parent resource, and the
// entity type of the associates.
type AssociationSpec struct {
	Table      string
	ForeignKey string
	Type       model.EntityType
}

// EntityConfig is the explicit registry that drives entity lookups: a table
// per entity type and an association table per (resource type, association
// name) pair. Types absent from the registry can't be resolved.
type EntityConfig struct {
	Tables       map[model.EntityType]string
	Associations map[model.EntityType]map[string]AssociationSpec
}

// DefaultEntityConfig returns the registry for the entity types that updates
// currently reference.
func DefaultEntityConfig() *EntityConfig {
	return &EntityConfig{
		Tables: map[model.EntityType]string{
			model.TypeObservation:    "observations",
			model.TypeComment:        "comments",
			model.TypeIdentification: "identifications",
			model.TypeListedTaxon:    "listed_taxa",
			model.TypePost:           "posts",
		},
		Associations: map[model.EntityType]map[string]AssociationSpec{
			model.TypeObservation: {
				"comments":        {Table: "comments", ForeignKey: "observation_id", Type: model.TypeComment},
				"identifications": {Table: "identifications", ForeignKey: "observation_id", Type: model.TypeIdentification},
			},
			model.TypePost: {
				"comments": {Table: "comments", ForeignKey: "post_id", Type: model.TypeComment},
			},
		},
	}
}

// FetchEntities loads the identified entities of one type, returning them
// indexed by ID.
func FetchEntities(ctx context.Context, db *sql.DB, config *EntityConfig, entityType model.EntityType, ids []int64) (map[int64]grouping.Entity, error) {
	wrapMsg := fmt.Sprintf("unable to fetch entities of type `%s`", entityType)

	table, known := config.Tables[entityType]
	if !known {
		return nil, fmt.Errorf("%s: no table registered for the type", wrapMsg)
	}

	// Build the query.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("id", "created_at").
		From(table).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Query the database and scan the rows.
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	entities := make(map[int64]grouping.Entity)
	for rows.Next() {
		var (
			id        int64
			createdAt sql.NullTime
		)
		if err = rows.Scan(&id, &createdAt); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		entity := grouping.Entity{Ref: model.EntityRef{Type: entityType, ID: id}}
		if createdAt.Valid {
			entity.CreatedAt = createdAt.Time
		}
		entities[id] = entity
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return entities, nil
}

// FetchEntityRows loads the identified entities of one type together with the
// given prefetch columns, returning one column-name-to-value map per entity.
// This is the batched fetch behind the eager-load plans.
func FetchEntityRows(ctx context.Context, db *sql.DB, config *EntityConfig, entityType model.EntityType, ids []int64, include []string) (map[int64]interface{}, error) {
	wrapMsg := fmt.Sprintf("unable to fetch rows of type `%s`", entityType)

	table, known := config.Tables[entityType]
	if !known {
		return nil, fmt.Errorf("%s: no table registered for the type", wrapMsg)
	}

	// Build the query. The ID column always comes first so that the rows can
	// be indexed.
	columns := append([]string{"id"}, include...)
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(columns...).
		From(table).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	// Scan each row into a generic column map.
	result := make(map[int64]interface{})
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err = rows.Scan(pointers...); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		id, ok := values[0].(int64)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected ID column type %T", wrapMsg, values[0])
		}
		entity := make(map[string]interface{}, len(include))
		for i, column := range include {
			entity[column] = values[i+1]
		}
		result[id] = entity
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return result, nil
}

// AssociatesOf enumerates the entities related to the given resource through
// the named association, per the association registry.
func AssociatesOf(ctx context.Context, db *sql.DB, config *EntityConfig, resource model.EntityRef, association string) ([]grouping.Entity, error) {
	wrapMsg := fmt.Sprintf("unable to enumerate %s of %s %d", association, resource.Type, resource.ID)

	spec, known := config.Associations[resource.Type][association]
	if !known {
		return nil, fmt.Errorf("%s: no association registered under that name", wrapMsg)
	}

	// Build the query.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("id", "created_at").
		From(spec.Table).
		Where(sq.Eq{spec.ForeignKey: resource.ID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Query the database and scan the rows.
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	var associates []grouping.Entity
	for rows.Next() {
		var (
			id        int64
			createdAt sql.NullTime
		)
		if err = rows.Scan(&id, &createdAt); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		associate := grouping.Entity{Ref: model.EntityRef{Type: spec.Type, ID: id}}
		if createdAt.Valid {
			associate.CreatedAt = createdAt.Time
		}
		associates = append(associates, associate)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return associates, nil
}

// Store adapts the package's query functions to the interfaces consumed by
// the grouping engine, the dispatcher, and the eager-load cache builder.
type Store struct {
	db     *sql.DB
	config *EntityConfig
}

// NewStore returns a store backed by the given database connection and entity
// registry.
func NewStore(db *sql.DB, config *EntityConfig) *Store {
	return &Store{db: db, config: config}
}

// UpdatesForSubscriber implements the dispatcher's update store interface.
func (s *Store) UpdatesForSubscriber(ctx context.Context, subscriberID int64, start, end time.Time) ([]*model.Update, error) {
	return UpdatesForSubscriber(ctx, s.db, subscriberID, start, end)
}

// DistinctSubscribers implements the dispatcher's update store interface.
func (s *Store) DistinctSubscribers(ctx context.Context, start, end time.Time) ([]int64, error) {
	return DistinctSubscribers(ctx, s.db, start, end)
}

// FindByID implements the dispatcher's subscriber directory interface.
func (s *Store) FindByID(ctx context.Context, id int64) (*model.Subscriber, bool, error) {
	return GetSubscriberByID(ctx, s.db, id)
}

// FindByLogin implements the dispatcher's subscriber directory interface.
func (s *Store) FindByLogin(ctx context.Context, login string) (*model.Subscriber, bool, error) {
	return GetSubscriberByLogin(ctx, s.db, login)
}

// Resolve implements the grouping engine's resolver interface. An entity
// whose type isn't registered resolves to not-found rather than an error,
// since such references can legitimately linger in old updates.
func (s *Store) Resolve(ctx context.Context, ref model.EntityRef) (*grouping.Entity, bool, error) {
	if _, known := s.config.Tables[ref.Type]; !known {
		return nil, false, nil
	}
	entities, err := FetchEntities(ctx, s.db, s.config, ref.Type, []int64{ref.ID})
	if err != nil {
		return nil, false, err
	}
	entity, found := entities[ref.ID]
	if !found {
		return nil, false, nil
	}
	return &entity, true, nil
}

// AssociatesOf implements the grouping engine's resolver interface.
func (s *Store) AssociatesOf(ctx context.Context, resource model.EntityRef, association string) ([]grouping.Entity, error) {
	return AssociatesOf(ctx, s.db, s.config, resource, association)
}

// FetchPlan builds an eager-load fetch function for the given entity type.
func (s *Store) FetchPlan(entityType model.EntityType) func(ctx context.Context, ids []int64, include []string) (map[int64]interface{}, error) {
	return func(ctx context.Context, ids []int64, include []string) (map[int64]interface{}, error) {
		return FetchEntityRows(ctx, s.db, s.config, entityType, ids, include)
	}
}
