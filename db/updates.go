package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// SaveUpdate stores a single update, returning true if a row was inserted.
// An update that duplicates an existing (notifier, subscriber, notification)
// triple is silently dropped, enforcing the uniqueness invariant on write.
func SaveUpdate(ctx context.Context, tx *sql.Tx, update *model.Update) (bool, error) {
	wrapMsg := "unable to save the update"

	// Build the insert statement.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert("updates").
		Columns(
			"subscriber_id",
			"resource_type",
			"resource_id",
			"notifier_type",
			"notifier_id",
			"notification",
			"created_at").
		Values(
			update.SubscriberID,
			update.Resource.Type,
			update.Resource.ID,
			update.Notifier.Type,
			update.Notifier.ID,
			update.Notification,
			update.CreatedAt).
		Suffix("ON CONFLICT (notifier_type, notifier_id, subscriber_id, notification) DO NOTHING").
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement and determine whether a row was inserted.
	result, err := tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}
	return rowsAffected == 1, nil
}

// UpdatesForSubscriber returns the subscriber's updates created within
// [start, end), in creation order.
func UpdatesForSubscriber(ctx context.Context, db *sql.DB, subscriberID int64, start, end time.Time) ([]*model.Update, error) {
	wrapMsg := "unable to list the subscriber's updates"

	// Build the query.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(
			"id",
			"subscriber_id",
			"resource_type",
			"resource_id",
			"notifier_type",
			"notifier_id",
			"notification",
			"created_at").
		From("updates").
		Where(sq.Eq{"subscriber_id": subscriberID}).
		Where(sq.GtOrEq{"created_at": start}).
		Where(sq.Lt{"created_at": end}).
		OrderBy("created_at").
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

	var updates []*model.Update
	for rows.Next() {
		var (
			update    model.Update
			createdAt sql.NullTime
		)
		err = rows.Scan(
			&update.ID,
			&update.SubscriberID,
			&update.Resource.Type,
			&update.Resource.ID,
			&update.Notifier.Type,
			&update.Notifier.ID,
			&update.Notification,
			&createdAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		if createdAt.Valid {
			at := createdAt.Time
			update.CreatedAt = &at
		}
		updates = append(updates, &update)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return updates, nil
}

// DistinctSubscribers returns the IDs of every subscriber with at least one
// update created within [start, end).
func DistinctSubscribers(ctx context.Context, db *sql.DB, start, end time.Time) ([]int64, error) {
	wrapMsg := "unable to list subscribers with updates in the window"

	// Build the query.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("DISTINCT subscriber_id").
		From("updates").
		Where(sq.GtOrEq{"created_at": start}).
		Where(sq.Lt{"created_at": end}).
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

	var subscriberIDs []int64
	for rows.Next() {
		var subscriberID int64
		if err = rows.Scan(&subscriberID); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		subscriberIDs = append(subscriberIDs, subscriberID)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return subscriberIDs, nil
}
