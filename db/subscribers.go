package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// subscriberColumns are the columns scanned into a model.Subscriber.
var subscriberColumns = []string{
	"id",
	"login",
	"email_address",
	"active",
	"admin",
	"comment_email_notification",
	"identification_email_notification",
}

// GetSubscriberByID looks a subscriber up by ID.
func GetSubscriberByID(ctx context.Context, db *sql.DB, id int64) (*model.Subscriber, bool, error) {
	wrapMsg := fmt.Sprintf("unable to look up subscriber %d", id)
	return getSubscriber(ctx, db, sq.Eq{"id": id}, wrapMsg)
}

// GetSubscriberByLogin looks a subscriber up by login name.
func GetSubscriberByLogin(ctx context.Context, db *sql.DB, login string) (*model.Subscriber, bool, error) {
	wrapMsg := fmt.Sprintf("unable to look up subscriber `%s`", login)
	return getSubscriber(ctx, db, sq.Eq{"login": login}, wrapMsg)
}

func getSubscriber(ctx context.Context, db *sql.DB, condition sq.Eq, wrapMsg string) (*model.Subscriber, bool, error) {

	// Build the query.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(subscriberColumns...).
		From("subscribers").
		Where(condition).
		ToSql()
	if err != nil {
		return nil, false, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	var subscriber model.Subscriber
	row := db.QueryRowContext(ctx, statement, args...)
	err = row.Scan(
		&subscriber.ID,
		&subscriber.Login,
		&subscriber.EmailAddress,
		&subscriber.Active,
		&subscriber.Admin,
		&subscriber.Preferences.CommentEmail,
		&subscriber.Preferences.IdentificationEmail,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, wrapMsg)
	}

	return &subscriber, true, nil
}
