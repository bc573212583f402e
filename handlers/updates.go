// Package handlers records incoming update events published over AMQP by the
// web application's domain event producers.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cyverse-de/update-digest/db"
	"github.com/cyverse-de/update-digest/model"

	"github.com/streadway/amqp"
)

// MessageHandler describes the interface used to handle AMQP deliveries.
type MessageHandler interface {
	HandleMessage(updateType string, delivery amqp.Delivery) error
}

// UpdateEvent represents a deserialized update event.
type UpdateEvent struct {
	SubscriberID int64  `json:"subscriber_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   int64  `json:"resource_id"`
	NotifierType string `json:"notifier_type"`
	NotifierID   int64  `json:"notifier_id"`
	Notification string `json:"notification"`
	Timestamp    string `json:"timestamp"`
}

// Recorder is a message handler that stores update events in the database.
type Recorder struct {
	db *sql.DB
}

// NewRecorder returns a new update event recorder.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// HandleMessage handles a single AMQP delivery.
func (r *Recorder) HandleMessage(updateType string, delivery amqp.Delivery) error {
	ctx := context.Background()

	// Parse the message body.
	var event UpdateEvent
	err := json.Unmarshal(delivery.Body, &event)
	if err != nil {
		return NewUnrecoverableError("unable to parse message body: %s", err.Error())
	}
	if !model.KnownNotificationKind(event.Notification) {
		return NewUnrecoverableError("unknown notification kind: %s", event.Notification)
	}

	// Parse the timestamp. Producers may omit it, in which case the update's
	// ordering falls back to the notifier's own creation time at digest time.
	var createdAt *time.Time
	if event.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			return NewUnrecoverableError("unable to parse timestamp: %s", err.Error())
		}
		createdAt = &parsed
	}

	// Begin a database transaction.
	tx, err := r.db.Begin()
	if err != nil {
		return NewRecoverableError("unable to begin a database transaction: %s", err.Error())
	}
	defer tx.Rollback()

	// Store the update in the database. Duplicate (notifier, subscriber,
	// notification) triples are dropped by the store.
	update := &model.Update{
		SubscriberID: event.SubscriberID,
		Resource:     model.EntityRef{Type: model.EntityType(event.ResourceType), ID: event.ResourceID},
		Notifier:     model.EntityRef{Type: model.EntityType(event.NotifierType), ID: event.NotifierID},
		Notification: model.NotificationKind(event.Notification),
		CreatedAt:    createdAt,
	}
	_, err = db.SaveUpdate(ctx, tx, update)
	if err != nil {
		return NewUnrecoverableError(err.Error())
	}

	// Commit the transaction.
	err = tx.Commit()
	if err != nil {
		return NewRecoverableError("unable to commit the database transaction: %s", err.Error())
	}

	return nil
}
