// Package handlerset ties the AMQP client to the update event handlers and
// routes each delivery to the handler for its category.
package handlerset

import (
	"context"
	"strings"

	"github.com/cyverse-de/messaging/v9"
	"github.com/cyverse-de/update-digest/common"
	"github.com/cyverse-de/update-digest/handlers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var log = logrus.WithField("package", "handlerset")

// HandlerSet represents a set of AMQP message handlers.
type HandlerSet struct {
	amqpSettings *common.AMQPSettings
	amqpClient   *messaging.Client
	handlerFor   map[string]handlers.MessageHandler
}

// New creates a new handler set.
func New(amqpSettings *common.AMQPSettings, handlerFor map[string]handlers.MessageHandler) (*HandlerSet, error) {
	wrapMsg := "unable to create the message handler set"

	// Create the AMQP client.
	amqpClient, err := messaging.NewClient(amqpSettings.URI, true)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Build and return the handler set.
	handlerSet := HandlerSet{
		amqpSettings: amqpSettings,
		amqpClient:   amqpClient,
		handlerFor:   handlerFor,
	}
	return &handlerSet, nil
}

// Listen consumes deliveries matching the given routing keys from the given
// queue until the client is closed. The last element of each delivery's
// routing key selects the handler.
func (hs *HandlerSet) Listen(queueName string, routingKeys []string) {
	hs.amqpClient.AddConsumerMulti(
		hs.amqpSettings.ExchangeName,
		hs.amqpSettings.ExchangeType,
		queueName,
		routingKeys,
		hs.handleDelivery,
		100,
	)
	hs.amqpClient.Listen()
}

// Close closes a message handler set.
func (hs *HandlerSet) Close() {
	hs.amqpClient.Close()
}

// handleDelivery routes one delivery and acknowledges it according to the
// handler's error classification.
func (hs *HandlerSet) handleDelivery(_ context.Context, delivery amqp.Delivery) {
	keyElements := strings.Split(delivery.RoutingKey, ".")
	category := keyElements[len(keyElements)-1]

	handler, known := hs.handlerFor[category]
	if !known {
		log.Errorf("no handler registered for category `%s`", category)
		_ = delivery.Reject(false)
		return
	}

	err := handler.HandleMessage(category, delivery)
	if err != nil {
		log.WithField("category", category).Error(err)
		_ = delivery.Reject(handlers.IsRecoverable(err))
		return
	}
	_ = delivery.Ack(false)
}
