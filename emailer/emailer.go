// Package emailer delivers digests by publishing templated email requests
// over AMQP. Grouping and eager-loading happen here, on the send path, so
// that the dispatcher stays a thin orchestration layer.
package emailer

import (
	"context"
	"fmt"
	"time"

	"github.com/cyverse-de/messaging/v9"
	"github.com/cyverse-de/update-digest/common"
	"github.com/cyverse-de/update-digest/eagerload"
	"github.com/cyverse-de/update-digest/grouping"
	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"
)

// EmailClient describes the interface used to publish email requests.
type EmailClient interface {
	PublishEmailRequest(request *messaging.EmailRequest) error
}

// Emailer builds and publishes one digest email per subscriber.
type Emailer struct {
	client   EmailClient
	engine   *grouping.Engine
	plans    []eagerload.Plan
	template string
}

// New returns an emailer that groups updates with the given engine, eager-
// loads referenced entities per the given plans, and publishes email requests
// rendered with the named template.
func New(client EmailClient, engine *grouping.Engine, plans []eagerload.Plan, template string) *Emailer {
	return &Emailer{
		client:   client,
		engine:   engine,
		plans:    plans,
		template: template,
	}
}

// Send groups the subscriber's updates and publishes the digest email
// request. Send is safe for concurrent invocation.
func (e *Emailer) Send(ctx context.Context, subscriber *model.Subscriber, updates []*model.Update) error {
	wrapMsg := fmt.Sprintf("unable to send the digest to `%s`", subscriber.Login)

	// Group the updates into presentable batches.
	groups, err := e.engine.GroupAndSort(ctx, updates)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Eager-load every entity the batches reference, including the entries
	// synthesized during grouping.
	grouped := flatten(groups)
	cache, err := eagerload.Build(ctx, grouped, e.plans)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Build and publish the email request.
	request := &messaging.EmailRequest{
		ToAddress:      subscriber.EmailAddress,
		Subject:        fmt.Sprintf("%d new updates", len(grouped)),
		TemplateName:   e.template,
		TemplateValues: templateValues(subscriber, groups, cache),
	}
	err = e.client.PublishEmailRequest(request)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// flatten collects the updates of every group, synthesized entries included.
func flatten(groups []grouping.Group) []*model.Update {
	var updates []*model.Update
	for _, group := range groups {
		updates = append(updates, group.Updates...)
	}
	return updates
}

// templateValues builds the value map handed to the mail service's template
// renderer.
func templateValues(subscriber *model.Subscriber, groups []grouping.Group, cache eagerload.Cache) map[string]interface{} {
	groupValues := make([]map[string]interface{}, len(groups))
	for i, group := range groups {
		entries := make([]map[string]interface{}, len(group.Updates))
		for j, update := range group.Updates {
			entry := map[string]interface{}{
				"notifier_type": string(update.Notifier.Type),
				"notifier_id":   update.Notifier.ID,
			}
			if loaded, found := cache.Lookup(update.Notifier); found {
				entry["notifier"] = loaded
			}
			entries[j] = entry
		}
		values := map[string]interface{}{
			"resource_type": string(group.Key.ResourceType),
			"resource_id":   group.Key.ResourceID,
			"notification":  string(group.Key.Notification),
			"entries":       entries,
		}
		if loaded, found := cache.Lookup(group.Key.ResourceRef()); found {
			values["resource"] = loaded
		}
		groupValues[i] = values
	}
	return map[string]interface{}{
		"login":        subscriber.Login,
		"groups":       groupValues,
		"generated_at": common.FormatTimestamp(time.Now()),
	}
}
