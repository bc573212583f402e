package emailer

import (
	"context"
	"testing"
	"time"

	"github.com/cyverse-de/messaging/v9"
	"github.com/cyverse-de/update-digest/eagerload"
	"github.com/cyverse-de/update-digest/grouping"
	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// MockEmailClient simply stores a copy of the email request for later inspection.
type MockEmailClient struct {
	PublishedEmailRequest *messaging.EmailRequest
	PublishErr            error
}

// PublishEmailRequest records the request, failing if configured to.
func (c *MockEmailClient) PublishEmailRequest(request *messaging.EmailRequest) error {
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.PublishedEmailRequest = request
	return nil
}

// emptyResolver resolves nothing; every fallback lands on the clock.
type emptyResolver struct{}

func (emptyResolver) Resolve(context.Context, model.EntityRef) (*grouping.Entity, bool, error) {
	return nil, false, nil
}

func (emptyResolver) AssociatesOf(context.Context, model.EntityRef, string) ([]grouping.Entity, error) {
	return nil, nil
}

func testEmailer(client EmailClient, plans []eagerload.Plan) *Emailer {
	engine := grouping.New(emptyResolver{}, grouping.AssociationConfig{})
	return New(client, engine, plans, "update_digest")
}

func testSubscriber() *model.Subscriber {
	return &model.Subscriber{
		ID:           42,
		Login:        "sarahr",
		EmailAddress: "sarahr@cyverse.org",
		Active:       true,
	}
}

func TestSend(t *testing.T) {
	assert := assert.New(t)

	at := time.Date(2020, 7, 9, 12, 0, 0, 0, time.UTC)
	updates := []*model.Update{
		{
			ID:           1,
			SubscriberID: 42,
			Resource:     model.EntityRef{Type: model.TypeObservation, ID: 7},
			Notifier:     model.EntityRef{Type: model.TypeComment, ID: 13},
			Notification: model.KindChange,
			CreatedAt:    &at,
		},
	}
	fetched := false
	plans := []eagerload.Plan{
		{
			Type:    model.TypeComment,
			Include: []string{"user_id", "body"},
			Fetch: func(_ context.Context, ids []int64, _ []string) (map[int64]interface{}, error) {
				fetched = true
				entities := make(map[int64]interface{})
				for _, id := range ids {
					entities[id] = map[string]interface{}{"body": "nice find!"}
				}
				return entities, nil
			},
		},
	}

	client := &MockEmailClient{}
	emailer := testEmailer(client, plans)
	err := emailer.Send(context.Background(), testSubscriber(), updates)
	assert.NoError(err, "unexpected error returned by the emailer")

	// Verify that an email request was published and spot-check a couple of fields.
	request := client.PublishedEmailRequest
	if request == nil {
		t.Fatalf("no email request was published")
	}
	assert.Equal("sarahr@cyverse.org", request.ToAddress, "incorrect address in email request")
	assert.Equal("update_digest", request.TemplateName, "incorrect template in email request")
	assert.True(fetched, "the eager-load plan was never exercised")

	// The template values carry the grouped updates with the loaded notifier.
	groups, ok := request.TemplateValues["groups"].([]map[string]interface{})
	if !ok || len(groups) != 1 {
		t.Fatalf("expected 1 group in the template values")
	}
	entries := groups[0]["entries"].([]map[string]interface{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry in the group")
	}
	assert.Equal("comment", entries[0]["notifier_type"])
	notifier := entries[0]["notifier"].(map[string]interface{})
	assert.Equal("nice find!", notifier["body"])
}

func TestSendPublishFailure(t *testing.T) {
	assert := assert.New(t)

	at := time.Date(2020, 7, 9, 12, 0, 0, 0, time.UTC)
	updates := []*model.Update{
		{
			ID:           1,
			SubscriberID: 42,
			Resource:     model.EntityRef{Type: model.TypeObservation, ID: 7},
			Notifier:     model.EntityRef{Type: model.TypeComment, ID: 13},
			Notification: model.KindChange,
			CreatedAt:    &at,
		},
	}

	client := &MockEmailClient{PublishErr: errors.New("channel closed")}
	emailer := testEmailer(client, nil)
	err := emailer.Send(context.Background(), testSubscriber(), updates)
	assert.Error(err, "a publish failure should be reported to the caller")
}
