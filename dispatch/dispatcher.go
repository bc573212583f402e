// Package dispatch orchestrates the periodic digest job: it pulls updates for
// a time window, resolves each subscriber, applies notification preferences,
// and hands the surviving updates to the notification sender.
package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cyverse-de/update-digest/common"
	"github.com/cyverse-de/update-digest/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("package", "dispatch")

// UpdateStore provides access to the durable update records.
type UpdateStore interface {

	// UpdatesForSubscriber returns the subscriber's updates created within
	// [start, end).
	UpdatesForSubscriber(ctx context.Context, subscriberID int64, start, end time.Time) ([]*model.Update, error)

	// DistinctSubscribers returns the IDs of every subscriber with at least
	// one update created within [start, end).
	DistinctSubscribers(ctx context.Context, start, end time.Time) ([]int64, error)
}

// SubscriberDirectory resolves subscriber identities.
type SubscriberDirectory interface {
	FindByID(ctx context.Context, id int64) (*model.Subscriber, bool, error)
	FindByLogin(ctx context.Context, login string) (*model.Subscriber, bool, error)
}

// Sender delivers one subscriber's digest. Implementations must be safe for
// concurrent invocation.
type Sender interface {
	Send(ctx context.Context, subscriber *model.Subscriber, updates []*model.Update) error
}

// EligibilityPolicy decides whether a subscriber may receive digests at all.
// The policy is injected rather than hardcoded because the current deployment
// restricts dispatch to admin accounts, a temporary rollout limitation.
type EligibilityPolicy func(*model.Subscriber) bool

// AllSubscribers is the eligibility policy that lets every subscriber
// through.
func AllSubscribers(*model.Subscriber) bool {
	return true
}

// AdminsOnly is the eligibility policy that restricts dispatch to admin
// accounts.
func AdminsOnly(subscriber *model.Subscriber) bool {
	return subscriber.Admin
}

// Summary reports the outcome of one digest run.
type Summary struct {
	Notified int
	Failed   int
	Elapsed  time.Duration
}

// Dispatcher runs the periodic digest job.
type Dispatcher struct {
	store     UpdateStore
	directory SubscriberDirectory
	sender    Sender
	eligible  EligibilityPolicy
	workers   int
}

// New returns a dispatcher that reads from the given store and directory and
// delivers through the given sender, fanning out across at most workers
// concurrent subscriber dispatches.
func New(
	store UpdateStore,
	directory SubscriberDirectory,
	sender Sender,
	eligible EligibilityPolicy,
	workers int,
) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		store:     store,
		directory: directory,
		sender:    sender,
		eligible:  eligible,
		workers:   workers,
	}
}

// RunDailyDigest dispatches a digest to every subscriber with updates in the
// 24 hours preceding now. Per-subscriber failures are logged and tallied but
// never abort the run.
func (d *Dispatcher) RunDailyDigest(ctx context.Context, now time.Time) (*Summary, error) {
	start := now.Add(-24 * time.Hour)
	log.Infof("start daily updates digest for [%s, %s)", start, now)

	subscriberIDs, err := d.store.DistinctSubscribers(ctx, start, now)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list subscribers with updates in the window")
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary Summary
	)
	jobs := make(chan int64)
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for subscriberID := range jobs {
				sent, err := d.DispatchToSubscriber(ctx, strconv.FormatInt(subscriberID, 10), start, now)
				mu.Lock()
				switch {
				case err != nil:
					summary.Failed++
					log.WithField("subscriber", subscriberID).Error(err)
				case sent:
					summary.Notified++
				}
				mu.Unlock()
			}
		}()
	}
	for _, subscriberID := range subscriberIDs {
		jobs <- subscriberID
	}
	close(jobs)
	wg.Wait()

	summary.Elapsed = time.Since(now)
	log.Infof("end daily updates digest, sent %d in %s", summary.Notified, summary.Elapsed)
	return &summary, nil
}

// DispatchToSubscriber sends one subscriber's digest for the given window.
// The subscriber may be identified by numeric ID or by login name. The
// boolean return reports whether a digest was actually sent; an unknown,
// unreachable, inactive, or ineligible subscriber is a no-op, not an error.
func (d *Dispatcher) DispatchToSubscriber(ctx context.Context, key string, start, end time.Time) (bool, error) {
	subscriber, found, err := d.resolveSubscriber(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "unable to resolve subscriber `%s`", key)
	}
	if !found {
		log.WithField("subscriber", key).Debug("subscriber not found, skipping")
		return false, nil
	}
	if common.ValidateEmailAddress(subscriber.EmailAddress) != nil {
		log.WithField("subscriber", subscriber.Login).Debug("no usable email address, skipping")
		return false, nil
	}
	if !subscriber.Active {
		log.WithField("subscriber", subscriber.Login).Debug("account not active, skipping")
		return false, nil
	}
	if !d.eligible(subscriber) {
		log.WithField("subscriber", subscriber.Login).Debug("not eligible for digests, skipping")
		return false, nil
	}

	updates, err := d.store.UpdatesForSubscriber(ctx, subscriber.ID, start, end)
	if err != nil {
		return false, errors.Wrapf(err, "unable to fetch updates for subscriber `%s`", subscriber.Login)
	}

	updates = FilterByPreferences(updates, subscriber.Preferences)
	if len(updates) == 0 {
		return false, nil
	}

	err = d.sender.Send(ctx, subscriber, updates)
	if err != nil {
		return false, errors.Wrapf(err, "unable to send the digest to subscriber `%s`", subscriber.Login)
	}
	return true, nil
}

// resolveSubscriber looks the subscriber up by ID when the key is numeric,
// falling back to a login lookup either way.
func (d *Dispatcher) resolveSubscriber(ctx context.Context, key string) (*model.Subscriber, bool, error) {
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		subscriber, found, err := d.directory.FindByID(ctx, id)
		if err != nil || found {
			return subscriber, found, err
		}
	}
	return d.directory.FindByLogin(ctx, key)
}
