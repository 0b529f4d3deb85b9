package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
)

// ErrNotificationTimeout is reported when a subscriber does not return
// within NotificationTimeout.
var ErrNotificationTimeout = errors.New("tracker: notification timed out")

// Notification is what a subscriber callback receives.
type Notification struct {
	SubscriptionID string                     `json:"subscriptionId"`
	Event          domain.EventType           `json:"event"`
	JobID          string                     `json:"jobId"`
	UserID         string                     `json:"userId,omitempty"`
	Status         domain.JobStatus           `json:"status,omitempty"`
	PreviousStatus domain.JobStatus           `json:"previousStatus,omitempty"`
	Progress       *domain.GenerationProgress `json:"progress,omitempty"`
	Error          *domain.GenerationError    `json:"error,omitempty"`
	Results        []domain.GenerationResult  `json:"results,omitempty"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// Callback handles a notification. A returned error, a panic or a timeout
// counts as a notification failure.
type Callback func(ctx context.Context, n Notification) error

type subscription struct {
	id       string
	jobID    string
	userID   string
	events   map[domain.EventType]bool
	callback Callback
}

func (s *subscription) wants(t domain.EventType) bool {
	return len(s.events) == 0 || s.events[t]
}

// Subscribe registers cb for events on jobID. An empty eventTypes list means
// every event. It returns the subscription id.
func (t *Tracker) Subscribe(jobID string, cb Callback, eventTypes []domain.EventType, userID string) string {
	sub := &subscription{
		id:       uuid.NewString(),
		jobID:    jobID,
		userID:   userID,
		events:   make(map[domain.EventType]bool, len(eventTypes)),
		callback: cb,
	}
	for _, et := range eventTypes {
		sub.events[et] = true
	}
	t.mu.Lock()
	t.subs[jobID] = append(t.subs[jobID], sub)
	t.mu.Unlock()
	return sub.id
}

// Unsubscribe removes the subscriptions on jobID. A non-empty userID limits
// removal to that user's subscriptions.
func (t *Tracker) Unsubscribe(jobID, userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.subs[jobID][:0]
	removed := 0
	for _, s := range t.subs[jobID] {
		if userID == "" || s.userID == userID {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(t.subs, jobID)
	} else {
		t.subs[jobID] = kept
	}
	return removed
}

// UnsubscribeByID removes a single subscription.
func (t *Tracker) UnsubscribeByID(subscriptionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for jobID, list := range t.subs {
		for i, s := range list {
			if s.id != subscriptionID {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(t.subs, jobID)
			} else {
				t.subs[jobID] = list
			}
			return true
		}
	}
	return false
}

// SubscriptionCount reports how many subscriptions exist for jobID.
func (t *Tracker) SubscriptionCount(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[jobID])
}

// notify delivers ev to matching subscribers in registration order.
func (t *Tracker) notify(ctx context.Context, ev events.Event) {
	if ev.Type == domain.EventNotificationFailed {
		return
	}
	t.mu.Lock()
	var targets []*subscription
	for _, s := range t.subs[ev.JobID] {
		if s.wants(ev.Type) {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	for _, s := range targets {
		n := Notification{
			SubscriptionID: s.id,
			Event:          ev.Type,
			JobID:          ev.JobID,
			UserID:         ev.UserID,
			Status:         ev.Status,
			PreviousStatus: ev.PreviousStatus,
			Progress:       ev.Progress,
			Error:          ev.Error,
			Results:        ev.Results,
			Timestamp:      ev.Timestamp,
		}
		if err := t.deliver(ctx, s, n); err != nil {
			t.notificationFailed(ctx, s, n, err)
		}
	}
}

// deliver runs the callback and waits for it, a timeout, or ctx.
func (t *Tracker) deliver(ctx context.Context, s *subscription, n Notification) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("tracker: subscriber panicked: %v", r)
			}
		}()
		done <- s.callback(ctx, n)
	}()

	timer := t.clock.NewTimer(t.cfg.NotificationTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.Chan():
		return ErrNotificationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) notificationFailed(ctx context.Context, s *subscription, n Notification, err error) {
	t.mu.Lock()
	t.stats.NotificationFailures++
	t.mu.Unlock()
	t.metrics.NotificationFailed()
	t.logger.Warn().Err(err).
		Str("job_id", n.JobID).
		Str("subscription_id", s.id).
		Str("event", string(n.Event)).
		Msg("tracker: notification failed")

	t.publish(ctx, events.Event{
		Type:      domain.EventNotificationFailed,
		JobID:     n.JobID,
		UserID:    n.UserID,
		Status:    n.Status,
		Timestamp: t.clock.Now().UTC(),
		Metadata: map[string]any{
			"subscriptionId": s.id,
			"event":          string(n.Event),
			"error":          err.Error(),
		},
	})
}
