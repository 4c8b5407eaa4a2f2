package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/schoolsignal-dev/schoolsignal/internal/gateway"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

const baseBackoff = 500 * time.Millisecond

// Start launches the dispatch workers and the lease janitor. They run
// until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.policy.DispatchWorkers; i++ {
		go q.worker(ctx, i)
	}
	go q.leaseJanitor(ctx)
}

func (q *Queue) worker(ctx context.Context, idx int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}

		for {
			e := q.lease(time.Now())
			if e == nil {
				break
			}
			q.dispatch(ctx, e)
		}
	}
}

func (q *Queue) leaseJanitor(ctx context.Context) {
	interval := q.policy.LeaseTimeout.Std() / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reclaimExpiredLeases(time.Now())
			q.poke()
		}
	}
}

// dispatch runs one leased item through the gateway and settles the
// outcome. The lease covers the whole call so no second worker can
// double-send it.
func (q *Queue) dispatch(ctx context.Context, e *entry) {
	n := e.n

	// A cancelled or fully acknowledged case drops its remaining items
	// before any provider call.
	if n.CaseID != nil && q.guard != nil && !q.guard.ShouldDeliver(*n.CaseID, n.RecipientID) {
		q.settleCancelled(e, "case no longer requires delivery")
		return
	}

	channel, ok := q.currentChannel(n)
	if !ok {
		q.settleNoChannel(e, "channel sequence exhausted")
		return
	}

	recipient, err := q.store.Guardian(n.RecipientID)
	if err != nil {
		// A store error is transient. The attempt budget and channel
		// sequence stay untouched; the item goes back on the heap.
		q.log.Error().Str("notification_id", n.PublicID).Err(err).Msg("failed to load recipient, requeueing")
		n.ScheduledFor = time.Now().Add(baseBackoff)
		q.release(e, true)
		return
	}

	n.Attempts++
	q.setStatusLeased(e, types.StatusSent, "dispatching on "+channel)
	// Retries on fallback channels are the same logical send; case
	// counters only see the first attempt.
	if q.observer != nil && n.Attempts == 1 {
		q.observer.NotificationSent(n)
	}

	result := q.gw.Send(ctx, gateway.Message{
		NotificationID: n.PublicID,
		Recipient:      recipient,
		Channel:        channel,
		Subject:        n.Subject,
		Body:           n.Body,
	})

	outcome := "success"
	detail := ""
	if result.Err != nil {
		detail = result.Err.Error()
		if errors.Is(result.Err, types.ErrChannelUnavailable) {
			outcome = "no_channel"
		} else {
			outcome = "failure"
		}
	}

	if err := q.store.AppendAttempt(&models.DeliveryAttempt{
		NotificationID: n.ID,
		Channel:        channel,
		AttemptNumber:  n.Attempts,
		Outcome:        outcome,
		ErrorDetail:    detail,
		AttemptedAt:    time.Now(),
	}); err != nil {
		q.log.Error().Str("notification_id", n.PublicID).Err(err).Msg("failed to record delivery attempt")
	}

	if result.Success {
		q.settleDelivered(e)
		q.scheduleForcedResend(n)
		return
	}

	n.LastError = detail
	n.ChannelIndex++

	// Retryable failure: next channel with backoff while budget and
	// sequence remain. A dead channel costs its slot but no backoff.
	if n.Attempts < n.MaxAttempts && q.hasChannel(n) && !e.noRetry {
		if outcome == "failure" {
			n.ScheduledFor = time.Now().Add(backoffFor(n.Attempts))
		} else {
			n.ScheduledFor = time.Now()
		}
		q.setStatusLeased(e, types.StatusFailed, "attempt failed, retrying")
		if err := q.store.SaveNotification(n); err != nil {
			q.log.Error().Str("notification_id", n.PublicID).Err(err).Msg("failed to persist retry state")
		}
		q.release(e, true)
		q.poke()
		return
	}

	q.settleNoChannel(e, "attempts exhausted")
}

// currentChannel returns the channel the next attempt should use,
// skipping voice for anything below critical severity.
func (q *Queue) currentChannel(n *models.QueuedNotification) (string, bool) {
	channels := n.ChannelSequence()
	for n.ChannelIndex < len(channels) {
		channel := channels[n.ChannelIndex]
		if channel == types.ChannelVoice && n.Severity != types.SeverityCritical {
			n.ChannelIndex++
			continue
		}
		return channel, true
	}
	return "", false
}

func (q *Queue) hasChannel(n *models.QueuedNotification) bool {
	saved := n.ChannelIndex
	_, ok := q.currentChannel(n)
	n.ChannelIndex = saved
	return ok
}

func (q *Queue) settleDelivered(e *entry) {
	q.setStatusLeased(e, types.StatusDelivered, "gateway confirmed delivery")
	e.n.LastError = ""
	if err := q.store.SaveNotification(e.n); err != nil {
		q.log.Error().Str("notification_id", e.n.PublicID).Err(err).Msg("failed to persist delivery")
	}
	q.release(e, false)
	if q.observer != nil {
		q.observer.NotificationDelivered(e.n)
	}
}

// settleNoChannel is the terminal failure path. Admin-visible only; the
// internal error detail never reaches guardian-facing surfaces.
func (q *Queue) settleNoChannel(e *entry, reason string) {
	q.setStatusLeased(e, types.StatusNoChannel, reason)
	if err := q.store.SaveNotification(e.n); err != nil {
		q.log.Error().Str("notification_id", e.n.PublicID).Err(err).Msg("failed to persist terminal state")
	}
	q.release(e, false)
	if q.observer != nil {
		q.observer.NotificationExhausted(e.n)
	}
}

// settleCancelled drops an item the case guard vetoed. The observer
// still hears about it so a case waiting on its fan-out wave is not
// stalled by an early acknowledgment.
func (q *Queue) settleCancelled(e *entry, reason string) {
	q.setStatusLeased(e, types.StatusCancelled, reason)
	if err := q.store.SaveNotification(e.n); err != nil {
		q.log.Error().Str("notification_id", e.n.PublicID).Err(err).Msg("failed to persist cancellation")
	}
	q.release(e, false)
	if q.observer != nil {
		q.observer.NotificationDropped(e.n)
	}
}

// setStatusLeased appends history for an item the worker holds a lease on.
func (q *Queue) setStatusLeased(e *entry, to, reason string) {
	q.mu.Lock()
	q.setStatus(e.n, to, reason)
	q.mu.Unlock()
}

// scheduleForcedResend applies the severity's Forced Resend Rule after a
// successful emergency delivery: if the recipient has still not
// acknowledged when the follow-up comes due, it is dispatched again
// (optionally on the next channel). The guard drops it if the ack arrives
// first. This guarantee runs independently of the escalation ladder.
func (q *Queue) scheduleForcedResend(n *models.QueuedNotification) {
	if n.CaseID == nil {
		return
	}

	rule, ok := q.policy.ResendRuleFor(n.Severity)
	if !ok || n.Resends >= rule.MaxResends {
		return
	}

	follow := &models.QueuedNotification{
		PublicID:     uuid.NewString(),
		SchoolID:     n.SchoolID,
		CaseID:       n.CaseID,
		RecipientID:  n.RecipientID,
		Category:     n.Category,
		Severity:     n.Severity,
		Priority:     n.Priority,
		Channels:     n.Channels,
		Subject:      n.Subject,
		Body:         n.Body,
		ScheduledFor: time.Now().Add(rule.After.Std()),
		MaxAttempts:  n.MaxAttempts,
		Resends:      n.Resends + 1,
		Status:       types.StatusPending,
	}

	if rule.UseAlternativeChannel {
		follow.ChannelIndex = n.ChannelIndex + 1
		if follow.ChannelIndex >= len(n.ChannelSequence()) {
			follow.ChannelIndex = n.ChannelIndex
		}
	}

	if err := q.Enqueue(follow); err != nil {
		q.log.Error().Str("notification_id", follow.PublicID).Err(err).Msg("failed to schedule forced resend")
	}
}

func backoffFor(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d > time.Minute {
			return time.Minute
		}
	}
	return d
}
