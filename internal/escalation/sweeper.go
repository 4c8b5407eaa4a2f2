package escalation

import (
	"context"
	"time"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// Run drives the awaiting_ack -> escalating check with one periodic sweep
// for all cases, instead of a timer per case. The interval must stay well
// below the smallest configured trigger delay.
func (ctl *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(ctl.policy.SweepInterval.Std())
	defer ticker.Stop()

	ctl.log.Info().
		Dur("interval", ctl.policy.SweepInterval.Std()).
		Msg("escalation sweeper started")

	for {
		select {
		case <-ctx.Done():
			ctl.log.Info().Msg("escalation sweeper stopped")
			return
		case now := <-ticker.C:
			ctl.Sweep(now)
		}
	}
}

// Sweep checks every registered case once. Cases are handled under their
// own mutex, so a slow case cannot stall its neighbors' transitions
// elsewhere; the sweep itself is sequential and cheap.
func (ctl *Controller) Sweep(now time.Time) {
	ctl.mu.Lock()
	ids := make([]uint, 0, len(ctl.cases))
	for id := range ctl.cases {
		ids = append(ids, id)
	}
	ctl.mu.Unlock()

	for _, id := range ids {
		cs, err := ctl.caseState(id)
		if err != nil {
			continue
		}
		ctl.sweepCase(cs, now)
	}
}

func (ctl *Controller) sweepCase(cs *caseState, now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.c.State != types.CaseAwaitingAck {
		return
	}
	if cs.c.AckCount >= cs.c.TotalRecipients {
		// Fully acknowledged without RequireAck auto-resolution; leave
		// the close to a human.
		return
	}

	// At the top of the ladder the case parks in awaiting_ack until a
	// human resolves or cancels. No silent drop.
	if cs.c.EscalationLevel >= cs.c.MaxLevel {
		return
	}

	nextLevel := cs.c.EscalationLevel + 1
	level, ok := ctl.policy.LevelFor(nextLevel)
	if !ok {
		// Missing rung config: fail toward requiring a human.
		return
	}

	since := cs.c.AwaitingSince
	if cs.c.LastEscalation != nil && cs.c.LastEscalation.After(deref(since)) {
		since = cs.c.LastEscalation
	}
	if since == nil || now.Sub(*since) < level.TriggerAfter.Std() {
		return
	}

	ctl.escalateLocked(cs, now, 0)
}

// ManualEscalate skips the timer and climbs one rung now. Admin surface.
func (ctl *Controller) ManualEscalate(caseID, actorID uint) error {
	cs, err := ctl.caseState(caseID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.c.State != types.CaseAwaitingAck {
		return types.ErrConflict
	}
	if cs.c.EscalationLevel >= cs.c.MaxLevel {
		return types.ErrConflict
	}
	if _, ok := ctl.policy.LevelFor(cs.c.EscalationLevel + 1); !ok {
		return types.ErrConflict
	}

	return ctl.escalateLocked(cs, time.Now(), actorID)
}

// escalateLocked executes one ladder rung: enter escalating, re-enqueue
// every unacknowledged recipient with boosted priority (and the next
// fallback channel where the rung says so), bump the level, and return to
// awaiting_ack. If full acknowledgment lands mid-action the case resolves
// instead. Caller holds cs.mu.
func (ctl *Controller) escalateLocked(cs *caseState, now time.Time, actorID uint) error {
	if err := ctl.transition(cs, types.CaseEscalating, "escalation triggered", actorID); err != nil {
		return err
	}

	nextLevel := cs.c.EscalationLevel + 1
	level, _ := ctl.policy.LevelFor(nextLevel)

	alternate := false
	nextContact := false
	for _, action := range level.Actions {
		switch action {
		case "alternate_channel":
			alternate = true
		case "notify_next_contact":
			nextContact = true
		}
	}

	for _, r := range cs.recipients {
		if ctl.tracker.Acked(cs.c.ID, r.GuardianID) {
			continue
		}
		if level.MaxAttemptsPerRecipient > 0 && cs.resendCounts[r.GuardianID] >= level.MaxAttemptsPerRecipient {
			continue
		}

		n := ctl.buildNotification(cs, r, nextLevel)
		if alternate && len(r.Channels) > 1 {
			offset := nextLevel
			if offset >= len(r.Channels) {
				offset = len(r.Channels) - 1
			}
			n.ChannelIndex = offset
		}

		if err := ctl.q.Enqueue(n); err != nil {
			ctl.log.Error().
				Str("case_id", cs.c.PublicID).
				Uint("recipient_id", r.GuardianID).
				Err(err).
				Msg("escalation re-enqueue failed")
			continue
		}
		cs.resendCounts[r.GuardianID]++

		if nextContact {
			ctl.notifyNextContact(cs, r, nextLevel)
		}
	}

	cs.c.EscalationLevel = nextLevel
	cs.c.LastEscalation = &now

	// Acks can land while actions execute; full coverage resolves the
	// case right here.
	if cs.c.RequireAck && cs.c.AckCount >= cs.c.TotalRecipients {
		return ctl.transition(cs, types.CaseResolved, "all recipients acknowledged", 0)
	}

	return ctl.transition(cs, types.CaseAwaitingAck, "escalation actions executed", actorID)
}

// notifyNextContact enqueues one delivery to a recipient's backup
// contact. At most once per case per primary recipient; silent if no
// backup is configured. Caller holds cs.mu.
func (ctl *Controller) notifyNextContact(cs *caseState, r Recipient, level int) {
	if r.NextContactID == 0 || len(r.NextContactChannels) == 0 || cs.nextContacted[r.GuardianID] {
		return
	}

	backup := Recipient{GuardianID: r.NextContactID, Channels: r.NextContactChannels}
	n := ctl.buildNotification(cs, backup, level)
	if err := ctl.q.Enqueue(n); err != nil {
		ctl.log.Error().
			Str("case_id", cs.c.PublicID).
			Uint("recipient_id", r.NextContactID).
			Err(err).
			Msg("next-contact enqueue failed")
		return
	}
	cs.nextContacted[r.GuardianID] = true
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
