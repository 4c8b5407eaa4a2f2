package acks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolsignal-dev/schoolsignal/internal/models"
)

// Store persists acknowledgments. Insert must be backed by the unique
// (case, recipient) index and report whether a row was actually created,
// so replays are detectable even across processes.
type Store interface {
	InsertAcknowledgment(a *models.Acknowledgment) (created bool, err error)
}

// Cache is the optional cross-instance fast path (Redis SETNX). Claim
// errors degrade to the store path; the cache is never authoritative.
type Cache interface {
	TryClaim(ctx context.Context, caseID, recipientID uint) (bool, error)
}

type ackKey struct {
	caseID      uint
	recipientID uint
}

// Tracker records guardian acknowledgments idempotently: first write wins
// per (recipient, case), duplicates are no-ops. Recording is linearizable
// per pair via the in-process set under one mutex plus the store's unique
// index.
type Tracker struct {
	mu     sync.Mutex
	seen   map[ackKey]struct{}
	counts map[uint]int

	store Store
	cache Cache
	log   zerolog.Logger

	onAck func(caseID, recipientID uint, ackCount int)
}

func NewTracker(log zerolog.Logger, store Store, cache Cache) *Tracker {
	return &Tracker{
		seen:   make(map[ackKey]struct{}),
		counts: make(map[uint]int),
		store:  store,
		cache:  cache,
		log:    log,
	}
}

// OnAck registers the single consumer of ack events (the escalation
// controller's early-resolution check). Must be set before Record is
// called concurrently.
func (t *Tracker) OnAck(fn func(caseID, recipientID uint, ackCount int)) {
	t.onAck = fn
}

// Register primes the tracker with a case's existing acknowledgments,
// e.g. after a restart.
func (t *Tracker) Register(caseID uint, existing []models.Acknowledgment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[caseID] = 0
	for _, a := range existing {
		key := ackKey{caseID: caseID, recipientID: a.RecipientID}
		if _, dup := t.seen[key]; dup {
			continue
		}
		t.seen[key] = struct{}{}
		t.counts[caseID]++
	}
}

// Record stores one acknowledgment. Returns true when this was the first
// acknowledgment for the (recipient, case) pair; duplicates return false
// with no state change and no event.
func (t *Tracker) Record(ctx context.Context, caseID, recipientID uint, channel string, at time.Time) (bool, error) {
	key := ackKey{caseID: caseID, recipientID: recipientID}

	t.mu.Lock()
	if _, dup := t.seen[key]; dup {
		t.mu.Unlock()
		return false, nil
	}
	t.seen[key] = struct{}{}
	t.mu.Unlock()

	if t.cache != nil {
		if claimed, err := t.cache.TryClaim(ctx, caseID, recipientID); err != nil {
			t.log.Warn().Err(err).Msg("ack cache unavailable, falling back to store")
		} else if !claimed {
			// Another instance got here first.
			return false, nil
		}
	}

	created, err := t.store.InsertAcknowledgment(&models.Acknowledgment{
		CaseID:      caseID,
		RecipientID: recipientID,
		Channel:     channel,
		AckedAt:     at,
	})
	if err != nil {
		t.mu.Lock()
		delete(t.seen, key)
		t.mu.Unlock()
		return false, err
	}
	if !created {
		return false, nil
	}

	t.mu.Lock()
	t.counts[caseID]++
	count := t.counts[caseID]
	t.mu.Unlock()

	if t.onAck != nil {
		t.onAck(caseID, recipientID, count)
	}

	return true, nil
}

// Acked reports whether a recipient already acknowledged a case.
func (t *Tracker) Acked(caseID, recipientID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[ackKey{caseID: caseID, recipientID: recipientID}]
	return ok
}

// Count returns the current ack count for a case.
func (t *Tracker) Count(caseID uint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[caseID]
}
