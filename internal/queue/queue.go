package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolsignal-dev/schoolsignal/internal/config"
	"github.com/schoolsignal-dev/schoolsignal/internal/gateway"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// Store is the persistence surface the queue needs. The gorm-backed
// implementation lives in internal/storage; tests use an in-memory fake.
type Store interface {
	SaveNotification(n *models.QueuedNotification) error
	AppendAttempt(a *models.DeliveryAttempt) error
	AppendStatusChange(c *models.StatusChange) error
	Guardian(id uint) (models.Guardian, error)
}

// CaseGuard lets the queue coordinate with the escalation controller
// without owning case state. ShouldDeliver returns false once the
// recipient acknowledged or the case reached a terminal state; such items
// are dropped instead of dispatched or retried.
type CaseGuard interface {
	ShouldDeliver(caseID, recipientID uint) bool
}

// Observer receives dispatch outcomes. The escalation controller uses
// these to advance case counters and states.
type Observer interface {
	NotificationSent(n *models.QueuedNotification)
	NotificationDelivered(n *models.QueuedNotification)
	NotificationExhausted(n *models.QueuedNotification)
	NotificationDropped(n *models.QueuedNotification)
}

// Queue is the priority delivery queue. One shared heap, N dispatch
// workers, per-item leases for the duration of the gateway call.
type Queue struct {
	mu     sync.Mutex
	heap   priorityHeap
	byID   map[string]*entry // public id -> entry, queued or leased
	leased map[string]*entry
	seq    uint64

	store    Store
	gw       *gateway.Gateway
	guard    CaseGuard
	observer Observer
	policy   *config.Policy
	log      zerolog.Logger

	wake chan struct{}
}

func New(log zerolog.Logger, store Store, gw *gateway.Gateway, policy *config.Policy) *Queue {
	q := &Queue{
		byID:   make(map[string]*entry),
		leased: make(map[string]*entry),
		store:  store,
		gw:     gw,
		policy: policy,
		log:    log,
		wake:   make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// SetGuard and SetObserver wire the escalation controller in after
// construction; queue and controller reference each other.
func (q *Queue) SetGuard(g CaseGuard)   { q.guard = g }
func (q *Queue) SetObserver(o Observer) { q.observer = o }

// Enqueue admits a notification. Status moves to queued; priority is
// whatever the caller computed (base severity plus any escalation boost).
func (q *Queue) Enqueue(n *models.QueuedNotification) error {
	if n.PublicID == "" {
		return fmt.Errorf("%w: notification has no public id", types.ErrValidation)
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = q.policy.MaxAttempts
	}
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = time.Now()
	}

	q.mu.Lock()
	if _, exists := q.byID[n.PublicID]; exists {
		q.mu.Unlock()
		return fmt.Errorf("%w: notification %s already queued", types.ErrConflict, n.PublicID)
	}
	q.mu.Unlock()

	// Persist first so the status history rows reference a stored row.
	if n.Status == "" {
		n.Status = types.StatusPending
	}
	if err := q.store.SaveNotification(n); err != nil {
		return err
	}

	q.mu.Lock()
	q.setStatus(n, types.StatusQueued, "enqueued")
	q.seq++
	e := &entry{n: n, seq: q.seq}
	heap.Push(&q.heap, e)
	q.byID[n.PublicID] = e
	q.mu.Unlock()

	if err := q.store.SaveNotification(n); err != nil {
		return err
	}

	q.poke()
	return nil
}

// Cancel cancels a single notification. Allowed only while the status is
// still pre-dispatch; history is appended, never rewritten.
func (q *Queue) Cancel(publicID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[publicID]
	if !ok {
		return types.ErrNotFound
	}

	switch e.n.Status {
	case types.StatusDraft, types.StatusPending, types.StatusQueued:
	default:
		return fmt.Errorf("%w: cannot cancel notification in status %s", types.ErrConflict, e.n.Status)
	}

	removeEntry(&q.heap, e)
	delete(q.byID, publicID)

	q.setStatus(e.n, types.StatusCancelled, reason)
	return q.store.SaveNotification(e.n)
}

// CancelCase drops every pending item of a case and flags in-flight leases
// so a completed dispatch is not retried afterward. Called synchronously
// from resolve/cancel before any further scheduled dispatch.
func (q *Queue) CancelCase(caseID uint, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, e := range q.byID {
		if e.n.CaseID == nil || *e.n.CaseID != caseID {
			continue
		}

		if _, inFlight := q.leased[id]; inFlight {
			e.noRetry = true
			continue
		}

		removeEntry(&q.heap, e)
		delete(q.byID, id)
		q.setStatus(e.n, types.StatusCancelled, reason)
		if err := q.store.SaveNotification(e.n); err != nil {
			q.log.Error().Str("notification_id", id).Err(err).Msg("failed to persist case cancellation")
		}
	}
}

// Resend resets the attempt budget and channel cursor and re-admits the
// notification at its current priority. Terminal history stays; the resend
// is a new traversal, not a rewrite.
func (q *Queue) Resend(n *models.QueuedNotification, startChannel int) error {
	q.mu.Lock()
	if _, exists := q.byID[n.PublicID]; exists {
		q.mu.Unlock()
		return fmt.Errorf("%w: notification %s is still queued", types.ErrConflict, n.PublicID)
	}
	q.mu.Unlock()

	n.Attempts = 0
	n.Resends++
	if startChannel > 0 {
		n.ChannelIndex = startChannel
	} else {
		n.ChannelIndex = 0
	}
	n.ScheduledFor = time.Now()
	n.Status = types.StatusPending

	return q.Enqueue(n)
}

// ProcessNow wakes every dispatch worker immediately.
func (q *Queue) ProcessNow() { q.poke() }

// Pending reports how many items are queued (not leased), for dashboards.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// setStatus appends to the status history and mutates the live row.
// Callers hold q.mu or own the entry exclusively (leased).
func (q *Queue) setStatus(n *models.QueuedNotification, to, reason string) {
	from := n.Status
	n.Status = to
	if err := q.store.AppendStatusChange(&models.StatusChange{
		NotificationID: n.ID,
		FromStatus:     from,
		ToStatus:       to,
		Reason:         reason,
	}); err != nil {
		q.log.Error().Str("notification_id", n.PublicID).Err(err).Msg("failed to append status change")
	}
}

// lease pops the best ready item and marks it invisible until the lease
// expires. Returns nil when nothing is ready.
func (q *Queue) lease(now time.Time) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := peekReady(q.heap, now)
	if e == nil {
		return nil
	}

	removeEntry(&q.heap, e)
	e.leasedUntil = now.Add(q.policy.LeaseTimeout.Std())
	q.leased[e.n.PublicID] = e
	return e
}

// release finishes a lease. requeue puts the entry back into visibility
// (retry path); otherwise the item left the queue for good.
func (q *Queue) release(e *entry, requeue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.leased, e.n.PublicID)

	if requeue && !e.noRetry {
		q.seq++
		e.seq = q.seq
		e.leasedUntil = time.Time{}
		heap.Push(&q.heap, e)
		return
	}

	delete(q.byID, e.n.PublicID)
}

// reclaimExpiredLeases returns timed-out leases to visibility. The item
// comes back unchanged; the attempt that timed out is accounted by the
// worker when (if) it ever reports.
func (q *Queue) reclaimExpiredLeases(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, e := range q.leased {
		if now.Before(e.leasedUntil) {
			continue
		}

		delete(q.leased, id)
		if e.noRetry {
			delete(q.byID, id)
			continue
		}

		q.seq++
		e.seq = q.seq
		e.leasedUntil = time.Time{}
		heap.Push(&q.heap, e)
		q.log.Warn().Str("notification_id", id).Msg("lease expired, item returned to queue")
	}
}
