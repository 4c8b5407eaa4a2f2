package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolsignal-dev/schoolsignal/internal/config"
	"github.com/schoolsignal-dev/schoolsignal/internal/gateway"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

type memStore struct {
	mu          sync.Mutex
	nextID      uint
	saved       map[string]*models.QueuedNotification
	attempts    []models.DeliveryAttempt
	changes     []models.StatusChange
	guardianErr error
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]*models.QueuedNotification)}
}

func (s *memStore) SaveNotification(n *models.QueuedNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == 0 {
		s.nextID++
		n.ID = s.nextID
	}
	s.saved[n.PublicID] = n
	return nil
}

func (s *memStore) AppendAttempt(a *models.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *memStore) AppendStatusChange(c *models.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, *c)
	return nil
}

func (s *memStore) Guardian(id uint) (models.Guardian, error) {
	s.mu.Lock()
	err := s.guardianErr
	s.mu.Unlock()
	if err != nil {
		return models.Guardian{}, err
	}
	return models.Guardian{
		Name:   "Test Guardian",
		Phone:  "+15550100",
		Email:  "guardian@example.com",
		ChatID: "chat-1",
	}, nil
}

func (s *memStore) attemptChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]string, 0, len(s.attempts))
	for _, a := range s.attempts {
		channels = append(channels, a.Channel)
	}
	return channels
}

// scriptedSender supports every channel and answers each send from its
// script, in order. An exhausted script succeeds.
type scriptedSender struct {
	mu     sync.Mutex
	script []error
	sent   []string
}

func (s *scriptedSender) Supports(channel string) bool { return true }

func (s *scriptedSender) Send(ctx context.Context, msg gateway.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg.Channel)
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return err
}

// recordingObserver counts dispatch outcome callbacks per public id.
type recordingObserver struct {
	mu        sync.Mutex
	sent      []string
	delivered []string
	exhausted []string
	dropped   []string
}

func (o *recordingObserver) NotificationSent(n *models.QueuedNotification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, n.PublicID)
}

func (o *recordingObserver) NotificationDelivered(n *models.QueuedNotification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, n.PublicID)
}

func (o *recordingObserver) NotificationExhausted(n *models.QueuedNotification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted = append(o.exhausted, n.PublicID)
}

func (o *recordingObserver) NotificationDropped(n *models.QueuedNotification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, n.PublicID)
}

// staticGuard denies listed recipients and allows everyone else.
type staticGuard struct {
	denied map[uint]bool
}

func (g *staticGuard) ShouldDeliver(caseID, recipientID uint) bool {
	return !g.denied[recipientID]
}

func testPolicy() *config.Policy {
	p := config.Default()
	p.MaxAttempts = 3
	// No rate limiting in tests.
	p.ChannelRatesPerSec = nil
	return p
}

func newTestQueue(t *testing.T, sender gateway.Sender) (*Queue, *memStore) {
	t.Helper()
	store := newMemStore()
	policy := testPolicy()
	gw := gateway.New(zerolog.Nop(), policy.GatewayTimeout.Std(), nil, sender)
	return New(zerolog.Nop(), store, gw, policy), store
}

func notification(publicID string, priority int, channels ...string) *models.QueuedNotification {
	n := &models.QueuedNotification{
		PublicID:     publicID,
		SchoolID:     1,
		RecipientID:  1,
		Category:     types.CategoryAttendance,
		Severity:     types.SeverityElevated,
		Priority:     priority,
		ScheduledFor: time.Now().Add(-time.Second),
		MaxAttempts:  3,
		Status:       types.StatusPending,
	}
	if err := n.SetChannelSequence(channels); err != nil {
		panic(err)
	}
	return n
}

func TestEmergencyBandLeasedFirst(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, &scriptedSender{})

	// Routine work arrives first, an emergency after it, then more routine
	// work with a higher routine priority.
	for _, n := range []*models.QueuedNotification{
		notification("routine-1", types.PriorityElevated, "sms"),
		notification("emergency-1", types.PriorityEmergencyBand, "sms"),
		notification("routine-2", types.PriorityHigh, "sms"),
		notification("emergency-2", types.PriorityMax, "sms"),
	} {
		if err := q.Enqueue(n); err != nil {
			t.Fatalf("enqueue %s: %v", n.PublicID, err)
		}
	}

	want := []string{"emergency-2", "emergency-1", "routine-2", "routine-1"}
	for _, expected := range want {
		e := q.lease(time.Now())
		if e == nil {
			t.Fatalf("expected %s, queue returned nothing", expected)
		}
		if e.n.PublicID != expected {
			t.Fatalf("lease order: got %s, want %s", e.n.PublicID, expected)
		}
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, &scriptedSender{})

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		n := notification(fmt.Sprintf("n-%d", i), types.PriorityElevated, "sms")
		n.ScheduledFor = base
		if err := q.Enqueue(n); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		e := q.lease(time.Now())
		if e == nil {
			t.Fatalf("lease %d returned nothing", i)
		}
		if want := fmt.Sprintf("n-%d", i); e.n.PublicID != want {
			t.Fatalf("lease %d: got %s, want %s", i, e.n.PublicID, want)
		}
	}
}

func TestScheduledForGatesVisibility(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, &scriptedSender{})

	n := notification("later", types.PriorityCritical, "sms")
	n.ScheduledFor = time.Now().Add(time.Hour)
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if e := q.lease(time.Now()); e != nil {
		t.Fatalf("item scheduled in the future must not lease, got %s", e.n.PublicID)
	}
	if e := q.lease(time.Now().Add(2 * time.Hour)); e == nil {
		t.Fatalf("item must lease once its schedule arrives")
	}
}

func TestDispatchWalksChannelSequence(t *testing.T) {
	t.Parallel()

	// chat fails, sms fails, email succeeds: three attempts, one per
	// channel, ending delivered.
	sender := &scriptedSender{script: []error{
		fmt.Errorf("provider down"),
		fmt.Errorf("provider down"),
		nil,
	}}
	q, store := newTestQueue(t, sender)

	n := notification("walk", types.PriorityElevated, "chat", "sms", "email")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Each retry backs off, so lease with a clock far enough ahead.
	now := time.Now()
	for i := 0; i < 3; i++ {
		e := q.lease(now.Add(time.Duration(i) * time.Minute))
		if e == nil {
			t.Fatalf("attempt %d: nothing leased", i+1)
		}
		q.dispatch(context.Background(), e)
	}

	if n.Status != types.StatusDelivered {
		t.Fatalf("status = %q, want %q", n.Status, types.StatusDelivered)
	}
	if n.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", n.Attempts)
	}

	got := store.attemptChannels()
	want := []string{"chat", "sms", "email"}
	if len(got) != len(want) {
		t.Fatalf("attempt channels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt channels = %v, want %v", got, want)
		}
	}
}

func TestDispatchExhaustionIsTerminal(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{script: []error{
		fmt.Errorf("provider down"),
		fmt.Errorf("provider down"),
	}}
	q, _ := newTestQueue(t, sender)

	n := notification("exhaust", types.PriorityElevated, "chat", "sms")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	for i := 0; i < 2; i++ {
		e := q.lease(now.Add(time.Duration(i) * time.Minute))
		if e == nil {
			t.Fatalf("attempt %d: nothing leased", i+1)
		}
		q.dispatch(context.Background(), e)
	}

	if n.Status != types.StatusNoChannel {
		t.Fatalf("status = %q, want %q", n.Status, types.StatusNoChannel)
	}
	if q.Pending() != 0 {
		t.Errorf("terminal item must leave the queue, %d still pending", q.Pending())
	}
	if n.LastError == "" {
		t.Errorf("exhausted notification should keep its last error for the delivery log")
	}
}

func TestVoiceReservedForCritical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity    string
		wantChannel string
	}{
		{types.SeverityHigh, types.ChannelEmail},
		{types.SeverityCritical, types.ChannelVoice},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.severity, func(t *testing.T) {
			t.Parallel()

			sender := &scriptedSender{}
			q, _ := newTestQueue(t, sender)

			n := notification("voice-"+tt.severity, types.PriorityHigh, "voice", "email")
			n.Severity = tt.severity
			if err := q.Enqueue(n); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			e := q.lease(time.Now())
			if e == nil {
				t.Fatal("nothing leased")
			}
			q.dispatch(context.Background(), e)

			sender.mu.Lock()
			defer sender.mu.Unlock()
			if len(sender.sent) != 1 || sender.sent[0] != tt.wantChannel {
				t.Fatalf("sent on %v, want [%s]", sender.sent, tt.wantChannel)
			}
		})
	}
}

func TestCancelOnlyBeforeDispatch(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, &scriptedSender{})

	n := notification("cancelme", types.PriorityElevated, "sms")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Cancel("cancelme", "operator request"); err != nil {
		t.Fatalf("cancel queued item: %v", err)
	}
	if n.Status != types.StatusCancelled {
		t.Fatalf("status = %q, want %q", n.Status, types.StatusCancelled)
	}

	// Already gone from the queue.
	if err := q.Cancel("cancelme", "again"); err != types.ErrNotFound {
		t.Fatalf("second cancel: got %v, want ErrNotFound", err)
	}
}

func TestStatusHistoryIsAppendOnly(t *testing.T) {
	t.Parallel()

	q, store := newTestQueue(t, &scriptedSender{})

	n := notification("history", types.PriorityElevated, "sms")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e := q.lease(time.Now())
	q.dispatch(context.Background(), e)

	store.mu.Lock()
	defer store.mu.Unlock()

	// pending -> queued -> sent -> delivered, one row per edge.
	wantEdges := [][2]string{
		{types.StatusPending, types.StatusQueued},
		{types.StatusQueued, types.StatusSent},
		{types.StatusSent, types.StatusDelivered},
	}
	if len(store.changes) != len(wantEdges) {
		t.Fatalf("history rows = %d, want %d", len(store.changes), len(wantEdges))
	}
	for i, edge := range wantEdges {
		if store.changes[i].FromStatus != edge[0] || store.changes[i].ToStatus != edge[1] {
			t.Errorf("row %d = %s->%s, want %s->%s",
				i, store.changes[i].FromStatus, store.changes[i].ToStatus, edge[0], edge[1])
		}
		if store.changes[i].NotificationID == 0 {
			t.Errorf("row %d is not linked to a stored notification", i)
		}
	}
}

func TestLeaseReclaim(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, &scriptedSender{})

	n := notification("stuck", types.PriorityElevated, "sms")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e := q.lease(time.Now())
	if e == nil {
		t.Fatal("nothing leased")
	}

	// Lease not expired yet: nothing comes back.
	q.reclaimExpiredLeases(time.Now())
	if got := q.lease(time.Now()); got != nil {
		t.Fatalf("leased item must stay invisible, got %s", got.n.PublicID)
	}

	// Past the lease timeout the item returns to visibility.
	q.reclaimExpiredLeases(time.Now().Add(q.policy.LeaseTimeout.Std() + time.Second))
	if got := q.lease(time.Now()); got == nil || got.n.PublicID != "stuck" {
		t.Fatalf("expired lease must return to the queue")
	}
}

func TestCancelCaseFlagsInFlightItems(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, &scriptedSender{})

	caseID := uint(7)
	inFlight := notification("in-flight", types.PriorityCritical, "sms")
	inFlight.CaseID = &caseID
	pending := notification("pending", types.PriorityCritical, "sms")
	pending.CaseID = &caseID

	for _, n := range []*models.QueuedNotification{inFlight, pending} {
		if err := q.Enqueue(n); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	e := q.lease(time.Now())
	if e == nil {
		t.Fatal("nothing leased")
	}

	q.CancelCase(caseID, "case resolved")

	if pendingN := q.Pending(); pendingN != 0 {
		t.Fatalf("pending after CancelCase = %d, want 0", pendingN)
	}
	if !e.noRetry {
		t.Fatalf("in-flight entry must be flagged so it is not retried")
	}

	// A retry release of the flagged entry drops it instead of requeueing.
	q.release(e, true)
	if q.Pending() != 0 {
		t.Fatalf("flagged entry must not return to the queue")
	}
}

func TestResendResetsBudget(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{script: []error{fmt.Errorf("down"), fmt.Errorf("down")}}
	q, _ := newTestQueue(t, sender)

	n := notification("resend", types.PriorityElevated, "chat", "sms")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	for i := 0; i < 2; i++ {
		e := q.lease(now.Add(time.Duration(i) * time.Minute))
		q.dispatch(context.Background(), e)
	}
	if n.Status != types.StatusNoChannel {
		t.Fatalf("precondition: status = %q, want %q", n.Status, types.StatusNoChannel)
	}

	if err := q.Resend(n, 1); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if n.Attempts != 0 {
		t.Errorf("attempts after resend = %d, want 0", n.Attempts)
	}
	if n.ChannelIndex != 1 {
		t.Errorf("channel index after alternative-channel resend = %d, want 1", n.ChannelIndex)
	}
	if n.Resends != 1 {
		t.Errorf("resend counter = %d, want 1", n.Resends)
	}

	e := q.lease(time.Now())
	if e == nil {
		t.Fatal("resent item must be leasable")
	}
	q.dispatch(context.Background(), e)
	if n.Status != types.StatusDelivered {
		t.Errorf("status after resend dispatch = %q, want %q", n.Status, types.StatusDelivered)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{8, time.Minute},
		{20, time.Minute},
	}

	for _, tt := range tests {
		if got := backoffFor(tt.attempts); got != tt.want {
			t.Errorf("backoffFor(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestGuardedDropReportsToObserver(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{}
	q, _ := newTestQueue(t, sender)
	obs := &recordingObserver{}
	q.SetObserver(obs)
	q.SetGuard(&staticGuard{denied: map[uint]bool{1: true}})

	caseID := uint(7)
	n := notification("guarded", types.PriorityCritical, "sms")
	n.CaseID = &caseID
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e := q.lease(time.Now())
	if e == nil {
		t.Fatal("nothing leased")
	}
	q.dispatch(context.Background(), e)

	if n.Status != types.StatusCancelled {
		t.Fatalf("status = %q, want %q", n.Status, types.StatusCancelled)
	}
	if len(sender.sent) != 0 {
		t.Errorf("guarded item reached the gateway: %v", sender.sent)
	}
	if len(obs.dropped) != 1 || obs.dropped[0] != "guarded" {
		t.Fatalf("dropped callbacks = %v, want [guarded]", obs.dropped)
	}
	if len(obs.sent) != 0 || len(obs.delivered) != 0 || len(obs.exhausted) != 0 {
		t.Errorf("unexpected callbacks: sent=%v delivered=%v exhausted=%v",
			obs.sent, obs.delivered, obs.exhausted)
	}
}

func TestRecipientLookupFailureIsRetried(t *testing.T) {
	t.Parallel()

	q, store := newTestQueue(t, &scriptedSender{})

	n := notification("blip", types.PriorityCritical, "sms")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	store.mu.Lock()
	store.guardianErr = fmt.Errorf("connection refused")
	store.mu.Unlock()

	e := q.lease(time.Now())
	if e == nil {
		t.Fatal("nothing leased")
	}
	q.dispatch(context.Background(), e)

	// A store outage must not burn the attempt budget or end the item.
	if n.Status == types.StatusNoChannel {
		t.Fatalf("store outage marked item %q", types.StatusNoChannel)
	}
	if n.Attempts != 0 {
		t.Errorf("attempts after store outage = %d, want 0", n.Attempts)
	}
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 (item back on the queue)", q.Pending())
	}

	store.mu.Lock()
	store.guardianErr = nil
	store.mu.Unlock()

	e = q.lease(time.Now().Add(time.Minute))
	if e == nil {
		t.Fatal("item not leasable after backoff")
	}
	q.dispatch(context.Background(), e)

	if n.Status != types.StatusDelivered {
		t.Fatalf("status = %q, want %q", n.Status, types.StatusDelivered)
	}
	if n.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", n.Attempts)
	}
}

func TestSentReportedOncePerItem(t *testing.T) {
	t.Parallel()

	// Two failed channels and a delivery: three attempts, one sent
	// callback.
	sender := &scriptedSender{script: []error{
		fmt.Errorf("provider down"),
		fmt.Errorf("provider down"),
		nil,
	}}
	q, _ := newTestQueue(t, sender)
	obs := &recordingObserver{}
	q.SetObserver(obs)

	n := notification("counted", types.PriorityElevated, "chat", "sms", "email")
	if err := q.Enqueue(n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		e := q.lease(now.Add(time.Duration(i) * time.Minute))
		if e == nil {
			t.Fatalf("attempt %d: nothing leased", i+1)
		}
		q.dispatch(context.Background(), e)
	}

	if n.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", n.Attempts)
	}
	if len(obs.sent) != 1 {
		t.Errorf("sent callbacks = %d, want 1 (retries are the same send)", len(obs.sent))
	}
	if len(obs.delivered) != 1 {
		t.Errorf("delivered callbacks = %d, want 1", len(obs.delivered))
	}
}
