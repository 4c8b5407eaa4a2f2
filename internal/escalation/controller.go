package escalation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/schoolsignal-dev/schoolsignal/internal/acks"
	"github.com/schoolsignal-dev/schoolsignal/internal/audit"
	"github.com/schoolsignal-dev/schoolsignal/internal/config"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/queue"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// priorityBoostPerLevel is added to every re-enqueued notification each
// time a case climbs one escalation rung. Priority never decreases.
const priorityBoostPerLevel = 50

// Store persists emergency cases.
type Store interface {
	SaveCase(c *models.EmergencyCase) error
	ActiveCases() ([]models.EmergencyCase, error)
	CaseByID(id uint) (*models.EmergencyCase, error)
	CaseByPublicID(publicID string) (*models.EmergencyCase, error)
	CaseAcks(caseID uint) ([]models.Acknowledgment, error)
	CaseRecipients(caseID uint) ([]Recipient, error)
}

// Broadcaster pushes dashboard refreshes; wired to the websocket hub.
type Broadcaster func(schoolID uint, casePublicID string)

// Recipient is one fan-out target with its resolved channel sequence.
// NextContactID names a backup guardian reached only by the
// notify_next_contact escalation action; zero means none is configured.
type Recipient struct {
	GuardianID          uint
	Channels            []string
	NextContactID       uint
	NextContactChannels []string
}

// caseState is the serialization unit: all transitions for one case run
// under its mutex, cases advance independently of each other.
type caseState struct {
	mu sync.Mutex

	c          *models.EmergencyCase
	recipients []Recipient

	wave          map[string]bool // public ids of the current fan-out wave
	waveOpen      int             // wave items not yet settled
	resendCounts  map[uint]int    // per-recipient re-enqueues within this case
	nextContacted map[uint]bool   // primary guardian ids whose backup contact was notified
}

// Controller drives the emergency lifecycle state machine and the
// periodic escalation sweep.
type Controller struct {
	mu    sync.Mutex
	cases map[uint]*caseState

	q         *queue.Queue
	tracker   *acks.Tracker
	store     Store
	policy    *config.Policy
	sink      audit.Sink
	broadcast Broadcaster
	log       zerolog.Logger
}

func NewController(log zerolog.Logger, store Store, q *queue.Queue, tracker *acks.Tracker, policy *config.Policy, sink audit.Sink) *Controller {
	c := &Controller{
		cases:   make(map[uint]*caseState),
		q:       q,
		tracker: tracker,
		store:   store,
		policy:  policy,
		sink:    sink,
		log:     log,
	}

	q.SetGuard(c)
	q.SetObserver(c)
	tracker.OnAck(c.onAck)

	return c
}

func (ctl *Controller) SetBroadcaster(b Broadcaster) { ctl.broadcast = b }

// Restore re-registers every non-terminal case after a restart so the
// sweeper picks them up again. Waves in flight at crash time are settled
// by lease reclamation, not here.
func (ctl *Controller) Restore() error {
	active, err := ctl.store.ActiveCases()
	if err != nil {
		return err
	}

	for i := range active {
		c := &active[i]

		acked, err := ctl.store.CaseAcks(c.ID)
		if err != nil {
			return err
		}
		recipients, err := ctl.store.CaseRecipients(c.ID)
		if err != nil {
			return err
		}

		ctl.tracker.Register(c.ID, acked)

		ctl.mu.Lock()
		ctl.cases[c.ID] = &caseState{
			c:            c,
			recipients:   recipients,
			wave:          make(map[string]bool),
			resendCounts:  make(map[uint]int),
			nextContacted: make(map[uint]bool),
		}
		ctl.mu.Unlock()

		ctl.log.Info().
			Str("case_id", c.PublicID).
			Str("state", c.State).
			Msg("restored active emergency case")
	}

	return nil
}

// allowedTransitions is the full edge set of the state machine. Anything
// else is a conflict.
var allowedTransitions = map[string][]string{
	types.CaseInitiated:    {types.CaseBroadcasting, types.CaseResolved, types.CaseCancelled},
	types.CaseBroadcasting: {types.CaseAwaitingAck, types.CaseResolved, types.CaseCancelled},
	types.CaseAwaitingAck:  {types.CaseEscalating, types.CaseResolved, types.CaseCancelled},
	types.CaseEscalating:   {types.CaseAwaitingAck, types.CaseResolved, types.CaseCancelled},
}

// transition moves a case along one edge. Caller holds cs.mu.
func (ctl *Controller) transition(cs *caseState, to, reason string, actorID uint) error {
	from := cs.c.State
	allowed := false
	for _, next := range allowedTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", types.ErrConflict, from, to)
	}

	cs.c.State = to
	now := time.Now()
	switch to {
	case types.CaseAwaitingAck:
		cs.c.AwaitingSince = &now
	case types.CaseResolved:
		cs.c.ResolvedAt = &now
	case types.CaseCancelled:
		cs.c.CancelReason = reason
	}

	if err := ctl.store.SaveCase(cs.c); err != nil {
		ctl.log.Error().Str("case_id", cs.c.PublicID).Err(err).Msg("failed to persist case transition")
	}

	ctl.sink.Emit(audit.Event{
		Type:     audit.EventStateTransition,
		At:       now,
		ActorID:  actorID,
		SchoolID: cs.c.SchoolID,
		CaseID:   cs.c.PublicID,
		Detail:   map[string]interface{}{"from": from, "to": to, "reason": reason},
	})

	ctl.log.Info().
		Str("case_id", cs.c.PublicID).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("case transition")

	if ctl.broadcast != nil {
		ctl.broadcast(cs.c.SchoolID, cs.c.PublicID)
	}

	return nil
}

// InitiateParams is the admin initiate-emergency surface.
type InitiateParams struct {
	SchoolID       uint
	InitiatedBy    uint
	EventType      string
	Severity       string
	Title          string
	Description    string
	ActionRequired string
	SafetyNotes    []string
	RequireAck     bool
}

// Initiate creates a case in the initiated state. Nothing is sent until
// Broadcast.
func (ctl *Controller) Initiate(p InitiateParams) (*models.EmergencyCase, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: emergency title is required", types.ErrValidation)
	}

	switch p.Severity {
	case "":
		p.Severity = types.SeverityCritical
	case types.SeverityElevated, types.SeverityHigh, types.SeverityCritical:
	default:
		return nil, fmt.Errorf("%w: unknown severity %q", types.ErrValidation, p.Severity)
	}

	c := &models.EmergencyCase{
		PublicID:       uuid.NewString(),
		SchoolID:       p.SchoolID,
		InitiatedBy:    p.InitiatedBy,
		EventType:      p.EventType,
		Severity:       p.Severity,
		State:          types.CaseInitiated,
		Title:          p.Title,
		Description:    p.Description,
		ActionRequired: p.ActionRequired,
		RequireAck:     p.RequireAck,
		MaxLevel:       ctl.policy.MaxEscalationLevel(),
		InitiatedAt:    time.Now(),
	}
	if err := c.SetSafetyNotes(p.SafetyNotes); err != nil {
		return nil, err
	}

	if err := ctl.store.SaveCase(c); err != nil {
		return nil, err
	}

	ctl.mu.Lock()
	ctl.cases[c.ID] = &caseState{
		c:            c,
		wave:          make(map[string]bool),
		resendCounts:  make(map[uint]int),
		nextContacted: make(map[uint]bool),
	}
	ctl.mu.Unlock()

	ctl.tracker.Register(c.ID, nil)

	ctl.sink.Emit(audit.Event{
		Type:     audit.EventManualOverride,
		At:       time.Now(),
		ActorID:  p.InitiatedBy,
		SchoolID: p.SchoolID,
		CaseID:   c.PublicID,
		Detail:   map[string]interface{}{"action": "initiate", "severity": p.Severity},
	})

	return c, nil
}

// Broadcast fans the case out to its recipients. The first successful
// enqueue moves initiated -> broadcasting; once every wave item settles
// (success or failure) the case enters awaiting_ack.
func (ctl *Controller) Broadcast(caseID uint, recipients []Recipient) error {
	cs, err := ctl.caseState(caseID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.c.State != types.CaseInitiated {
		return fmt.Errorf("%w: case is %s, expected %s", types.ErrConflict, cs.c.State, types.CaseInitiated)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: broadcast needs at least one recipient", types.ErrValidation)
	}

	cs.recipients = recipients
	cs.c.TotalRecipients = len(recipients)

	enqueued := 0
	for _, r := range recipients {
		n := ctl.buildNotification(cs, r, 0)
		if err := ctl.q.Enqueue(n); err != nil {
			ctl.log.Error().Str("case_id", cs.c.PublicID).Uint("recipient_id", r.GuardianID).Err(err).Msg("fan-out enqueue failed")
			continue
		}
		cs.wave[n.PublicID] = true
		cs.waveOpen++
		enqueued++
	}

	if enqueued == 0 {
		return fmt.Errorf("%w: no recipient could be enqueued", types.ErrValidation)
	}

	return ctl.transition(cs, types.CaseBroadcasting, "fan-out started", cs.c.InitiatedBy)
}

func (ctl *Controller) buildNotification(cs *caseState, r Recipient, level int) *models.QueuedNotification {
	priority := types.BasePriority(cs.c.Severity) + level*priorityBoostPerLevel
	if priority > types.PriorityMax {
		priority = types.PriorityMax
	}

	n := &models.QueuedNotification{
		PublicID:     uuid.NewString(),
		SchoolID:     cs.c.SchoolID,
		CaseID:       &cs.c.ID,
		RecipientID:  r.GuardianID,
		Category:     types.CategoryEmergency,
		Severity:     cs.c.Severity,
		Priority:     priority,
		Subject:      cs.c.Title,
		Body:         cs.c.Description,
		ScheduledFor: time.Now(),
		MaxAttempts:  ctl.policy.MaxAttempts,
		Status:       types.StatusPending,
	}
	if err := n.SetChannelSequence(r.Channels); err != nil {
		ctl.log.Error().Str("case_id", cs.c.PublicID).Err(err).Msg("failed to encode channel sequence")
	}
	return n
}

func (ctl *Controller) caseState(caseID uint) (*caseState, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	cs, ok := ctl.cases[caseID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return cs, nil
}

// CaseByPublicID resolves the registry entry for handler lookups. Cases
// that reached a terminal state before a restart live only in the store,
// so a registry miss falls through to it.
func (ctl *Controller) CaseByPublicID(publicID string) (*models.EmergencyCase, error) {
	ctl.mu.Lock()
	for _, cs := range ctl.cases {
		if cs.c.PublicID == publicID {
			ctl.mu.Unlock()
			return cs.c, nil
		}
	}
	ctl.mu.Unlock()

	return ctl.store.CaseByPublicID(publicID)
}

// terminalCase looks a case up in the store when the registry misses.
// Returns it only if it is terminal; active cases always live in the
// registry, so anything else stays a miss.
func (ctl *Controller) terminalCase(caseID uint) (*models.EmergencyCase, bool) {
	c, err := ctl.store.CaseByID(caseID)
	if err != nil || c == nil || !types.IsTerminalCaseState(c.State) {
		return nil, false
	}
	return c, true
}

// ShouldDeliver implements queue.CaseGuard: no delivery once a case is
// terminal or the recipient acknowledged.
func (ctl *Controller) ShouldDeliver(caseID, recipientID uint) bool {
	cs, err := ctl.caseState(caseID)
	if err != nil {
		return false
	}

	cs.mu.Lock()
	terminal := types.IsTerminalCaseState(cs.c.State)
	cs.mu.Unlock()

	if terminal {
		return false
	}
	return !ctl.tracker.Acked(caseID, recipientID)
}

// NotificationSent implements queue.Observer.
func (ctl *Controller) NotificationSent(n *models.QueuedNotification) {
	if n.CaseID == nil {
		return
	}
	cs, err := ctl.caseState(*n.CaseID)
	if err != nil {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.c.SentCount++
	if err := ctl.store.SaveCase(cs.c); err != nil {
		ctl.log.Error().Str("case_id", cs.c.PublicID).Err(err).Msg("failed to persist sent count")
	}
}

// NotificationDelivered implements queue.Observer.
func (ctl *Controller) NotificationDelivered(n *models.QueuedNotification) {
	ctl.settleWaveItem(n, true)
}

// NotificationExhausted implements queue.Observer. One recipient's dead
// channels never block the rest of the fan-out; the wave still closes.
func (ctl *Controller) NotificationExhausted(n *models.QueuedNotification) {
	ctl.settleWaveItem(n, false)
}

// NotificationDropped implements queue.Observer. An item vetoed by the
// case guard, usually because its recipient already acknowledged, still
// settles its slot in the fan-out wave.
func (ctl *Controller) NotificationDropped(n *models.QueuedNotification) {
	ctl.settleWaveItem(n, false)
}

func (ctl *Controller) settleWaveItem(n *models.QueuedNotification, delivered bool) {
	if n.CaseID == nil {
		return
	}
	cs, err := ctl.caseState(*n.CaseID)
	if err != nil {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if delivered {
		cs.c.DeliveredCount++
	}

	if cs.wave[n.PublicID] {
		delete(cs.wave, n.PublicID)
		cs.waveOpen--
		if cs.waveOpen == 0 && cs.c.State == types.CaseBroadcasting {
			if err := ctl.transition(cs, types.CaseAwaitingAck, "initial fan-out dispatched", 0); err != nil {
				ctl.log.Error().Str("case_id", cs.c.PublicID).Err(err).Msg("failed to enter awaiting_ack")
			}
			return
		}
	}

	if err := ctl.store.SaveCase(cs.c); err != nil {
		ctl.log.Error().Str("case_id", cs.c.PublicID).Err(err).Msg("failed to persist delivery counters")
	}
}

// onAck is the tracker event consumer: update counters and resolve early
// when everyone has acknowledged and acknowledgment is required.
func (ctl *Controller) onAck(caseID, recipientID uint, ackCount int) {
	cs, err := ctl.caseState(caseID)
	if err != nil {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.c.AckCount = ackCount
	if err := ctl.store.SaveCase(cs.c); err != nil {
		ctl.log.Error().Str("case_id", cs.c.PublicID).Err(err).Msg("failed to persist ack count")
	}

	if ctl.broadcast != nil {
		ctl.broadcast(cs.c.SchoolID, cs.c.PublicID)
	}

	if cs.c.RequireAck && ackCount >= cs.c.TotalRecipients && !types.IsTerminalCaseState(cs.c.State) {
		if err := ctl.transition(cs, types.CaseResolved, "all recipients acknowledged", 0); err != nil {
			ctl.log.Error().Str("case_id", cs.c.PublicID).Err(err).Msg("failed to auto-resolve")
			return
		}
		ctl.q.CancelCase(caseID, "case resolved")
	}
}

// Resolve is the human resolution path. Idempotent on terminal cases.
func (ctl *Controller) Resolve(caseID, actorID uint) error {
	cs, err := ctl.caseState(caseID)
	if err != nil {
		if _, ok := ctl.terminalCase(caseID); ok {
			return nil
		}
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if types.IsTerminalCaseState(cs.c.State) {
		return nil
	}

	if err := ctl.transition(cs, types.CaseResolved, "resolved by operator", actorID); err != nil {
		return err
	}
	ctl.q.CancelCase(caseID, "case resolved")
	return nil
}

// Cancel is explicit human cancellation with a reason; never automatic.
// Idempotent on terminal cases.
func (ctl *Controller) Cancel(caseID, actorID uint, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: cancellation requires a reason", types.ErrValidation)
	}

	cs, err := ctl.caseState(caseID)
	if err != nil {
		if _, ok := ctl.terminalCase(caseID); ok {
			return nil
		}
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if types.IsTerminalCaseState(cs.c.State) {
		return nil
	}

	if err := ctl.transition(cs, types.CaseCancelled, reason, actorID); err != nil {
		return err
	}
	ctl.q.CancelCase(caseID, "case cancelled: "+reason)
	return nil
}

// ForcedResend re-enqueues one recipient immediately, resetting the
// attempt budget. Manual admin surface.
func (ctl *Controller) ForcedResend(caseID, actorID, recipientID uint, useAlternativeChannel bool) error {
	cs, err := ctl.caseState(caseID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if types.IsTerminalCaseState(cs.c.State) {
		return fmt.Errorf("%w: case is %s", types.ErrConflict, cs.c.State)
	}

	var target *Recipient
	for i := range cs.recipients {
		if cs.recipients[i].GuardianID == recipientID {
			target = &cs.recipients[i]
			break
		}
	}
	if target == nil {
		return types.ErrNotFound
	}

	n := ctl.buildNotification(cs, *target, cs.c.EscalationLevel)
	startChannel := 0
	if useAlternativeChannel && len(target.Channels) > 1 {
		startChannel = 1
	}
	n.ChannelIndex = startChannel

	if err := ctl.q.Enqueue(n); err != nil {
		return err
	}
	cs.resendCounts[recipientID]++

	ctl.sink.Emit(audit.Event{
		Type:     audit.EventManualOverride,
		At:       time.Now(),
		ActorID:  actorID,
		SchoolID: cs.c.SchoolID,
		CaseID:   cs.c.PublicID,
		Detail:   map[string]interface{}{"action": "forced_resend", "recipient_id": recipientID},
	})

	return nil
}

// Summary is the dashboard view of a case.
type Summary struct {
	PublicID        string     `json:"case_id"`
	State           string     `json:"state"`
	Severity        string     `json:"severity"`
	Title           string     `json:"title"`
	TotalRecipients int        `json:"total_recipients"`
	SentCount       int        `json:"sent_count"`
	DeliveredCount  int        `json:"delivered_count"`
	AckCount        int        `json:"ack_count"`
	PendingAcks     int        `json:"pending_acks"`
	EscalationLevel int        `json:"escalation_level"`
	MaxLevel        int        `json:"max_escalation_level"`
	InitiatedAt     time.Time  `json:"initiated_at"`
	LastEscalation  *time.Time `json:"last_escalation,omitempty"`
}

func (ctl *Controller) Summarize(caseID uint) (Summary, error) {
	cs, err := ctl.caseState(caseID)
	if err != nil {
		if c, ok := ctl.terminalCase(caseID); ok {
			return summaryOf(c), nil
		}
		return Summary{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	return summaryOf(cs.c), nil
}

func summaryOf(c *models.EmergencyCase) Summary {
	pending := c.TotalRecipients - c.AckCount
	if pending < 0 {
		pending = 0
	}

	return Summary{
		PublicID:        c.PublicID,
		State:           c.State,
		Severity:        c.Severity,
		Title:           c.Title,
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		DeliveredCount:  c.DeliveredCount,
		AckCount:        c.AckCount,
		PendingAcks:     pending,
		EscalationLevel: c.EscalationLevel,
		MaxLevel:        c.MaxLevel,
		InitiatedAt:     c.InitiatedAt,
		LastEscalation:  c.LastEscalation,
	}
}

// Summaries lists every registered case for a school.
func (ctl *Controller) Summaries(schoolID uint) []Summary {
	ctl.mu.Lock()
	ids := make([]uint, 0, len(ctl.cases))
	for id, cs := range ctl.cases {
		if cs.c.SchoolID == schoolID {
			ids = append(ids, id)
		}
	}
	ctl.mu.Unlock()

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		if s, err := ctl.Summarize(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}
