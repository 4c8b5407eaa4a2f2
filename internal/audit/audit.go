package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Event types emitted by the notification core.
const (
	EventRuleMatched     = "rule_matched"
	EventRuleSuppressed  = "rule_suppressed"
	EventStateTransition = "case_state_transition"
	EventManualOverride  = "manual_override"
)

// Event is one audit record. Storage belongs to the Audit Sink
// collaborator; we only emit.
type Event struct {
	Type     string                 `json:"type"`
	At       time.Time              `json:"at"`
	ActorID  uint                   `json:"actor_id,omitempty"`
	SchoolID uint                   `json:"school_id"`
	CaseID   string                 `json:"case_id,omitempty"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
}

// Sink accepts audit events. Emit must not block the caller's critical
// path; implementations buffer or drop with a log line.
type Sink interface {
	Emit(event Event)
}

// LogSink writes audit events to the structured log. Used when no broker
// is configured and as the fallback target.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(event Event) {
	s.log.Info().
		Str("audit_type", event.Type).
		Uint("school_id", event.SchoolID).
		Str("case_id", event.CaseID).
		Uint("actor_id", event.ActorID).
		Interface("detail", event.Detail).
		Msg("audit event")
}
