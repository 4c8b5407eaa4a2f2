package rules

import (
	"encoding/json"
	"fmt"

	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// Suppression reasons surfaced to admins. Wording is part of the API.
const (
	ReasonNotEnabled = "not enabled for school"
	ReasonOptedOut   = "parent has opted out"
)

// Recipient is the opt-out view of one guardian, resolved by the caller
// before evaluation so the engine never touches shared state.
type Recipient struct {
	ID      uint
	OptOuts map[string]bool // category -> opted out
}

// EvalContext carries everything one evaluation call needs. Category
// enablement is the school's merged view: policy defaults overlaid with the
// school's CategorySetting rows, merged once by the caller.
type EvalContext struct {
	Event           types.TriggerEvent
	Rules           []models.NotificationRule
	CategoryEnabled map[string]bool
	Recipients      []Recipient
}

// Candidate is a concrete notification the caller may enqueue, or hand to
// the approval workflow when RequiresApproval is set. An empty channel
// sequence means the caller must record it as no_channel rather than drop
// it.
type Candidate struct {
	RuleID           uint
	RecipientID      uint
	Category         string
	Severity         string
	Channels         []string
	RequiresApproval bool
}

// Evaluation is the single result of one rule against one recipient:
// either a candidate, a structured suppression, or an isolated rule error.
type Evaluation struct {
	RuleID      uint
	RecipientID uint
	Candidate   *Candidate
	Suppressed  bool
	Reason      string
	Err         error
}

// Evaluate runs every rule matching the event against every recipient. A
// broken rule yields an Evaluation with Err set and never aborts the
// others.
func Evaluate(ctx EvalContext) []Evaluation {
	var results []Evaluation

	for _, rule := range ctx.Rules {
		if rule.EventType != ctx.Event.EventType || rule.SchoolID != ctx.Event.SchoolID {
			continue
		}

		if err := validateRule(rule); err != nil {
			results = append(results, Evaluation{RuleID: rule.ID, Err: err})
			continue
		}

		emergency := rule.Category == types.CategoryEmergency

		// The emergency category is always on and cannot be opted out
		// of; every other category needs the school flag.
		if !emergency && !ctx.CategoryEnabled[rule.Category] {
			results = append(results, Evaluation{
				RuleID:     rule.ID,
				Suppressed: true,
				Reason:     ReasonNotEnabled,
			})
			continue
		}

		channels, err := channelSequence(rule)
		if err != nil {
			results = append(results, Evaluation{RuleID: rule.ID, Err: err})
			continue
		}

		for _, recipient := range ctx.Recipients {
			if !emergency && rule.HonorOptOut && recipient.OptOuts[rule.Category] {
				results = append(results, Evaluation{
					RuleID:      rule.ID,
					RecipientID: recipient.ID,
					Suppressed:  true,
					Reason:      ReasonOptedOut,
				})
				continue
			}

			results = append(results, Evaluation{
				RuleID:      rule.ID,
				RecipientID: recipient.ID,
				Candidate: &Candidate{
					RuleID:      rule.ID,
					RecipientID: recipient.ID,
					Category:    rule.Category,
					Severity:    severityFor(rule.Category, ctx.Event),
					Channels:    channels,
					// Never auto-send except emergencies.
					RequiresApproval: rule.RequiresApproval && !emergency,
				},
			})
		}
	}

	return results
}

func validateRule(rule models.NotificationRule) error {
	if rule.EventType == "" {
		return fmt.Errorf("%w: rule %d has no event type", types.ErrValidation, rule.ID)
	}

	switch rule.Category {
	case types.CategoryEmergency, types.CategoryAttendance, types.CategoryAcademic,
		types.CategoryFee, types.CategoryAdministrative:
		return nil
	default:
		return fmt.Errorf("%w: rule %d has unknown category %q", types.ErrValidation, rule.ID, rule.Category)
	}
}

// channelSequence builds the ordered sequence: default channel first, then
// the rule's optional channels, deduplicated. An empty result is legal and
// becomes a no_channel record downstream.
func channelSequence(rule models.NotificationRule) ([]string, error) {
	var optional []string
	if len(rule.Channels) > 0 {
		if err := json.Unmarshal(rule.Channels, &optional); err != nil {
			return nil, fmt.Errorf("%w: rule %d has malformed channel config: %v", types.ErrValidation, rule.ID, err)
		}
	}

	seen := make(map[string]bool)
	var sequence []string

	for _, channel := range append([]string{rule.DefaultChannel}, optional...) {
		if channel == "" || seen[channel] {
			continue
		}
		seen[channel] = true
		sequence = append(sequence, channel)
	}

	return sequence, nil
}

func severityFor(category string, event types.TriggerEvent) string {
	if raw, ok := event.Payload["severity"].(string); ok {
		switch raw {
		case types.SeverityElevated, types.SeverityHigh, types.SeverityCritical:
			return raw
		}
	}

	if category == types.CategoryEmergency {
		return types.SeverityCritical
	}
	return types.SeverityElevated
}
