package rules

import (
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

func makeRule(id uint, eventType, category, defaultChannel string, extra string, honorOptOut bool) models.NotificationRule {
	rule := models.NotificationRule{
		Model:          gorm.Model{ID: id},
		SchoolID:       1,
		EventType:      eventType,
		Category:       category,
		DefaultChannel: defaultChannel,
		Enabled:        true,
		HonorOptOut:    honorOptOut,
	}
	if extra != "" {
		rule.Channels = datatypes.JSON(extra)
	}
	return rule
}

func event(eventType string) types.TriggerEvent {
	return types.TriggerEvent{
		EventType: eventType,
		SchoolID:  1,
		Timestamp: time.Now(),
	}
}

func TestEvaluateOptOutSuppression(t *testing.T) {
	t.Parallel()

	ctx := EvalContext{
		Event: event("student_absent"),
		Rules: []models.NotificationRule{
			makeRule(1, "student_absent", types.CategoryAttendance, types.ChannelSMS, "", true),
		},
		CategoryEnabled: map[string]bool{types.CategoryAttendance: true},
		Recipients: []Recipient{
			{ID: 10, OptOuts: map[string]bool{types.CategoryAttendance: true}},
			{ID: 11},
		},
	}

	results := Evaluate(ctx)
	if len(results) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(results))
	}

	optedOut := results[0]
	if !optedOut.Suppressed {
		t.Fatalf("expected recipient 10 to be suppressed")
	}
	if optedOut.Reason != ReasonOptedOut {
		t.Errorf("suppression reason = %q, want %q", optedOut.Reason, ReasonOptedOut)
	}

	delivered := results[1]
	if delivered.Candidate == nil {
		t.Fatalf("expected recipient 11 to yield a candidate")
	}
	if delivered.Candidate.RecipientID != 11 {
		t.Errorf("candidate recipient = %d, want 11", delivered.Candidate.RecipientID)
	}
}

func TestEvaluateEmergencyIgnoresOptOutAndEnablement(t *testing.T) {
	t.Parallel()

	ctx := EvalContext{
		Event: event("lockdown"),
		Rules: []models.NotificationRule{
			makeRule(1, "lockdown", types.CategoryEmergency, types.ChannelChat, `["sms","voice"]`, true),
		},
		// Emergency is deliberately absent from the enablement map.
		CategoryEnabled: map[string]bool{},
		Recipients: []Recipient{
			{ID: 10, OptOuts: map[string]bool{types.CategoryEmergency: true}},
		},
	}

	results := Evaluate(ctx)
	if len(results) != 1 {
		t.Fatalf("expected 1 evaluation, got %d", len(results))
	}
	if results[0].Candidate == nil {
		t.Fatalf("emergency rule must always produce a candidate, got suppression %q", results[0].Reason)
	}
	if results[0].Candidate.Severity != types.SeverityCritical {
		t.Errorf("emergency severity = %q, want %q", results[0].Candidate.Severity, types.SeverityCritical)
	}
}

func TestEvaluateDisabledCategory(t *testing.T) {
	t.Parallel()

	ctx := EvalContext{
		Event: event("fee_due"),
		Rules: []models.NotificationRule{
			makeRule(1, "fee_due", types.CategoryFee, types.ChannelEmail, "", true),
		},
		CategoryEnabled: map[string]bool{types.CategoryFee: false},
		Recipients:      []Recipient{{ID: 10}},
	}

	results := Evaluate(ctx)
	if len(results) != 1 {
		t.Fatalf("expected 1 evaluation, got %d", len(results))
	}
	if !results[0].Suppressed || results[0].Reason != ReasonNotEnabled {
		t.Errorf("got (%v, %q), want suppression with reason %q", results[0].Suppressed, results[0].Reason, ReasonNotEnabled)
	}
}

func TestEvaluateBrokenRuleIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := EvalContext{
		Event: event("grade_posted"),
		Rules: []models.NotificationRule{
			makeRule(1, "grade_posted", "bogus", types.ChannelEmail, "", true),
			makeRule(2, "grade_posted", types.CategoryAcademic, types.ChannelEmail, `{notjson`, true),
			makeRule(3, "grade_posted", types.CategoryAcademic, types.ChannelEmail, "", true),
		},
		CategoryEnabled: map[string]bool{types.CategoryAcademic: true},
		Recipients:      []Recipient{{ID: 10}},
	}

	results := Evaluate(ctx)
	if len(results) != 3 {
		t.Fatalf("expected 3 evaluations, got %d", len(results))
	}

	if results[0].Err == nil || !errors.Is(results[0].Err, types.ErrValidation) {
		t.Errorf("rule 1: expected validation error, got %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Errorf("rule 2: expected malformed channel error")
	}
	if results[2].Candidate == nil {
		t.Errorf("rule 3 must still evaluate after rules 1 and 2 fail")
	}
}

func TestEvaluateChannelSequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		defaultChannel string
		extra          string
		want           []string
	}{
		{"default only", types.ChannelSMS, "", []string{"sms"}},
		{"default plus optional", types.ChannelChat, `["sms","email"]`, []string{"chat", "sms", "email"}},
		{"duplicates removed", types.ChannelSMS, `["sms","email","sms"]`, []string{"sms", "email"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := EvalContext{
				Event: event("student_absent"),
				Rules: []models.NotificationRule{
					makeRule(1, "student_absent", types.CategoryAttendance, tt.defaultChannel, tt.extra, false),
				},
				CategoryEnabled: map[string]bool{types.CategoryAttendance: true},
				Recipients:      []Recipient{{ID: 10}},
			}

			results := Evaluate(ctx)
			if len(results) != 1 || results[0].Candidate == nil {
				t.Fatalf("expected one candidate, got %+v", results)
			}

			got := results[0].Candidate.Channels
			if len(got) != len(tt.want) {
				t.Fatalf("channels = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("channels = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestEvaluateApprovalNeverAutoSendsExceptEmergency(t *testing.T) {
	t.Parallel()

	attendance := makeRule(1, "trip", types.CategoryAttendance, types.ChannelSMS, "", false)
	attendance.RequiresApproval = true
	emergency := makeRule(2, "trip", types.CategoryEmergency, types.ChannelSMS, "", false)
	emergency.RequiresApproval = true

	ctx := EvalContext{
		Event:           event("trip"),
		Rules:           []models.NotificationRule{attendance, emergency},
		CategoryEnabled: map[string]bool{types.CategoryAttendance: true},
		Recipients:      []Recipient{{ID: 10}},
	}

	results := Evaluate(ctx)
	if len(results) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(results))
	}
	if !results[0].Candidate.RequiresApproval {
		t.Errorf("attendance candidate should require approval")
	}
	if results[1].Candidate.RequiresApproval {
		t.Errorf("emergency candidate must never wait for approval")
	}
}

func TestSeverityFromPayload(t *testing.T) {
	t.Parallel()

	evt := event("custom")
	evt.Payload = map[string]interface{}{"severity": types.SeverityHigh}

	ctx := EvalContext{
		Event: evt,
		Rules: []models.NotificationRule{
			makeRule(1, "custom", types.CategoryAdministrative, types.ChannelEmail, "", false),
		},
		CategoryEnabled: map[string]bool{types.CategoryAdministrative: true},
		Recipients:      []Recipient{{ID: 10}},
	}

	results := Evaluate(ctx)
	if results[0].Candidate.Severity != types.SeverityHigh {
		t.Errorf("severity = %q, want %q", results[0].Candidate.Severity, types.SeverityHigh)
	}
}
