package handlers

import (
	"errors"
	"testing"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

func TestRuleFromRequestValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  RuleRequest
	}{
		{
			name: "unknown category",
			req:  RuleRequest{EventType: "x", Category: "gossip", DefaultChannel: "chat"},
		},
		{
			name: "unknown default channel",
			req:  RuleRequest{EventType: "x", Category: types.CategoryAttendance, DefaultChannel: "fax"},
		},
		{
			name: "unknown channel in sequence",
			req: RuleRequest{
				EventType:      "x",
				Category:       types.CategoryAttendance,
				DefaultChannel: "chat",
				Channels:       []string{"chat", "pigeon"},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ruleFromRequest(1, tt.req); !errors.Is(err, types.ErrValidation) {
				t.Errorf("got %v, want validation error", err)
			}
		})
	}
}

func TestRuleFromRequestEmergencyIsAlwaysLive(t *testing.T) {
	t.Parallel()

	// An emergency rule created with enabled=false and honor_opt_out=true
	// still comes out enabled and opt-out proof.
	honor := true
	rule, err := ruleFromRequest(1, RuleRequest{
		EventType:      "lockdown",
		Category:       types.CategoryEmergency,
		DefaultChannel: "chat",
		Enabled:        false,
		HonorOptOut:    &honor,
	})
	if err != nil {
		t.Fatalf("ruleFromRequest: %v", err)
	}
	if !rule.Enabled {
		t.Errorf("emergency rule saved disabled")
	}
	if rule.HonorOptOut {
		t.Errorf("emergency rule honors opt-outs")
	}

	// Other categories keep what the admin asked for.
	rule, err = ruleFromRequest(1, RuleRequest{
		EventType:      "student_marked_absent",
		Category:       types.CategoryAttendance,
		DefaultChannel: "chat",
		Enabled:        false,
	})
	if err != nil {
		t.Fatalf("ruleFromRequest: %v", err)
	}
	if rule.Enabled {
		t.Errorf("attendance rule force-enabled")
	}
	if !rule.HonorOptOut {
		t.Errorf("opt-out default lost")
	}
}
