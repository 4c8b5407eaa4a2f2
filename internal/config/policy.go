package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// EscalationLevel is one step of the emergency response ladder.
type EscalationLevel struct {
	Level                   int      `yaml:"level"`
	TriggerAfter            Duration `yaml:"trigger_after"`
	Actions                 []string `yaml:"actions"` // resend, alternate_channel, notify_next_contact
	MaxAttemptsPerRecipient int      `yaml:"max_attempts_per_recipient"`
}

// ForcedResendRule is a severity-scoped retry guarantee, independent of the
// escalation state machine.
type ForcedResendRule struct {
	Severity              string   `yaml:"severity"`
	After                 Duration `yaml:"after"`
	MaxResends            int      `yaml:"max_resends"`
	UseAlternativeChannel bool     `yaml:"use_alternative_channel"`
}

// RoleCapabilities is one row of the role-capability matrix, keyed by
// category ("*" matches any).
type RoleCapabilities struct {
	Categories         []string `yaml:"categories"`
	CanView            bool     `yaml:"can_view"`
	CanCancel          bool     `yaml:"can_cancel"`
	CanResend          bool     `yaml:"can_resend"`
	CanModify          bool     `yaml:"can_modify"`
	CanInitiate        bool     `yaml:"can_initiate"`
	CanViewDeliveryLog bool     `yaml:"can_view_delivery_logs"`
	CanExport          bool     `yaml:"can_export"`
}

// CategoryDefault describes a category's school-level default: enabled flag
// and ordered channel sequence.
type CategoryDefault struct {
	Enabled  bool     `yaml:"enabled"`
	Channels []string `yaml:"channels"`
}

// Policy bundles the admin-editable tables. It is loaded once at startup
// and passed into components explicitly; nothing reads it as shared mutable
// state.
type Policy struct {
	SweepInterval      Duration                     `yaml:"sweep_interval"`
	LeaseTimeout       Duration                     `yaml:"lease_timeout"`
	GatewayTimeout     Duration                     `yaml:"gateway_timeout"`
	DispatchWorkers    int                          `yaml:"dispatch_workers"`
	MaxAttempts        int                          `yaml:"max_attempts"`
	EscalationLevels   []EscalationLevel            `yaml:"escalation_levels"`
	ForcedResendRules  []ForcedResendRule           `yaml:"forced_resend_rules"`
	Roles              map[string]RoleCapabilities  `yaml:"roles"`
	CategoryDefaults   map[string]CategoryDefault   `yaml:"category_defaults"`
	ChannelRatesPerSec map[string]float64           `yaml:"channel_rates_per_sec"`
}

// Default returns the built-in policy used when no policy file is
// configured. The escalation ladder matches the standard critical-response
// playbook: 5, 15 and 30 minute rungs.
func Default() *Policy {
	return &Policy{
		SweepInterval:   Duration(30 * time.Second),
		LeaseTimeout:    Duration(2 * time.Minute),
		GatewayTimeout:  Duration(10 * time.Second),
		DispatchWorkers: 4,
		MaxAttempts:     3,
		EscalationLevels: []EscalationLevel{
			{Level: 1, TriggerAfter: Duration(5 * time.Minute), Actions: []string{"resend"}, MaxAttemptsPerRecipient: 4},
			{Level: 2, TriggerAfter: Duration(15 * time.Minute), Actions: []string{"resend", "alternate_channel"}, MaxAttemptsPerRecipient: 6},
			{Level: 3, TriggerAfter: Duration(30 * time.Minute), Actions: []string{"resend", "alternate_channel", "notify_next_contact"}, MaxAttemptsPerRecipient: 8},
		},
		ForcedResendRules: []ForcedResendRule{
			{Severity: types.SeverityHigh, After: Duration(10 * time.Minute), MaxResends: 1, UseAlternativeChannel: false},
			{Severity: types.SeverityCritical, After: Duration(3 * time.Minute), MaxResends: 2, UseAlternativeChannel: true},
		},
		Roles: map[string]RoleCapabilities{
			types.RoleGuardian: {
				Categories: []string{"*"},
				CanView:    true,
			},
			types.RoleTeacher: {
				Categories: []string{types.CategoryAttendance, types.CategoryAcademic},
				CanView:    true,
				CanResend:  true,
			},
			types.RoleSchoolAdmin: {
				Categories:         []string{"*"},
				CanView:            true,
				CanCancel:          true,
				CanResend:          true,
				CanModify:          true,
				CanInitiate:        true,
				CanViewDeliveryLog: true,
				CanExport:          true,
			},
			types.RoleDistrict: {
				Categories:         []string{"*"},
				CanView:            true,
				CanCancel:          true,
				CanResend:          true,
				CanModify:          true,
				CanInitiate:        true,
				CanViewDeliveryLog: true,
				CanExport:          true,
			},
		},
		CategoryDefaults: map[string]CategoryDefault{
			types.CategoryEmergency:      {Enabled: true, Channels: []string{types.ChannelChat, types.ChannelSMS, types.ChannelEmail, types.ChannelVoice}},
			types.CategoryAttendance:     {Enabled: false, Channels: []string{types.ChannelChat, types.ChannelSMS, types.ChannelEmail}},
			types.CategoryAcademic:       {Enabled: false, Channels: []string{types.ChannelChat, types.ChannelEmail}},
			types.CategoryFee:            {Enabled: false, Channels: []string{types.ChannelEmail, types.ChannelSMS}},
			types.CategoryAdministrative: {Enabled: false, Channels: []string{types.ChannelEmail}},
		},
		ChannelRatesPerSec: map[string]float64{
			types.ChannelChat:  50,
			types.ChannelSMS:   10,
			types.ChannelEmail: 20,
			types.ChannelVoice: 2,
		},
	}
}

// Load reads a policy file and overlays it on the defaults, so a partial
// file only overrides the tables it names.
func Load(path string) (*Policy, error) {
	p := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate rejects ladders that would break the state machine's bounds.
func (p *Policy) Validate() error {
	prev := 0
	for _, level := range p.EscalationLevels {
		if level.Level != prev+1 {
			return fmt.Errorf("%w: escalation levels must be contiguous from 1, got %d after %d", types.ErrValidation, level.Level, prev)
		}
		if level.TriggerAfter <= 0 {
			return fmt.Errorf("%w: escalation level %d has no trigger delay", types.ErrValidation, level.Level)
		}
		prev = level.Level
	}

	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", types.ErrValidation)
	}

	if p.DispatchWorkers < 1 {
		p.DispatchWorkers = 1
	}

	for severity := range groupBySeverity(p.ForcedResendRules) {
		switch severity {
		case types.SeverityElevated, types.SeverityHigh, types.SeverityCritical:
		default:
			return fmt.Errorf("%w: unknown severity %q in forced resend rules", types.ErrValidation, severity)
		}
	}

	return nil
}

// MaxEscalationLevel is the top rung of the configured ladder; 0 means no
// auto-escalation at all.
func (p *Policy) MaxEscalationLevel() int {
	if len(p.EscalationLevels) == 0 {
		return 0
	}
	return p.EscalationLevels[len(p.EscalationLevels)-1].Level
}

// LevelFor returns the config for a ladder rung, or false when the ladder
// has no such rung (fail toward requiring a human).
func (p *Policy) LevelFor(level int) (EscalationLevel, bool) {
	for _, l := range p.EscalationLevels {
		if l.Level == level {
			return l, true
		}
	}
	return EscalationLevel{}, false
}

// ResendRuleFor returns the forced-resend rule for a severity, if any.
func (p *Policy) ResendRuleFor(severity string) (ForcedResendRule, bool) {
	for _, r := range p.ForcedResendRules {
		if r.Severity == severity {
			return r, true
		}
	}
	return ForcedResendRule{}, false
}

func groupBySeverity(rules []ForcedResendRule) map[string][]ForcedResendRule {
	out := make(map[string][]ForcedResendRule, len(rules))
	for _, r := range rules {
		out[r.Severity] = append(out[r.Severity], r)
	}
	return out
}
