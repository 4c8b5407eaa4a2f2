package visibility

import (
	"github.com/schoolsignal-dev/schoolsignal/internal/config"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// Permission is the capability set one role holds over one notification
// context. Computed per request, never persisted.
type Permission struct {
	CanView            bool `json:"can_view"`
	CanCancel          bool `json:"can_cancel"`
	CanResend          bool `json:"can_resend"`
	CanModify          bool `json:"can_modify"`
	CanInitiate        bool `json:"can_initiate"`
	CanViewDeliveryLog bool `json:"can_view_delivery_logs"`
	CanExport          bool `json:"can_export"`
}

// Context is what a permission decision is about.
type Context struct {
	SchoolID uint
	Category string
}

// Gate is the single access-control decision point. The role-capability
// matrix comes from policy configuration; unknown roles are denied
// everything (fail closed).
type Gate struct {
	roles map[string]config.RoleCapabilities
}

func NewGate(policy *config.Policy) *Gate {
	return &Gate{roles: policy.Roles}
}

// Permissions is a pure function of (role, context): same inputs, same
// result, no side effects.
func (g *Gate) Permissions(role types.RoleContext, ctx Context) Permission {
	caps, ok := g.roles[role.Role]
	if !ok {
		return Permission{}
	}

	// A role scoped to another school holds nothing here.
	if role.SchoolID != ctx.SchoolID {
		return Permission{}
	}

	if !categoryAllowed(caps.Categories, ctx.Category) {
		return Permission{}
	}

	return Permission{
		CanView:            caps.CanView,
		CanCancel:          caps.CanCancel,
		CanResend:          caps.CanResend,
		CanModify:          caps.CanModify,
		CanInitiate:        caps.CanInitiate,
		CanViewDeliveryLog: caps.CanViewDeliveryLog,
		CanExport:          caps.CanExport,
	}
}

func categoryAllowed(allowed []string, category string) bool {
	for _, c := range allowed {
		if c == "*" || c == category {
			return true
		}
	}
	return false
}

// NotificationView is the role-projected shape of a queued notification.
// The same underlying status renders differently per role: internal error
// detail and the no_channel status are admin-only.
type NotificationView struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	Channel      string `json:"channel,omitempty"`
	Subject      string `json:"subject"`
	Attempts     int    `json:"attempts,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ScheduledFor string `json:"scheduled_for"`
}

// Project renders a notification for one role. Guardian-facing surfaces
// never see internal failure text; a terminal no_channel shows as a plain
// "pending" so the failure handling stays an operational concern.
func (g *Gate) Project(role types.RoleContext, n *models.QueuedNotification) NotificationView {
	perm := g.Permissions(role, Context{SchoolID: n.SchoolID, Category: n.Category})

	view := NotificationView{
		ID:           n.PublicID,
		Category:     n.Category,
		Status:       n.Status,
		Subject:      n.Subject,
		ScheduledFor: n.ScheduledFor.Format("2006-01-02T15:04:05Z07:00"),
	}

	if perm.CanViewDeliveryLog {
		view.Attempts = n.Attempts
		view.MaxAttempts = n.MaxAttempts
		view.LastError = n.LastError
		channels := n.ChannelSequence()
		if n.ChannelIndex < len(channels) {
			view.Channel = channels[n.ChannelIndex]
		} else if len(channels) > 0 {
			view.Channel = channels[len(channels)-1]
		}
		return view
	}

	if n.Status == types.StatusNoChannel || n.Status == types.StatusFailed {
		view.Status = types.StatusPending
	}
	return view
}
