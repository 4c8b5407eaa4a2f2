package types

import (
	"os"
	"strings"
)

const ContextRoleKey = "role_context"

var (
	// Default allowed origins for development
	defaultOrigins = []string{
		"http://localhost:3000",
		"http://localhost:5173",
	}

	AllowedOrigins = initAllowedOrigins()
)

func initAllowedOrigins() []string {
	origins := make([]string, len(defaultOrigins))
	copy(origins, defaultOrigins)

	if clientURL := os.Getenv("CLIENT_URL"); clientURL != "" {
		origins = append(origins, clientURL)
	}

	if allowedOrigins := os.Getenv("ALLOWED_ORIGINS"); allowedOrigins != "" {
		envOrigins := strings.Split(allowedOrigins, ",")
		for _, origin := range envOrigins {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}

	return origins
}

// Notification categories. Everything except CategoryEmergency defaults to
// disabled per school and honors guardian opt-outs.
const (
	CategoryEmergency      = "emergency"
	CategoryAttendance     = "attendance"
	CategoryAcademic       = "academic"
	CategoryFee            = "fee"
	CategoryAdministrative = "administrative"
)

// Delivery channels. Voice is reserved for critical severity as a last
// resort.
const (
	ChannelChat  = "chat"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelVoice = "voice"
)

// QueuedNotification statuses. delivered, cancelled and no_channel are
// terminal; status history is append-only.
const (
	StatusDraft     = "draft"
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusNoChannel = "no_channel"
	StatusCancelled = "cancelled"
)

// EmergencyCase states.
const (
	CaseInitiated    = "initiated"
	CaseBroadcasting = "broadcasting"
	CaseAwaitingAck  = "awaiting_ack"
	CaseEscalating   = "escalating"
	CaseResolved     = "resolved"
	CaseCancelled    = "cancelled"
)

// Severities and their base queue priorities. Anything at or above
// PriorityEmergencyBand is dispatched before lower-priority work regardless
// of arrival order.
const (
	SeverityElevated = "elevated"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	PriorityElevated      = 400
	PriorityHigh          = 600
	PriorityCritical      = 800
	PriorityEmergencyBand = 800
	PriorityMax           = 1000
)

// Roles carried by the Auth collaborator's token.
const (
	RoleGuardian    = "guardian"
	RoleTeacher     = "teacher"
	RoleSchoolAdmin = "school_admin"
	RoleDistrict    = "district_admin"
)

func BasePriority(severity string) int {
	switch severity {
	case SeverityCritical:
		return PriorityCritical
	case SeverityHigh:
		return PriorityHigh
	default:
		return PriorityElevated
	}
}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusDelivered, StatusCancelled, StatusNoChannel:
		return true
	}
	return false
}

func IsTerminalCaseState(state string) bool {
	return state == CaseResolved || state == CaseCancelled
}
