package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/schoolsignal-dev/schoolsignal/db"
	"github.com/schoolsignal-dev/schoolsignal/internal/escalation"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
	"github.com/schoolsignal-dev/schoolsignal/internal/utils"
	"github.com/schoolsignal-dev/schoolsignal/internal/visibility"
)

type CreateEmergencyRequest struct {
	EventType      string   `json:"event_type" binding:"required"`
	Severity       string   `json:"severity"`
	Title          string   `json:"title" binding:"required"`
	Description    string   `json:"description"`
	ActionRequired string   `json:"action_required"`
	SafetyNotes    []string `json:"safety_notes"`
	RequireAck     *bool    `json:"require_ack"`
}

type CancelEmergencyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ForcedResendRequest struct {
	RecipientID           uint `json:"recipient_id" binding:"required"`
	UseAlternativeChannel bool `json:"use_alternative_channel"`
}

type AcknowledgeRequest struct {
	Channel string `json:"channel"`
}

func CreateEmergency(c *gin.Context) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: role.SchoolID, Category: types.CategoryEmergency})
	if !perm.CanInitiate {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return
	}

	var req CreateEmergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	requireAck := true
	if req.RequireAck != nil {
		requireAck = *req.RequireAck
	}

	emergency, err := Controller.Initiate(escalation.InitiateParams{
		SchoolID:       role.SchoolID,
		InitiatedBy:    role.UserID,
		EventType:      req.EventType,
		Severity:       req.Severity,
		Title:          req.Title,
		Description:    req.Description,
		ActionRequired: req.ActionRequired,
		SafetyNotes:    req.SafetyNotes,
		RequireAck:     requireAck,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"case_id":  emergency.PublicID,
		"state":    emergency.State,
		"severity": emergency.Severity,
	})
}

// BroadcastEmergency fans the case out to every guardian of the school.
// Each guardian's channel sequence is the emergency channel order filtered
// down to the contact details that guardian actually has.
func BroadcastEmergency(c *gin.Context) {
	role, emergency, ok := emergencyForUpdate(c, func(p visibility.Permission) bool { return p.CanInitiate })
	if !ok {
		return
	}

	var guardians []models.Guardian
	if err := db.DB.Where("school_id = ?", role.SchoolID).Find(&guardians).Error; err != nil {
		log.Error().Err(err).Msg("Failed to load guardians for broadcast")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load recipients"})
		return
	}

	order := Policy.CategoryDefaults[types.CategoryEmergency].Channels
	byID := make(map[uint]models.Guardian, len(guardians))
	for _, g := range guardians {
		byID[g.ID] = g
	}

	recipients := make([]escalation.Recipient, 0, len(guardians))
	for _, g := range guardians {
		r := escalation.Recipient{GuardianID: g.ID, Channels: g.ReachableChannels(order)}
		if g.NextContactID != nil {
			if backup, ok := byID[*g.NextContactID]; ok {
				r.NextContactID = backup.ID
				r.NextContactChannels = backup.ReachableChannels(order)
			}
		}
		recipients = append(recipients, r)
	}

	if err := Controller.Broadcast(emergency.ID, recipients); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"case_id":    emergency.PublicID,
		"recipients": len(recipients),
	})
}

func EscalateEmergency(c *gin.Context) {
	role, emergency, ok := emergencyForUpdate(c, func(p visibility.Permission) bool { return p.CanModify })
	if !ok {
		return
	}

	if err := Controller.ManualEscalate(emergency.ID, role.UserID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"case_id": emergency.PublicID, "message": "Escalation triggered"})
}

func ResolveEmergency(c *gin.Context) {
	role, emergency, ok := emergencyForUpdate(c, func(p visibility.Permission) bool { return p.CanModify })
	if !ok {
		return
	}

	if err := Controller.Resolve(emergency.ID, role.UserID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"case_id": emergency.PublicID, "message": "Case resolved"})
}

func CancelEmergency(c *gin.Context) {
	role, emergency, ok := emergencyForUpdate(c, func(p visibility.Permission) bool { return p.CanCancel })
	if !ok {
		return
	}

	var req CancelEmergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cancellation reason is required"})
		return
	}

	if err := Controller.Cancel(emergency.ID, role.UserID, req.Reason); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"case_id": emergency.PublicID, "message": "Case cancelled"})
}

func ResendEmergency(c *gin.Context) {
	role, emergency, ok := emergencyForUpdate(c, func(p visibility.Permission) bool { return p.CanResend })
	if !ok {
		return
	}

	var req ForcedResendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if err := Controller.ForcedResend(emergency.ID, role.UserID, req.RecipientID, req.UseAlternativeChannel); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"case_id": emergency.PublicID, "message": "Resend queued"})
}

// AcknowledgeEmergency records a guardian acknowledgment. Duplicate
// acknowledgments are accepted and reported as already recorded; the first
// write wins.
func AcknowledgeEmergency(c *gin.Context) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	caseID, err := utils.GetCaseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Case ID is required"})
		return
	}

	emergency, err := Controller.CaseByPublicID(caseID)
	if err != nil {
		respondError(c, err)
		return
	}

	if emergency.SchoolID != role.SchoolID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return
	}

	var req AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	if req.Channel == "" {
		req.Channel = types.ChannelChat
	}

	created, err := Tracker.Record(c.Request.Context(), emergency.ID, role.UserID, req.Channel, time.Now())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"case_id":      emergency.PublicID,
		"acknowledged": true,
		"first":        created,
	})
}

func GetEmergency(c *gin.Context) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	caseID, err := utils.GetCaseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Case ID is required"})
		return
	}

	emergency, err := Controller.CaseByPublicID(caseID)
	if err != nil {
		respondError(c, err)
		return
	}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: emergency.SchoolID, Category: types.CategoryEmergency})
	if !perm.CanView {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return
	}

	summary, err := Controller.Summarize(emergency.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"case":                summary,
		"description":         emergency.Description,
		"action_required":     emergency.ActionRequired,
		"safety_instructions": emergency.SafetyInstructions(),
	})
}

func ListEmergencies(c *gin.Context) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: role.SchoolID, Category: types.CategoryEmergency})
	if !perm.CanView {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cases": Controller.Summaries(role.SchoolID)})
}

// emergencyForUpdate resolves the role, the case and the permission check
// shared by every mutating emergency handler.
func emergencyForUpdate(c *gin.Context, allowed func(visibility.Permission) bool) (types.RoleContext, *models.EmergencyCase, bool) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return types.RoleContext{}, nil, false
	}

	caseID, err := utils.GetCaseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Case ID is required"})
		return types.RoleContext{}, nil, false
	}

	emergency, err := Controller.CaseByPublicID(caseID)
	if err != nil {
		respondError(c, err)
		return types.RoleContext{}, nil, false
	}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: emergency.SchoolID, Category: types.CategoryEmergency})
	if !allowed(perm) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return types.RoleContext{}, nil, false
	}

	return role, emergency, true
}

