package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/schoolsignal-dev/schoolsignal/db"
	"github.com/schoolsignal-dev/schoolsignal/internal/audit"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/rules"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
	"github.com/schoolsignal-dev/schoolsignal/internal/utils"
	"github.com/schoolsignal-dev/schoolsignal/internal/visibility"
)

type IngestEventRequest struct {
	EventType string                 `json:"event_type" binding:"required"`
	Payload   map[string]interface{} `json:"payload"`
	StudentID uint                   `json:"student_id"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
}

// IngestEvent runs every matching rule against every guardian of the
// school and enqueues the surviving candidates. Suppressions and broken
// rules are reported back and audited, never silently dropped.
func IngestEvent(c *gin.Context) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: role.SchoolID, Category: types.CategoryAdministrative})
	if !perm.CanModify {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return
	}

	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	event := types.TriggerEvent{
		EventType: req.EventType,
		Payload:   req.Payload,
		Timestamp: time.Now(),
		SchoolID:  role.SchoolID,
		StudentID: req.StudentID,
	}

	// Emergency rules cannot be switched off, so they are loaded
	// regardless of the enabled flag.
	var matched []models.NotificationRule
	if err := db.DB.Where("school_id = ? AND event_type = ? AND (enabled = ? OR category = ?)",
		role.SchoolID, req.EventType, true, types.CategoryEmergency).
		Find(&matched).Error; err != nil {
		log.Error().Err(err).Msg("Failed to load notification rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load rules"})
		return
	}

	enabled, err := categoryEnablement(role.SchoolID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load category settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load category settings"})
		return
	}

	recipients, err := schoolRecipients(role.SchoolID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load recipients")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load recipients"})
		return
	}

	results := rules.Evaluate(rules.EvalContext{
		Event:           event,
		Rules:           matched,
		CategoryEnabled: enabled,
		Recipients:      recipients,
	})

	var enqueued, suppressed, pendingApproval, noChannel, failed int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			log.Warn().Uint("rule_id", r.RuleID).Err(r.Err).Msg("Rule evaluation failed")

		case r.Suppressed:
			suppressed++
			Audit.Emit(audit.Event{
				Type:     audit.EventRuleSuppressed,
				At:       time.Now(),
				SchoolID: role.SchoolID,
				Detail: map[string]interface{}{
					"rule_id":      r.RuleID,
					"recipient_id": r.RecipientID,
					"event_type":   req.EventType,
					"reason":       r.Reason,
				},
			})

		default:
			n := notificationFromCandidate(role.SchoolID, *r.Candidate, req.Subject, req.Body)

			Audit.Emit(audit.Event{
				Type:     audit.EventRuleMatched,
				At:       time.Now(),
				SchoolID: role.SchoolID,
				Detail: map[string]interface{}{
					"rule_id":      r.RuleID,
					"recipient_id": r.RecipientID,
					"event_type":   req.EventType,
					"category":     r.Candidate.Category,
				},
			})

			switch {
			case len(r.Candidate.Channels) == 0:
				// No reachable channel is a recorded outcome, not a drop.
				n.Status = types.StatusNoChannel
				if err := db.DB.Create(n).Error; err != nil {
					failed++
					continue
				}
				noChannel++

			case r.Candidate.RequiresApproval:
				n.Status = types.StatusDraft
				if err := db.DB.Create(n).Error; err != nil {
					failed++
					continue
				}
				pendingApproval++

			default:
				if err := Dispatch.Enqueue(n); err != nil {
					failed++
					log.Error().Uint("rule_id", r.RuleID).Err(err).Msg("Failed to enqueue notification")
					continue
				}
				enqueued++
			}
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"enqueued":         enqueued,
		"suppressed":       suppressed,
		"pending_approval": pendingApproval,
		"no_channel":       noChannel,
		"failed":           failed,
	})
}

func notificationFromCandidate(schoolID uint, candidate rules.Candidate, subject, body string) *models.QueuedNotification {
	n := &models.QueuedNotification{
		PublicID:     uuid.NewString(),
		SchoolID:     schoolID,
		RecipientID:  candidate.RecipientID,
		Category:     candidate.Category,
		Severity:     candidate.Severity,
		Priority:     types.BasePriority(candidate.Severity),
		Subject:      subject,
		Body:         body,
		ScheduledFor: time.Now(),
		MaxAttempts:  Policy.MaxAttempts,
		Status:       types.StatusPending,
	}
	if err := n.SetChannelSequence(candidate.Channels); err != nil {
		log.Error().Err(err).Msg("Failed to encode channel sequence")
	}
	return n
}

// categoryEnablement merges the policy defaults with the school's
// CategorySetting rows. Emergency stays always-on inside the engine.
func categoryEnablement(schoolID uint) (map[string]bool, error) {
	enabled := make(map[string]bool, len(Policy.CategoryDefaults))
	for category, def := range Policy.CategoryDefaults {
		enabled[category] = def.Enabled
	}

	var settings []models.CategorySetting
	if err := db.DB.Where("school_id = ?", schoolID).Find(&settings).Error; err != nil {
		return nil, err
	}
	for _, s := range settings {
		enabled[s.Category] = s.Enabled
	}

	return enabled, nil
}

func schoolRecipients(schoolID uint) ([]rules.Recipient, error) {
	var guardians []models.Guardian
	if err := db.DB.Preload("OptOuts").Where("school_id = ?", schoolID).Find(&guardians).Error; err != nil {
		return nil, err
	}

	recipients := make([]rules.Recipient, 0, len(guardians))
	for _, g := range guardians {
		optOuts := make(map[string]bool, len(g.OptOuts))
		for _, o := range g.OptOuts {
			optOuts[o.Category] = true
		}
		recipients = append(recipients, rules.Recipient{ID: g.ID, OptOuts: optOuts})
	}
	return recipients, nil
}
