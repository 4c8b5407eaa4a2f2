package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/schoolsignal-dev/schoolsignal/db"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/offline"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
	"github.com/schoolsignal-dev/schoolsignal/internal/utils"
	"github.com/schoolsignal-dev/schoolsignal/internal/visibility"
)

type OfflineSyncRequest struct {
	Entries []offline.Entry `json:"entries" binding:"required"`
}

// SyncOffline accepts a client's buffered actions and replays the whole
// local buffer in creation order. Entries are keyed by their client
// offline id, so syncing the same batch twice creates nothing new.
func SyncOffline(c *gin.Context) {
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

	if OfflineBuffer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Offline buffer is not enabled"})
		return
	}

	var req OfflineSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	accepted := 0
	for _, entry := range req.Entries {
		if entry.SchoolID == 0 {
			entry.SchoolID = role.SchoolID
		}
		if entry.SchoolID != role.SchoolID {
			continue
		}
		if err := OfflineBuffer.Append(entry); err != nil {
			log.Warn().Str("offline_id", entry.OfflineID).Err(err).Msg("Failed to buffer offline entry")
			continue
		}
		accepted++
	}

	synced, err := OfflineBuffer.Replay(c.Request.Context(), applyOfflineEntry)
	if err != nil {
		log.Error().Err(err).Msg("Offline replay failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Offline replay failed"})
		return
	}

	pending, err := OfflineBuffer.Pending()
	if err != nil {
		pending = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted": accepted,
		"synced":   synced,
		"pending":  pending,
	})
}

// applyOfflineEntry turns one buffered action into a queued notification.
// The offline id check makes replays of already-synced entries no-ops.
func applyOfflineEntry(e offline.Entry) error {
	var count int64
	if err := db.DB.Model(&models.QueuedNotification{}).
		Where("offline_id = ?", e.OfflineID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	severity := e.Severity
	switch severity {
	case types.SeverityElevated, types.SeverityHigh, types.SeverityCritical:
	default:
		severity = types.SeverityElevated
	}

	if !validCategory(e.Category) {
		return fmt.Errorf("%w: unknown category %q", types.ErrValidation, e.Category)
	}

	n := &models.QueuedNotification{
		PublicID:     uuid.NewString(),
		OfflineID:    e.OfflineID,
		SchoolID:     e.SchoolID,
		RecipientID:  e.RecipientID,
		Category:     e.Category,
		Severity:     severity,
		Priority:     types.BasePriority(severity),
		Subject:      e.Subject,
		Body:         e.Body,
		ScheduledFor: time.Now(),
		MaxAttempts:  Policy.MaxAttempts,
		Status:       types.StatusPending,
	}
	if err := n.SetChannelSequence(e.Channels); err != nil {
		return err
	}

	return Dispatch.Enqueue(n)
}
