package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/schoolsignal-dev/schoolsignal/db"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
	"github.com/schoolsignal-dev/schoolsignal/internal/utils"
	"github.com/schoolsignal-dev/schoolsignal/internal/visibility"
)

type ResendNotificationRequest struct {
	UseAlternativeChannel bool `json:"use_alternative_channel"`
}

// ListNotifications returns the caller's role-projected view. Guardians
// see only their own rows; school staff see the school's, filtered by the
// optional category and status query params.
func ListNotifications(c *gin.Context) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	query := db.DB.Where("school_id = ?", role.SchoolID)

	if role.Role == types.RoleGuardian {
		query = query.Where("recipient_id = ?", role.UserID).
			Where("status <> ?", types.StatusDraft)
	}

	if category := c.Query("category"); category != "" {
		query = query.Where("category = ?", category)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	var notifications []models.QueuedNotification
	if err := query.Order("created_at DESC").Limit(limit).Find(&notifications).Error; err != nil {
		log.Error().Err(err).Msg("Failed to load notifications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load notifications"})
		return
	}

	views := make([]visibility.NotificationView, 0, len(notifications))
	for i := range notifications {
		view := Gate.Project(role, &notifications[i])
		perm := Gate.Permissions(role, visibility.Context{SchoolID: notifications[i].SchoolID, Category: notifications[i].Category})
		if !perm.CanView {
			continue
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"notifications": views})
}

func GetNotification(c *gin.Context) {
	role, n, ok := notificationForRole(c, func(p visibility.Permission) bool { return p.CanView })
	if !ok {
		return
	}

	response := gin.H{"notification": Gate.Project(role, n)}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: n.SchoolID, Category: n.Category})
	if perm.CanViewDeliveryLog {
		var attempts []models.DeliveryAttempt
		if err := db.DB.Where("notification_id = ?", n.ID).Order("attempt_number ASC").Find(&attempts).Error; err == nil {
			response["delivery_attempts"] = attempts
		}
		var history []models.StatusChange
		if err := db.DB.Where("notification_id = ?", n.ID).Order("id ASC").Find(&history).Error; err == nil {
			response["status_history"] = history
		}
	}

	c.JSON(http.StatusOK, response)
}

func CancelNotification(c *gin.Context) {
	_, n, ok := notificationForRole(c, func(p visibility.Permission) bool { return p.CanCancel })
	if !ok {
		return
	}

	if err := Dispatch.Cancel(n.PublicID, "cancelled by operator"); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": n.PublicID, "message": "Notification cancelled"})
}

// ResendNotification re-admits a settled notification with a fresh attempt
// budget. Only terminal notifications can be resent; anything still moving
// through the queue is a conflict.
func ResendNotification(c *gin.Context) {
	_, n, ok := notificationForRole(c, func(p visibility.Permission) bool { return p.CanResend })
	if !ok {
		return
	}

	if !types.IsTerminalStatus(n.Status) && n.Status != types.StatusFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "Notification is still in flight"})
		return
	}

	var req ResendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	startChannel := 0
	if req.UseAlternativeChannel && len(n.ChannelSequence()) > 1 {
		startChannel = 1
	}

	if err := Dispatch.Resend(n, startChannel); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": n.PublicID, "message": "Resend queued"})
}

// ApproveNotification releases a draft created by a rule with
// requires_approval into the delivery queue.
func ApproveNotification(c *gin.Context) {
	_, n, ok := notificationForRole(c, func(p visibility.Permission) bool { return p.CanModify })
	if !ok {
		return
	}

	if n.Status != types.StatusDraft {
		c.JSON(http.StatusConflict, gin.H{"error": "Notification is not awaiting approval"})
		return
	}

	if err := Dispatch.Enqueue(n); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": n.PublicID, "message": "Notification approved"})
}

// ProcessQueue wakes the dispatch workers immediately instead of waiting
// for the next tick.
func ProcessQueue(c *gin.Context) {
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

	Dispatch.ProcessNow()
	c.JSON(http.StatusOK, gin.H{"pending": Dispatch.Pending()})
}

func notificationForRole(c *gin.Context, allowed func(visibility.Permission) bool) (types.RoleContext, *models.QueuedNotification, bool) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return types.RoleContext{}, nil, false
	}

	id, err := utils.GetNotificationID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Notification ID is required"})
		return types.RoleContext{}, nil, false
	}

	var n models.QueuedNotification
	if err := db.DB.Where("public_id = ?", id).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		} else {
			log.Error().Err(err).Msg("Failed to load notification")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load notification"})
		}
		return types.RoleContext{}, nil, false
	}

	if role.Role == types.RoleGuardian && n.RecipientID != role.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return types.RoleContext{}, nil, false
	}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: n.SchoolID, Category: n.Category})
	if !allowed(perm) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return types.RoleContext{}, nil, false
	}

	return role, &n, true
}
