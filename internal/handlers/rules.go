package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/schoolsignal-dev/schoolsignal/db"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
	"github.com/schoolsignal-dev/schoolsignal/internal/utils"
	"github.com/schoolsignal-dev/schoolsignal/internal/visibility"
)

type RuleRequest struct {
	EventType        string   `json:"event_type" binding:"required"`
	Category         string   `json:"category" binding:"required"`
	DefaultChannel   string   `json:"default_channel" binding:"required"`
	Channels         []string `json:"channels"`
	RequiresApproval bool     `json:"requires_approval"`
	Enabled          bool     `json:"enabled"`
	HonorOptOut      *bool    `json:"honor_opt_out"`
}

type CategorySettingRequest struct {
	Category string `json:"category" binding:"required"`
	Enabled  bool   `json:"enabled"`
}

func ListRules(c *gin.Context) {
	role, ok := ruleAdmin(c)
	if !ok {
		return
	}

	var ruleRows []models.NotificationRule
	if err := db.DB.Where("school_id = ?", role.SchoolID).Order("event_type ASC").Find(&ruleRows).Error; err != nil {
		log.Error().Err(err).Msg("Failed to load rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load rules"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": ruleRows})
}

func CreateRule(c *gin.Context) {
	role, ok := ruleAdmin(c)
	if !ok {
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	rule, err := ruleFromRequest(role.SchoolID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := db.DB.Create(rule).Error; err != nil {
		log.Error().Err(err).Msg("Failed to create rule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create rule"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

func UpdateRule(c *gin.Context) {
	role, ok := ruleAdmin(c)
	if !ok {
		return
	}

	ruleID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rule ID"})
		return
	}

	var existing models.NotificationRule
	if err := db.DB.Where("id = ? AND school_id = ?", ruleID, role.SchoolID).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load rule"})
		}
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	updated, err := ruleFromRequest(role.SchoolID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	existing.EventType = updated.EventType
	existing.Category = updated.Category
	existing.DefaultChannel = updated.DefaultChannel
	existing.Channels = updated.Channels
	existing.RequiresApproval = updated.RequiresApproval
	existing.Enabled = updated.Enabled
	existing.HonorOptOut = updated.HonorOptOut

	if err := db.DB.Save(&existing).Error; err != nil {
		log.Error().Err(err).Msg("Failed to update rule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update rule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": existing})
}

func DeleteRule(c *gin.Context) {
	role, ok := ruleAdmin(c)
	if !ok {
		return
	}

	ruleID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rule ID"})
		return
	}

	result := db.DB.Where("id = ? AND school_id = ?", ruleID, role.SchoolID).Delete(&models.NotificationRule{})
	if result.Error != nil {
		log.Error().Err(result.Error).Msg("Failed to delete rule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete rule"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted"})
}

// ListCategorySettings returns the school's merged category enablement:
// policy defaults overlaid with the school's own rows.
func ListCategorySettings(c *gin.Context) {
	role, ok := ruleAdmin(c)
	if !ok {
		return
	}

	enabled, err := categoryEnablement(role.SchoolID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load category settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load category settings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"categories": enabled})
}

// UpsertCategorySetting flips one category on or off for the school. The
// emergency category cannot be disabled.
func UpsertCategorySetting(c *gin.Context) {
	role, ok := ruleAdmin(c)
	if !ok {
		return
	}

	var req CategorySettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if req.Category == types.CategoryEmergency {
		c.JSON(http.StatusBadRequest, gin.H{"error": "The emergency category is always enabled"})
		return
	}
	if !validCategory(req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown category"})
		return
	}

	var setting models.CategorySetting
	err := db.DB.Where("school_id = ? AND category = ?", role.SchoolID, req.Category).First(&setting).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		setting = models.CategorySetting{SchoolID: role.SchoolID, Category: req.Category, Enabled: req.Enabled}
		err = db.DB.Create(&setting).Error
	case err == nil:
		setting.Enabled = req.Enabled
		err = db.DB.Save(&setting).Error
	}

	if err != nil {
		log.Error().Err(err).Msg("Failed to save category setting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save category setting"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"category": setting.Category, "enabled": setting.Enabled})
}

func ruleAdmin(c *gin.Context) (types.RoleContext, bool) {
	role, err := utils.GetRoleContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return types.RoleContext{}, false
	}

	perm := Gate.Permissions(role, visibility.Context{SchoolID: role.SchoolID, Category: types.CategoryAdministrative})
	if !perm.CanModify {
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
		return types.RoleContext{}, false
	}

	return role, true
}

func ruleFromRequest(schoolID uint, req RuleRequest) (*models.NotificationRule, error) {
	if !validCategory(req.Category) {
		return nil, types.ErrValidation
	}
	if !validChannel(req.DefaultChannel) {
		return nil, types.ErrValidation
	}
	for _, channel := range req.Channels {
		if !validChannel(channel) {
			return nil, types.ErrValidation
		}
	}

	honorOptOut := true
	if req.HonorOptOut != nil {
		honorOptOut = *req.HonorOptOut
	}

	// Emergency rules are always live and always override opt-outs.
	enabled := req.Enabled
	if req.Category == types.CategoryEmergency {
		enabled = true
		honorOptOut = false
	}

	rule := &models.NotificationRule{
		SchoolID:         schoolID,
		EventType:        req.EventType,
		Category:         req.Category,
		DefaultChannel:   req.DefaultChannel,
		RequiresApproval: req.RequiresApproval,
		Enabled:          enabled,
		HonorOptOut:      honorOptOut,
	}

	if len(req.Channels) > 0 {
		raw, err := json.Marshal(req.Channels)
		if err != nil {
			return nil, err
		}
		rule.Channels = datatypes.JSON(raw)
	}

	return rule, nil
}

func validCategory(category string) bool {
	switch category {
	case types.CategoryEmergency, types.CategoryAttendance, types.CategoryAcademic,
		types.CategoryFee, types.CategoryAdministrative:
		return true
	}
	return false
}

func validChannel(channel string) bool {
	switch channel {
	case types.ChannelChat, types.ChannelSMS, types.ChannelEmail, types.ChannelVoice:
		return true
	}
	return false
}
