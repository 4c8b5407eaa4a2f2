package utils

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

func GetRoleContext(ctx *gin.Context) (types.RoleContext, error) {
	value, exists := ctx.Get(types.ContextRoleKey)

	if !exists {
		return types.RoleContext{}, fmt.Errorf("User not authenticated")
	}

	role, ok := value.(types.RoleContext)

	if !ok {
		return types.RoleContext{}, fmt.Errorf("Invalid role context type in context")
	}

	return role, nil
}

func GetCaseID(ctx *gin.Context) (string, error) {
	caseID := ctx.Param("case_id")

	if caseID == "" {
		return "", errors.New("Case ID not found")
	}

	return caseID, nil
}

func GetNotificationID(ctx *gin.Context) (string, error) {
	id := ctx.Param("id")

	if id == "" {
		return "", errors.New("Notification ID not found")
	}

	return id, nil
}
