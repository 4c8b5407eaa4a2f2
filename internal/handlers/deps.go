package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schoolsignal-dev/schoolsignal/internal/acks"
	"github.com/schoolsignal-dev/schoolsignal/internal/audit"
	"github.com/schoolsignal-dev/schoolsignal/internal/config"
	"github.com/schoolsignal-dev/schoolsignal/internal/escalation"
	"github.com/schoolsignal-dev/schoolsignal/internal/offline"
	"github.com/schoolsignal-dev/schoolsignal/internal/queue"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
	"github.com/schoolsignal-dev/schoolsignal/internal/visibility"
)

// Handler dependencies, wired once at startup. OfflineBuffer is nil when
// the local buffer is disabled.
var (
	Controller    *escalation.Controller
	Dispatch      *queue.Queue
	Gate          *visibility.Gate
	Tracker       *acks.Tracker
	Policy        *config.Policy
	Audit         audit.Sink
	OfflineBuffer *offline.Buffer
)

type Deps struct {
	Controller    *escalation.Controller
	Dispatch      *queue.Queue
	Gate          *visibility.Gate
	Tracker       *acks.Tracker
	Policy        *config.Policy
	Audit         audit.Sink
	OfflineBuffer *offline.Buffer
}

func Init(d Deps) {
	Controller = d.Controller
	Dispatch = d.Dispatch
	Gate = d.Gate
	Tracker = d.Tracker
	Policy = d.Policy
	Audit = d.Audit
	OfflineBuffer = d.OfflineBuffer
}

// respondError maps the domain sentinels onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "Permission denied"})
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, types.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
