package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/schoolsignal-dev/schoolsignal/internal/handlers"
	"github.com/schoolsignal-dev/schoolsignal/internal/middleware"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

func NewRouter() *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(cors.New(cors.Config{
		AllowOrigins:     types.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", handlers.HealthCheck)
		api.GET("/ws/:school_id", middleware.AuthMiddleware(), handlers.WebSocket)

		emergencies := api.Group("/emergencies", middleware.AuthMiddleware())
		{
			emergencies.POST("", handlers.CreateEmergency)
			emergencies.GET("", handlers.ListEmergencies)
			emergencies.GET("/:case_id", handlers.GetEmergency)
			emergencies.POST("/:case_id/broadcast", handlers.BroadcastEmergency)
			emergencies.POST("/:case_id/escalate", handlers.EscalateEmergency)
			emergencies.POST("/:case_id/resolve", handlers.ResolveEmergency)
			emergencies.POST("/:case_id/cancel", handlers.CancelEmergency)
			emergencies.POST("/:case_id/resend", handlers.ResendEmergency)
			emergencies.POST("/:case_id/ack", handlers.AcknowledgeEmergency)
		}

		notifications := api.Group("/notifications", middleware.AuthMiddleware())
		{
			notifications.GET("", handlers.ListNotifications)
			notifications.GET("/:id", handlers.GetNotification)
			notifications.POST("/:id/cancel", handlers.CancelNotification)
			notifications.POST("/:id/resend", handlers.ResendNotification)
			notifications.POST("/:id/approve", handlers.ApproveNotification)
		}

		rules := api.Group("/rules", middleware.AuthMiddleware())
		{
			rules.GET("", handlers.ListRules)
			rules.POST("", handlers.CreateRule)
			rules.PUT("/:id", handlers.UpdateRule)
			rules.DELETE("/:id", handlers.DeleteRule)
		}

		categories := api.Group("/categories", middleware.AuthMiddleware())
		{
			categories.GET("", handlers.ListCategorySettings)
			categories.POST("", handlers.UpsertCategorySetting)
		}

		api.POST("/events", middleware.AuthMiddleware(), handlers.IngestEvent)
		api.POST("/queue/process", middleware.AuthMiddleware(), handlers.ProcessQueue)
		api.POST("/offline/sync", middleware.AuthMiddleware(), handlers.SyncOffline)
	}

	return r
}
