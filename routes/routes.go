package routes

import (
	"backend/controllers"
	"backend/middlewares"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Controllers struct {
	Auth     *controllers.AuthController
	Capture  *controllers.CaptureController
	Ledger   *controllers.LedgerController
	Sync     *controllers.SyncController
	Realtime *controllers.RealtimeController
}

func SetupRouter(db *gorm.DB, jwtSecret string, ctrl Controllers) *gin.Engine {
	r := gin.Default()

	auth := r.Group("/auth")
	{
		auth.POST("/register", ctrl.Auth.Register)
		auth.POST("/login", ctrl.Auth.Login)
	}

	api := r.Group("/")
	api.Use(middlewares.AuthMiddleware(db, jwtSecret))
	{
		api.POST("/auth/health-token", ctrl.Auth.SetHealthToken)

		api.POST("/capture", ctrl.Capture.Post)
		api.POST("/capture/confirm", ctrl.Capture.Confirm)

		api.POST("/ledger/entries", ctrl.Ledger.CreateEntry)
		api.GET("/ledger/entries", ctrl.Ledger.ListEntries)
		api.PUT("/ledger/entries/:uuid", ctrl.Ledger.UpdateEntry)
		api.DELETE("/ledger/entries/:uuid", ctrl.Ledger.DeleteEntry)
		api.GET("/ledger/total", ctrl.Ledger.DailyTotal)
		api.GET("/ledger/net", ctrl.Ledger.NetCalories)

		api.POST("/sync/push", ctrl.Sync.Push)
		api.POST("/sync/pull", ctrl.Sync.Pull)
		api.POST("/sync/replay", ctrl.Sync.Replay)
		api.GET("/sync/dead-letters", ctrl.Sync.DeadLetters)
		api.POST("/sync/dead-letters/:id/retry", ctrl.Sync.RetryDeadLetter)
		api.DELETE("/sync/dead-letters/:id", ctrl.Sync.DiscardDeadLetter)

		api.GET("/ws", ctrl.Realtime.EventsWS)
	}

	return r
}
