package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/notebook/registry"
	"github.com/cellrun/cellrun/internal/orchestrator/executor"
	"github.com/cellrun/cellrun/internal/orchestrator/history"
)

// SetupRoutes configures the orchestrator API routes. Error shaping
// for every route lives in the ErrorHandler middleware; handlers only
// record errors on the context.
func SetupRoutes(router *gin.RouterGroup, reg *registry.Registry, exec *executor.Executor, hist *history.Store, log *logger.Logger) {
	router.Use(ErrorHandler(log))
	handler := NewHandler(reg, exec, hist, log)

	// Cell routes
	cells := router.Group("/cells")
	{
		cells.POST("", handler.CreateCell)
		cells.GET("", handler.ListCells)
		cells.GET("/:cellId", handler.GetCell)
		cells.PUT("/:cellId", handler.UpdateCell)
		cells.DELETE("/:cellId", handler.DeleteCell)
		cells.POST("/:cellId/execute", handler.ExecuteCell)
		cells.GET("/:cellId/history", handler.GetCellHistory)
	}

	// Session routes
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.DeleteSession)
		sessions.POST("/:sessionId/cells/:cellId", handler.AttachCell)
	}

	// Execution and mode routes
	router.POST("/execute-all", handler.ExecuteAll)
	router.PUT("/mode", handler.SetMode)
	router.GET("/mode", handler.GetMode)
}
