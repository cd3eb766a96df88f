package api

import (
	"github.com/gin-gonic/gin"

	"github.com/cadreworks/cadre/internal/metrics"
)

// setupRoutes configures all API routes. Read endpoints and control
// endpoints run under separate rate limit tiers; control endpoints
// additionally require the operator token when one is configured.
func (s *Server) setupRoutes(controlToken string) {
	v1 := s.router.Group("/api/v1")
	v1.Use(s.limits.GlobalMiddleware())
	{
		v1.GET("/status", s.handleGetStatus)
		v1.GET("/health", s.handleGetHealth)

		read := v1.Group("", s.limits.ReadMiddleware())
		{
			tasks := read.Group("/tasks")
			{
				tasks.GET("", s.handleListTasks)
				tasks.GET("/:id", s.handleGetTask)
				tasks.GET("/:id/agents", s.handleListTaskAgents)
				tasks.GET("/:id/decisions", s.handleListDecisions)
				tasks.GET("/:id/appeals", s.handleListAppeals)
				tasks.GET("/:id/elections", s.handleListElections)
				tasks.GET("/:id/messages", s.handleListMessages)
				tasks.GET("/:id/audits", s.handleListAudits)
			}

			read.GET("/agents/:id", s.handleGetAgent)
			read.GET("/decisions/:id", s.handleGetDecision)
		}

		control := v1.Group("/tasks", s.limits.ControlMiddleware(), TokenAuth(controlToken))
		{
			control.POST("/:id/pause", s.handlePauseTask)
			control.POST("/:id/resume", s.handleResumeTask)
			control.POST("/:id/cancel", s.handleCancelTask)
			control.POST("/:id/complete", s.handleCompleteTask)
		}
	}

	s.router.GET("/", s.handleRoot)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/ws/events", s.handleEventsFeed)
}
