package api

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/audit"
	"github.com/cadreworks/cadre/internal/kernel"
)

const defaultListLimit = 50

var startTime = time.Now()

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "cadre API",
		"version": "0.1.0",
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleGetStatus returns component health and process stats
func (s *Server) handleGetStatus(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbStatus := "not_configured"
	if s.db != nil {
		dbStatus = "healthy"
		if err := s.db.Ping(c.Request.Context()); err != nil {
			dbStatus = "unhealthy"
			log.Warn().Err(err).Msg("Database health check failed")
		}
	}

	controlStatus := "not_configured"
	if s.control != nil {
		controlStatus = "configured"
	}

	systemStatus := "healthy"
	if dbStatus == "unhealthy" {
		systemStatus = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    systemStatus,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(startTime).Seconds(),
		"components": gin.H{
			"database":      gin.H{"status": dbStatus},
			"control_plane": gin.H{"status": controlStatus},
			"websocket":     gin.H{"clients": s.hub.ClientCount()},
		},
		"system": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"memory": gin.H{
				"alloc_mb": memStats.Alloc / 1024 / 1024,
				"sys_mb":   memStats.Sys / 1024 / 1024,
				"num_gc":   memStats.NumGC,
			},
			"go_version": runtime.Version(),
		},
	})
}

// handleGetHealth is the load balancer probe
func (s *Server) handleGetHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// requireDB answers 503 and returns false when no database is wired
func (s *Server) requireDB(c *gin.Context) bool {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "database not available",
		})
		return false
	}
	return true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit < 0 {
		return defaultListLimit
	}
	return limit
}

func (s *Server) handleListTasks(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	tasks, err := s.db.ListTasks(c.Request.Context(), queryLimit(c))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve tasks"})
		return
	}
	if tasks == nil {
		tasks = []kernel.Task{}
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	task, err := s.db.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("task_id", c.Param("id")).Msg("Failed to get task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, task)
}

func (s *Server) handleListTaskAgents(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	agents, err := s.db.ListAgents(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list agents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve agents"})
		return
	}
	if agents == nil {
		agents = []kernel.AgentRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	agent, err := s.db.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("agent_id", c.Param("id")).Msg("Failed to get agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve agent"})
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleListDecisions(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	decisions, err := s.db.ListDecisions(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list decisions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve decisions"})
		return
	}
	if decisions == nil {
		decisions = []*kernel.Decision{}
	}

	c.JSON(http.StatusOK, gin.H{
		"decisions": decisions,
		"total":     len(decisions),
	})
}

func (s *Server) handleGetDecision(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	decision, err := s.db.GetDecision(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("decision_id", c.Param("id")).Msg("Failed to get decision")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve decision"})
		return
	}
	if decision == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleListAppeals(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	appeals, err := s.db.ListAppeals(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list appeals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve appeals"})
		return
	}
	if appeals == nil {
		appeals = []*kernel.Appeal{}
	}

	c.JSON(http.StatusOK, gin.H{
		"appeals": appeals,
		"total":   len(appeals),
	})
}

func (s *Server) handleListElections(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	var (
		records []kernel.ElectionRecord
		err     error
	)
	if roundStr := c.Query("round"); roundStr != "" {
		round, perr := strconv.ParseInt(roundStr, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid round"})
			return
		}
		records, err = s.db.ElectionsForRound(c.Request.Context(), c.Param("id"), round)
	} else {
		records, err = s.db.Elections(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to list elections")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve elections"})
		return
	}
	if records == nil {
		records = []kernel.ElectionRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"elections": records,
		"total":     len(records),
	})
}

func (s *Server) handleListMessages(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	kind := kernel.MessageKind(c.Query("kind"))
	messages, err := s.db.Messages(c.Request.Context(), c.Param("id"), kind, queryLimit(c))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve messages"})
		return
	}
	if messages == nil {
		messages = []kernel.Message{}
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"total":    len(messages),
	})
}

func (s *Server) handleListAudits(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}

	filters := &audit.QueryFilters{
		TaskID:    c.Param("id"),
		AgentID:   c.Query("agent_id"),
		EventType: audit.EventType(c.Query("event_type")),
		Limit:     queryLimit(c),
	}

	events, err := s.audits.Query(c.Request.Context(), filters)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query audit events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve audit events"})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"audits": events,
		"total":  len(events),
	})
}

// Control endpoints. Commands are relayed over the control subject; the
// team runner applies them, so 202 means accepted, not applied.

type controlRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) relayControl(c *gin.Context, command string) {
	if s.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "control plane not configured",
		})
		return
	}

	var req controlRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	taskID := c.Param("id")
	if err := s.control.SendControl(taskID, command, req.Reason); err != nil {
		log.Error().Err(err).
			Str("task_id", taskID).
			Str("command", command).
			Msg("Failed to relay control command")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to relay command"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		"command": command,
		"status":  "accepted",
	})
}

func (s *Server) handlePauseTask(c *gin.Context) {
	s.relayControl(c, "pause")
}

func (s *Server) handleResumeTask(c *gin.Context) {
	s.relayControl(c, "resume")
}

func (s *Server) handleCancelTask(c *gin.Context) {
	s.relayControl(c, "cancel")
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	s.relayControl(c, "complete")
}
