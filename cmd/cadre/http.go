package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cadreworks/cadre/internal/kernel"
)

// Control handlers registered on the metrics listener. The operator API
// in cmd/api is the richer surface; these cover the single-team runner
// when no API server is deployed next to it.

func handlePause(team *kernel.Team) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := team.Pause(r.Context()); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":   err.Error(),
				"success": false,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Team paused successfully",
			"paused":    true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"success":   true,
		})
	}
}

func handleResume(team *kernel.Team) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := team.Resume(r.Context()); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":   err.Error(),
				"success": false,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Team resumed successfully",
			"paused":    false,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"success":   true,
		})
	}
}

func handleComplete(team *kernel.Team) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := team.Complete(r.Context(), "completed by operator"); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":   err.Error(),
				"success": false,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Task completed successfully",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"success":   true,
		})
	}
}

func handleStatus(team *kernel.Team) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := team.Status()
		active := 0
		for _, agent := range status.Agents {
			if agent.State != kernel.StateTerminated {
				active++
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"task_id":       status.Task.ID,
			"task_status":   status.Task.Status,
			"paused":        status.Task.Status == kernel.TaskPaused,
			"tick":          status.Tick,
			"active_agents": active,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
