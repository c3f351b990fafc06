package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/modules/signals"
)

// handleHealth pings every database the process has open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbs := make(map[string]string, len(s.databases))
	healthy := true
	for _, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			dbs[db.Name()] = err.Error()
			healthy = false
			continue
		}
		dbs[db.Name()] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"role":      s.role,
		"databases": dbs,
	})
}

// handleStatus reports process role, uptime, bus backlog, broker
// connection states and host resource usage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"role":           s.role,
		"environment":    s.environment,
		"uptime_seconds": int(time.Since(s.startupTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if s.bus != nil {
		stats, err := s.bus.Stats()
		if err != nil {
			s.log.Warn().Err(err).Msg("Bus stats query failed")
		} else {
			resp["queues"] = stats
		}
	}

	if s.accounts != nil {
		accounts, err := s.accounts.List()
		if err != nil {
			s.log.Warn().Err(err).Msg("Account list failed")
		} else {
			states := make(map[string]string, len(accounts))
			for _, a := range accounts {
				states[a.AccountID] = string(a.ConnectionState)
			}
			resp["brokers"] = states
		}
	}

	resp["system"] = systemStats()
	s.writeJSON(w, http.StatusOK, resp)
}

// systemStats samples host CPU and memory. Failures degrade to partial
// output rather than failing the status call.
func systemStats() map[string]interface{} {
	out := make(map[string]interface{})
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = vm.UsedPercent
		out["memory_used_mb"] = vm.Used / 1024 / 1024
	}
	return out
}

// handleGetSignal returns the decision record of a signal.
func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "id")

	decision, err := s.decisions.GetDecision(signalID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if decision == nil {
		s.writeError(w, http.StatusNotFound, "signal not decided")
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// handleGetOrder returns one order.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	order, err := s.orders.GetByID(orderID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if order == nil {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// handleListPositions returns every open position.
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.positions.ListOpen()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if open == nil {
		open = []*domain.Position{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": open,
		"count":     len(open),
	})
}

// handleListEvents returns the most recent lifecycle events, oldest
// first. limit=0 returns the whole retained window.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	recent := s.events.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": recent,
		"count":  len(recent),
	})
}

// rawSignalRequest is the external writer's submission format. The payload
// is stored verbatim; normalization happens in the ingestion tailer.
type rawSignalRequest struct {
	Source      string          `json:"source"`
	Environment string          `json:"environment"`
	Payload     json.RawMessage `json:"payload"`
}

// handlePostSignal inserts a raw signal row, which the CDC tail picks up.
func (s *Server) handlePostSignal(w http.ResponseWriter, r *http.Request) {
	var req rawSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	if req.Environment == "" {
		req.Environment = s.environment
	}

	id, err := s.raw.InsertRaw(signals.RawSignal{
		Source:      req.Source,
		Environment: req.Environment,
		Payload:     string(req.Payload),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": "accepted",
	})
}

// handleCancelOrder publishes a CANCEL command for the executor to apply.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	if s.orders != nil {
		order, err := s.orders.GetByID(orderID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if order == nil {
			s.writeError(w, http.StatusNotFound, "order not found")
			return
		}
	}

	cmd := domain.OrderCommand{Command: domain.CommandCancel, OrderID: orderID}
	if err := s.commands.PublishJSON(bus.TopicOrderCommands, cmd); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"order_id": orderID,
		"status":   "cancel requested",
	})
}

// handleBackup triggers an immediate backup run.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.backup.Backup(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "completed",
		"duration_seconds": time.Since(start).Seconds(),
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
