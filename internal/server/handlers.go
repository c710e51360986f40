package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/neotalk/neotalk/internal/automation"
	"github.com/neotalk/neotalk/internal/decisions"
	"github.com/neotalk/neotalk/pkg/models"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "device registry not configured", "")
		return
	}
	if q := r.URL.Query().Get("q"); q != "" {
		writeJSON(w, http.StatusOK, s.deps.Devices.Search(q))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Devices.List())
}

func (s *Server) handleWebhookPost(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhook == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "webhook adapter not configured", "")
		return
	}
	deviceID := r.PathValue("device_id")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", "")
		return
	}
	accepted, err := s.deps.Webhook.HandlePayload(r.Context(), deviceID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", fmtError(err),
			`body must be {"timestamp"?, "quality"?, "data": {"metric": value}}`)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "accepted": accepted})
}

func (s *Server) handleWebhookInfo(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"method":    "POST",
		"format":    map[string]any{"timestamp": "unix seconds (optional)", "quality": "0..1 (optional)", "data": map[string]string{"<metric>": "<value>"}},
	})
}

func (s *Server) handleDeviceData(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "time-series store not configured", "")
		return
	}
	deviceID := r.PathValue("device_id")
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "metric query parameter is required", "")
		return
	}
	source := models.DeviceSource(deviceID, metric)

	startStr, endStr := r.URL.Query().Get("start"), r.URL.Query().Get("end")
	if startStr == "" {
		latest, err := s.deps.Store.QueryLatest(r.Context(), source)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"latest": latest})
		return
	}

	start, _ := strconv.ParseInt(startStr, 10, 64)
	end := time.Now().Unix()
	if endStr != "" {
		end, _ = strconv.ParseInt(endStr, 10, 64)
	}

	if bucketStr := r.URL.Query().Get("bucket_secs"); bucketStr != "" {
		bucket, _ := strconv.ParseInt(bucketStr, 10, 64)
		stats, err := s.deps.Store.QueryAggregated(r.Context(), source, start, end, bucket)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	points, err := s.deps.Store.QueryRange(r.Context(), source, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(points), "points": points})
}

func (s *Server) handleListAutomations(kind models.AutomationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Autos == nil {
			writeError(w, http.StatusNotImplemented, "unavailable", "automation store not configured", "")
			return
		}
		list, err := s.deps.Autos.List(r.Context(), kind)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleSaveAutomation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Autos == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "automation store not configured", "")
		return
	}
	var a models.Automation
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmtError(err), "")
		return
	}
	if a.ID == "" {
		a.ID = models.NewAutomationID()
	}
	if err := s.deps.Autos.Save(r.Context(), &a); err != nil {
		if errors.Is(err, automation.ErrInvalidDefinition) {
			writeError(w, http.StatusBadRequest, "invalid_definition", fmtError(err), "")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Autos == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "automation store not configured", "")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Autos.Delete(r.Context(), id); err != nil {
		if errors.Is(err, automation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", fmtError(err), "")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Autos == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "automation store not configured", "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.deps.Autos.Executions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "decision manager not configured", "")
		return
	}
	status := models.DecisionStatus(r.URL.Query().Get("status"))
	list, err := s.deps.Decisions.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "decision manager not configured", "")
		return
	}
	var d models.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmtError(err), "")
		return
	}
	if d.ID == "" {
		d.ID = models.NewAutomationID()
	}
	if err := s.deps.Decisions.Save(r.Context(), &d); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDecisionAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Decisions == nil {
			writeError(w, http.StatusNotImplemented, "unavailable", "decision manager not configured", "")
			return
		}
		id := r.PathValue("id")
		var err error
		var result any

		switch action {
		case "approve":
			err = s.deps.Decisions.Approve(r.Context(), id)
			result = map[string]any{"approved": id}
		case "reject":
			var body struct {
				Reason string `json:"reason"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			err = s.deps.Decisions.Reject(r.Context(), id, body.Reason)
			result = map[string]any{"rejected": id}
		case "execute":
			result, err = s.deps.Decisions.Execute(r.Context(), id, true)
		}

		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, result)
		case errors.Is(err, decisions.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", fmtError(err), "")
		case errors.Is(err, decisions.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "invalid_transition", fmtError(err), "")
		default:
			writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		}
	}
}

func (s *Server) handleDecisionStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "decision manager not configured", "")
		return
	}
	stats, err := s.deps.Decisions.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDecisionCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "decision manager not configured", "")
		return
	}
	expired, deleted, err := s.deps.Decisions.Cleanup(r.Context(), 7*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired, "deleted": deleted})
}

func (s *Server) handleShortTerm(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "memory not configured", "")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Memory.ShortTerm().Messages())
}

func (s *Server) handleClearShortTerm(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "memory not configured", "")
		return
	}
	s.deps.Memory.ShortTerm().Clear()
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleMidTerm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "memory not configured", "")
		return
	}
	session := r.URL.Query().Get("session")
	writeJSON(w, http.StatusOK, s.deps.Memory.MidTerm().Session(session))
}

func (s *Server) handleSaveKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil || s.deps.Memory.LongTerm() == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "long-term memory not configured", "")
		return
	}
	var entry models.KnowledgeEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmtError(err), "")
		return
	}
	if err := s.deps.Memory.LongTerm().Save(r.Context(), &entry); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "memory not configured", "")
		return
	}
	session := r.PathValue("session")
	s.deps.Memory.MidTerm().DeleteSession(session)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": session})
}

func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil || s.deps.Memory.LongTerm() == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "long-term memory not configured", "")
		return
	}
	entry, err := s.deps.Memory.LongTerm().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil || s.deps.Memory.LongTerm() == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "long-term memory not configured", "")
		return
	}
	if err := s.deps.Memory.LongTerm().Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleMemoryQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "memory not configured", "")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "q query parameter is required", "")
		return
	}
	topK, _ := strconv.Atoi(r.URL.Query().Get("top_k"))
	if topK <= 0 {
		topK = 5
	}
	result, err := s.deps.Memory.QueryAll(r.Context(), q, topK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "alerts not configured", "")
		return
	}
	status := models.MessageStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.deps.Alerts.List(status))
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.deps.Alerts.Acknowledge)
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.deps.Alerts.Resolve)
}

func (s *Server) alertTransition(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "alerts not configured", "")
		return
	}
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "agent not configured", "")
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmtError(err), "")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message is required", "")
		return
	}
	if body.SessionID == "" {
		body.SessionID = "default"
	}

	result, err := s.deps.Agent.Process(r.Context(), body.SessionID, body.Message)
	if err != nil {
		// The chat surface always answers in natural language.
		writeJSON(w, http.StatusOK, map[string]any{
			"response": "Something went wrong while handling that request. Please try again.",
			"error":    fmtError(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLLMSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.LLMUpdate == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "llm settings not configurable", "")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", "")
		return
	}
	if err := s.deps.LLMUpdate(r.Context(), body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_settings", fmtError(err), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}
