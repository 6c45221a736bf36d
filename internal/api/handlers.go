package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"codeguard/internal/incidents"
	"codeguard/pkg/models"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// chainFor resolves the monitor for the path chain, the body chain, or the default.
func (s *Server) chainFor(r *http.Request, bodyChain string) string {
	if c := chi.URLParam(r, "chain"); c != "" {
		return c
	}
	return bodyChain
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var task models.SubscribeTask
	if err := decode(w, r, &task); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.orch.Monitor(s.chainFor(r, task.Chain))
	if err != nil {
		writeError(w, err)
		return
	}
	task.Chain = m.Chain()
	res, err := m.Subscribe(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	var task models.ScanTask
	if err := decode(w, r, &task); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.orch.Monitor(s.chainFor(r, task.Chain))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := m.Scan(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) monitorStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.orch.Monitor(chi.URLParam(r, "chain"))
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := m.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var task models.AnalyzeTask
	if err := decode(w, r, &task); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.orch.Analyze(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	var task models.TriggerScanTask
	if err := decode(w, r, &task); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.orch.TriggerScan(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) routeMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.AgentMessage
	if err := decode(w, r, &msg); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.orch.RouteMessage(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !d.Delivered {
		status = http.StatusAccepted
	}
	writeJSON(w, status, d)
}

func (s *Server) orchestratorStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) emergencyPause(w http.ResponseWriter, r *http.Request) {
	var task models.EmergencyPauseTask
	if err := decode(w, r, &task); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.responder.EmergencyPause(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var task models.ExecuteTask
	if err := decode(w, r, &task); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.responder.Execute(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubjectID string `json:"subject_id"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.responder.Unpause(r.Context(), body.SubjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) responseStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.responder.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := incidents.Query{Subject: r.URL.Query().Get("subject")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = limit
	}
	list, err := s.incidents.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Incident{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.incidents.Resolve(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}
