package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/runner"
)

// HTTPErrorResponse is the JSON error envelope every failure returns.
type HTTPErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body HTTPErrorResponse
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.logger.Warn("status query failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "WORKER_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.ctrl.Results(r.Context())
	if err != nil {
		s.logger.Warn("results query failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "WORKER_UNAVAILABLE", err.Error())
		return
	}
	if results == nil {
		results = []runner.TaskResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Cancel(r.Context()); err != nil {
		s.logger.Warn("cancel failed", zap.Error(err))
		writeError(w, http.StatusConflict, "CANCEL_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}
