package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/tyrantdb/pkg/core"
	"github.com/sanonone/tyrantdb/pkg/metrics"
)

// httpHandler builds the admin API. Data access goes through the TCP
// protocol; this API covers health, metrics and maintenance.
func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /stat", s.handleStat)

	// --- System endpoints ---
	mux.HandleFunc("POST /system/save", s.handleSave)
	mux.HandleFunc("POST /system/aof-rewrite", s.handleAOFRewrite)
	mux.HandleFunc("POST /system/copy", s.handleCopy)
	mux.HandleFunc("POST /system/verify-indexes", s.handleVerifyIndexes)
	mux.HandleFunc("GET /system/tasks/{id}", s.handleGetTask)

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if s.mcpHandler != nil {
		mux.Handle("/mcp", s.mcpHandler)
	}

	return s.RecoveryMiddleware(s.LoggingMiddleware(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsHandler refreshes the store gauges before every scrape.
func (s *Server) metricsHandler() http.Handler {
	prom := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.RecordsTotal.Set(float64(s.Engine.DB.Records().Count()))
		metrics.TuplesTotal.Set(float64(s.Engine.DB.Tables().Count()))
		prom.ServeHTTP(w, r)
	})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, s.Engine.Stat())
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.SaveSnapshot(); err != nil {
		s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleAOFRewrite starts the rewrite as a task; large logs take a while.
func (s *Server) handleAOFRewrite(w http.ResponseWriter, r *http.Request) {
	task := s.taskManager.Go("aof-rewrite", func(t *Task) error {
		return s.Engine.RewriteAOF()
	})
	s.writeHTTPResponse(w, http.StatusAccepted, task.Info())
}

type copyRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON, expected an object with 'path'")
		return
	}
	if req.Path == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "path is required")
		return
	}

	task := s.taskManager.Go("copy", func(t *Task) error {
		t.SetProgress(fmt.Sprintf("writing backup to %s", req.Path))
		return s.Engine.Copy(req.Path)
	})
	s.writeHTTPResponse(w, http.StatusAccepted, task.Info())
}

func (s *Server) handleVerifyIndexes(w http.ResponseWriter, r *http.Request) {
	err := s.Engine.VerifyIndexes()
	switch {
	case err == nil:
		s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
	case errors.Is(err, core.ErrIndexInconsistency):
		s.writeHTTPError(w, http.StatusConflict, err.Error())
	default:
		s.writeHTTPError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskManager.GetTask(r.PathValue("id"))
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, task.Info())
}

// --- HTTP response helpers ---

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}
