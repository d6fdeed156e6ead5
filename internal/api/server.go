package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon/internal/analytics"
	"tachyon/internal/config"
	"tachyon/internal/engine"
	"tachyon/internal/queue"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

// ControlServer is the Command API's HTTP surface: loopback-only,
// token-authenticated, rate-limited by concurrent in-flight requests.
type ControlServer struct {
	controller *engine.Controller
	queue      *queue.DownloadQueue
	storage    *storage.Storage
	cfg        *config.ConfigManager
	audit      *security.AuditLogger
	stats      *analytics.StatsManager
	router     *chi.Mux
	activeReqs int64
}

func NewControlServer(controller *engine.Controller, q *queue.DownloadQueue, st *storage.Storage, cfg *config.ConfigManager, audit *security.AuditLogger, stats *analytics.StatsManager) *ControlServer {
	s := &ControlServer{
		controller: controller,
		queue:      q,
		storage:    st,
		cfg:        cfg,
		audit:      audit,
		stats:      stats,
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.GetMaxWorkersPerJob())
		if max <= 0 {
			max = 1 // Safety default
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.audit.Log("127.0.0.1", r.UserAgent(), "Overloaded "+r.URL.Path, 429, "Max Concurrent Reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *ControlServer) Start(port int) {
	if !s.cfg.GetEnableCommandAPI() {
		return // Do not start if disabled
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Control Server listening on %s", addr)

	go func() {
		// Enforce loopback for the listener itself as an extra layer
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			log.Printf("Control Server failed to bind: %v", err)
			return
		}

		if err := http.Serve(conn, s.router); err != nil {
			log.Printf("Control Server failed: %v", err)
		}
	}()
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/queue", s.handleQueueDownload)
	s.router.Get("/v1/tasks/{id}", s.handleGetTask)
	s.router.Post("/v1/tasks/{id}/control", s.handleTaskControl)
	s.router.Get("/v1/status", s.handleGetStatus)
	s.router.Get("/v1/analytics", s.handleGetAnalytics)
	s.router.Post("/v1/speedtest", s.handleRunSpeedTest)
	s.router.Get("/v1/speedtest/history", s.handleGetSpeedTestHistory)
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if !s.cfg.GetEnableCommandAPI() {
			// Even if listener is running (dynamic disable), reject
			s.audit.Log(sourceIP, userAgent, action, 503, "Feature Disabled")
			http.Error(w, "Command API Disabled", http.StatusServiceUnavailable)
			return
		}

		// Note: net.SplitHostPort might return "::1" or "127.0.0.1"
		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, 403, "External Access Denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Tachyon-Token")
		expectedToken := s.cfg.GetCommandAPIToken()

		if token != expectedToken {
			s.audit.Log(sourceIP, userAgent, action, 401, "Invalid Token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, 200, "Authorized")
		next.ServeHTTP(w, r)
	})
}

// Request/Response Models
type EnqueueRequest struct {
	URL             string `json:"url"`
	Path            string `json:"path"`             // Optional custom path
	Filename        string `json:"filename"`         // Optional custom filename
	Priority        int    `json:"priority"`         // Optional 0=Low, 1=Normal, 2=High
	Connections     int    `json:"connections"`      // Optional worker count; 0 = server default
	ForceAnonymizer bool   `json:"force_anonymizer"` // Route this job through the SOCKS5 sidecar
}

type EnqueueResponse struct {
	TaskID string `json:"task_id"`
}

type ControlRequest struct {
	Action string `json:"action"` // "pause", "resume", "cancel"
}

func (s *ControlServer) handleQueueDownload(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /queue", 400, "Bad Request JSON")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := s.controller.StartDownload(r.Context(), engine.StartRequest{
		URL:             req.URL,
		SavePath:        req.Path,
		Filename:        req.Filename,
		Priority:        req.Priority,
		Connections:     req.Connections,
		ForceAnonymizer: req.ForceAnonymizer,
	})
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /queue", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.queue.Push(&task)

	json.NewEncoder(w).Encode(EnqueueResponse{TaskID: task.ID})
}

func (s *ControlServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.storage.GetTask(id)
	if err != nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(task)
}

func (s *ControlServer) handleTaskControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "pause":
		err = s.controller.Pause(id)
	case "resume":
		err = s.resumeTask(id)
	case "cancel", "stop":
		err = s.controller.Stop(id)
	case "delete":
		err = s.storage.DeleteTask(id)
	default:
		http.Error(w, "Invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// resumeTask re-enqueues a paused job under its existing ID and saved
// path; the dispatcher picks it up like any other pending task and the
// engine resumes the sidecar file from its recorded byte offset.
func (s *ControlServer) resumeTask(id string) error {
	task, err := s.storage.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != "paused" {
		return fmt.Errorf("task %s is not paused", id)
	}
	task.Status = "pending"
	if err := s.storage.SaveTask(task); err != nil {
		return err
	}
	s.queue.Push(&task)
	return nil
}

func (s *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"status": "running"}`))
}

// handleGetAnalytics reports lifetime/daily transfer totals and disk
// usage for the configured download directory. Not job-scoped.
func (s *ControlServer) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "Analytics unavailable", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(s.stats.GetAnalytics())
}

// handleRunSpeedTest runs a synchronous network speed test and persists
// the result to history. It can take up to a minute, so callers should
// use a generous client timeout.
func (s *ControlServer) handleRunSpeedTest(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "Speed test unavailable", http.StatusServiceUnavailable)
		return
	}
	result, err := s.stats.RunSpeedTest(r.Context(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *ControlServer) handleGetSpeedTestHistory(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "Speed test unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := s.stats.GetSpeedTestHistory(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(history)
}
