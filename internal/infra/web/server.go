package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"sally/internal/application"
	"sally/internal/domain"
)

const maxReportBytes = 16 * 1024

// Assistant is the slice of the orchestrator the page can drive.
type Assistant interface {
	TapMic() application.TapResult
	ReplayAudio(ctx context.Context) error
	View() domain.View
}

// AssetSource resolves single-use audio URIs.
type AssetSource interface {
	Asset(id string) (*domain.AudioAsset, bool)
}

type Config struct {
	Addr          string
	AllowedOrigin string
	RateLimit     int
	RateWindow    time.Duration
}

type Server struct {
	cfg       Config
	assistant Assistant
	assets    AssetSource
	hub       *Hub
	devices   *Devices
	router    *chi.Mux
	limiter   *RateLimiter
	logger    *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	running bool
}

func NewServer(cfg Config, assistant Assistant, assets AssetSource, hub *Hub, devices *Devices, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		assistant: assistant,
		assets:    assets,
		hub:       hub,
		devices:   devices,
		router:    chi.NewRouter(),
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:    logger,
	}

	origins := []string{"*"}
	if cfg.AllowedOrigin != "" {
		origins = []string{cfg.AllowedOrigin}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws", s.hub.ServeWS)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/audio/{id}", s.handleAudio)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/mic", s.handleMic)
			r.Post("/replay", s.handleReplay)
			r.Post("/devices/permission", s.handlePermission)
			r.Post("/devices/recognition", s.handleRecognition)
			r.Post("/devices/playback", s.handlePlayback)
		})
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		s.logger.Info("web surface starting", "addr", s.cfg.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		if err := s.server.Close(); err != nil {
			return fmt.Errorf("closing server: %w", err)
		}
	}

	s.running = false
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.assistant.View().State,
		"pages":  s.hub.Connected(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.assistant.View())
}

func (s *Server) handleMic(w http.ResponseWriter, _ *http.Request) {
	result := s.assistant.TapMic()
	s.logger.Debug("mic tap", "result", result)
	writeJSON(w, http.StatusAccepted, map[string]string{"result": result.String()})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.assistant.ReplayAudio(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.assets.Asset(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "audio released")
		return
	}

	w.Header().Set("Content-Type", asset.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(asset.Data)
}

type permissionReport struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var report permissionReport
	if !decodeReport(w, r, &report) {
		return
	}
	s.deviceResult(w, s.devices.ReportPermission(report.Granted, report.Reason))
}

type recognitionReport struct {
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

func (s *Server) handleRecognition(w http.ResponseWriter, r *http.Request) {
	var report recognitionReport
	if !decodeReport(w, r, &report) {
		return
	}
	s.deviceResult(w, s.devices.ReportRecognition(report.Transcript, report.Error))
}

type playbackReport struct {
	AssetID string `json:"assetId"`
	Event   string `json:"event"`
	Detail  string `json:"detail"`
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	var report playbackReport
	if !decodeReport(w, r, &report) {
		return
	}
	if report.AssetID == "" {
		writeError(w, http.StatusBadRequest, "assetId is required")
		return
	}
	s.deviceResult(w, s.devices.ReportPlayback(report.AssetID, report.Event, report.Detail))
}

func (s *Server) deviceResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNoPendingRequest):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func decodeReport(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
