package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedwindow/internal/config"
	"feedwindow/internal/rss"
	"feedwindow/internal/window"
)

// Fetcher downloads a feed document.
type Fetcher interface {
	Fetch(ctx context.Context, feedURL string) (rss.Document, error)
}

// Snapshots is the persisted article window.
type Snapshots interface {
	Load(ctx context.Context) (window.Snapshot, error)
	Persist(ctx context.Context, snap window.Snapshot) error
	Raw(ctx context.Context) (string, bool, error)
	LastRefresh(ctx context.Context) (time.Time, bool, error)
}

// SourceLoader returns the sources for the next cycle.
type SourceLoader func() ([]rss.Source, error)

// Service ties together feed polling, the merge window and the read endpoint.
// It assumes it is the only writer of the snapshot; running two services
// against one store can lose updates.
type Service struct {
	fetcher   Fetcher
	engine    *window.Engine
	snapshots Snapshots
	sources   SourceLoader
	logger    *log.Logger
	cfg       config.Config
	client    *http.Client
	now       func() time.Time

	cycleMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	lastReport *Report
}

// NewService creates a Service instance.
func NewService(fetcher Fetcher, engine *window.Engine, snapshots Snapshots, sources SourceLoader, logger *log.Logger, cfg config.Config) *Service {
	return &Service{
		fetcher:   fetcher,
		engine:    engine,
		snapshots: snapshots,
		sources:   sources,
		logger:    logger,
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
	}
}

// Run starts the HTTP server and the polling loop.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// Kick off an initial refresh.
	s.pollOnce(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping service, context cancelled")
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	s.logger.Debug("polling once")
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrCycleInFlight) {
			s.logger.Warn("skipping scheduled refresh, previous cycle still running")
			return
		}
		s.logger.Error("scheduled refresh failed", "error", err)
	}
}

// Handler exposes the read, status, trigger and metrics endpoints.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/articles", s.articlesHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/refresh", s.refreshHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) articlesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, ok, err := s.snapshots.Raw(r.Context())
	if err != nil {
		s.logger.Error("read snapshot failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "articles not yet available"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.cfg.CacheMaxAge > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.cfg.CacheMaxAge.Seconds())))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write([]byte(raw)); err != nil {
		s.logger.Warn("write articles response failed", "error", err)
	}
}

type statusResponse struct {
	Phase       Phase      `json:"phase"`
	LastRefresh *time.Time `json:"lastRefresh,omitempty"`
	LastCycle   *Report    `json:"lastCycle,omitempty"`
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	s.mu.Lock()
	resp.Phase = s.phase
	if s.lastReport != nil {
		report := *s.lastReport
		resp.LastCycle = &report
	}
	s.mu.Unlock()

	at, ok, err := s.snapshots.LastRefresh(r.Context())
	if err != nil {
		s.logger.Warn("read refresh marker failed", "error", err)
	}
	if ok {
		resp.LastRefresh = &at
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := s.RunOnce(r.Context())
	switch {
	case errors.Is(err, ErrCycleInFlight):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, report)
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write json response failed", "error", err)
	}
}

// notifyFailure posts a short text alert about a failed cycle when an
// alert webhook is configured.
func (s *Service) notifyFailure(ctx context.Context, report Report) {
	if s.cfg.AlertWebhookURL == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "feedwindow refresh failed: %s", report.Error)
	fmt.Fprintf(&b, "\nsources: %d, failed sources: %d", report.Sources, len(report.Failures))
	payload := map[string]string{"text": b.String()}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal alert payload failed", "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("build alert request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("send alert failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn("alert webhook returned non-2xx status", "status", resp.Status)
	}
}
