// Package control exposes the scheduler and configuration store over a
// small local HTTP API for a presentation layer.
package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	punchagent "github.com/httprunner/PunchAgent"
	"github.com/httprunner/PunchAgent/internal/config"
	"github.com/httprunner/PunchAgent/pkg/journal"
)

const maxPatchBytes = 64 << 10

// Scheduler is the subset of *punchagent.Scheduler the API drives.
type Scheduler interface {
	Start() error
	Stop() bool
	IsRunning() bool
	State() punchagent.State
	RunOnce(ctx context.Context) (punchagent.CycleResult, error)
	LastResult() *punchagent.CycleResult
}

// ConfigStore is the subset of *config.Store the API edits.
type ConfigStore interface {
	Get() config.Config
	Update(partial []byte) (config.Config, error)
	Save() (string, error)
}

// History lists past cycles. *journal.Journal implements it.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Handler serves the control routes.
type Handler struct {
	Scheduler Scheduler
	Config    ConfigStore
	// History is optional.
	History History
}

// NewRouter wires every route.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/start", h.start).Methods(http.MethodPost)
	r.HandleFunc("/stop", h.stop).Methods(http.MethodPost)
	r.HandleFunc("/run", h.run).Methods(http.MethodPost)
	r.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", h.patchConfig).Methods(http.MethodPatch)
	r.HandleFunc("/history", h.history).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type statusResponse struct {
	Running    bool                    `json:"running"`
	State      punchagent.State        `json:"state"`
	LastResult *punchagent.CycleResult `json:"last_result"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Running:    h.Scheduler.IsRunning(),
		State:      h.Scheduler.State(),
		LastResult: h.Scheduler.LastResult(),
	})
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Start(); err != nil {
		if errors.Is(err, punchagent.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"running": true})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	stopped := h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort a cycle halfway through the terminal
	// session or the delivery; the cycle bounds itself with its own timeouts.
	res, err := h.Scheduler.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, punchagent.ErrCycleInProgress) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Config.Get().Redacted())
}

func (h *Handler) patchConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPatchBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	cfg, err := h.Config.Update(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path, err := h.Config.Save()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Info().Str("path", path).Msg("configuration updated over control api")
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg.Redacted(), "path": path})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal disabled"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	entries, err := h.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write control response failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("control request")
	})
}
