package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tasbih-sync-service/internal/config"
	"tasbih-sync-service/internal/logger"
	"tasbih-sync-service/internal/queue"
	"tasbih-sync-service/internal/session"
	syncer "tasbih-sync-service/internal/sync"
)

type Handler struct {
	tracker    *session.Tracker
	reconciler *syncer.Reconciler
	store      queue.Store
	cfg        config.ServerConfig
}

func NewHandler(tracker *session.Tracker, reconciler *syncer.Reconciler, store queue.Store, cfg config.ServerConfig) *Handler {
	return &Handler{
		tracker:    tracker,
		reconciler: reconciler,
		store:      store,
		cfg:        cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/sessions", h.StartSession)
		r.Post("/sessions/{sessionID}/taps", h.RecordTap)
		r.Post("/sessions/{sessionID}/end", h.EndSession)
		r.Post("/goals/{goalID}/learned", h.MarkLearned)

		r.Post("/sync/flush", h.TriggerFlush)
		r.Get("/sync/status", h.SyncStatus)
		r.Get("/events/recent", h.RecentEvents)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type startSessionRequest struct {
	GoalID        string `json:"goal_id"`
	Category      string `json:"category"`
	PrayerSegment string `json:"prayer_segment"`
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	sessionID, err := h.tracker.StartSession(r.Context(), req.GoalID, req.Category, req.PrayerSegment)
	// A storage failure degrades the session instead of failing the
	// interaction: the caller still gets its session id.
	queued := err == nil
	if err != nil {
		logger.Log.Warn("session start degraded", zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"queued":     queued,
	})
}

type recordTapRequest struct {
	Delta         int64  `json:"delta"`
	EventType     string `json:"event_type"`
	PrayerSegment string `json:"prayer_segment"`
}

func (h *Handler) RecordTap(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	req := recordTapRequest{Delta: 1, EventType: string(queue.TapSingle)}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	switch queue.TapType(req.EventType) {
	case queue.TapSingle, queue.TapBulk, queue.TapRepeat, queue.TapAutoReset:
	default:
		http.Error(w, "invalid event_type", http.StatusBadRequest)
		return
	}

	res, err := h.tracker.RecordTap(r.Context(), sessionID, req.Delta, queue.TapType(req.EventType), req.PrayerSegment)
	if err != nil {
		// Storage failures degrade to an optimistic-only tap; the
		// interaction path still answers with the local value.
		logger.Log.Warn("tap recorded without durable queue entry", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":  res.Token,
		"value":  res.Value,
		"queued": res.Queued,
	})
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.tracker.EndSession(r.Context(), sessionID); err != nil {
		logger.Log.Warn("session end not queued", zap.String("sessionID", sessionID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (h *Handler) MarkLearned(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goalID")
	token, err := h.tracker.MarkLearned(r.Context(), goalID)
	if err != nil {
		logger.Log.Warn("learn mark not queued", zap.String("goalID", goalID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  token,
		"queued": err == nil,
	})
}

func (h *Handler) TriggerFlush(w http.ResponseWriter, r *http.Request) {
	h.reconciler.TriggerFlush()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.reconciler.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type recentEvent struct {
	Token      string        `json:"token"`
	Kind       queue.Kind    `json:"kind"`
	Payload    queue.Payload `json:"payload"`
	OccurredAt time.Time     `json:"occurred_at"`
	Synced     bool          `json:"synced"`
}

func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]recentEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, recentEvent{
			Token:      ev.IdempotencyToken,
			Kind:       ev.Kind(),
			Payload:    ev.Payload,
			OccurredAt: ev.OccurredAt,
			Synced:     ev.Synced,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("write response", zap.Error(err))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+h.cfg.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
