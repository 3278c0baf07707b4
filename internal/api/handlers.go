package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/notification-dispatcher/internal/dispatcher"
	"github.com/LeventeLantos/notification-dispatcher/internal/queue"
	"github.com/LeventeLantos/notification-dispatcher/internal/scheduler"
	"github.com/LeventeLantos/notification-dispatcher/internal/service"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxBodyBytes     = 64 << 10
)

// Acceptor admits producer submissions.
type Acceptor interface {
	Accept(ctx context.Context, req service.Request) (service.Result, error)
}

// Runner executes a single dispatch pass.
type Runner interface {
	RunOnce(ctx context.Context) dispatcher.Summary
}

type Handler struct {
	acceptor Acceptor
	messages queue.Inspector
	sched    *scheduler.Scheduler
	runner   Runner
	logger   *slog.Logger
}

func NewHandler(a Acceptor, m queue.Inspector, s *scheduler.Scheduler, r Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{acceptor: a, messages: m, sched: s, runner: r, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SubmitNotification(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(service.RejectInvalidPayload, "malformed JSON body: "+err.Error()))
		return
	}

	res, err := h.acceptor.Accept(r.Context(), req)
	if err != nil {
		h.logger.Error("accept failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	switch res.Rejection {
	case "":
		writeJSON(w, http.StatusAccepted, map[string]string{"id": res.ID})
	case service.RejectDuplicate:
		writeJSON(w, http.StatusConflict, errorBody(res.Rejection, res.Detail))
	default:
		writeJSON(w, http.StatusBadRequest, errorBody(res.Rejection, res.Detail))
	}
}

func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), defaultPageLimit)
	offset := parseInt(r.URL.Query().Get("offset"), 0)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)
	offset = max(offset, 0)

	items, err := h.messages.ListDeadLettered(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeSchedulerState(w)
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	h.writeSchedulerState(w)
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	h.writeSchedulerState(w)
}

func (h *Handler) writeSchedulerState(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  h.sched.IsRunning(),
		"interval": h.sched.Interval().String(),
	})
}

func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.RunOnce(r.Context()))
}

func errorBody(code service.Rejection, detail string) map[string]string {
	return map[string]string{"error": string(code), "detail": detail}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
