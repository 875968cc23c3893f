package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fundage/internal/model"
	"fundage/internal/service"
)

type Handler struct {
	svc service.LedgerService
}

func NewHandler(svc service.LedgerService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /inflows", h.RecordInflow)
	mux.HandleFunc("POST /outflows", h.RecordOutflow)
	mux.HandleFunc("POST /transfers", h.Transfer)
	mux.HandleFunc("GET /money-age", h.GetMoneyAge)
	mux.HandleFunc("GET /trace/outflows/{id}", h.TraceOutflow)
	mux.HandleFunc("GET /trace/inflows/{id}", h.TraceInflow)
	mux.HandleFunc("POST /recompute", h.Recompute)
	mux.HandleFunc("POST /rebuild", h.Rebuild)
	mux.HandleFunc("GET /integrity", h.Integrity)
	mux.HandleFunc("GET /locks/stats", h.LockStats)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) RecordInflow(w http.ResponseWriter, r *http.Request) {
	var req model.InflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	pool, created, err := h.svc.RecordInflow(r.Context(), req)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK // idempotent replay
	if created {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, pool)
}

func (h *Handler) RecordOutflow(w http.ResponseWriter, r *http.Request) {
	var req model.OutflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.RecordOutflow(r.Context(), req)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusCreated, res)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req service.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.Transfer(r.Context(), req)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetMoneyAge(w http.ResponseWriter, r *http.Request) {
	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_subject_id")
		return
	}
	age, err := h.svc.GetMoneyAge(r.Context(), subjectID)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, age)
}

func (h *Handler) TraceOutflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	trace, err := h.svc.TraceOutflow(r.Context(), id)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, trace)
}

func (h *Handler) TraceInflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	trace, err := h.svc.TraceInflow(r.Context(), id)
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, trace)
}

func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string            `json:"subject_id"`
		From      *time.Time        `json:"from,omitempty"`
		Reason    model.DirtyReason `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_subject_id")
		return
	}

	var (
		summary *model.ReplaySummary
		err     error
	)
	if req.From != nil {
		// A manual historical edit: mark the window and replay it now.
		reason := req.Reason
		if reason == "" {
			reason = model.DirtyOutflowUpdate
		}
		summary, err = h.svc.MarkDirtyAndRecompute(r.Context(), req.SubjectID, *req.From, reason)
	} else {
		summary, err = h.svc.Recompute(r.Context(), req.SubjectID)
	}
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string `json:"subject_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_subject_id")
		return
	}
	if err := h.svc.Rebuild(r.Context(), req.SubjectID); err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *Handler) Integrity(w http.ResponseWriter, r *http.Request) {
	if subjectID := r.URL.Query().Get("subject_id"); subjectID != "" {
		report, err := h.svc.CheckSubjectIntegrity(r.Context(), subjectID)
		if err != nil {
			h.respondError(w, statusFor(err), err.Error())
			return
		}
		h.respondJSON(w, http.StatusOK, report)
		return
	}
	report, err := h.svc.RunIntegrityCheck(r.Context())
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *Handler) LockStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.svc.LockStats())
}

// statusFor maps service sentinels onto HTTP statuses. Contention maps to
// 409 so clients distinguish "retry later" from hard failures.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, service.ErrSameSubject):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrSubjectNotFound), errors.Is(err, model.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrLockUnavailable),
		errors.Is(err, model.ErrRecomputeInProgress),
		errors.Is(err, model.ErrLeaseLost):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
