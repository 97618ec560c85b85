package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"inboxpilot/internal/model"
	"inboxpilot/internal/repository"
	"inboxpilot/internal/service/orchestrator"
	"inboxpilot/internal/service/ticket"
	"inboxpilot/pkg/logger"
)

// MaxBatchSize caps POST /v1/triage/batch.
const MaxBatchSize = 500

// Pipeline is the orchestrator surface used by the API.
type Pipeline interface {
	Process(ctx context.Context, email model.Email) model.Outcome
	RunBatch(ctx context.Context, emails []model.Email, sink orchestrator.Sink) (orchestrator.RunStats, error)
}

// TicketService is the operator surface of the ticket log.
type TicketService interface {
	Get(ctx context.Context, id int64) (*model.Ticket, error)
	List(ctx context.Context, filter ticket.ListFilter) ([]model.Ticket, error)
	Close(ctx context.Context, id int64) (*model.Ticket, error)
}

// ResultReader looks up persisted outcomes; optional.
type ResultReader interface {
	Get(ctx context.Context, emailID string) (*model.Outcome, error)
}

type Handler struct {
	pipeline Pipeline
	tickets  TicketService
	results  ResultReader
	sink     orchestrator.Sink
	logger   *zap.Logger
}

// NewHandler builds the API handlers. sink receives every outcome produced
// through the API; results may be nil.
func NewHandler(pipeline Pipeline, tickets TicketService, results ResultReader, sink orchestrator.Sink, logger *zap.Logger) *Handler {
	if sink == nil {
		sink = orchestrator.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pipeline: pipeline, tickets: tickets, results: results, sink: sink, logger: logger}
}

// Triage runs one email and answers with its outcome.
func (h *Handler) Triage(w http.ResponseWriter, r *http.Request) {
	var email model.Email
	if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
		respondError(w, http.StatusBadRequest, "invalid email json: "+err.Error())
		return
	}

	ctx := r.Context()
	outcome := h.pipeline.Process(ctx, email)
	if err := h.sink.Emit(ctx, outcome); err != nil {
		logger.WithTrace(ctx, h.logger).Error("Failed to emit outcome", zap.String("email_id", email.ID), zap.Error(err))
	}
	respondJSON(w, statusFor(outcome), outcome)
}

type batchRequest struct {
	Emails []model.Email `json:"emails"`
}

type batchResponse struct {
	Stats    orchestrator.RunStats `json:"stats"`
	Outcomes []model.Outcome       `json:"outcomes"`
}

// TriageBatch runs a batch. Disconnecting the client cancels the emails not yet started.
func (h *Handler) TriageBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch json: "+err.Error())
		return
	}
	if len(req.Emails) == 0 {
		respondError(w, http.StatusBadRequest, "emails must not be empty")
		return
	}
	if len(req.Emails) > MaxBatchSize {
		respondError(w, http.StatusRequestEntityTooLarge, "too many emails, max "+strconv.Itoa(MaxBatchSize))
		return
	}

	collected := orchestrator.NewMemorySink()
	stats, err := h.pipeline.RunBatch(r.Context(), req.Emails, orchestrator.MultiSink{collected, h.sink})
	if err != nil {
		logger.WithTrace(r.Context(), h.logger).Warn("Batch interrupted", zap.Error(err), zap.Int("cancelled", stats.Cancelled))
	}
	respondJSON(w, http.StatusOK, batchResponse{Stats: stats, Outcomes: collected.Outcomes()})
}

func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ticket.ListFilter{
		Status:   model.TicketStatus(q.Get("status")),
		Category: model.Category(q.Get("category")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	tickets, err := h.tickets.List(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "list tickets", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tickets": tickets, "count": len(tickets)})
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	t, err := h.tickets.Get(r.Context(), id)
	if err != nil {
		h.ticketError(w, r, "get ticket", err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) CloseTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	t, err := h.tickets.Close(r.Context(), id)
	if err != nil {
		h.ticketError(w, r, "close ticket", err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.results.Get(r.Context(), chi.URLParam(r, "emailID"))
	if err != nil {
		if errors.Is(err, repository.ErrResultNotFound) {
			respondError(w, http.StatusNotFound, "result not found")
			return
		}
		h.internalError(w, r, "get result", err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func ticketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid ticket id")
		return 0, false
	}
	return id, true
}

func (h *Handler) ticketError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, ticket.ErrNotFound) {
		respondError(w, http.StatusNotFound, "ticket not found")
		return
	}
	h.internalError(w, r, op, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger.WithTrace(r.Context(), h.logger).Error("Request failed", zap.String("op", op), zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal error")
}

// statusFor maps an outcome to the response status. Failed outcomes still
// carry the FailedRecord in the body.
func statusFor(o model.Outcome) int {
	if o.Completed() {
		return http.StatusOK
	}
	switch o.Failure.ErrorType {
	case "input_error":
		return http.StatusUnprocessableEntity
	case "classification_unavailable", "composition_unavailable", "persistence_error":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
