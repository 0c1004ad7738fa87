package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"atende/queue-service/internal/models"
	"atende/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.TicketStore
}

type createTicketRequest struct {
	RequestID    string `json:"request_id"`
	UnitID       string `json:"unit_id"`
	TicketType   string `json:"ticket_type"`
	ManualNumber *int   `json:"manual_number"`
	OrganID      string `json:"organ_id"`
	ClientLabel  string `json:"client_label"`
}

type callNextRequest struct {
	RequestID   string `json:"request_id"`
	UnitID      string `json:"unit_id"`
	OrganID     string `json:"organ_id"`
	CounterID   string `json:"counter_id"`
	AttendantID string `json:"attendant_id"`
}

type manualCallRequest struct {
	RequestID    string `json:"request_id"`
	UnitID       string `json:"unit_id"`
	TicketType   string `json:"ticket_type"`
	TicketNumber int    `json:"ticket_number"`
	OrganID      string `json:"organ_id"`
	CounterID    string `json:"counter_id"`
	AttendantID  string `json:"attendant_id"`
}

type resetRequest struct {
	RequestID string `json:"request_id"`
	UnitID    string `json:"unit_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.TicketStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/actions/manual-call", h.handleManualCall)
	mux.HandleFunc("/api/tickets/", h.handleTicketByID)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/day", h.handleQueueDay)
	mux.HandleFunc("/api/units/reset", h.handleReset)
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.UnitID = strings.TrimSpace(req.UnitID)
	req.TicketType = strings.TrimSpace(req.TicketType)
	req.OrganID = strings.TrimSpace(req.OrganID)
	req.ClientLabel = strings.TrimSpace(req.ClientLabel)

	if req.RequestID == "" || req.UnitID == "" || req.TicketType == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, unit_id, and ticket_type are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.UnitID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and unit_id must be UUIDs")
		return
	}
	if !models.ValidTicketType(req.TicketType) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "ticket_type must be normal or preferential")
		return
	}
	if req.OrganID != "" && !isValidUUID(req.OrganID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "organ_id must be a UUID when provided")
		return
	}
	if req.ManualNumber != nil && *req.ManualNumber <= 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "manual_number must be positive")
		return
	}

	ticket, _, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID:    req.RequestID,
		UnitID:       req.UnitID,
		TicketType:   req.TicketType,
		ManualNumber: req.ManualNumber,
		OrganID:      req.OrganID,
		ClientLabel:  req.ClientLabel,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.UnitID = strings.TrimSpace(req.UnitID)
	req.OrganID = strings.TrimSpace(req.OrganID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.AttendantID = strings.TrimSpace(req.AttendantID)

	if req.RequestID == "" || req.UnitID == "" || req.CounterID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, unit_id, and counter_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.UnitID) || !isValidUUID(req.CounterID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, unit_id, and counter_id must be UUIDs")
		return
	}
	if req.OrganID != "" && !isValidUUID(req.OrganID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "organ_id must be a UUID when provided")
		return
	}

	ticket, _, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID:   req.RequestID,
		UnitID:      req.UnitID,
		OrganID:     req.OrganID,
		CounterID:   req.CounterID,
		AttendantID: req.AttendantID,
		CalledAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTicketsWaiting) {
			writeError(w, req.RequestID, http.StatusConflict, "queue_empty", "no tickets waiting")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleManualCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req manualCallRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.UnitID = strings.TrimSpace(req.UnitID)
	req.TicketType = strings.TrimSpace(req.TicketType)
	req.OrganID = strings.TrimSpace(req.OrganID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.AttendantID = strings.TrimSpace(req.AttendantID)

	if req.RequestID == "" || req.UnitID == "" || req.TicketType == "" || req.CounterID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, unit_id, ticket_type, and counter_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.UnitID) || !isValidUUID(req.CounterID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, unit_id, and counter_id must be UUIDs")
		return
	}
	if !models.ValidTicketType(req.TicketType) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "ticket_type must be normal or preferential")
		return
	}
	if req.OrganID != "" && !isValidUUID(req.OrganID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "organ_id must be a UUID when provided")
		return
	}
	if req.TicketNumber <= 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "ticket_number must be positive")
		return
	}

	ticket, _, err := h.store.CallManual(r.Context(), store.ManualCallInput{
		RequestID:    req.RequestID,
		UnitID:       req.UnitID,
		TicketType:   req.TicketType,
		TicketNumber: req.TicketNumber,
		OrganID:      req.OrganID,
		CounterID:    req.CounterID,
		AttendantID:  req.AttendantID,
		CalledAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	unitID := strings.TrimSpace(r.URL.Query().Get("unit_id"))
	if unitID == "" || !isValidUUID(unitID) || !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "unit_id and ticket_id must be UUIDs")
		return
	}

	ticket, err := h.store.GetTicket(r.Context(), unitID, ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type ticketActionRequest struct {
	RequestID        string `json:"request_id"`
	UnitID           string `json:"unit_id"`
	CounterID        string `json:"counter_id"`
	AttendantID      string `json:"attendant_id"`
	Reason           string `json:"reason"`
	ServiceType      string `json:"service_type"`
	CompletionStatus string `json:"completion_status"`
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	var req ticketActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.UnitID = strings.TrimSpace(req.UnitID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.AttendantID = strings.TrimSpace(req.AttendantID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	req.CompletionStatus = strings.TrimSpace(req.CompletionStatus)

	if req.RequestID == "" || req.UnitID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and unit_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.UnitID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and unit_id must be UUIDs")
		return
	}

	input := store.TicketActionInput{
		RequestID:   req.RequestID,
		UnitID:      req.UnitID,
		TicketID:    ticketID,
		CounterID:   req.CounterID,
		AttendantID: req.AttendantID,
		OccurredAt:  time.Now().UTC(),
	}

	var ticket models.Ticket
	var err error
	switch action {
	case "start":
		ticket, _, err = h.store.StartService(r.Context(), input)
	case "complete":
		if req.ServiceType == "" || req.CompletionStatus == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "service_type and completion_status are required")
			return
		}
		ticket, _, err = h.store.CompleteTicket(r.Context(), store.CompleteInput{
			TicketActionInput: input,
			ServiceType:       req.ServiceType,
			CompletionStatus:  req.CompletionStatus,
		})
	case "skip":
		if req.Reason == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "reason is required")
			return
		}
		ticket, _, err = h.store.SkipTicket(r.Context(), store.SkipInput{
			TicketActionInput: input,
			Reason:            req.Reason,
		})
	case "cancel":
		ticket, _, err = h.store.CancelTicket(r.Context(), input)
	case "requeue":
		ticket, _, err = h.store.RequeueTicket(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	unitID := strings.TrimSpace(r.URL.Query().Get("unit_id"))
	if unitID == "" || !isValidUUID(unitID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "unit_id must be a UUID")
		return
	}
	organID := strings.TrimSpace(r.URL.Query().Get("organ_id"))
	if organID != "" && !isValidUUID(organID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "organ_id must be a UUID when provided")
		return
	}

	statuses := []string{models.StatusWaiting, models.StatusCalled}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		statuses = nil
		for _, status := range strings.Split(raw, ",") {
			status = strings.TrimSpace(status)
			if !models.ValidStatus(status) {
				writeError(w, "", http.StatusBadRequest, "invalid_request", "unknown status "+status)
				return
			}
			statuses = append(statuses, status)
		}
	}

	tickets, err := h.store.ListByStatus(r.Context(), unitID, statuses, organID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleQueueDay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	unitID := strings.TrimSpace(r.URL.Query().Get("unit_id"))
	if unitID == "" || !isValidUUID(unitID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "unit_id must be a UUID")
		return
	}

	// The date parameter names a calendar day in the unit's timezone,
	// so the instant handed to the store must fall inside that local day.
	day := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		settings, err := h.store.GetSettings(r.Context(), unitID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		loc, err := time.LoadLocation(settings.Timezone)
		if err != nil {
			loc = time.UTC
		}
		parsed, err := time.ParseInLocation("2006-01-02", raw, loc)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	tickets, err := h.store.ListByDay(r.Context(), unitID, day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resetRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.UnitID = strings.TrimSpace(req.UnitID)
	if req.RequestID == "" || req.UnitID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and unit_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.UnitID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and unit_id must be UUIDs")
		return
	}

	result, err := h.store.ResetDay(r.Context(), store.ResetInput{
		RequestID:   req.RequestID,
		UnitID:      req.UnitID,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		unitID := strings.TrimSpace(r.URL.Query().Get("unit_id"))
		if unitID == "" || !isValidUUID(unitID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "unit_id must be a UUID")
			return
		}
		settings, err := h.store.GetSettings(r.Context(), unitID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var settings models.Settings
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&settings); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		settings.UnitID = strings.TrimSpace(settings.UnitID)
		if settings.UnitID == "" || !isValidUUID(settings.UnitID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "unit_id must be a UUID")
			return
		}
		updated, err := h.store.UpdateSettings(r.Context(), settings)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	unitID := strings.TrimSpace(r.URL.Query().Get("unit_id"))
	if unitID == "" || !isValidUUID(unitID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "unit_id must be a UUID")
		return
	}

	var afterSeq int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after_seq must be a non-negative integer")
			return
		}
		afterSeq = parsed
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), unitID, afterSeq, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrUnitNotFound):
		return http.StatusNotFound, "unit_not_found", "unit not found"
	case errors.Is(err, store.ErrSystemInactive):
		return http.StatusConflict, "system_inactive", "calling system is inactive for this unit"
	case errors.Is(err, store.ErrDuplicateNumber):
		return http.StatusConflict, "duplicate_number", "ticket number already used today"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrNoTicketsWaiting):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry the request"
	case errors.Is(err, store.ErrBelowMinimum):
		return http.StatusBadRequest, "number_below_minimum", "ticket number is below the configured minimum"
	case errors.Is(err, store.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
