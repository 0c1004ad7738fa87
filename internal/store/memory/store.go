// Package memory implements the ticket store against process memory.
// It mirrors the postgres semantics (idempotent request ids, outbox
// rows appended with the mutation, counter scoping) and backs the DSN-less
// dev mode and the property tests. A single mutex serializes every
// mutation, which closes the allocator race the same way the postgres
// store's row locks do.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"atende/queue-service/internal/models"
	"atende/queue-service/internal/store"

	"github.com/google/uuid"
)

type counterKey struct {
	unitID     string
	ticketType string
	organScope string
	day        string
}

type requestRecord struct {
	action   string
	ticketID string
	empty    bool
}

type Store struct {
	mu       sync.Mutex
	tickets  map[string]models.Ticket
	counters map[counterKey]int
	settings map[string]models.Settings
	requests map[string]requestRecord
	outbox   []store.OutboxEvent
	nextSeq  int64
}

func NewStore() *Store {
	return &Store{
		tickets:  make(map[string]models.Ticket),
		counters: make(map[counterKey]int),
		settings: make(map[string]models.Settings),
		requests: make(map[string]requestRecord),
	}
}

func (s *Store) settingsFor(unitID string) models.Settings {
	if settings, ok := s.settings[unitID]; ok {
		return settings
	}
	return models.DefaultSettings(unitID)
}

func dayOf(at time.Time, settings models.Settings) string {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return at.In(loc).Format("2006-01-02")
}

func organScope(settings models.Settings, organID string) string {
	if settings.OrganScopedCounters {
		return organID
	}
	return ""
}

// allocate hands out the next number for a scope. Manual numbers must
// clear the configured floor and must not collide with an already
// issued number; they advance the counter but never regress it.
func (s *Store) allocate(settings models.Settings, ticketType, organID, day string, manual *int) (int, error) {
	key := counterKey{
		unitID:     settings.UnitID,
		ticketType: ticketType,
		organScope: organScope(settings, organID),
		day:        day,
	}
	minimum := settings.MinNumberFor(ticketType)

	if manual == nil {
		next := minimum
		if last, ok := s.counters[key]; ok {
			next = last + 1
			if next < minimum {
				next = minimum
			}
		}
		s.counters[key] = next
		return next, nil
	}

	number := *manual
	if number < minimum {
		return 0, store.ErrBelowMinimum
	}
	for _, ticket := range s.tickets {
		if ticket.UnitID != settings.UnitID || ticket.TicketType != ticketType || ticket.TicketNumber != number {
			continue
		}
		if dayOf(ticket.CreatedAt, settings) != day {
			continue
		}
		if settings.OrganScopedCounters && ticket.OrganID != organID {
			continue
		}
		return 0, store.ErrDuplicateNumber
	}
	if last, ok := s.counters[key]; !ok || number > last {
		s.counters[key] = number
	}
	return number, nil
}

func (s *Store) appendEvent(unitID, eventType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.nextSeq++
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:       s.nextSeq,
		EventID:   uuid.NewString(),
		UnitID:    unitID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.requests[input.RequestID]; ok {
		if ticket, exists := s.tickets[record.ticketID]; exists {
			return ticket, false, nil
		}
		return models.Ticket{}, false, store.ErrTicketNotFound
	}

	if !models.ValidTicketType(input.TicketType) {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}

	settings := s.settingsFor(input.UnitID)
	if !settings.CallingSystemActive {
		return models.Ticket{}, false, store.ErrSystemInactive
	}
	if input.ManualNumber != nil && !settings.ManualModeEnabled {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	number, err := s.allocate(settings, input.TicketType, input.OrganID, dayOf(createdAt, settings), input.ManualNumber)
	if err != nil {
		return models.Ticket{}, false, err
	}

	ticket := models.Ticket{
		TicketID:     uuid.NewString(),
		UnitID:       input.UnitID,
		TicketType:   input.TicketType,
		TicketNumber: number,
		DisplayCode:  models.DisplayCode(input.TicketType, number),
		Priority:     settings.PriorityFor(input.TicketType),
		Status:       models.StatusWaiting,
		OrganID:      input.OrganID,
		ClientLabel:  input.ClientLabel,
		RequestID:    input.RequestID,
		CreatedAt:    createdAt,
	}
	s.tickets[ticket.TicketID] = ticket
	s.requests[input.RequestID] = requestRecord{action: "create", ticketID: ticket.TicketID}
	s.appendEvent(input.UnitID, store.EventTicketCreated, ticket)
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, unitID, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok || ticket.UnitID != unitID {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ListByStatus(ctx context.Context, unitID string, statuses []string, organID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.UnitID != unitID {
			continue
		}
		if len(wanted) > 0 && !wanted[ticket.Status] {
			continue
		}
		if organID != "" && ticket.OrganID != organID {
			continue
		}
		tickets = append(tickets, ticket)
	}
	sortQueueOrder(tickets)
	return tickets, nil
}

func (s *Store) ListByDay(ctx context.Context, unitID string, day time.Time) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settingsFor(unitID)
	wanted := dayOf(day, settings)
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.UnitID != unitID || dayOf(ticket.CreatedAt, settings) != wanted {
			continue
		}
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
		}
		return tickets[i].TicketNumber < tickets[j].TicketNumber
	})
	return tickets, nil
}

func (s *Store) NextWaiting(ctx context.Context, unitID, organID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := store.SelectNext(s.waitingLocked(unitID, organID))
	return ticket, ok, nil
}

func (s *Store) waitingLocked(unitID, organID string) []models.Ticket {
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.UnitID != unitID || ticket.Status != models.StatusWaiting {
			continue
		}
		if organID != "" && ticket.OrganID != organID {
			continue
		}
		tickets = append(tickets, ticket)
	}
	return tickets
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.requests[input.RequestID]; ok {
		if record.empty {
			return models.Ticket{}, false, store.ErrNoTicketsWaiting
		}
		return s.tickets[record.ticketID], false, nil
	}

	ticket, ok := store.SelectNext(s.waitingLocked(input.UnitID, input.OrganID))
	if !ok {
		s.requests[input.RequestID] = requestRecord{action: store.ActionCall, empty: true}
		return models.Ticket{}, false, store.ErrNoTicketsWaiting
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	counterID := input.CounterID
	attendantID := input.AttendantID
	ticket.Status = models.StatusCalled
	ticket.CounterID = &counterID
	ticket.AttendantID = &attendantID
	ticket.CalledAt = &calledAt
	s.tickets[ticket.TicketID] = ticket
	s.requests[input.RequestID] = requestRecord{action: store.ActionCall, ticketID: ticket.TicketID}
	s.appendEvent(input.UnitID, store.EventTicketStatusChanged, ticket)
	return ticket, true, nil
}

func (s *Store) CallManual(ctx context.Context, input store.ManualCallInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.requests[input.RequestID]; ok {
		if ticket, exists := s.tickets[record.ticketID]; exists {
			return ticket, false, nil
		}
		return models.Ticket{}, false, store.ErrTicketNotFound
	}

	if !models.ValidTicketType(input.TicketType) {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}
	settings := s.settingsFor(input.UnitID)
	if !settings.CallingSystemActive {
		return models.Ticket{}, false, store.ErrSystemInactive
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	number := input.TicketNumber
	allocated, err := s.allocate(settings, input.TicketType, input.OrganID, dayOf(calledAt, settings), &number)
	if err != nil {
		return models.Ticket{}, false, err
	}

	counterID := input.CounterID
	attendantID := input.AttendantID
	ticket := models.Ticket{
		TicketID:     uuid.NewString(),
		UnitID:       input.UnitID,
		TicketType:   input.TicketType,
		TicketNumber: allocated,
		DisplayCode:  models.DisplayCode(input.TicketType, allocated),
		Priority:     settings.PriorityFor(input.TicketType),
		Status:       models.StatusCalled,
		OrganID:      input.OrganID,
		RequestID:    input.RequestID,
		CounterID:    &counterID,
		AttendantID:  &attendantID,
		CreatedAt:    calledAt,
		CalledAt:     &calledAt,
	}
	s.tickets[ticket.TicketID] = ticket
	s.requests[input.RequestID] = requestRecord{action: store.ActionCall, ticketID: ticket.TicketID}
	s.appendEvent(input.UnitID, store.EventTicketCreated, ticket)
	s.appendEvent(input.UnitID, store.EventTicketStatusChanged, ticket)
	return ticket, true, nil
}

func (s *Store) applyTransition(input store.TicketActionInput, action string, mutate func(*models.Ticket)) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.requests[input.RequestID]; ok {
		if record.empty {
			return models.Ticket{}, false, store.ErrInvalidTransition
		}
		return s.tickets[record.ticketID], false, nil
	}

	ticket, ok := s.tickets[input.TicketID]
	if !ok || ticket.UnitID != input.UnitID {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	if !store.ValidTransition(action, ticket.Status) {
		return models.Ticket{}, false, store.ErrInvalidTransition
	}

	mutate(&ticket)
	s.tickets[ticket.TicketID] = ticket
	s.requests[input.RequestID] = requestRecord{action: action, ticketID: ticket.TicketID}
	s.appendEvent(input.UnitID, store.EventTicketStatusChanged, ticket)
	return ticket, true, nil
}

func occurredOrNow(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}

func (s *Store) StartService(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	at := occurredOrNow(input.OccurredAt)
	return s.applyTransition(input, store.ActionStartService, func(ticket *models.Ticket) {
		ticket.Status = models.StatusInService
		ticket.ServiceStartedAt = &at
	})
}

func (s *Store) CompleteTicket(ctx context.Context, input store.CompleteInput) (models.Ticket, bool, error) {
	if !models.ValidServiceType(input.ServiceType) || !models.ValidCompletionStatus(input.CompletionStatus) {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}
	at := occurredOrNow(input.OccurredAt)
	return s.applyTransition(input.TicketActionInput, store.ActionComplete, func(ticket *models.Ticket) {
		ticket.Status = models.StatusCompleted
		ticket.ServiceType = input.ServiceType
		ticket.CompletionStatus = input.CompletionStatus
		ticket.CompletedAt = &at
	})
}

func (s *Store) SkipTicket(ctx context.Context, input store.SkipInput) (models.Ticket, bool, error) {
	if len(strings.TrimSpace(input.Reason)) < store.MinSkipReasonLen {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}
	at := occurredOrNow(input.OccurredAt)
	return s.applyTransition(input.TicketActionInput, store.ActionSkip, func(ticket *models.Ticket) {
		ticket.Status = models.StatusSkipped
		ticket.SkipReason = strings.TrimSpace(input.Reason)
		ticket.CompletedAt = &at
	})
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyTransition(input, store.ActionCancel, func(ticket *models.Ticket) {
		ticket.Status = models.StatusCancelled
	})
}

func (s *Store) RequeueTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyTransition(input, store.ActionRequeue, func(ticket *models.Ticket) {
		ticket.Status = models.StatusWaiting
		ticket.CounterID = nil
		ticket.AttendantID = nil
		ticket.CalledAt = nil
	})
}

func (s *Store) ResetDay(ctx context.Context, input store.ResetInput) (store.ResetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[input.RequestID]; ok {
		return store.ResetResult{UnitID: input.UnitID}, nil
	}

	settings := s.settingsFor(input.UnitID)
	requestedAt := occurredOrNow(input.RequestedAt)
	today := dayOf(requestedAt, settings)

	result := store.ResetResult{UnitID: input.UnitID, ResetAt: requestedAt}
	for id, ticket := range s.tickets {
		if ticket.UnitID == input.UnitID && dayOf(ticket.CreatedAt, settings) == today {
			delete(s.tickets, id)
			result.TicketsDeleted++
		}
	}
	for key := range s.counters {
		if key.unitID == input.UnitID && key.day == today {
			delete(s.counters, key)
			result.CountersDeleted++
		}
	}
	s.requests[input.RequestID] = requestRecord{action: store.ActionReset}
	s.appendEvent(input.UnitID, store.EventSystemReset, result)
	return result, nil
}

func (s *Store) GetSettings(ctx context.Context, unitID string) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsFor(unitID), nil
}

func (s *Store) UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	if settings.UnitID == "" || settings.NormalPriority <= 0 || settings.PreferentialPriority <= 0 ||
		settings.NormalMinNumber <= 0 || settings.PreferentialMinNumber <= 0 {
		return models.Settings{}, store.ErrInvalidArgument
	}
	if _, err := time.LoadLocation(settings.Timezone); err != nil {
		return models.Settings{}, store.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.UnitID] = settings
	return settings, nil
}

func (s *Store) ListSettings(ctx context.Context) ([]models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Settings
	for _, settings := range s.settings {
		all = append(all, settings)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UnitID < all[j].UnitID })
	return all, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, unitID string, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.Seq <= afterSeq {
			continue
		}
		if unitID != "" && event.UnitID != unitID {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	for _, event := range s.outbox {
		if !event.CreatedAt.Before(before) {
			kept = append(kept, event)
		}
	}
	s.outbox = kept
	return nil
}

func sortQueueOrder(tickets []models.Ticket) {
	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].Priority != tickets[j].Priority {
			return tickets[i].Priority > tickets[j].Priority
		}
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
		}
		return tickets[i].TicketNumber < tickets[j].TicketNumber
	})
}
