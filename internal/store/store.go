package store

import (
	"context"
	"encoding/json"
	"time"

	"atende/queue-service/internal/models"
)

type CreateTicketInput struct {
	RequestID    string
	UnitID       string
	TicketType   string
	ManualNumber *int
	OrganID      string
	ClientLabel  string
	CreatedAt    time.Time
}

type CallNextInput struct {
	RequestID   string
	UnitID      string
	OrganID     string
	CounterID   string
	AttendantID string
	CalledAt    time.Time
}

// ManualCallInput issues a ticket with an operator-chosen number and
// calls it in the same operation. The number is validated like any
// manual issuance.
type ManualCallInput struct {
	RequestID    string
	UnitID       string
	TicketType   string
	TicketNumber int
	OrganID      string
	CounterID    string
	AttendantID  string
	CalledAt     time.Time
}

type TicketActionInput struct {
	RequestID   string
	UnitID      string
	TicketID    string
	CounterID   string
	AttendantID string
	OccurredAt  time.Time
}

type SkipInput struct {
	TicketActionInput
	Reason string
}

type CompleteInput struct {
	TicketActionInput
	ServiceType      string
	CompletionStatus string
}

type ResetInput struct {
	RequestID   string
	UnitID      string
	RequestedAt time.Time
}

type ResetResult struct {
	UnitID          string    `json:"unit_id"`
	TicketsDeleted  int64     `json:"tickets_deleted"`
	CountersDeleted int64     `json:"counters_deleted"`
	ResetAt         time.Time `json:"reset_at"`
}

// TicketStore is the core contract consumed by the HTTP edge, the
// outbox relay, and the reset scheduler. The boolean result on mutating
// calls reports whether the call acted (false on an idempotent replay
// of an already-seen request id).
type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, unitID, ticketID string) (models.Ticket, error)
	ListByStatus(ctx context.Context, unitID string, statuses []string, organID string) ([]models.Ticket, error)
	ListByDay(ctx context.Context, unitID string, day time.Time) ([]models.Ticket, error)
	NextWaiting(ctx context.Context, unitID, organID string) (models.Ticket, bool, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	CallManual(ctx context.Context, input ManualCallInput) (models.Ticket, bool, error)
	StartService(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	CompleteTicket(ctx context.Context, input CompleteInput) (models.Ticket, bool, error)
	SkipTicket(ctx context.Context, input SkipInput) (models.Ticket, bool, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	RequeueTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	ResetDay(ctx context.Context, input ResetInput) (ResetResult, error)
	GetSettings(ctx context.Context, unitID string) (models.Settings, error)
	UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error)
	ListSettings(ctx context.Context) ([]models.Settings, error)
	ListOutboxEvents(ctx context.Context, unitID string, afterSeq int64, limit int) ([]OutboxEvent, error)
	CleanupOutbox(ctx context.Context, before time.Time) error
}

const (
	EventTicketCreated       = "ticket_created"
	EventTicketStatusChanged = "ticket_status_changed"
	EventSystemReset         = "system_reset"
)

type OutboxEvent struct {
	Seq       int64           `json:"seq"`
	EventID   string          `json:"event_id"`
	UnitID    string          `json:"unit_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
