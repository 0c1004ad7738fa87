package models

import (
	"fmt"
	"time"
)

type Ticket struct {
	TicketID         string     `json:"ticket_id"`
	UnitID           string     `json:"unit_id"`
	TicketType       string     `json:"ticket_type"`
	TicketNumber     int        `json:"ticket_number"`
	DisplayCode      string     `json:"display_code"`
	Priority         int        `json:"priority"`
	Status           string     `json:"status"`
	OrganID          string     `json:"organ_id,omitempty"`
	CounterID        *string    `json:"counter_id,omitempty"`
	AttendantID      *string    `json:"attendant_id,omitempty"`
	ClientLabel      string     `json:"client_label,omitempty"`
	RequestID        string     `json:"request_id"`
	SkipReason       string     `json:"skip_reason,omitempty"`
	ServiceType      string     `json:"service_type,omitempty"`
	CompletionStatus string     `json:"completion_status,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServiceStartedAt *time.Time `json:"service_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusInService = "in_service"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

const (
	TypeNormal       = "normal"
	TypePreferential = "preferential"
)

func ValidTicketType(ticketType string) bool {
	return ticketType == TypeNormal || ticketType == TypePreferential
}

var statuses = map[string]bool{
	StatusWaiting:   true,
	StatusCalled:    true,
	StatusInService: true,
	StatusCompleted: true,
	StatusSkipped:   true,
	StatusCancelled: true,
}

func ValidStatus(value string) bool {
	return statuses[value]
}

// DisplayCode renders the public label shown on panels, e.g. "N-042" or
// "P-512". Numbers above 999 keep their full width.
func DisplayCode(ticketType string, number int) string {
	prefix := "N"
	if ticketType == TypePreferential {
		prefix = "P"
	}
	return fmt.Sprintf("%s-%03d", prefix, number)
}

var serviceTypes = map[string]bool{
	"revisao":       true,
	"transferencia": true,
	"alistamento":   true,
	"certidao":      true,
	"outros":        true,
}

var completionStatuses = map[string]bool{
	"realizado_sucesso":         true,
	"requerimento_nao_atendido": true,
	"outro":                     true,
}

func ValidServiceType(value string) bool {
	return serviceTypes[value]
}

func ValidCompletionStatus(value string) bool {
	return completionStatuses[value]
}
