package store

import "atende/queue-service/internal/models"

// SelectNext picks the ticket to call from a set of candidates: highest
// priority first, oldest creation time among equals, ticket number as
// the final tie-break so the choice is deterministic for identical
// timestamps. Non-waiting tickets are ignored.
func SelectNext(tickets []models.Ticket) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range tickets {
		if ticket.Status != models.StatusWaiting {
			continue
		}
		if !found || beats(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

func beats(a, b models.Ticket) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TicketNumber < b.TicketNumber
}
