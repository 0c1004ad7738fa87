package store

import (
	"testing"
	"time"

	"atende/queue-service/internal/models"
)

func waiting(id string, priority, number int, createdAt time.Time) models.Ticket {
	return models.Ticket{
		TicketID:     id,
		TicketNumber: number,
		Priority:     priority,
		Status:       models.StatusWaiting,
		CreatedAt:    createdAt,
	}
}

func TestSelectNextPriorityThenFIFO(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tickets := []models.Ticket{
		waiting("t1", 5, 1, base),
		waiting("t2", 5, 2, base.Add(time.Minute)),
		waiting("t3", 10, 1, base.Add(2*time.Minute)),
		waiting("t4", 5, 3, base.Add(3*time.Minute)),
	}

	first, ok := SelectNext(tickets)
	if !ok || first.TicketID != "t3" {
		t.Fatalf("expected t3 first, got %+v ok=%v", first, ok)
	}

	remaining := []models.Ticket{tickets[0], tickets[1], tickets[3]}
	second, ok := SelectNext(remaining)
	if !ok || second.TicketID != "t1" {
		t.Fatalf("expected t1 second, got %+v ok=%v", second, ok)
	}
}

func TestSelectNextIgnoresNonWaiting(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	called := waiting("t1", 10, 1, base)
	called.Status = models.StatusCalled
	tickets := []models.Ticket{
		called,
		waiting("t2", 1, 2, base.Add(time.Minute)),
	}

	got, ok := SelectNext(tickets)
	if !ok || got.TicketID != "t2" {
		t.Fatalf("expected t2, got %+v ok=%v", got, ok)
	}
}

func TestSelectNextEmpty(t *testing.T) {
	if _, ok := SelectNext(nil); ok {
		t.Fatal("expected no selection from empty set")
	}
	done := waiting("t1", 5, 1, time.Now())
	done.Status = models.StatusCompleted
	if _, ok := SelectNext([]models.Ticket{done}); ok {
		t.Fatal("expected no selection when nothing is waiting")
	}
}

func TestSelectNextDeterministicOnEqualTimestamps(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tickets := []models.Ticket{
		waiting("t2", 5, 12, at),
		waiting("t1", 5, 11, at),
	}
	for i := 0; i < 5; i++ {
		got, ok := SelectNext(tickets)
		if !ok || got.TicketID != "t1" {
			t.Fatalf("expected t1 on every run, got %+v", got)
		}
	}
}
