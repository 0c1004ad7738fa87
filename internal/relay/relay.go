package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"atende/queue-service/internal/hub"
	"atende/queue-service/internal/store"
)

// Relay polls the outbox and fans events out to connected clients.
// Events are inserted in the same transaction as the state change, so
// everything the relay reads reflects committed state.
type Relay struct {
	store        store.TicketStore
	hub          *hub.Hub
	pollInterval time.Duration
	batchSize    int
	retention    time.Duration

	lastSeq     int64
	lastCleanup time.Time
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	// Retention bounds how long delivered events stay in the outbox
	// for late subscribers catching up through the backlog API.
	Retention time.Duration
}

type Envelope struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	UnitID    string          `json:"unit_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func New(st store.TicketStore, h *hub.Hub, options Options) *Relay {
	if options.PollInterval <= 0 {
		options.PollInterval = time.Second
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}
	if options.Retention <= 0 {
		options.Retention = 24 * time.Hour
	}
	return &Relay{
		store:        st,
		hub:          h,
		pollInterval: options.PollInterval,
		batchSize:    options.BatchSize,
		retention:    options.Retention,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				log.Printf("relay poll error: %v", err)
			}
		}
	}
}

// Poll drains one batch of undelivered events and broadcasts them.
func (r *Relay) Poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	events, err := r.store.ListOutboxEvents(pollCtx, "", r.lastSeq, r.batchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		r.lastSeq = event.Seq
		env := Envelope{
			Seq:       event.Seq,
			Type:      event.Type,
			UnitID:    event.UnitID,
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			continue
		}
		meta := extractMeta(event.Payload)
		meta.UnitID = event.UnitID
		r.hub.Broadcast(payload, meta)
	}

	if time.Since(r.lastCleanup) >= r.pollInterval*10 {
		r.lastCleanup = time.Now()
		if err := r.store.CleanupOutbox(pollCtx, time.Now().Add(-r.retention)); err != nil {
			log.Printf("cleanup outbox error: %v", err)
		}
	}
	return nil
}

func extractMeta(payload []byte) hub.Subscription {
	var data struct {
		OrganID string `json:"organ_id"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return hub.Subscription{}
	}
	return hub.Subscription{OrganID: data.OrganID}
}
