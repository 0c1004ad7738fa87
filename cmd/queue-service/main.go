package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atende/queue-service/internal/config"
	"atende/queue-service/internal/httpapi"
	"atende/queue-service/internal/hub"
	"atende/queue-service/internal/relay"
	"atende/queue-service/internal/store"
	"atende/queue-service/internal/store/memory"
	"atende/queue-service/internal/store/postgres"
	"atende/queue-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var st store.TicketStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool, postgres.Options{})
	} else {
		log.Printf("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	}

	handler := httpapi.NewHandler(st)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		UnitPerMinute: cfg.UnitRateLimitPerMinute,
		UnitBurst:     cfg.UnitRateLimitBurst,
	})

	h := hub.New()

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				UnitID:  parsed.UnitID,
				OrganID: parsed.OrganID,
			})
		}
	}))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	r := relay.New(st, h, relay.Options{
		PollInterval: cfg.RelayPollInterval,
		BatchSize:    cfg.RelayBatchSize,
		Retention:    cfg.OutboxRetention,
	})
	go r.Run(ctx)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ResetCronSpec, func() {
		runScheduledResets(st)
	}); err != nil {
		log.Fatalf("reset schedule %q: %v", cfg.ResetCronSpec, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// runScheduledResets clears the day for every unit that opted in. Each
// run carries a fresh request id, so a unit that was already reset by an
// operator today is simply cleared again to an empty state.
func runScheduledResets(st store.TicketStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	all, err := st.ListSettings(ctx)
	if err != nil {
		log.Printf("scheduled reset list settings: %v", err)
		return
	}
	for _, settings := range all {
		if !settings.AutoResetEnabled {
			continue
		}
		result, err := st.ResetDay(ctx, store.ResetInput{
			RequestID:   uuid.NewString(),
			UnitID:      settings.UnitID,
			RequestedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Printf("scheduled reset unit=%s: %v", settings.UnitID, err)
			continue
		}
		log.Printf("scheduled reset unit=%s tickets=%d counters=%d", settings.UnitID, result.TicketsDeleted, result.CountersDeleted)
	}
}
