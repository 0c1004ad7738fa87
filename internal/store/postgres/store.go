package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"atende/queue-service/internal/models"
	"atende/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, unit_id, ticket_type, ticket_number, display_code, priority, status,
		organ_id, counter_id, attendant_id, client_label, request_id, skip_reason, service_type,
		completion_status, created_at, called_at, service_started_at, completed_at`

type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	opTimeout  time.Duration
}

type Options struct {
	// MaxRetries bounds internal retries on serialization conflicts
	// before the caller sees ErrConflict.
	MaxRetries int
	// OpTimeout bounds every store call so contention surfaces as an
	// error instead of a hung request.
	OpTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	retries := options.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	timeout := options.OpTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{pool: pool, maxRetries: retries, opTimeout: timeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// withRetry re-runs contended write transactions a bounded number of
// times on serialization or deadlock failures, then reports ErrConflict.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
	}
	if retryable(err) {
		return store.ErrConflict
	}
	return err
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSettings(ctx context.Context, q rowQuerier, unitID string) (models.Settings, error) {
	settings := models.DefaultSettings(unitID)
	row := q.QueryRow(ctx, `
		SELECT normal_priority, preferential_priority, manual_mode_enabled,
			normal_min_number, preferential_min_number, calling_system_active,
			organ_scoped_counters, auto_reset_enabled, timezone
		FROM unit_settings
		WHERE unit_id = $1
	`, unitID)
	err := row.Scan(&settings.NormalPriority, &settings.PreferentialPriority, &settings.ManualModeEnabled,
		&settings.NormalMinNumber, &settings.PreferentialMinNumber, &settings.CallingSystemActive,
		&settings.OrganScopedCounters, &settings.AutoResetEnabled, &settings.Timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settings, nil
		}
		return models.Settings{}, err
	}
	return settings, nil
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

// allocateNumber hands out the next ticket number for a (unit, type,
// scope, day). Automatic mode bumps the counter row, starting at the
// configured minimum; manual mode validates the requested number and
// advances the counter without ever regressing it.
func allocateNumber(ctx context.Context, tx pgx.Tx, settings models.Settings, ticketType, organID, day string, manual *int) (int, error) {
	scope := organScope(settings, organID)
	minimum := settings.MinNumberFor(ticketType)

	if manual == nil {
		var next int
		row := tx.QueryRow(ctx, `
			INSERT INTO ticket_counters (unit_id, ticket_type, organ_scope, ticket_date, last_number)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (unit_id, ticket_type, organ_scope, ticket_date)
			DO UPDATE SET last_number = GREATEST(ticket_counters.last_number + 1, EXCLUDED.last_number)
			RETURNING last_number
		`, settings.UnitID, ticketType, scope, day, minimum)
		if err := row.Scan(&next); err != nil {
			return 0, err
		}
		return next, nil
	}

	number := *manual
	if number < minimum {
		return 0, store.ErrBelowMinimum
	}
	var taken bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tickets
			WHERE unit_id = $1 AND ticket_type = $2 AND organ_scope = $3
				AND ticket_date = $4 AND ticket_number = $5
		)
	`, settings.UnitID, ticketType, scope, day, number)
	if err := row.Scan(&taken); err != nil {
		return 0, err
	}
	if taken {
		return 0, store.ErrDuplicateNumber
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_counters (unit_id, ticket_type, organ_scope, ticket_date, last_number)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (unit_id, ticket_type, organ_scope, ticket_date)
		DO UPDATE SET last_number = GREATEST(ticket_counters.last_number, EXCLUDED.last_number)
	`, settings.UnitID, ticketType, scope, day, number)
	if err != nil {
		return 0, err
	}
	return number, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ticket models.Ticket
	var acted bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ticket, acted, err = s.createTicketOnce(ctx, input)
		return err
	})
	return ticket, acted, err
}

func (s *Store) createTicketOnce(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if !models.ValidTicketType(input.TicketType) {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	settings, err := getSettings(ctx, tx, input.UnitID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !settings.CallingSystemActive {
		err = store.ErrSystemInactive
		return models.Ticket{}, false, err
	}
	if input.ManualNumber != nil && !settings.ManualModeEnabled {
		err = store.ErrInvalidArgument
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := dayOf(createdAt, settings)

	number, err := allocateNumber(ctx, tx, settings, input.TicketType, input.OrganID, day, input.ManualNumber)
	if err != nil {
		return models.Ticket{}, false, err
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, unit_id, ticket_type, ticket_number, display_code, priority,
			status, organ_id, organ_scope, client_label, ticket_date, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING `+ticketColumns+`
	`, uuid.NewString(), input.RequestID, input.UnitID, input.TicketType, number,
		models.DisplayCode(input.TicketType, number), settings.PriorityFor(input.TicketType),
		models.StatusWaiting, nullIfEmpty(input.OrganID), organScope(settings, input.OrganID),
		nullIfEmpty(input.ClientLabel), day, createdAt)
	ticket, err = scanTicket(row)
	if err != nil {
		if isUniqueViolation(err) && input.ManualNumber != nil {
			err = store.ErrDuplicateNumber
		}
		return models.Ticket{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, input.UnitID, store.EventTicketCreated, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, unitID, ticketID string) (models.Ticket, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1 AND unit_id = $2
	`, ticketID, unitID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListByStatus(ctx context.Context, unitID string, statuses []string, organID string) ([]models.Ticket, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE unit_id = $1
	`
	args := []any{unitID}
	if len(statuses) > 0 {
		query += " AND status = ANY($2)"
		args = append(args, statuses)
	}
	if organID != "" {
		query += fmt.Sprintf(" AND organ_id = $%d", len(args)+1)
		args = append(args, organID)
	}
	query += " ORDER BY priority DESC, created_at ASC, ticket_number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *Store) ListByDay(ctx context.Context, unitID string, day time.Time) ([]models.Ticket, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	settings, err := getSettings(ctx, s.pool, unitID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE unit_id = $1 AND ticket_date = $2
		ORDER BY created_at ASC, ticket_number ASC
	`, unitID, dayOf(day, settings))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *Store) NextWaiting(ctx context.Context, unitID, organID string) (models.Ticket, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE unit_id = $1 AND status = $2
	`
	args := []any{unitID, models.StatusWaiting}
	if organID != "" {
		query += " AND organ_id = $3"
		args = append(args, organID)
	}
	query += " ORDER BY priority DESC, created_at ASC, ticket_number ASC LIMIT 1"

	row := s.pool.QueryRow(ctx, query, args...)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ticket models.Ticket
	var acted bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ticket, acted, err = s.callNextOnce(ctx, input)
		return err
	})
	return ticket, acted, err
}

func (s *Store) callNextOnce(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrNoTicketsWaiting
		}
		return existing, false, nil
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	// Two counters calling at once lock different rows thanks to SKIP
	// LOCKED, so a single waiting ticket is called exactly once.
	query := `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE unit_id = $1 AND status = $2
	`
	args := []any{input.UnitID, models.StatusWaiting}
	if input.OrganID != "" {
		query += " AND organ_id = $3"
		args = append(args, input.OrganID)
	}
	pos := len(args)
	query += fmt.Sprintf(`
			ORDER BY priority DESC, created_at ASC, ticket_number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = '%s',
			counter_id = $%d,
			attendant_id = $%d,
			called_at = $%d
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `, models.StatusCalled, pos+1, pos+2, pos+3)
	query += ticketColumnsQualified("tickets")
	args = append(args, input.CounterID, input.AttendantID, calledAt)

	var ticket models.Ticket
	row := tx.QueryRow(ctx, query, args...)
	ticket, err = scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = insertActionRequest(ctx, tx, input.RequestID, store.ActionCall, input.UnitID, ""); err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoTicketsWaiting
		}
		return models.Ticket{}, false, err
	}

	if err = insertActionRequest(ctx, tx, input.RequestID, store.ActionCall, input.UnitID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, input.UnitID, store.EventTicketStatusChanged, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) CallManual(ctx context.Context, input store.ManualCallInput) (models.Ticket, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ticket models.Ticket
	var acted bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ticket, acted, err = s.callManualOnce(ctx, input)
		return err
	})
	return ticket, acted, err
}

func (s *Store) callManualOnce(ctx context.Context, input store.ManualCallInput) (models.Ticket, bool, error) {
	if !models.ValidTicketType(input.TicketType) {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	settings, err := getSettings(ctx, tx, input.UnitID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !settings.CallingSystemActive {
		err = store.ErrSystemInactive
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	day := dayOf(calledAt, settings)

	number := input.TicketNumber
	allocated, err := allocateNumber(ctx, tx, settings, input.TicketType, input.OrganID, day, &number)
	if err != nil {
		return models.Ticket{}, false, err
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, unit_id, ticket_type, ticket_number, display_code, priority,
			status, organ_id, organ_scope, counter_id, attendant_id, ticket_date, created_at, called_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING `+ticketColumns+`
	`, uuid.NewString(), input.RequestID, input.UnitID, input.TicketType, allocated,
		models.DisplayCode(input.TicketType, allocated), settings.PriorityFor(input.TicketType),
		models.StatusCalled, nullIfEmpty(input.OrganID), organScope(settings, input.OrganID),
		input.CounterID, input.AttendantID, day, calledAt, calledAt)
	ticket, err = scanTicket(row)
	if err != nil {
		if isUniqueViolation(err) {
			err = store.ErrDuplicateNumber
		}
		return models.Ticket{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, input.UnitID, store.EventTicketCreated, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, input.UnitID, store.EventTicketStatusChanged, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

type transitionChange struct {
	action          string
	fromStatus      string
	toStatus        string
	timestampColumn string
	clearCallFields bool
	skipReason      string
	serviceType     string
	completion      string
}

func (s *Store) StartService(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyTransition(ctx, input, transitionChange{
		action:          store.ActionStartService,
		fromStatus:      models.StatusCalled,
		toStatus:        models.StatusInService,
		timestampColumn: "service_started_at",
	})
}

func (s *Store) CompleteTicket(ctx context.Context, input store.CompleteInput) (models.Ticket, bool, error) {
	if !models.ValidServiceType(input.ServiceType) || !models.ValidCompletionStatus(input.CompletionStatus) {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}
	return s.applyTransition(ctx, input.TicketActionInput, transitionChange{
		action:          store.ActionComplete,
		fromStatus:      models.StatusInService,
		toStatus:        models.StatusCompleted,
		timestampColumn: "completed_at",
		serviceType:     input.ServiceType,
		completion:      input.CompletionStatus,
	})
}

func (s *Store) SkipTicket(ctx context.Context, input store.SkipInput) (models.Ticket, bool, error) {
	reason := strings.TrimSpace(input.Reason)
	if len(reason) < store.MinSkipReasonLen {
		return models.Ticket{}, false, store.ErrInvalidArgument
	}
	return s.applyTransition(ctx, input.TicketActionInput, transitionChange{
		action:          store.ActionSkip,
		fromStatus:      models.StatusCalled,
		toStatus:        models.StatusSkipped,
		timestampColumn: "completed_at",
		skipReason:      reason,
	})
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyTransition(ctx, input, transitionChange{
		action:     store.ActionCancel,
		fromStatus: models.StatusWaiting,
		toStatus:   models.StatusCancelled,
	})
}

func (s *Store) RequeueTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyTransition(ctx, input, transitionChange{
		action:          store.ActionRequeue,
		fromStatus:      models.StatusCalled,
		toStatus:        models.StatusWaiting,
		clearCallFields: true,
	})
}

// applyTransition moves a ticket through the state machine with a
// single conditional UPDATE: the WHERE clause pins the expected current
// status, so a concurrent transition loses cleanly instead of
// double-applying.
func (s *Store) applyTransition(ctx context.Context, input store.TicketActionInput, change transitionChange) (models.Ticket, bool, error) {
	if !store.ValidTransition(change.action, change.fromStatus) {
		return models.Ticket{}, false, store.ErrInvalidTransition
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidTransition
		}
		return existing, false, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := "UPDATE tickets SET status = $1"
	args := []any{change.toStatus}
	if change.timestampColumn != "" {
		query += fmt.Sprintf(", %s = $%d", change.timestampColumn, len(args)+1)
		args = append(args, occurredAt)
	}
	if change.skipReason != "" {
		query += fmt.Sprintf(", skip_reason = $%d", len(args)+1)
		args = append(args, change.skipReason)
	}
	if change.serviceType != "" {
		query += fmt.Sprintf(", service_type = $%d, completion_status = $%d", len(args)+1, len(args)+2)
		args = append(args, change.serviceType, change.completion)
	}
	if change.clearCallFields {
		query += ", counter_id = NULL, attendant_id = NULL, called_at = NULL"
	}
	query += fmt.Sprintf(`
		WHERE ticket_id = $%d AND unit_id = $%d AND status = $%d
		RETURNING `, len(args)+1, len(args)+2, len(args)+3)
	query += ticketColumns
	args = append(args, input.TicketID, input.UnitID, change.fromStatus)

	var ticket models.Ticket
	row := tx.QueryRow(ctx, query, args...)
	ticket, err = scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, stateErr := ticketExists(ctx, tx, input.TicketID, input.UnitID)
			if stateErr != nil {
				return models.Ticket{}, false, stateErr
			}
			if !exists {
				return models.Ticket{}, false, store.ErrTicketNotFound
			}
			return models.Ticket{}, false, store.ErrInvalidTransition
		}
		return models.Ticket{}, false, err
	}

	if err = insertActionRequest(ctx, tx, input.RequestID, change.action, input.UnitID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, input.UnitID, store.EventTicketStatusChanged, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// ResetDay wipes every ticket and counter of the unit's current local
// day in one transaction. Finished tickets go too; the partial reset
// that kept them visible was a known bug in an earlier generation of
// this system.
func (s *Store) ResetDay(ctx context.Context, input store.ResetInput) (store.ResetResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.ResetResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, found, _, err := findActionRequest(ctx, tx, input.RequestID)
	if err != nil {
		return store.ResetResult{}, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return store.ResetResult{}, err
		}
		return store.ResetResult{UnitID: input.UnitID}, nil
	}

	settings, err := getSettings(ctx, tx, input.UnitID)
	if err != nil {
		return store.ResetResult{}, err
	}
	requestedAt := input.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	day := dayOf(requestedAt, settings)

	ticketsTag, err := tx.Exec(ctx, `
		DELETE FROM tickets WHERE unit_id = $1 AND ticket_date = $2
	`, input.UnitID, day)
	if err != nil {
		return store.ResetResult{}, err
	}
	countersTag, err := tx.Exec(ctx, `
		DELETE FROM ticket_counters WHERE unit_id = $1 AND ticket_date = $2
	`, input.UnitID, day)
	if err != nil {
		return store.ResetResult{}, err
	}

	result := store.ResetResult{
		UnitID:          input.UnitID,
		TicketsDeleted:  ticketsTag.RowsAffected(),
		CountersDeleted: countersTag.RowsAffected(),
		ResetAt:         requestedAt,
	}

	if err = insertActionRequest(ctx, tx, input.RequestID, store.ActionReset, input.UnitID, ""); err != nil {
		return store.ResetResult{}, err
	}
	if err = insertOutboxEvent(ctx, tx, input.UnitID, store.EventSystemReset, result); err != nil {
		return store.ResetResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.ResetResult{}, err
	}
	return result, nil
}

func (s *Store) GetSettings(ctx context.Context, unitID string) (models.Settings, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return getSettings(ctx, s.pool, unitID)
}

func (s *Store) UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	if settings.UnitID == "" || settings.NormalPriority <= 0 || settings.PreferentialPriority <= 0 ||
		settings.NormalMinNumber <= 0 || settings.PreferentialMinNumber <= 0 {
		return models.Settings{}, store.ErrInvalidArgument
	}
	if _, err := time.LoadLocation(settings.Timezone); err != nil {
		return models.Settings{}, store.ErrInvalidArgument
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO unit_settings (
			unit_id, normal_priority, preferential_priority, manual_mode_enabled,
			normal_min_number, preferential_min_number, calling_system_active,
			organ_scoped_counters, auto_reset_enabled, timezone
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (unit_id) DO UPDATE SET
			normal_priority = EXCLUDED.normal_priority,
			preferential_priority = EXCLUDED.preferential_priority,
			manual_mode_enabled = EXCLUDED.manual_mode_enabled,
			normal_min_number = EXCLUDED.normal_min_number,
			preferential_min_number = EXCLUDED.preferential_min_number,
			calling_system_active = EXCLUDED.calling_system_active,
			organ_scoped_counters = EXCLUDED.organ_scoped_counters,
			auto_reset_enabled = EXCLUDED.auto_reset_enabled,
			timezone = EXCLUDED.timezone
	`, settings.UnitID, settings.NormalPriority, settings.PreferentialPriority, settings.ManualModeEnabled,
		settings.NormalMinNumber, settings.PreferentialMinNumber, settings.CallingSystemActive,
		settings.OrganScopedCounters, settings.AutoResetEnabled, settings.Timezone)
	if err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

func (s *Store) ListSettings(ctx context.Context) ([]models.Settings, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT unit_id, normal_priority, preferential_priority, manual_mode_enabled,
			normal_min_number, preferential_min_number, calling_system_active,
			organ_scoped_counters, auto_reset_enabled, timezone
		FROM unit_settings
		ORDER BY unit_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []models.Settings
	for rows.Next() {
		var settings models.Settings
		if err := rows.Scan(&settings.UnitID, &settings.NormalPriority, &settings.PreferentialPriority,
			&settings.ManualModeEnabled, &settings.NormalMinNumber, &settings.PreferentialMinNumber,
			&settings.CallingSystemActive, &settings.OrganScopedCounters, &settings.AutoResetEnabled,
			&settings.Timezone); err != nil {
			return nil, err
		}
		all = append(all, settings)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, unitID string, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT seq, event_id, unit_id, type, payload_json, created_at
		FROM outbox_events
		WHERE seq > $1
	`
	args := []any{afterSeq}
	if unitID != "" {
		query += " AND unit_id = $2"
		args = append(args, unitID)
	}
	query += fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.Seq, &event.EventID, &event.UnitID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE created_at < $1`, before)
	return err
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM action_requests
		WHERE request_id = $1
	`, requestID)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID.String)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, requestID, action, unitID, ticketID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (request_id, action, unit_id, ticket_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, unitID, nullIfEmpty(ticketID))
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, unitID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, unit_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), unitID, eventType, raw, time.Now().UTC())
	return err
}

func ticketExists(ctx context.Context, tx pgx.Tx, ticketID, unitID string) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1 AND unit_id = $2)
	`, ticketID, unitID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func ticketColumnsQualified(table string) string {
	columns := strings.Split(ticketColumns, ",")
	qualified := make([]string, 0, len(columns))
	for _, column := range columns {
		qualified = append(qualified, table+"."+strings.TrimSpace(column))
	}
	return strings.Join(qualified, ", ")
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var organID, counterID, attendantID, clientLabel, skipReason, serviceType, completionStatus sql.NullString
	var calledAt, serviceStartedAt, completedAt sql.NullTime
	err := row.Scan(&ticket.TicketID, &ticket.UnitID, &ticket.TicketType, &ticket.TicketNumber,
		&ticket.DisplayCode, &ticket.Priority, &ticket.Status, &organID, &counterID, &attendantID,
		&clientLabel, &ticket.RequestID, &skipReason, &serviceType, &completionStatus,
		&ticket.CreatedAt, &calledAt, &serviceStartedAt, &completedAt)
	if err != nil {
		return models.Ticket{}, err
	}
	if organID.Valid {
		ticket.OrganID = organID.String
	}
	ticket.CounterID = nullStringPtr(counterID)
	ticket.AttendantID = nullStringPtr(attendantID)
	if clientLabel.Valid {
		ticket.ClientLabel = clientLabel.String
	}
	if skipReason.Valid {
		ticket.SkipReason = skipReason.String
	}
	if serviceType.Valid {
		ticket.ServiceType = serviceType.String
	}
	if completionStatus.Valid {
		ticket.CompletionStatus = completionStatus.String
	}
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServiceStartedAt = nullTimePtr(serviceStartedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	return ticket, nil
}

func scanTickets(rows pgx.Rows) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
