package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketinventory/internal/inventory"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store keeps events and reservations in Postgres. Capacity changes are
// single conditional UPDATE statements so the check and the write cannot be
// separated by a concurrent writer.
type Store struct {
	pool *pgxpool.Pool
}

var _ inventory.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

// SaveVenue inserts or replaces a venue.
func (s *Store) SaveVenue(ctx context.Context, v inventory.Venue) error {
	const query = `
INSERT INTO venues (id, name, address, total_capacity)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address, total_capacity = EXCLUDED.total_capacity`
	if _, err := s.exec(ctx, query, v.ID, v.Name, v.Address, v.TotalCapacity); err != nil {
		return inventory.StorageError("save venue", err)
	}
	return nil
}

// SaveEvent inserts or replaces an event, including its venue when set.
func (s *Store) SaveEvent(ctx context.Context, e inventory.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		var venueID *int64
		if e.Venue.ID != 0 {
			if err := s.SaveVenue(ctx, e.Venue); err != nil {
				return err
			}
			venueID = &e.Venue.ID
		}
		const query = `
INSERT INTO events (id, name, venue_id, total_capacity, left_capacity, ticket_price)
VALUES ($1, $2, $3, $4, $5, $6::numeric)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	venue_id = EXCLUDED.venue_id,
	total_capacity = EXCLUDED.total_capacity,
	left_capacity = EXCLUDED.left_capacity,
	ticket_price = EXCLUDED.ticket_price`
		_, err := s.exec(ctx, query, e.ID, e.Name, venueID, e.TotalCapacity, e.LeftCapacity, e.TicketPrice.String())
		if err != nil {
			if isCheckViolation(err) {
				return fmt.Errorf("save event %d: %w", e.ID, err)
			}
			return inventory.StorageError("save event", err)
		}
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, eventID int64) (inventory.Event, error) {
	const query = `
SELECT e.id, e.name, e.total_capacity, e.left_capacity, e.ticket_price::text,
	COALESCE(v.id, 0), COALESCE(v.name, ''), COALESCE(v.address, ''), COALESCE(v.total_capacity, 0)
FROM events e
LEFT JOIN venues v ON v.id = e.venue_id
WHERE e.id = $1`
	var (
		e     inventory.Event
		price string
	)
	err := s.queryRow(ctx, query, eventID).Scan(
		&e.ID, &e.Name, &e.TotalCapacity, &e.LeftCapacity, &price,
		&e.Venue.ID, &e.Venue.Name, &e.Venue.Address, &e.Venue.TotalCapacity,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Event{}, &inventory.EventNotFoundError{EventID: eventID}
		}
		return inventory.Event{}, inventory.StorageError("get event", err)
	}
	if e.TicketPrice, err = decimal.NewFromString(price); err != nil {
		return inventory.Event{}, fmt.Errorf("event %d: parse ticket price %q: %w", eventID, price, err)
	}
	return e, nil
}

func (s *Store) TryReserve(ctx context.Context, eventID, count int64) (int64, error) {
	if count <= 0 {
		return 0, inventory.ErrInvalidTicketCount
	}
	const query = `
UPDATE events SET left_capacity = left_capacity - $2
WHERE id = $1 AND left_capacity >= $2
RETURNING left_capacity`
	var left int64
	err := s.queryRow(ctx, query, eventID, count).Scan(&left)
	if err == nil {
		return left, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, inventory.StorageError("reserve capacity", err)
	}

	// The conditional update matched nothing: either the event is unknown or
	// it has too few tickets left.
	var available int64
	err = s.queryRow(ctx, `SELECT left_capacity FROM events WHERE id = $1`, eventID).Scan(&available)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, &inventory.EventNotFoundError{EventID: eventID}
	case err != nil:
		return 0, inventory.StorageError("read capacity", err)
	}
	return 0, &inventory.InsufficientCapacityError{EventID: eventID, Available: available, Requested: count}
}

func (s *Store) Release(ctx context.Context, eventID, count int64) (inventory.ReleaseResult, error) {
	if count <= 0 {
		return inventory.ReleaseResult{}, inventory.ErrInvalidTicketCount
	}
	const query = `
WITH prev AS (
	SELECT id, left_capacity FROM events WHERE id = $1 FOR UPDATE
)
UPDATE events e
SET left_capacity = LEAST(prev.left_capacity + $2, e.total_capacity)
FROM prev
WHERE e.id = prev.id
RETURNING e.left_capacity, GREATEST(prev.left_capacity + $2 - e.total_capacity, 0)`
	var res inventory.ReleaseResult
	err := s.queryRow(ctx, query, eventID, count).Scan(&res.Left, &res.Overflow)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.ReleaseResult{}, &inventory.EventNotFoundError{EventID: eventID}
		}
		return inventory.ReleaseResult{}, inventory.StorageError("release capacity", err)
	}
	return res, nil
}

func (s *Store) Create(ctx context.Context, r inventory.Reservation) error {
	const query = `
INSERT INTO reservations (id, transaction_id, event_id, user_id, ticket_count, original_capacity, status, error_message, created_at, outcome_pending)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`
	_, err := s.exec(ctx, query,
		r.ID, r.TransactionID, r.EventID, r.UserID, r.TicketCount, r.OriginalCapacity,
		string(r.Status), r.ErrorMessage, r.CreatedAt, r.OutcomePending,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateTransaction, r.TransactionID)
		}
		return inventory.StorageError("create reservation", err)
	}
	return nil
}

const reservationColumns = `id::text, transaction_id, event_id, user_id, ticket_count, original_capacity, status, COALESCE(error_message, ''), created_at, outcome_pending`

func scanReservation(row pgx.Row) (inventory.Reservation, error) {
	var (
		r      inventory.Reservation
		status string
	)
	err := row.Scan(&r.ID, &r.TransactionID, &r.EventID, &r.UserID, &r.TicketCount, &r.OriginalCapacity, &status, &r.ErrorMessage, &r.CreatedAt, &r.OutcomePending)
	if err != nil {
		return inventory.Reservation{}, err
	}
	r.Status = inventory.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) FindByTransactionID(ctx context.Context, transactionID string) (inventory.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE transaction_id = $1`
	r, err := scanReservation(s.queryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Reservation{}, inventory.ErrReservationNotFound
		}
		return inventory.Reservation{}, inventory.StorageError("find reservation", err)
	}
	return r, nil
}

func (s *Store) FindByEventID(ctx context.Context, eventID int64) ([]inventory.Reservation, error) {
	return s.list(ctx, "find reservations by event",
		`SELECT `+reservationColumns+` FROM reservations WHERE event_id = $1 ORDER BY created_at, transaction_id`, eventID)
}

func (s *Store) FindByStatus(ctx context.Context, status inventory.Status) ([]inventory.Reservation, error) {
	return s.list(ctx, "find reservations by status",
		`SELECT `+reservationColumns+` FROM reservations WHERE status = $1 ORDER BY created_at, transaction_id`, string(status))
}

func (s *Store) FindStuck(ctx context.Context, cutoff time.Time) ([]inventory.Reservation, error) {
	return s.list(ctx, "find stuck reservations",
		`SELECT `+reservationColumns+` FROM reservations WHERE status = 'RESERVED' AND created_at < $1 ORDER BY created_at, transaction_id`, cutoff)
}

func (s *Store) UpdateStatus(ctx context.Context, transactionID string, from, to inventory.Status) error {
	if !inventory.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", inventory.ErrInvalidTransition, from, to)
	}
	tag, err := s.exec(ctx,
		`UPDATE reservations SET status = $3, outcome_pending = $4 WHERE transaction_id = $1 AND status = $2`,
		transactionID, string(from), string(to), inventory.AnnouncesOutcome(to),
	)
	if err != nil {
		return inventory.StorageError("update reservation status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.queryRow(ctx, `SELECT status FROM reservations WHERE transaction_id = $1`, transactionID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return inventory.ErrReservationNotFound
	case err != nil:
		return inventory.StorageError("read reservation status", err)
	}
	return fmt.Errorf("%w: %s is %s, not %s", inventory.ErrInvalidTransition, transactionID, current, from)
}

func (s *Store) SetErrorMessage(ctx context.Context, transactionID, message string) error {
	tag, err := s.exec(ctx, `UPDATE reservations SET error_message = $2 WHERE transaction_id = $1`, transactionID, message)
	if err != nil {
		return inventory.StorageError("set reservation error", err)
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrReservationNotFound
	}
	return nil
}

func (s *Store) MarkOutcomeSent(ctx context.Context, transactionID string, status inventory.Status) error {
	const query = `
UPDATE reservations SET outcome_pending = FALSE
WHERE transaction_id = $1 AND status = $2 AND outcome_pending`
	if _, err := s.exec(ctx, query, transactionID, string(status)); err != nil {
		return inventory.StorageError("mark outcome sent", err)
	}
	return nil
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.exec(ctx,
		`DELETE FROM reservations WHERE status IN ('COMPENSATED', 'FAILED') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, inventory.StorageError("delete old reservations", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[inventory.Status]int64, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM reservations GROUP BY status`)
	if err != nil {
		return nil, inventory.StorageError("count reservations", err)
	}
	defer rows.Close()

	counts := make(map[inventory.Status]int64, len(inventory.Statuses))
	for _, st := range inventory.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, inventory.StorageError("count reservations", err)
		}
		counts[inventory.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, inventory.StorageError("count reservations", err)
	}
	return counts, nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]inventory.Reservation, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, inventory.StorageError(op, err)
	}
	defer rows.Close()

	var out []inventory.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, inventory.StorageError(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, inventory.StorageError(op, err)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}
