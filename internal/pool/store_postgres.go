package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sms-receive/pkg/utils"
)

// NOTE: PostgresStore assumes:
//
//	CREATE TABLE pool_numbers (
//	  id TEXT PRIMARY KEY, provider TEXT NOT NULL, provider_activation_id TEXT NOT NULL,
//	  phone_number TEXT NOT NULL, country_code TEXT NOT NULL, service_code TEXT NOT NULL,
//	  status TEXT NOT NULL, reserved_by_lease_id TEXT, reserved_at TIMESTAMPTZ,
//	  reserved_count INT NOT NULL DEFAULT 0, used_count INT NOT NULL DEFAULT 0,
//	  priority INT NOT NULL, preheated BOOLEAN NOT NULL, cost DOUBLE PRECISION, currency TEXT,
//	  bulk_purchased BOOLEAN NOT NULL DEFAULT false, discount_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  expires_at TIMESTAMPTZ NOT NULL, cooldown_until TIMESTAMPTZ,
//	  created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL,
//	  UNIQUE (provider, provider_activation_id)
//	);
//	CREATE INDEX pool_numbers_reserve_idx ON pool_numbers (service_code, country_code, status, priority, expires_at);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const numberColumns = `id, provider, provider_activation_id, phone_number, country_code, service_code,
  status, reserved_by_lease_id, reserved_at, reserved_count, used_count, priority, preheated,
  cost, currency, bulk_purchased, discount_rate, expires_at, cooldown_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNumber(row rowScanner) (PooledNumber, error) {
	var n PooledNumber
	var leaseID sql.NullString
	var reservedAt, cooldown sql.NullTime
	err := row.Scan(
		&n.ID, &n.Provider, &n.ProviderActivationID, &n.PhoneNumber, &n.CountryCode, &n.ServiceCode,
		&n.Status, &leaseID, &reservedAt, &n.ReservedCount, &n.UsedCount, &n.Priority, &n.Preheated,
		&n.Cost, &n.Currency, &n.BulkPurchased, &n.DiscountRate, &n.ExpiresAt, &cooldown, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return PooledNumber{}, err
	}
	n.ReservedByLeaseID = utils.NullString(leaseID)
	n.ReservedAt = utils.NullTime(reservedAt)
	n.CooldownUntil = utils.NullTime(cooldown)
	return n, nil
}

func (s *PostgresStore) Insert(ctx context.Context, n PooledNumber) error {
	const q = `
INSERT INTO pool_numbers (
  id, provider, provider_activation_id, phone_number, country_code, service_code,
  status, reserved_by_lease_id, reserved_at, reserved_count, used_count, priority, preheated,
  cost, currency, bulk_purchased, discount_rate, expires_at, cooldown_until, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
)
`
	_, err := s.db.ExecContext(ctx, q,
		n.ID, n.Provider, n.ProviderActivationID, n.PhoneNumber, n.CountryCode, n.ServiceCode,
		string(n.Status), utils.StringArg(n.ReservedByLeaseID), utils.TimeArg(n.ReservedAt),
		n.ReservedCount, n.UsedCount, n.Priority, n.Preheated,
		n.Cost, n.Currency, n.BulkPurchased, n.DiscountRate, n.ExpiresAt, utils.TimeArg(n.CooldownUntil), n.CreatedAt, n.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicateNumber
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (PooledNumber, error) {
	q := `SELECT ` + numberColumns + ` FROM pool_numbers WHERE id = $1`
	n, err := scanNumber(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PooledNumber{}, ErrNotFound
	}
	return n, err
}

// ReserveNext relies on FOR UPDATE SKIP LOCKED so concurrent reservers each
// lock a different row instead of queueing behind the first one.
func (s *PostgresStore) ReserveNext(ctx context.Context, b Bucket, leaseID string, now time.Time) (PooledNumber, bool, error) {
	q := `
UPDATE pool_numbers SET
  status = 'reserved',
  reserved_by_lease_id = $3,
  reserved_at = $4,
  reserved_count = reserved_count + 1,
  updated_at = $4
WHERE status = 'available' AND id = (
  SELECT id FROM pool_numbers
  WHERE service_code = $1 AND country_code = $2 AND status = 'available' AND expires_at > $4
  ORDER BY priority ASC, expires_at ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + numberColumns
	n, err := scanNumber(s.db.QueryRowContext(ctx, q, b.ServiceCode, b.CountryCode, leaseID, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PooledNumber{}, false, nil
		}
		return PooledNumber{}, false, err
	}
	return n, true, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, e Expect, u Update) (PooledNumber, error) {
	q := `
UPDATE pool_numbers SET
  status = $4,
  reserved_by_lease_id = CASE WHEN $5 THEN NULL ELSE reserved_by_lease_id END,
  reserved_at = CASE WHEN $5 THEN NULL ELSE reserved_at END,
  used_count = used_count + $6,
  cooldown_until = CASE WHEN $7 THEN $8::timestamptz ELSE cooldown_until END,
  preheated = COALESCE($9::boolean, preheated),
  priority = COALESCE($10::integer, priority),
  updated_at = $11
WHERE id = $1 AND status = $2 AND ($3 = '' OR reserved_by_lease_id = $3)
RETURNING ` + numberColumns

	inc := 0
	if u.IncrementUsed {
		inc = 1
	}
	var preheated, priority any
	if u.Preheated != nil {
		preheated = *u.Preheated
	}
	if u.Priority != nil {
		priority = *u.Priority
	}
	n, err := scanNumber(s.db.QueryRowContext(ctx, q,
		id, string(e.Status), e.LeaseID,
		string(u.To), u.ClearReservation, inc,
		u.SetCooldown, utils.TimeArg(u.CooldownUntil),
		preheated, priority, u.At,
	))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return PooledNumber{}, err
	}
	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return PooledNumber{}, gerr
	}
	return cur, fmt.Errorf("%w: %s is %s", ErrInvalidNumberState, id, cur.Status)
}

func (s *PostgresStore) query(ctx context.Context, where string, args ...any) ([]PooledNumber, error) {
	q := `SELECT ` + numberColumns + ` FROM pool_numbers WHERE ` + where
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PooledNumber
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStaleReservations(ctx context.Context, reservedBefore time.Time, limit int) ([]PooledNumber, error) {
	return s.query(ctx, `status = 'reserved' AND reserved_at <= $1 ORDER BY reserved_at ASC LIMIT $2`, reservedBefore, limit)
}

func (s *PostgresStore) ListPastExpiry(ctx context.Context, now time.Time, limit int) ([]PooledNumber, error) {
	return s.query(ctx, `status <> 'expired' AND expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`, now, limit)
}

func (s *PostgresStore) ListCooledDown(ctx context.Context, now time.Time, limit int) ([]PooledNumber, error) {
	return s.query(ctx, `status = 'used' AND cooldown_until <= $1 ORDER BY cooldown_until ASC LIMIT $2`, now, limit)
}

func (s *PostgresStore) Counts(ctx context.Context, b Bucket) (Counts, error) {
	const q = `
SELECT status, COUNT(*), COUNT(*) FILTER (WHERE preheated)
FROM pool_numbers
WHERE ($1 = '' OR service_code = $1) AND ($2 = '' OR country_code = $2)
GROUP BY status
`
	rows, err := s.db.QueryContext(ctx, q, b.ServiceCode, b.CountryCode)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status Status
		var n, preheated int
		if err := rows.Scan(&status, &n, &preheated); err != nil {
			return Counts{}, err
		}
		switch status {
		case StatusAvailable:
			c.Available = n
		case StatusReserved:
			c.Reserved = n
		case StatusUsed:
			c.Used = n
		case StatusExpired:
			c.Expired = n
		}
		c.Preheated += preheated
	}
	return c, rows.Err()
}
