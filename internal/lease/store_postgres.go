package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sms-receive/pkg/utils"
)

// NOTE: PostgresStore assumes tables sms_leases and sms_messages exist, with
// UNIQUE (lease_id, dedup_key) on sms_messages and an index on
// sms_leases (state, expires_at) for the expiry sweep.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const leaseColumns = `id, provider, provider_activation_id, phone_number, country_code, service_code,
  cost, currency, device_id, user_id, rental_type, rental_start, rental_end, rental_sms_count,
  from_pool, pool_id, selected_by_algorithm, fallback_count, state, failure_reason,
  activated_at, sms_received_at, completed_at, expires_at, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (Lease, error) {
	var l Lease
	var deviceID, userID, poolID, reason sql.NullString
	var rentalStart, rentalEnd, activated, smsAt, completed sql.NullTime
	err := row.Scan(
		&l.ID, &l.Provider, &l.ProviderActivationID, &l.PhoneNumber, &l.CountryCode, &l.ServiceCode,
		&l.Cost, &l.Currency, &deviceID, &userID, &l.RentalType, &rentalStart, &rentalEnd, &l.RentalSmsCount,
		&l.FromPool, &poolID, &l.SelectedByAlgorithm, &l.FallbackCount, &l.State, &reason,
		&activated, &smsAt, &completed, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt, &l.Version,
	)
	if err != nil {
		return Lease{}, err
	}
	l.DeviceID = utils.NullString(deviceID)
	l.UserID = utils.NullString(userID)
	l.PoolID = utils.NullString(poolID)
	l.FailureReason = utils.NullString(reason)
	l.RentalStart = utils.NullTime(rentalStart)
	l.RentalEnd = utils.NullTime(rentalEnd)
	l.ActivatedAt = utils.NullTime(activated)
	l.SmsReceivedAt = utils.NullTime(smsAt)
	l.CompletedAt = utils.NullTime(completed)
	return l, nil
}

func (s *PostgresStore) Create(ctx context.Context, l Lease) error {
	const q = `
INSERT INTO sms_leases (
  id, provider, provider_activation_id, phone_number, country_code, service_code,
  cost, currency, device_id, user_id, rental_type, rental_start, rental_end, rental_sms_count,
  from_pool, pool_id, selected_by_algorithm, fallback_count, state, failure_reason,
  activated_at, sms_received_at, completed_at, expires_at, created_at, updated_at, version
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27
)
`
	_, err := s.db.ExecContext(ctx, q,
		l.ID, l.Provider, l.ProviderActivationID, l.PhoneNumber, l.CountryCode, l.ServiceCode,
		l.Cost, l.Currency, utils.StringArg(l.DeviceID), utils.StringArg(l.UserID), string(l.RentalType),
		utils.TimeArg(l.RentalStart), utils.TimeArg(l.RentalEnd), l.RentalSmsCount,
		l.FromPool, utils.StringArg(l.PoolID), l.SelectedByAlgorithm, l.FallbackCount, string(l.State),
		utils.StringArg(l.FailureReason),
		utils.TimeArg(l.ActivatedAt), utils.TimeArg(l.SmsReceivedAt), utils.TimeArg(l.CompletedAt),
		l.ExpiresAt, l.CreatedAt, l.UpdatedAt, l.Version,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Lease, error) {
	q := `SELECT ` + leaseColumns + ` FROM sms_leases WHERE id = $1`
	l, err := scanLease(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	return l, err
}

func (s *PostgresStore) Update(ctx context.Context, l Lease) (Lease, error) {
	const q = `
UPDATE sms_leases SET
  rental_sms_count = $3,
  state = $4,
  failure_reason = $5,
  sms_received_at = $6,
  completed_at = $7,
  expires_at = $8,
  updated_at = $9,
  version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := s.db.ExecContext(ctx, q,
		l.ID, l.Version, l.RentalSmsCount, string(l.State), utils.StringArg(l.FailureReason),
		utils.TimeArg(l.SmsReceivedAt), utils.TimeArg(l.CompletedAt), l.ExpiresAt, l.UpdatedAt,
	)
	if err != nil {
		return Lease{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, err
	}
	if n == 0 {
		cur, gerr := s.Get(ctx, l.ID)
		if gerr != nil {
			return Lease{}, gerr
		}
		return cur, ErrVersionConflict
	}
	l.Version++
	return l, nil
}

func (s *PostgresStore) FindActiveByActivation(ctx context.Context, provider, activationID string) (Lease, error) {
	q := `SELECT ` + leaseColumns + ` FROM sms_leases
WHERE provider = $1 AND provider_activation_id = $2
ORDER BY (state = 'active') DESC, created_at DESC
LIMIT 1`
	l, err := scanLease(s.db.QueryRowContext(ctx, q, provider, activationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	return l, err
}

func (s *PostgresStore) list(ctx context.Context, where string, args ...any) ([]Lease, error) {
	q := `SELECT ` + leaseColumns + ` FROM sms_leases WHERE ` + where
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Lease, error) {
	return s.list(ctx, `state = 'active' AND (expires_at <= $1 OR (rental_type = 'rental' AND rental_end <= $1))
ORDER BY expires_at ASC LIMIT $2`, now, limit)
}

func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]Lease, error) {
	return s.list(ctx, `state = 'active' ORDER BY expires_at ASC LIMIT $1`, limit)
}

func (s *PostgresStore) ListCreated(ctx context.Context, from, to time.Time, provider string, limit int) ([]Lease, error) {
	return s.list(ctx, `created_at >= $1 AND created_at < $2 AND ($3 = '' OR provider = $3)
ORDER BY created_at ASC LIMIT $4`, from, to, provider, limit)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m SmsMessage) (bool, error) {
	const q = `
INSERT INTO sms_messages (
  id, lease_id, message_text, verification_code, sender, dedup_key,
  delivered_to_device, received_at, delivered_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (lease_id, dedup_key) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		m.ID, m.LeaseID, m.MessageText, utils.StringArg(m.VerificationCode), utils.StringArg(m.Sender), m.DedupKey,
		m.DeliveredToDevice, m.ReceivedAt, utils.TimeArg(m.DeliveredAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Messages(ctx context.Context, leaseID string) ([]SmsMessage, error) {
	const q = `
SELECT id, lease_id, message_text, verification_code, sender, dedup_key,
       delivered_to_device, received_at, delivered_at
FROM sms_messages
WHERE lease_id = $1
ORDER BY received_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, leaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SmsMessage
	for rows.Next() {
		var m SmsMessage
		var code, sender sql.NullString
		var delivered sql.NullTime
		if err := rows.Scan(&m.ID, &m.LeaseID, &m.MessageText, &code, &sender, &m.DedupKey,
			&m.DeliveredToDevice, &m.ReceivedAt, &delivered); err != nil {
			return nil, err
		}
		m.VerificationCode = utils.NullString(code)
		m.Sender = utils.NullString(sender)
		m.DeliveredAt = utils.NullTime(delivered)
		out = append(out, m)
	}
	return out, rows.Err()
}
