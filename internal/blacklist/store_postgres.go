package blacklist

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sms-receive/pkg/utils"
)

// NOTE: PostgresStore assumes table provider_blacklist exists with an index on
// (is_active, blacklist_type, expires_at) for the cleanup sweep.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const entryColumns = `id, provider, reason, blacklist_type, triggered_by, notes,
  expires_at, is_active, auto_removed, removed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var notes sql.NullString
	var expires, removed sql.NullTime
	err := row.Scan(
		&e.ID, &e.Provider, &e.Reason, &e.Type, &e.TriggeredBy, &notes,
		&expires, &e.Active, &e.AutoRemoved, &removed, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Notes = utils.NullString(notes)
	e.ExpiresAt = utils.NullTime(expires)
	e.RemovedAt = utils.NullTime(removed)
	return e, nil
}

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO provider_blacklist (
  id, provider, reason, blacklist_type, triggered_by, notes,
  expires_at, is_active, auto_removed, removed_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.Provider, e.Reason, string(e.Type), e.TriggeredBy, utils.StringArg(e.Notes),
		utils.TimeArg(e.ExpiresAt), e.Active, e.AutoRemoved, utils.TimeArg(e.RemovedAt), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Deactivate(ctx context.Context, id, note string, autoRemoved bool, at time.Time) (Entry, error) {
	q := `
UPDATE provider_blacklist SET
  is_active = FALSE,
  auto_removed = $2,
  removed_at = $3,
  updated_at = $3,
  notes = CASE
    WHEN $4 = '' THEN notes
    WHEN COALESCE(notes, '') = '' THEN $4
    ELSE notes || E'\n' || $4
  END
WHERE id = $1 AND is_active
RETURNING ` + entryColumns
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, id, autoRemoved, at, note))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) List(ctx context.Context, includeInactive bool) ([]Entry, error) {
	return s.list(ctx, `($1 OR is_active)`, includeInactive)
}

func (s *PostgresStore) History(ctx context.Context, provider string) ([]Entry, error) {
	return s.list(ctx, `provider = $1`, provider)
}

func (s *PostgresStore) ListActiveByProvider(ctx context.Context, provider string) ([]Entry, error) {
	return s.list(ctx, `provider = $1 AND is_active`, provider)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]Entry, error) {
	return s.list(ctx, `is_active AND blacklist_type = 'temporary' AND expires_at < $1`, now)
}

func (s *PostgresStore) list(ctx context.Context, where string, args ...any) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM provider_blacklist WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Counts(ctx context.Context) (Stats, error) {
	const q = `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE blacklist_type = 'permanent'),
  COUNT(*) FILTER (WHERE blacklist_type = 'temporary'),
  COUNT(*) FILTER (WHERE blacklist_type = 'manual')
FROM provider_blacklist
WHERE is_active
`
	var st Stats
	err := s.db.QueryRowContext(ctx, q).Scan(&st.Total, &st.Permanent, &st.Temporary, &st.Manual)
	return st, err
}
