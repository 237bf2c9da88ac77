package audit

import (
	"context"
	"database/sql"

	"sms-receive/pkg/utils"
)

// NOTE: PostgresRepo assumes table audit_events exists with an INSERT-only
// policy (UPDATE/DELETE revoked from the service role).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address, lease_id, provider_code, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), utils.StringArg(e.ActorUserID), utils.StringArg(e.ActorRole), utils.StringArg(e.IPAddress),
		utils.StringArg(e.LeaseID), utils.StringArg(e.ProviderCode), e.Message, utils.StringArg(e.Metadata), e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, typ EventType, limit int) ([]Event, error) {
	const q = `
SELECT id, type, actor_user_id, actor_role, ip_address, lease_id, provider_code, message, metadata, created_at
FROM audit_events
WHERE ($1 = '' OR type = $1)
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, string(typ), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actor, role, ip, leaseID, code, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &actor, &role, &ip, &leaseID, &code, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorUserID = utils.NullString(actor)
		e.ActorRole = utils.NullString(role)
		e.IPAddress = utils.NullString(ip)
		e.LeaseID = utils.NullString(leaseID)
		e.ProviderCode = utils.NullString(code)
		e.Metadata = utils.NullString(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}
