package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists QuotaConfig rows. There is at most one row per
// (scope, target_id); its is_active flag decides whether it participates in
// resolution.
type Repository interface {
	// FindByTarget returns the row for (scope, targetID) whether active or
	// not, or nil if none exists.
	FindByTarget(ctx context.Context, scope Scope, targetID int64) (*Config, error)
	// GetByID returns the row with id, or nil if none exists.
	GetByID(ctx context.Context, id int64) (*Config, error)
	// Upsert creates the row from defaults overlaid with p, or merges the
	// supplied fields of p into the existing row, in one statement.
	Upsert(ctx context.Context, scope Scope, targetID int64, p PartialLimits) (*Config, error)
	// Delete removes the row with id and reports whether it existed.
	Delete(ctx context.Context, id int64) (bool, error)
	// List returns one page of rows with target names joined in, and the
	// total matching count.
	List(ctx context.Context, params ListParams) ([]Config, int64, error)
}

const configColumns = `q.id, q.scope, q.target_id, q.requests_per_minute, q.requests_per_hour, q.requests_per_day,
	q.requests_per_month, q.tokens_per_day, q.tokens_per_month, q.cost_per_day, q.cost_per_month,
	q.is_active, q.description, q.created_at, q.updated_at`

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a Repository backed by PostgreSQL.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) FindByTarget(ctx context.Context, scope Scope, targetID int64) (*Config, error) {
	c, err := scanConfig(r.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM api_quotas q WHERE q.scope = $1 AND q.target_id = $2`,
		string(scope), targetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying quota by target: %w", err)
	}
	return c, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id int64) (*Config, error) {
	c, err := scanConfig(r.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM api_quotas q WHERE q.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying quota by id: %w", err)
	}
	return c, nil
}

func (r *postgresRepository) Upsert(ctx context.Context, scope Scope, targetID int64, p PartialLimits) (*Config, error) {
	c, err := scanConfig(r.pool.QueryRow(ctx,
		`INSERT INTO api_quotas AS q (scope, target_id, requests_per_minute, requests_per_hour, requests_per_day,
		                             requests_per_month, tokens_per_day, tokens_per_month, cost_per_day,
		                             cost_per_month, is_active, description)
		 VALUES ($1::text, $2::bigint, $3::bigint, $4::bigint, $5::bigint, $6::bigint, $7::bigint, $8::bigint,
		         $9::double precision, $10::double precision, $11::boolean, $12::text)
		 ON CONFLICT (scope, target_id) DO UPDATE SET
		     requests_per_minute = COALESCE($13::bigint, q.requests_per_minute),
		     requests_per_hour   = COALESCE($14::bigint, q.requests_per_hour),
		     requests_per_day    = COALESCE($15::bigint, q.requests_per_day),
		     requests_per_month  = COALESCE($16::bigint, q.requests_per_month),
		     tokens_per_day      = COALESCE($17::bigint, q.tokens_per_day),
		     tokens_per_month    = COALESCE($18::bigint, q.tokens_per_month),
		     cost_per_day        = COALESCE($19::double precision, q.cost_per_day),
		     cost_per_month      = COALESCE($20::double precision, q.cost_per_month),
		     is_active           = COALESCE($21::boolean, q.is_active),
		     description         = COALESCE($12::text, q.description),
		     updated_at          = NOW()
		 RETURNING `+configColumns,
		upsertArgs(scope, targetID, p)...))
	if err != nil {
		return nil, fmt.Errorf("upserting quota: %w", err)
	}
	return c, nil
}

func (r *postgresRepository) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM api_quotas WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting quota: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *postgresRepository) List(ctx context.Context, params ListParams) ([]Config, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_quotas WHERE ($1::text = '' OR scope = $1::text)`,
		string(params.Scope),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting quotas: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+configColumns+`, COALESCE(u.username, t.name, '')
		 FROM api_quotas q
		 LEFT JOIN users u ON q.scope = 'user' AND u.id = q.target_id
		 LEFT JOIN teams t ON q.scope = 'team' AND t.id = q.target_id
		 WHERE ($1::text = '' OR q.scope = $1::text)
		 ORDER BY q.id
		 LIMIT $2 OFFSET $3`,
		string(params.Scope), params.PageSize, (params.Page-1)*params.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("listing quotas: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		c, err := scanConfig(rows, &targetName{})
		if err != nil {
			return nil, 0, fmt.Errorf("scanning quota: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// targetName is an optional trailing column filled into Config.TargetName.
type targetName struct{ v string }

func scanConfig(row pgx.Row, extra ...*targetName) (*Config, error) {
	var (
		c     Config
		scope string
	)
	dest := []any{&c.ID, &scope, &c.TargetID, &c.RequestsPerMinute, &c.RequestsPerHour, &c.RequestsPerDay,
		&c.RequestsPerMonth, &c.TokensPerDay, &c.TokensPerMonth, &c.CostPerDay, &c.CostPerMonth,
		&c.IsActive, &c.Description, &c.CreatedAt, &c.UpdatedAt}
	for _, e := range extra {
		dest = append(dest, &e.v)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Scope = Scope(scope)
	for _, e := range extra {
		c.TargetName = e.v
	}
	return &c, nil
}

// upsertArgs lays out the shared positional parameters of the upsert:
// $1..$12 are the insert values (defaults overlaid with p) and $13..$21 are
// the raw partial fields, NULL when not supplied.
func upsertArgs(scope Scope, targetID int64, p PartialLimits) []any {
	ins := p.Apply(DefaultLimits())
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return []any{
		string(scope), targetID,
		ins.RequestsPerMinute, ins.RequestsPerHour, ins.RequestsPerDay, ins.RequestsPerMonth,
		ins.TokensPerDay, ins.TokensPerMonth, ins.CostPerDay, ins.CostPerMonth,
		active, p.Description,
		p.RequestsPerMinute, p.RequestsPerHour, p.RequestsPerDay, p.RequestsPerMonth,
		p.TokensPerDay, p.TokensPerMonth, p.CostPerDay, p.CostPerMonth,
		p.IsActive,
	}
}
