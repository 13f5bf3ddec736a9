package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/promptlab/gatekeeper/internal/database"
)

type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a Repository backed by SQLite.
func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

func (r *sqliteRepository) FindByTarget(ctx context.Context, scope Scope, targetID int64) (*Config, error) {
	c, err := scanSQLiteConfig(r.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM api_quotas q WHERE q.scope = ? AND q.target_id = ?`,
		string(scope), targetID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying quota by target: %w", err)
	}
	return c, nil
}

func (r *sqliteRepository) GetByID(ctx context.Context, id int64) (*Config, error) {
	c, err := scanSQLiteConfig(r.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM api_quotas q WHERE q.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying quota by id: %w", err)
	}
	return c, nil
}

func (r *sqliteRepository) Upsert(ctx context.Context, scope Scope, targetID int64, p PartialLimits) (*Config, error) {
	c, err := scanSQLiteConfig(r.db.QueryRowContext(ctx,
		`INSERT INTO api_quotas AS q (scope, target_id, requests_per_minute, requests_per_hour, requests_per_day,
		                             requests_per_month, tokens_per_day, tokens_per_month, cost_per_day,
		                             cost_per_month, is_active, description)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12)
		 ON CONFLICT (scope, target_id) DO UPDATE SET
		     requests_per_minute = COALESCE(?13, q.requests_per_minute),
		     requests_per_hour   = COALESCE(?14, q.requests_per_hour),
		     requests_per_day    = COALESCE(?15, q.requests_per_day),
		     requests_per_month  = COALESCE(?16, q.requests_per_month),
		     tokens_per_day      = COALESCE(?17, q.tokens_per_day),
		     tokens_per_month    = COALESCE(?18, q.tokens_per_month),
		     cost_per_day        = COALESCE(?19, q.cost_per_day),
		     cost_per_month      = COALESCE(?20, q.cost_per_month),
		     is_active           = COALESCE(?21, q.is_active),
		     description         = COALESCE(?12, q.description),
		     updated_at          = CURRENT_TIMESTAMP
		 RETURNING `+sqliteReturning,
		upsertArgs(scope, targetID, p)...))
	if err != nil {
		return nil, fmt.Errorf("upserting quota: %w", err)
	}
	return c, nil
}

func (r *sqliteRepository) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_quotas WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting quota: %w", err)
	}
	return n > 0, nil
}

func (r *sqliteRepository) List(ctx context.Context, params ListParams) ([]Config, int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_quotas WHERE (?1 = '' OR scope = ?1)`,
		string(params.Scope),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting quotas: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+configColumns+`, COALESCE(u.username, t.name, '')
		 FROM api_quotas q
		 LEFT JOIN users u ON q.scope = 'user' AND u.id = q.target_id
		 LEFT JOIN teams t ON q.scope = 'team' AND t.id = q.target_id
		 WHERE (?1 = '' OR q.scope = ?1)
		 ORDER BY q.id
		 LIMIT ?2 OFFSET ?3`,
		string(params.Scope), params.PageSize, (params.Page-1)*params.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("listing quotas: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		c, err := scanSQLiteConfig(rows, &targetName{})
		if err != nil {
			return nil, 0, fmt.Errorf("scanning quota: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// SQLite does not accept a table alias inside RETURNING.
const sqliteReturning = `id, scope, target_id, requests_per_minute, requests_per_hour, requests_per_day,
	requests_per_month, tokens_per_day, tokens_per_month, cost_per_day, cost_per_month,
	is_active, description, created_at, updated_at`

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConfig(row sqlScanner, extra ...*targetName) (*Config, error) {
	var (
		c     Config
		scope string
		desc  sql.NullString
	)
	dest := []any{&c.ID, &scope, &c.TargetID, &c.RequestsPerMinute, &c.RequestsPerHour, &c.RequestsPerDay,
		&c.RequestsPerMonth, &c.TokensPerDay, &c.TokensPerMonth, &c.CostPerDay, &c.CostPerMonth,
		&c.IsActive, &desc, database.SQLiteTime(&c.CreatedAt), database.SQLiteTime(&c.UpdatedAt)}
	for _, e := range extra {
		dest = append(dest, &e.v)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Scope = Scope(scope)
	if desc.Valid {
		c.Description = &desc.String
	}
	for _, e := range extra {
		c.TargetName = e.v
	}
	return &c, nil
}
