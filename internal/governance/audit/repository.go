package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptlab/gatekeeper/internal/database"
)

// Repository persists admission violations.
type Repository interface {
	Insert(ctx context.Context, v *Violation) error
	List(ctx context.Context, params ListParams) ([]Violation, int64, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a violation Repository backed by PostgreSQL.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

// Insert persists a single violation. Replays of the same id are ignored.
func (r *postgresRepository) Insert(ctx context.Context, v *Violation) error {
	prepare(v)
	_, err := r.pool.Exec(ctx,
		`INSERT INTO admission_violations (id, user_id, ip_address, stage, reason, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		v.ID, v.UserID, v.IPAddress, v.Stage, v.Reason, v.Detail, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting violation: %w", err)
	}
	return nil
}

func (r *postgresRepository) List(ctx context.Context, params ListParams) ([]Violation, int64, error) {
	params = normalize(params)
	where, args := filters(params, func(i int) string { return fmt.Sprintf("$%d", i) })

	var totalCount int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM admission_violations"+where, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting violations: %w", err)
	}

	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, ip_address, stage, reason, detail, created_at
		 FROM admission_violations%s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, params.PageSize, (params.Page-1)*params.PageSize)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ID, &v.UserID, &v.IPAddress, &v.Stage, &v.Reason, &v.Detail, &v.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning violation: %w", err)
		}
		out = append(out, v)
	}
	return out, totalCount, rows.Err()
}

type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a violation Repository backed by SQLite.
func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

func (r *sqliteRepository) Insert(ctx context.Context, v *Violation) error {
	prepare(v)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO admission_violations (id, user_id, ip_address, stage, reason, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		v.ID.String(), v.UserID, v.IPAddress, v.Stage, v.Reason, v.Detail, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting violation: %w", err)
	}
	return nil
}

func (r *sqliteRepository) List(ctx context.Context, params ListParams) ([]Violation, int64, error) {
	params = normalize(params)
	where, args := filters(params, func(int) string { return "?" })

	var totalCount int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM admission_violations"+where, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting violations: %w", err)
	}

	args = append(args, params.PageSize, (params.Page-1)*params.PageSize)
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, ip_address, stage, reason, detail, created_at
		 FROM admission_violations`+where+`
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var (
			v      Violation
			id     string
			userID sql.NullInt64
		)
		if err := rows.Scan(&id, &userID, &v.IPAddress, &v.Stage, &v.Reason, &v.Detail,
			database.SQLiteTime(&v.CreatedAt)); err != nil {
			return nil, 0, fmt.Errorf("scanning violation: %w", err)
		}
		if v.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, fmt.Errorf("parsing violation id: %w", err)
		}
		if userID.Valid {
			v.UserID = &userID.Int64
		}
		out = append(out, v)
	}
	return out, totalCount, rows.Err()
}

func prepare(v *Violation) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.CreatedAt = v.CreatedAt.UTC()
}

func normalize(params ListParams) ListParams {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}
	return params
}

// filters builds the WHERE clause shared by both drivers. placeholder maps a
// 1-based argument index to the driver's bind syntax.
func filters(params ListParams, placeholder func(int) string) (string, []any) {
	var conditions []string
	var args []any

	if params.UserID != nil {
		args = append(args, *params.UserID)
		conditions = append(conditions, "user_id = "+placeholder(len(args)))
	}
	if params.Stage != "" {
		args = append(args, params.Stage)
		conditions = append(conditions, "stage = "+placeholder(len(args)))
	}
	if params.From != nil {
		args = append(args, params.From.UTC())
		conditions = append(conditions, "created_at >= "+placeholder(len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
