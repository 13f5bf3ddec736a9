package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/promptlab/gatekeeper/internal/database"
)

const sqliteRecordColumns = `id, user_id, team_id, usage_date, request_count, input_tokens, output_tokens,
	total_tokens, total_cost, model_usage, created_at, updated_at`

type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a Repository backed by SQLite.
func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

func (r *sqliteRepository) GetOrCreate(ctx context.Context, userID int64, day string) (*Record, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_usage (user_id, usage_date) VALUES (?, ?)
		 ON CONFLICT (user_id, usage_date) DO NOTHING`, userID, day)
	if err != nil {
		return nil, fmt.Errorf("ensuring usage record: %w", err)
	}

	rec, err := r.Get(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("usage record for user %d on %s vanished after insert", userID, day)
	}
	return rec, nil
}

func (r *sqliteRepository) Get(ctx context.Context, userID int64, day string) (*Record, error) {
	rec, err := scanSQLiteRecord(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM api_usage WHERE user_id = ? AND usage_date = ?`,
		userID, day))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching usage record: %w", err)
	}
	return rec, nil
}

func (r *sqliteRepository) Append(ctx context.Context, e Entry, day string) (*Record, error) {
	rec, err := scanSQLiteRecord(r.db.QueryRowContext(ctx,
		`INSERT INTO api_usage (user_id, team_id, usage_date, request_count, input_tokens, output_tokens,
		                        total_tokens, total_cost, model_usage)
		 VALUES (?1, ?2, ?3, 1, ?4, ?5, ?4 + ?5, ?6,
		         json_object(?7, json_object('count', 1, 'tokens', ?4 + ?5, 'cost', ?6)))
		 ON CONFLICT (user_id, usage_date) DO UPDATE SET
		     team_id       = COALESCE(excluded.team_id, api_usage.team_id),
		     request_count = api_usage.request_count + 1,
		     input_tokens  = api_usage.input_tokens + excluded.input_tokens,
		     output_tokens = api_usage.output_tokens + excluded.output_tokens,
		     total_tokens  = api_usage.total_tokens + excluded.total_tokens,
		     total_cost    = api_usage.total_cost + excluded.total_cost,
		     model_usage   = json_patch(api_usage.model_usage, json_object(?7, json_object(
		         'count',  COALESCE((SELECT json_extract(m.value, '$.count') FROM json_each(api_usage.model_usage) AS m WHERE m.key = ?7), 0) + 1,
		         'tokens', COALESCE((SELECT json_extract(m.value, '$.tokens') FROM json_each(api_usage.model_usage) AS m WHERE m.key = ?7), 0) + excluded.total_tokens,
		         'cost',   COALESCE((SELECT json_extract(m.value, '$.cost') FROM json_each(api_usage.model_usage) AS m WHERE m.key = ?7), 0) + excluded.total_cost))),
		     updated_at    = CURRENT_TIMESTAMP
		 RETURNING `+sqliteRecordColumns,
		e.UserID, e.TeamID, day, e.InputTokens, e.OutputTokens, e.Cost, NormalizeModel(e.Model)))
	if err != nil {
		return nil, fmt.Errorf("appending usage: %w", err)
	}
	return rec, nil
}

func (r *sqliteRepository) Sum(ctx context.Context, userID int64, from, to string) (Totals, error) {
	var t Totals
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(request_count), 0), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0.0)
		 FROM api_usage
		 WHERE user_id = ? AND usage_date >= ? AND usage_date < ?`,
		userID, from, to,
	).Scan(&t.Requests, &t.Tokens, &t.Cost)
	if err != nil {
		return Totals{}, fmt.Errorf("summing usage: %w", err)
	}
	return t, nil
}

func (r *sqliteRepository) ListSince(ctx context.Context, userID int64, since string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM api_usage
		 WHERE user_id = ? AND usage_date >= ?
		 ORDER BY usage_date DESC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *sqliteRepository) Summaries(ctx context.Context, since string) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.user_id, COALESCE(u.username, ''),
		        SUM(a.request_count), SUM(a.total_tokens), SUM(a.total_cost)
		 FROM api_usage a
		 LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.usage_date >= ?
		 GROUP BY a.user_id, u.username
		 ORDER BY 3 DESC, a.user_id`, since)
	if err != nil {
		return nil, fmt.Errorf("summarizing usage: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.UserID, &s.Username, &s.Requests, &s.Tokens, &s.Cost); err != nil {
			return nil, fmt.Errorf("scanning usage summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scanner) (*Record, error) {
	var (
		rec      Record
		teamID   sql.NullInt64
		rawModel string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &teamID, &rec.Date, &rec.RequestCount, &rec.InputTokens,
		&rec.OutputTokens, &rec.TotalTokens, &rec.TotalCost, &rawModel,
		database.SQLiteTime(&rec.CreatedAt), database.SQLiteTime(&rec.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if teamID.Valid {
		rec.TeamID = &teamID.Int64
	}
	if err := decodeModelUsage([]byte(rawModel), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
