package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists daily usage records. Every write is a single atomic
// upsert keyed by (user_id, usage_date) so concurrent writers never lose an
// increment and never create a second row for the same day.
type Repository interface {
	// GetOrCreate returns the user's record for day, inserting an empty one
	// if none exists.
	GetOrCreate(ctx context.Context, userID int64, day string) (*Record, error)
	// Get returns the user's record for day, or nil if none exists.
	Get(ctx context.Context, userID int64, day string) (*Record, error)
	// Append adds one call's usage to the user's record for day.
	Append(ctx context.Context, e Entry, day string) (*Record, error)
	// Sum aggregates the user's records with from <= day < to.
	Sum(ctx context.Context, userID int64, from, to string) (Totals, error)
	// ListSince returns the user's records with day >= since, newest first.
	ListSince(ctx context.Context, userID int64, since string) ([]Record, error)
	// Summaries aggregates every user's records with day >= since, ordered by
	// request count descending.
	Summaries(ctx context.Context, since string) ([]Summary, error)
}

const pgRecordColumns = `id, user_id, team_id, usage_date, request_count, input_tokens, output_tokens,
	total_tokens, total_cost, model_usage, created_at, updated_at`

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a Repository backed by PostgreSQL.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) GetOrCreate(ctx context.Context, userID int64, day string) (*Record, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO api_usage (user_id, usage_date) VALUES ($1, $2::date)
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

func (r *postgresRepository) Get(ctx context.Context, userID int64, day string) (*Record, error) {
	rec, err := scanPostgresRecord(r.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM api_usage WHERE user_id = $1 AND usage_date = $2::date`,
		userID, day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching usage record: %w", err)
	}
	return rec, nil
}

func (r *postgresRepository) Append(ctx context.Context, e Entry, day string) (*Record, error) {
	rec, err := scanPostgresRecord(r.pool.QueryRow(ctx,
		`INSERT INTO api_usage (user_id, team_id, usage_date, request_count, input_tokens, output_tokens,
		                        total_tokens, total_cost, model_usage)
		 VALUES ($1, $2, $3::date, 1, $4::bigint, $5::bigint, $4::bigint + $5::bigint, $6::double precision,
		         jsonb_build_object($7::text, jsonb_build_object(
		             'count', 1, 'tokens', $4::bigint + $5::bigint, 'cost', $6::double precision)))
		 ON CONFLICT (user_id, usage_date) DO UPDATE SET
		     team_id       = COALESCE(EXCLUDED.team_id, api_usage.team_id),
		     request_count = api_usage.request_count + 1,
		     input_tokens  = api_usage.input_tokens + EXCLUDED.input_tokens,
		     output_tokens = api_usage.output_tokens + EXCLUDED.output_tokens,
		     total_tokens  = api_usage.total_tokens + EXCLUDED.total_tokens,
		     total_cost    = api_usage.total_cost + EXCLUDED.total_cost,
		     model_usage   = api_usage.model_usage || jsonb_build_object($7::text, jsonb_build_object(
		         'count',  COALESCE((api_usage.model_usage -> $7::text ->> 'count')::bigint, 0) + 1,
		         'tokens', COALESCE((api_usage.model_usage -> $7::text ->> 'tokens')::bigint, 0) + EXCLUDED.total_tokens,
		         'cost',   COALESCE((api_usage.model_usage -> $7::text ->> 'cost')::double precision, 0) + EXCLUDED.total_cost)),
		     updated_at    = NOW()
		 RETURNING `+pgRecordColumns,
		e.UserID, e.TeamID, day, e.InputTokens, e.OutputTokens, e.Cost, NormalizeModel(e.Model)))
	if err != nil {
		return nil, fmt.Errorf("appending usage: %w", err)
	}
	return rec, nil
}

func (r *postgresRepository) Sum(ctx context.Context, userID int64, from, to string) (Totals, error) {
	var t Totals
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(request_count), 0)::bigint,
		        COALESCE(SUM(total_tokens), 0)::bigint,
		        COALESCE(SUM(total_cost), 0)::double precision
		 FROM api_usage
		 WHERE user_id = $1 AND usage_date >= $2::date AND usage_date < $3::date`,
		userID, from, to,
	).Scan(&t.Requests, &t.Tokens, &t.Cost)
	if err != nil {
		return Totals{}, fmt.Errorf("summing usage: %w", err)
	}
	return t, nil
}

func (r *postgresRepository) ListSince(ctx context.Context, userID int64, since string) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM api_usage
		 WHERE user_id = $1 AND usage_date >= $2::date
		 ORDER BY usage_date DESC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *postgresRepository) Summaries(ctx context.Context, since string) ([]Summary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.user_id, COALESCE(u.username, ''),
		        SUM(a.request_count)::bigint, SUM(a.total_tokens)::bigint, SUM(a.total_cost)::double precision
		 FROM api_usage a
		 LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.usage_date >= $1::date
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

func scanPostgresRecord(row pgx.Row) (*Record, error) {
	var (
		rec      Record
		date     time.Time
		rawModel []byte
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.TeamID, &date, &rec.RequestCount, &rec.InputTokens,
		&rec.OutputTokens, &rec.TotalTokens, &rec.TotalCost, &rawModel, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Date = date.Format(DateLayout)
	if err := decodeModelUsage(rawModel, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeModelUsage(raw []byte, rec *Record) error {
	rec.ModelUsage = map[string]ModelUsage{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &rec.ModelUsage); err != nil {
		return fmt.Errorf("decoding model usage: %w", err)
	}
	return nil
}
