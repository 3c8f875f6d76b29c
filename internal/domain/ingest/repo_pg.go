package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type attemptRepoPG struct {
	conn querier
}

// NewAttemptRepo stores attempts in the dispatch_attempt table.
func NewAttemptRepo(pool *pgxpool.Pool) AttemptRepository {
	return &attemptRepoPG{conn: pool}
}

const attemptCols = `id, request_id, resource_type, method, url, patient_id, observation_id,
	outcome, status_code, response_body, error, duration_us, created_at`

func (r *attemptRepoPG) Record(ctx context.Context, a *Attempt) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO dispatch_attempt (`+attemptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.RequestID, a.ResourceType, a.Method, a.URL, a.PatientID, a.ObservationID,
		a.Outcome, a.StatusCode, a.ResponseBody, a.Error, a.Duration.Microseconds(), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (r *attemptRepoPG) Get(ctx context.Context, id string) (*Attempt, error) {
	a, err := scanAttempt(r.conn.QueryRow(ctx, `SELECT `+attemptCols+` FROM dispatch_attempt WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attempt %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (r *attemptRepoPG) List(ctx context.Context, limit, offset int) ([]*Attempt, int, error) {
	var total int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_attempt`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}
	rows, err := r.conn.Query(ctx, `SELECT `+attemptCols+` FROM dispatch_attempt ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		attempts = append(attempts, a)
	}
	return attempts, total, rows.Err()
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	var durationUS int64
	err := row.Scan(
		&a.ID, &a.RequestID, &a.ResourceType, &a.Method, &a.URL, &a.PatientID, &a.ObservationID,
		&a.Outcome, &a.StatusCode, &a.ResponseBody, &a.Error, &durationUS, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Duration = time.Duration(durationUS) * time.Microsecond
	return &a, nil
}
