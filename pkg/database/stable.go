package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/nais/rollout/pkg/record"
)

func (db *Database) stableColumn(ctx context.Context, column, service string) (string, error) {
	query := `SELECT ` + column + ` FROM stable_endpoint WHERE service = $1;`
	rows, err := db.timedQuery(ctx, query, service)
	if err != nil {
		return "", err
	}

	defer rows.Close()
	for rows.Next() {
		var endpoint string
		err = rows.Scan(&endpoint)
		if err != nil {
			return "", err
		}
		if endpoint == "" {
			return "", record.ErrNotFound
		}
		return endpoint, nil
	}

	if err := rows.Err(); err != nil {
		return "", err
	}
	return "", record.ErrNotFound
}

func (db *Database) StableEndpoint(ctx context.Context, service string) (string, error) {
	return db.stableColumn(ctx, "current", service)
}

func (db *Database) PreviousStableEndpoint(ctx context.Context, service string) (string, error) {
	return db.stableColumn(ctx, "previous", service)
}

// SetStableEndpoint moves the current endpoint to previous, unless it is unchanged.
func (db *Database) SetStableEndpoint(ctx context.Context, service, endpoint string) error {
	query := `
INSERT INTO stable_endpoint (service, current, previous, updated)
VALUES ($1, $2, '', $3)
ON CONFLICT (service) DO UPDATE
SET previous = CASE
        WHEN stable_endpoint.current = EXCLUDED.current THEN stable_endpoint.previous
        ELSE stable_endpoint.current
    END,
    current = EXCLUDED.current,
    updated = EXCLUDED.updated;
`
	_, err := db.timedExec(ctx, query, service, endpoint, time.Now())
	return err
}

func (db *Database) RevertStableEndpoint(ctx context.Context, service string) (string, error) {
	query := `
UPDATE stable_endpoint
SET current = previous, previous = '', updated = $2
WHERE service = $1 AND previous <> ''
RETURNING current;
`
	var endpoint string
	err := db.conn.QueryRow(ctx, query, service, time.Now()).Scan(&endpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", record.ErrNotFound
	}
	return endpoint, err
}
