package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/record"
)

var terminalStatuses = []string{
	string(record.StatusCompleted),
	string(record.StatusFailed),
	string(record.StatusCancelled),
	string(record.StatusRolledBack),
}

func scanRecord(row pgx.Row) (*record.Record, error) {
	var data []byte
	err := row.Scan(&data)
	if err != nil {
		return nil, err
	}

	rec := &record.Record{}
	err = json.Unmarshal(data, rec)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// notification identifies a committed version. NOTIFY payloads are limited to 8000 bytes,
// so receivers read the record itself from deployment_record_version.
type notification struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// commit stores rec as a new version and notifies listeners about it.
func commit(ctx context.Context, tx pgx.Tx, rec *record.Record, payload []byte) error {
	_, err := tx.Exec(ctx, `INSERT INTO deployment_record_version (id, version, data) VALUES ($1, $2, $3);`, rec.ID, rec.Version, string(payload))
	if err != nil {
		return err
	}

	n, err := json.Marshal(notification{ID: rec.ID, Version: rec.Version})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(n))
	return err
}

func (db *Database) version(ctx context.Context, n notification) (*record.Record, error) {
	now := time.Now()
	rec, err := scanRecord(db.conn.QueryRow(ctx, `SELECT data FROM deployment_record_version WHERE id = $1 AND version = $2;`, n.ID, n.Version))
	metrics.DatabaseQuery(backendName, now, err)
	return rec, err
}

func (db *Database) Create(ctx context.Context, rec *record.Record) (string, error) {
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	rec.Version = 1

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	query := `
INSERT INTO deployment_record (id, service, requester, status, version, created, updated, data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	now := time.Now()
	err = db.conn.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			rec.ID,
			rec.Service,
			rec.Requester,
			string(rec.Status),
			rec.Version,
			rec.CreatedAt,
			rec.UpdatedAt,
			string(payload),
		)
		if err != nil {
			return err
		}
		return commit(ctx, tx, rec, payload)
	})
	metrics.DatabaseQuery(backendName, now, err)

	if IsErrUniqueViolation(err) {
		return "", record.ErrAlreadyExists
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Update locks the row for the duration of the mutation, so concurrent updates to the
// same record are serialized.
func (db *Database) Update(ctx context.Context, id string, fn record.UpdateFunc) (*record.Record, error) {
	var after *record.Record

	now := time.Now()
	err := db.conn.BeginFunc(ctx, func(tx pgx.Tx) error {
		before, err := scanRecord(tx.QueryRow(ctx, `SELECT data FROM deployment_record WHERE id = $1 FOR UPDATE;`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return record.ErrNotFound
		}
		if err != nil {
			return err
		}

		after, err = record.ApplyUpdate(before, fn)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(after)
		if err != nil {
			return err
		}

		query := `
UPDATE deployment_record
SET status = $2, version = $3, updated = $4, data = $5
WHERE id = $1;
`
		_, err = tx.Exec(ctx, query, after.ID, string(after.Status), after.Version, after.UpdatedAt, string(payload))
		if err != nil {
			return err
		}
		return commit(ctx, tx, after, payload)
	})
	metrics.DatabaseQuery(backendName, now, err)

	if err != nil {
		return nil, err
	}
	return after, nil
}

func (db *Database) Get(ctx context.Context, id string) (*record.Record, error) {
	rows, err := db.timedQuery(ctx, `SELECT data FROM deployment_record WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}

	defer rows.Close()
	for rows.Next() {
		return scanRecord(rows)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, record.ErrNotFound
}

// List returns matching records, newest first.
func (db *Database) List(ctx context.Context, filter record.Filter) ([]*record.Record, error) {
	query := `
SELECT data
FROM deployment_record
WHERE ($1 = '' OR id = $1)
  AND ($2 = '' OR service = $2)
  AND ($3 = '' OR requester = $3)
  AND NOT ($4::boolean AND status = ANY($5))
ORDER BY created DESC, id DESC
LIMIT $6;
`
	var limit interface{}
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := db.timedQuery(ctx, query,
		filter.ID,
		filter.Service,
		filter.Requester,
		filter.ActiveOnly,
		terminalStatuses,
		limit,
	)
	if err != nil {
		return nil, err
	}

	records := make([]*record.Record, 0)
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
