// Package database implements a Postgres backed deployment record store.
package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/record"
)

const backendName = "postgres"

type Database struct {
	conn   *pgxpool.Pool
	broker *record.Broker

	listenLock sync.Mutex
	listening  bool
	cancel     context.CancelFunc
	stopped    chan struct{}
}

var _ record.Backend = &Database{}

// Returns true if the error message is a unique constraint violation
func IsErrUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}

func New(ctx context.Context, dsn string) (*Database, error) {
	conn, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	return &Database{
		conn:   conn,
		broker: record.NewBroker(),
	}, nil
}

// Close stops the notification listener and closes every pooled connection.
func (db *Database) Close() {
	db.listenLock.Lock()
	if db.listening {
		db.cancel()
		<-db.stopped
		db.listening = false
	}
	db.listenLock.Unlock()
	db.conn.Close()
}

func (db *Database) timedQuery(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	now := time.Now()
	rows, err := db.conn.Query(ctx, sql, args...)
	metrics.DatabaseQuery(backendName, now, err)
	return rows, err
}

func (db *Database) timedExec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	now := time.Now()
	tag, err := db.conn.Exec(ctx, sql, args...)
	metrics.DatabaseQuery(backendName, now, err)
	return tag.RowsAffected(), err
}

func (db *Database) Migrate(ctx context.Context) error {
	var version int

	query := `SELECT MAX(version) FROM migrations`
	row := db.conn.QueryRow(ctx, query)
	err := row.Scan(&version)

	if err != nil {
		// error might be due to no schema.
		// no way to detect this, so log error and continue with migrations.
		log.Warnf("unable to get current migration version: %s", err)
	}

	for version < len(migrations) {
		log.Infof("migrating database schema to version %d", version+1)

		_, err = db.conn.Exec(ctx, migrations[version])
		if err != nil {
			return fmt.Errorf("migrating to version %d: %s", version+1, err)
		}

		version++
	}

	return nil
}

// Truncate removes every record and stable endpoint.
func (db *Database) Truncate(ctx context.Context) error {
	_, err := db.timedExec(ctx, `TRUNCATE deployment_record, deployment_record_version, stable_endpoint;`)
	return err
}
