package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/record"
)

// The id and version of every committed record is sent on this channel, in commit order.
const channel = "deployment_record"

// Subscribe delivers committed records from every process sharing the database.
// The listener connection is established before Subscribe returns.
func (db *Database) Subscribe(ctx context.Context, filter record.Filter, onChange func(*record.Record)) (func(), error) {
	err := db.listen(ctx)
	if err != nil {
		return nil, err
	}
	return db.broker.Subscribe(ctx, filter, onChange), nil
}

func (db *Database) acquireListener(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := db.conn.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

func releaseListener(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.Exec(ctx, "UNLISTEN *")
	if err != nil {
		// the connection is broken or in an unknown state; keep it out of the pool
		conn.Conn().Close(ctx)
	}
	conn.Release()
}

func (db *Database) listen(ctx context.Context) error {
	db.listenLock.Lock()
	defer db.listenLock.Unlock()

	if db.listening {
		return nil
	}

	conn, err := db.acquireListener(ctx)
	if err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	db.stopped = make(chan struct{})
	db.listening = true

	go db.receive(listenCtx, conn)

	return nil
}

func (db *Database) receive(ctx context.Context, conn *pgxpool.Conn) {
	defer close(db.stopped)

	for {
		msg, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			releaseListener(conn)
			if ctx.Err() != nil {
				return
			}

			log.Errorf("lost record notification listener: %s", err)
			conn, err = db.reacquire(ctx)
			if err != nil {
				return
			}
			log.Infof("record notification listener re-established")
			continue
		}

		n := notification{}
		err = json.Unmarshal([]byte(msg.Payload), &n)
		if err != nil {
			log.Errorf("discarding malformed record notification: %s", err)
			continue
		}
		rec, err := db.version(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				releaseListener(conn)
				return
			}
			log.WithField("deployment_id", n.ID).Errorf("read version %d of deployment record: %s", n.Version, err)
			continue
		}
		db.broker.Publish(rec)
	}
}

func (db *Database) reacquire(ctx context.Context) (*pgxpool.Conn, error) {
	var conn *pgxpool.Conn
	retry := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), ctx)

	err := backoff.Retry(func() error {
		var err error
		conn, err = db.acquireListener(ctx)
		return err
	}, retry)

	return conn, err
}
