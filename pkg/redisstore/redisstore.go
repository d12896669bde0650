// Package redisstore implements a deployment record store on top of Redis.
//
// Records are kept as JSON documents. Sorted sets indexed by creation time give the
// listing order, globally and per service. Every committed record is published on a
// channel within the same MULTI/EXEC transaction that writes it.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/record"
)

const (
	backendName = "redis"

	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "rollout:"

	maxTxRetries = 100
)

type Options struct {
	Address        string
	Password       string
	DB             int
	Prefix         string
	ConnectTimeout time.Duration
}

type Store struct {
	client *redis.Client
	prefix string
	broker *record.Broker

	listenLock sync.Mutex
	pubsub     *redis.PubSub
	stopped    chan struct{}
}

var _ record.Backend = &Store{}

// New connects to Redis, retrying with exponential backoff until ConnectTimeout elapses.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}

	retry := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(opts.ConnectTimeout))
	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(retry, ctx), func(err error, next time.Duration) {
		log.Warnf("redis at %s unavailable, retrying in %s: %s", opts.Address, next, err)
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Address, err)
	}

	return NewWithClient(client, opts.Prefix), nil
}

func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		broker: record.NewBroker(),
	}
}

func (s *Store) Close() error {
	s.listenLock.Lock()
	if s.pubsub != nil {
		s.pubsub.Close()
		<-s.stopped
		s.pubsub = nil
	}
	s.listenLock.Unlock()
	return s.client.Close()
}

func (s *Store) recordKey(id string) string {
	return s.prefix + "record:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + "records"
}

func (s *Store) serviceIndexKey(service string) string {
	return s.prefix + "service:" + service
}

func (s *Store) stableKey(service string) string {
	return s.prefix + "stable:" + service
}

func (s *Store) channel() string {
	return s.prefix + "records"
}

func timed(t time.Time, err error) error {
	if errors.Is(err, redis.Nil) {
		metrics.DatabaseQuery(backendName, t, nil)
	} else {
		metrics.DatabaseQuery(backendName, t, err)
	}
	return err
}

func decode(data []byte) (*record.Record, error) {
	rec := &record.Record{}
	err := json.Unmarshal(data, rec)
	if err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, rec *record.Record) (string, error) {
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

	key := s.recordKey(rec.ID)
	score := float64(rec.CreatedAt.UnixMicro())

	now := time.Now()
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return record.ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: rec.ID})
			pipe.ZAdd(ctx, s.serviceIndexKey(rec.Service), redis.Z{Score: score, Member: rec.ID})
			pipe.Publish(ctx, s.channel(), payload)
			return nil
		})
		return err
	}, key)
	timed(now, err)

	if errors.Is(err, redis.TxFailedErr) {
		// somebody else wrote the key between WATCH and EXEC
		return "", record.ErrAlreadyExists
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Update retries the optimistic transaction until it commits without interference, so the
// mutator always runs against the latest committed version.
func (s *Store) Update(ctx context.Context, id string, fn record.UpdateFunc) (*record.Record, error) {
	key := s.recordKey(id)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var after *record.Record

		now := time.Now()
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return record.ErrNotFound
			}
			if err != nil {
				return err
			}

			before, err := decode(data)
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

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				pipe.Publish(ctx, s.channel(), payload)
				return nil
			})
			return err
		}, key)
		timed(now, err)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil:
			return nil, err
		default:
			return after, nil
		}
	}

	return nil, fmt.Errorf("updating record %s: too much contention after %d attempts", id, maxTxRetries)
}

func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	now := time.Now()
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	timed(now, err)

	if errors.Is(err, redis.Nil) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// List returns matching records, newest first.
func (s *Store) List(ctx context.Context, filter record.Filter) ([]*record.Record, error) {
	index := s.indexKey()
	if filter.Service != "" {
		index = s.serviceIndexKey(filter.Service)
	}

	now := time.Now()
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	timed(now, err)
	if err != nil {
		return nil, err
	}

	records := make([]*record.Record, 0)
	if len(ids) == 0 {
		return records, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}

	now = time.Now()
	values, err := s.client.MGet(ctx, keys...).Result()
	timed(now, err)
	if err != nil {
		return nil, err
	}

	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		if !filter.Match(rec) {
			continue
		}
		records = append(records, rec)
		if filter.Limit > 0 && len(records) == filter.Limit {
			break
		}
	}

	return records, nil
}
