package redisstore

import (
	"context"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/record"
)

// Subscribe delivers committed records from every process sharing the Redis database.
// The channel subscription is confirmed before Subscribe returns.
func (s *Store) Subscribe(ctx context.Context, filter record.Filter, onChange func(*record.Record)) (func(), error) {
	err := s.listen(ctx)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(ctx, filter, onChange), nil
}

func (s *Store) listen(ctx context.Context) error {
	s.listenLock.Lock()
	defer s.listenLock.Unlock()

	if s.pubsub != nil {
		return nil
	}

	pubsub := s.client.Subscribe(context.Background(), s.channel())
	_, err := pubsub.Receive(ctx)
	if err != nil {
		pubsub.Close()
		return err
	}

	s.pubsub = pubsub
	s.stopped = make(chan struct{})
	go s.receive(pubsub)

	return nil
}

// The channel is closed when the pubsub is closed. go-redis reconnects and resubscribes
// on its own if the connection drops.
func (s *Store) receive(pubsub *redis.PubSub) {
	defer close(s.stopped)

	for msg := range pubsub.Channel() {
		rec, err := decode([]byte(msg.Payload))
		if err != nil {
			log.Errorf("discarding malformed record notification: %s", err)
			continue
		}
		s.broker.Publish(rec)
	}
}
