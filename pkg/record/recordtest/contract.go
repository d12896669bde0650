// Package recordtest provides contract tests for [record.Backend] implementations.
package recordtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/rollout/pkg/record"
)

// Factory creates a fresh, empty [record.Backend] for each test.
type Factory func(t *testing.T) record.Backend

const deliveryTimeout = 5 * time.Second

func advance(key record.StepKey) record.UpdateFunc {
	return func(rec *record.Record) error {
		return rec.Advance(key, "")
	}
}

func create(t *testing.T, store record.Store, service, requester string) string {
	t.Helper()
	id, err := store.Create(context.Background(), record.New(service, requester, record.Options{}))
	require.NoError(t, err)
	return id
}

// Run exercises the [record.Store] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		rec := record.New("api", "alice", record.Options{Region: "europe-north1", Priority: 3, WebhookURL: "https://example.com/hook"})

		id, err := store.Create(ctx, rec)
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)

		expected := rec.Clone()
		expected.ID = id
		expected.Version = 1
		assert.Equal(t, expected, got)
	})

	t.Run("CreateAssignsDistinctIDs", func(t *testing.T) {
		store := factory(t)
		a := create(t, store, "api", "alice")
		b := create(t, store, "api", "alice")
		assert.NotEqual(t, a, b)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		rec := record.New("api", "alice", record.Options{})
		rec.ID = "fixed-id"

		_, err := store.Create(ctx, rec)
		require.NoError(t, err)
		_, err = store.Create(ctx, rec)
		assert.ErrorIs(t, err, record.ErrAlreadyExists)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		store := factory(t)
		_, err := store.Get(context.Background(), "nonexistent")
		assert.ErrorIs(t, err, record.ErrNotFound)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		store := factory(t)
		_, err := store.Update(context.Background(), "nonexistent", advance(record.StepValidating))
		assert.ErrorIs(t, err, record.ErrNotFound)
	})

	t.Run("UpdateAdvances", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")

		updated, err := store.Update(ctx, id, advance(record.StepValidating))
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, record.StatusValidating, updated.Status)
		assert.Equal(t, 14, updated.Progress)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, updated, got)
	})

	t.Run("UpdateAfterTerminalRejected", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")

		_, err := store.Update(ctx, id, func(rec *record.Record) error {
			return rec.Fail(errors.New("boom"))
		})
		require.NoError(t, err)

		_, err = store.Update(ctx, id, advance(record.StepValidating))
		assert.ErrorIs(t, err, record.ErrTerminal)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, record.StatusFailed, got.Status)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("ProgressRegressionRejected", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")
		_, err := store.Update(ctx, id, advance(record.StepValidating))
		require.NoError(t, err)

		_, err = store.Update(ctx, id, func(rec *record.Record) error {
			rec.Progress = 0
			return nil
		})
		assert.ErrorIs(t, err, record.ErrProgressRegression)
	})

	t.Run("MutatorErrorAborts", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")
		oops := errors.New("oops")

		_, err := store.Update(ctx, id, func(rec *record.Record) error {
			rec.Error = "partially written"
			return oops
		})
		assert.ErrorIs(t, err, oops)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, got.Error)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("ConcurrentUpdatesAreAtomic", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")

		const writers = 8
		var wg sync.WaitGroup
		var lock sync.Mutex
		succeeded := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, id, advance(record.StepValidating))
				if err == nil {
					lock.Lock()
					succeeded++
					lock.Unlock()
				} else {
					assert.ErrorIs(t, err, record.ErrInvalidTransition)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("List", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		first := create(t, store, "api", "alice")
		time.Sleep(2 * time.Millisecond)
		create(t, store, "worker", "alice")
		time.Sleep(2 * time.Millisecond)
		last := create(t, store, "api", "bob")

		_, err := store.Update(ctx, first, func(rec *record.Record) error {
			return rec.Cancel("cancelled by test")
		})
		require.NoError(t, err)

		all, err := store.List(ctx, record.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		api, err := store.List(ctx, record.Filter{Service: "api"})
		require.NoError(t, err)
		require.Len(t, api, 2)
		assert.Equal(t, last, api[0].ID, "newest first")
		assert.Equal(t, first, api[1].ID)

		limited, err := store.List(ctx, record.Filter{Service: "api", Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, last, limited[0].ID)

		active, err := store.List(ctx, record.Filter{Service: "api", ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, last, active[0].ID)

		bob, err := store.List(ctx, record.Filter{Requester: "bob"})
		require.NoError(t, err)
		assert.Len(t, bob, 1)
	})

	t.Run("SubscribeDeliversEveryUpdateInOrder", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")
		other := create(t, store, "worker", "alice")

		updates := make(chan *record.Record, 64)
		unsubscribe, err := store.Subscribe(ctx, record.Filter{ID: id}, func(rec *record.Record) {
			updates <- rec
		})
		require.NoError(t, err)
		defer unsubscribe()

		steps := []record.StepKey{record.StepValidating, record.StepBuilding, record.StepPublishing, record.StepDeploying}
		for _, step := range steps {
			_, err := store.Update(ctx, id, advance(step))
			require.NoError(t, err)
			_, err = store.Update(ctx, other, advance(step))
			require.NoError(t, err)
		}

		var versions []int64
		timeout := time.After(deliveryTimeout)
		for len(versions) < len(steps) {
			select {
			case rec := <-updates:
				assert.Equal(t, id, rec.ID)
				// at-least-once: tolerate redelivery, but never out of order
				if n := len(versions); n > 0 && versions[n-1] == rec.Version {
					continue
				}
				versions = append(versions, rec.Version)
			case <-timeout:
				t.Fatalf("received %d of %d updates", len(versions), len(steps))
			}
		}
		assert.Equal(t, []int64{2, 3, 4, 5}, versions)
	})

	t.Run("LargeFailureIsCommittedAndDelivered", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")
		_, err := store.Update(ctx, id, advance(record.StepValidating))
		require.NoError(t, err)
		_, err = store.Update(ctx, id, advance(record.StepBuilding))
		require.NoError(t, err)

		updates := make(chan *record.Record, 16)
		unsubscribe, err := store.Subscribe(ctx, record.Filter{ID: id}, func(rec *record.Record) {
			updates <- rec
		})
		require.NoError(t, err)
		defer unsubscribe()

		output := strings.Repeat("main.go:12:3: undefined: somethingThatDoesNotExist\n", 250)
		failed, err := store.Update(ctx, id, func(rec *record.Record) error {
			return rec.Fail(errors.New(output))
		})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(failed.Error), 10*1024)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, record.StatusFailed, got.Status)
		assert.Equal(t, output, got.Error)

		select {
		case rec := <-updates:
			assert.Equal(t, record.StatusFailed, rec.Status)
			assert.Equal(t, failed.Version, rec.Version)
			assert.Equal(t, output, rec.Error)
		case <-time.After(deliveryTimeout):
			t.Fatal("failed record was not delivered")
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		id := create(t, store, "api", "alice")

		updates := make(chan *record.Record, 64)
		unsubscribe, err := store.Subscribe(ctx, record.Filter{ID: id}, func(rec *record.Record) {
			updates <- rec
		})
		require.NoError(t, err)
		unsubscribe()

		_, err = store.Update(ctx, id, advance(record.StepValidating))
		require.NoError(t, err)

		select {
		case rec := <-updates:
			t.Fatalf("unexpected delivery of version %d", rec.Version)
		case <-time.After(200 * time.Millisecond):
		}
	})
}

// RunStable exercises the [record.StableStore] contract.
func RunStable(t *testing.T, factory Factory) {
	t.Run("StableEndpointHistory", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		_, err := store.StableEndpoint(ctx, "api")
		assert.ErrorIs(t, err, record.ErrNotFound)

		require.NoError(t, store.SetStableEndpoint(ctx, "api", "http://api-a"))
		current, err := store.StableEndpoint(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, "http://api-a", current)
		_, err = store.PreviousStableEndpoint(ctx, "api")
		assert.ErrorIs(t, err, record.ErrNotFound)

		require.NoError(t, store.SetStableEndpoint(ctx, "api", "http://api-b"))
		require.NoError(t, store.SetStableEndpoint(ctx, "api", "http://api-b"))
		current, err = store.StableEndpoint(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, "http://api-b", current)
		previous, err := store.PreviousStableEndpoint(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, "http://api-a", previous)

		reverted, err := store.RevertStableEndpoint(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, "http://api-a", reverted)
		current, err = store.StableEndpoint(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, "http://api-a", current)

		_, err = store.RevertStableEndpoint(ctx, "api")
		assert.ErrorIs(t, err, record.ErrNotFound)

		_, err = store.StableEndpoint(ctx, "worker")
		assert.ErrorIs(t, err, record.ErrNotFound)
	})
}
