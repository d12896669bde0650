package tracker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nais/rollout/pkg/engine"
	"github.com/nais/rollout/pkg/executor"
	"github.com/nais/rollout/pkg/health"
	"github.com/nais/rollout/pkg/pipeline"
	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/registry"
	"github.com/nais/rollout/pkg/tracker"
)

// gatedRunner moves a record to building, waits for the gate to open, and completes it.
type gatedRunner struct {
	store *record.MemoryStore
	gate  chan struct{}

	lock  sync.Mutex
	order []string
}

func newGatedRunner(store *record.MemoryStore) *gatedRunner {
	return &gatedRunner{store: store, gate: make(chan struct{})}
}

func (g *gatedRunner) Run(ctx context.Context, id string, _ engine.RunOptions) *record.Record {
	g.lock.Lock()
	g.order = append(g.order, id)
	g.lock.Unlock()

	_, err := g.store.Update(ctx, id, func(rec *record.Record) error {
		if err := rec.Advance(record.StepValidating, ""); err != nil {
			return err
		}
		return rec.Advance(record.StepBuilding, "")
	})
	if err != nil {
		rec, _ := g.store.Get(ctx, id)
		return rec
	}

	<-g.gate

	rec, err := g.store.Update(ctx, id, func(rec *record.Record) error {
		for _, key := range []record.StepKey{record.StepPublishing, record.StepDeploying, record.StepVerifying} {
			if err := rec.Advance(key, ""); err != nil {
				return err
			}
		}
		return rec.Complete("http://" + rec.Service)
	})
	if err != nil {
		rec, _ = g.store.Get(ctx, id)
	}
	return rec
}

func (g *gatedRunner) started() []string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return append([]string(nil), g.order...)
}

func testRegistry(t *testing.T) *registry.Registry {
	reg, err := registry.New([]registry.Service{
		{Name: "api", Tier: 1, Platform: "kubernetes"},
		{Name: "worker", Tier: 1, Platform: "kubernetes"},
	})
	require.NoError(t, err)
	return reg
}

func TestValidateOptions(t *testing.T) {
	for _, tc := range []struct {
		name     string
		opts     record.Options
		priority int
		valid    bool
	}{
		{name: "defaults", opts: record.Options{}, priority: tracker.DefaultPriority, valid: true},
		{name: "highest priority", opts: record.Options{Priority: 10}, priority: 10, valid: true},
		{name: "priority too high", opts: record.Options{Priority: 11}},
		{name: "negative priority", opts: record.Options{Priority: -1}},
		{name: "webhook", opts: record.Options{WebhookURL: "https://hooks.example.com/rollout"}, priority: tracker.DefaultPriority, valid: true},
		{name: "relative webhook", opts: record.Options{WebhookURL: "/rollout"}},
		{name: "webhook scheme", opts: record.Options{WebhookURL: "ftp://hooks.example.com"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := tracker.ValidateOptions("api", tc.opts)
			if !tc.valid {
				var validationErr *registry.ValidationError
				assert.ErrorAs(t, err, &validationErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.priority, opts.Priority)
		})
	}
}

func TestDeployUnknownServiceCreatesNothing(t *testing.T) {
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)

	_, err := tr.Deploy(context.Background(), "ghost", "alice", record.Options{})
	var validationErr *registry.ValidationError
	require.ErrorAs(t, err, &validationErr)

	records, err := store.List(context.Background(), record.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeployReturnsQueuedRecord(t *testing.T) {
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)

	id, err := tr.Deploy(context.Background(), "api", "alice", record.Options{Region: "europe-north1"})
	require.NoError(t, err)

	rec, err := tr.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusQueued, rec.Status)
	assert.Equal(t, "alice", rec.Requester)
	assert.Equal(t, tracker.DefaultPriority, rec.Options.Priority)
	assert.Equal(t, "europe-north1", rec.Options.Region)
}

func TestQueueIsDrainedByPriority(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := record.NewMemoryStore()
	runner := newGatedRunner(store)
	close(runner.gate)
	tr := tracker.New(testRegistry(t), store, runner, 1)

	low, err := tr.Deploy(ctx, "api", "alice", record.Options{Priority: 2})
	require.NoError(t, err)
	normal, err := tr.Deploy(ctx, "worker", "alice", record.Options{})
	require.NoError(t, err)
	high, err := tr.Deploy(ctx, "api", "bob", record.Options{Priority: 9})
	require.NoError(t, err)

	tr.Start(ctx)

	final, err := tr.PollUntilTerminal(ctx, low, nil, tracker.PollOptions{Interval: time.Millisecond, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, final.Status)
	assert.Equal(t, []string{high, normal, low}, runner.started())
}

func TestSubscribeDeliversSnapshotAndUpdatesUntilTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := record.NewMemoryStore()
	runner := newGatedRunner(store)
	tr := tracker.New(testRegistry(t), store, runner, 1)

	id, err := tr.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)

	updates := make(chan *record.Record, 16)
	unsubscribe, err := tr.Subscribe(ctx, id, func(rec *record.Record) {
		updates <- rec
	})
	require.NoError(t, err)
	defer unsubscribe()

	snapshot := <-updates
	assert.Equal(t, record.StatusQueued, snapshot.Status)

	tr.Start(ctx)
	close(runner.gate)

	var versions []int64
	for rec := range updates {
		versions = append(versions, rec.Version)
		if rec.Status.Terminal() {
			assert.Equal(t, record.StatusCompleted, rec.Status)
			break
		}
	}
	assert.Equal(t, []int64{2, 3}, versions)

	select {
	case rec := <-updates:
		t.Fatalf("unexpected update after terminal record: %+v", rec)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeFromCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := record.NewMemoryStore()
	runner := newGatedRunner(store)
	tr := tracker.New(testRegistry(t), store, runner, 1)

	id, err := tr.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)

	var unsubscribe func()
	ready := make(chan struct{})
	returned := make(chan struct{})
	updates := make(chan *record.Record, 16)
	unsubscribe, err = tr.Subscribe(ctx, id, func(rec *record.Record) {
		updates <- rec
		if rec.Version == 1 {
			return
		}
		<-ready
		unsubscribe()
		close(returned)
	})
	require.NoError(t, err)
	close(ready)

	tr.Start(ctx)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe from within the callback did not return")
	}

	close(runner.gate)
	final, err := tr.PollUntilTerminal(ctx, id, nil, tracker.PollOptions{Interval: 5 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, final.Status)

	time.Sleep(20 * time.Millisecond)
	close(updates)
	var versions []int64
	for rec := range updates {
		versions = append(versions, rec.Version)
	}
	assert.Equal(t, []int64{1, 2}, versions)
}

func TestSubscribeToFinishedDeployment(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)

	id, err := tr.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)
	_, err = tr.Cancel(ctx, id)
	require.NoError(t, err)

	var received []*record.Record
	unsubscribe, err := tr.Subscribe(ctx, id, func(rec *record.Record) {
		received = append(received, rec)
	})
	require.NoError(t, err)
	unsubscribe()

	require.Len(t, received, 1)
	assert.Equal(t, record.StatusCancelled, received[0].Status)
}

func TestSubscribeUnknownDeployment(t *testing.T) {
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)

	_, err := tr.Subscribe(context.Background(), "nonexistent", func(*record.Record) {})
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestPollTimeoutLeavesDeploymentRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := record.NewMemoryStore()
	runner := newGatedRunner(store)
	tr := tracker.New(testRegistry(t), store, runner, 1)
	tr.Start(ctx)

	id, err := tr.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)

	polls := 0
	last, err := tr.PollUntilTerminal(ctx, id, func(*record.Record) { polls++ }, tracker.PollOptions{
		Interval: 5 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	})
	require.ErrorIs(t, err, tracker.ErrPollTimeout)
	var timeoutErr *tracker.PollTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, id, timeoutErr.ID)
	assert.Greater(t, polls, 1)
	require.NotNil(t, last)
	assert.False(t, last.Status.Terminal())

	close(runner.gate)

	final, err := tr.PollUntilTerminal(ctx, id, nil, tracker.PollOptions{Interval: time.Millisecond, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, final.Status)
	assert.Equal(t, "http://api", final.Endpoint)
}

func TestPollUnknownDeployment(t *testing.T) {
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)

	_, err := tr.PollUntilTerminal(context.Background(), "nonexistent", nil, tracker.PollOptions{Interval: time.Millisecond})
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestPollStopsWithCallerContext(t *testing.T) {
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)
	id, err := tr.Deploy(context.Background(), "api", "alice", record.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = tr.PollUntilTerminal(ctx, id, nil, tracker.PollOptions{Interval: time.Millisecond, Timeout: time.Minute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, tracker.ErrPollTimeout)
}

type engineFixture struct {
	store     *record.MemoryStore
	builder   *pipeline.MockBuilder
	publisher *pipeline.MockPublisher
	executor  *executor.MockExecutor
	prober    *health.MockProber
	tracker   *tracker.Tracker
}

func newEngineFixture(t *testing.T) *engineFixture {
	reg := testRegistry(t)
	f := &engineFixture{
		store:     record.NewMemoryStore(),
		builder:   pipeline.NewMockBuilder(t),
		publisher: pipeline.NewMockPublisher(t),
		executor:  executor.NewMockExecutor(t),
		prober:    health.NewMockProber(t),
	}
	f.tracker = tracker.New(reg, f.store, &engine.Engine{
		Registry:       reg,
		Builder:        f.builder,
		Publisher:      f.publisher,
		Executor:       f.executor,
		Health:         health.NewChecker(f.prober, time.Millisecond),
		Records:        f.store,
		Stable:         f.store,
		HealthAttempts: 1,
		HealthDelay:    time.Millisecond,
	}, 1)
	return f
}

func TestCancelWhileQueuedNeverBuilds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newEngineFixture(t)

	id, err := f.tracker.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)

	rec, err := f.tracker.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCancelled, rec.Status)
	assert.Equal(t, record.StepQueued, rec.CurrentStep)

	f.tracker.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	f.tracker.Wait()

	f.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
	f.executor.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.prober.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)
}

func TestCancelWhileBuildingStopsAfterBuild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newEngineFixture(t)

	building := make(chan struct{})
	release := make(chan struct{})
	artifact := pipeline.Artifact{Service: "api", Digest: digest.FromString("api")}
	f.builder.On("Build", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(building)
		<-release
	}).Return(artifact, nil).Once()

	f.tracker.Start(ctx)
	id, err := f.tracker.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)

	<-building
	rec, err := f.tracker.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCancelled, rec.Status)
	close(release)

	cancel()
	f.tracker.Wait()

	final, err := f.tracker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCancelled, final.Status)
	assert.Equal(t, record.StepBuilding, final.CurrentStep)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestCancelWhileDeployingIsBestEffort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newEngineFixture(t)

	deploying := make(chan struct{})
	release := make(chan struct{})
	artifact := pipeline.Artifact{Service: "api", Digest: digest.FromString("api")}
	published := pipeline.Published{Service: "api", Reference: "registry.local/api@sha256:bbb", Revision: "bbb"}
	f.builder.On("Build", mock.Anything, mock.Anything).Return(artifact, nil).Once()
	f.publisher.On("Publish", mock.Anything, mock.Anything, artifact).Return(published, nil).Once()
	f.executor.On("Deploy", mock.Anything, mock.Anything, published, mock.Anything).Run(func(mock.Arguments) {
		close(deploying)
		<-release
	}).Return("http://api-bbb:8080", nil).Once()

	f.tracker.Start(ctx)
	id, err := f.tracker.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)

	<-deploying
	rec, err := f.tracker.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCancelled, rec.Status)
	close(release)

	cancel()
	f.tracker.Wait()

	final, err := f.tracker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCancelled, final.Status)
	assert.Equal(t, record.StepDeploying, final.CurrentStep)
	f.prober.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)
	f.executor.AssertNotCalled(t, "RollbackTo", mock.Anything, mock.Anything, mock.Anything)

	_, err = f.store.StableEndpoint(context.Background(), "api")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestCancelWhileVerifyingNeverRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newEngineFixture(t)
	require.NoError(t, f.store.SetStableEndpoint(ctx, "api", "http://api-aaa:8080"))

	verifying := make(chan struct{})
	release := make(chan struct{})
	artifact := pipeline.Artifact{Service: "api", Digest: digest.FromString("api")}
	published := pipeline.Published{Service: "api", Reference: "registry.local/api@sha256:bbb", Revision: "bbb"}
	f.builder.On("Build", mock.Anything, mock.Anything).Return(artifact, nil).Once()
	f.publisher.On("Publish", mock.Anything, mock.Anything, artifact).Return(published, nil).Once()
	f.executor.On("Deploy", mock.Anything, mock.Anything, published, mock.Anything).Return("http://api-bbb:8080", nil).Once()
	f.prober.On("Probe", mock.Anything, "http://api-bbb:8080/healthz").Run(func(mock.Arguments) {
		close(verifying)
		<-release
	}).Return(errors.New("503 Service Unavailable")).Once()

	f.tracker.Start(ctx)
	id, err := f.tracker.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)

	<-verifying
	_, err = f.tracker.Cancel(ctx, id)
	require.NoError(t, err)
	close(release)

	cancel()
	f.tracker.Wait()

	final, err := f.tracker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCancelled, final.Status)
	assert.Equal(t, record.StepVerifying, final.CurrentStep)
	f.executor.AssertNotCalled(t, "RollbackTo", mock.Anything, mock.Anything, mock.Anything)

	stable, err := f.store.StableEndpoint(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, "http://api-aaa:8080", stable)
}

func TestCancelFinishedDeploymentIsNoop(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)

	id, err := tr.Deploy(ctx, "api", "alice", record.Options{})
	require.NoError(t, err)
	first, err := tr.Cancel(ctx, id)
	require.NoError(t, err)

	second, err := tr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, record.StatusCancelled, second.Status)
}

func TestCancelUnknownDeployment(t *testing.T) {
	store := record.NewMemoryStore()
	tr := tracker.New(testRegistry(t), store, newGatedRunner(store), 1)

	_, err := tr.Cancel(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, record.ErrNotFound))
}
