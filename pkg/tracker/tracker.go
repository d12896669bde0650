// Package tracker accepts on-demand deployments of single services and lets callers
// follow them to completion, either by subscription or by polling.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/engine"
	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/registry"
	"github.com/nais/rollout/pkg/timer"
)

const (
	DefaultPriority      = 5
	MinPriority          = 1
	MaxPriority          = 10
	DefaultMaxConcurrent = 2
	DefaultPollInterval  = time.Second
	DefaultPollTimeout   = 10 * time.Minute

	cancelMessage = "Deployment cancelled by request"
)

// Runner runs the deployment engine for a single record.
type Runner interface {
	Run(ctx context.Context, id string, opts engine.RunOptions) *record.Record
}

type Tracker struct {
	registry      *registry.Registry
	records       record.Store
	runner        Runner
	maxConcurrent int

	lock    sync.Mutex
	queue   *queue
	wake    chan struct{}
	started bool
	workers sync.WaitGroup
}

func New(reg *registry.Registry, records record.Store, runner Runner, maxConcurrent int) *Tracker {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Tracker{
		registry:      reg,
		records:       records,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		queue:         newQueue(),
		wake:          make(chan struct{}, 1),
	}
}

// ValidateOptions checks deployment options and fills in defaults.
func ValidateOptions(service string, opts record.Options) (record.Options, error) {
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}
	if opts.Priority < MinPriority || opts.Priority > MaxPriority {
		return opts, &registry.ValidationError{
			Service: service,
			Reason:  fmt.Sprintf("priority %d is outside %d..%d", opts.Priority, MinPriority, MaxPriority),
		}
	}
	if opts.WebhookURL != "" {
		u, err := url.Parse(opts.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return opts, &registry.ValidationError{
				Service: service,
				Reason:  fmt.Sprintf("webhook URL %q is not an absolute http(s) URL", opts.WebhookURL),
			}
		}
	}
	return opts, nil
}

// Deploy creates a queued deployment record for service and returns its id. The deployment
// runs once a worker is free.
func (t *Tracker) Deploy(ctx context.Context, service, requester string, opts record.Options) (string, error) {
	if _, ok := t.registry.Lookup(service); !ok {
		return "", &registry.ValidationError{Service: service, Reason: "not present in the service registry"}
	}
	opts, err := ValidateOptions(service, opts)
	if err != nil {
		return "", err
	}

	id, err := t.records.Create(ctx, record.New(service, requester, opts))
	if err != nil {
		return "", fmt.Errorf("create deployment record: %w", err)
	}

	t.lock.Lock()
	t.queue.add(id, opts.Priority)
	metrics.SetQueueSize(t.queue.Len())
	t.lock.Unlock()
	t.signal()

	log.WithFields(log.Fields{
		"deployment_id": id,
		"service":       service,
		"requester":     requester,
		"priority":      opts.Priority,
	}).Infof("deployment queued")

	return id, nil
}

// Start launches the workers that drain the queue. They stop when ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.started {
		return
	}
	t.started = true

	for i := 0; i < t.maxConcurrent; i++ {
		t.workers.Add(1)
		go t.work(ctx)
	}
	t.signal()
}

// Wait blocks until all workers have stopped.
func (t *Tracker) Wait() {
	t.workers.Wait()
}

func (t *Tracker) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) pop() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	id := t.queue.next()
	metrics.SetQueueSize(t.queue.Len())
	if t.queue.Len() > 0 {
		t.signal()
	}
	return id
}

func (t *Tracker) work(ctx context.Context) {
	defer t.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}

		for id := t.pop(); id != ""; id = t.pop() {
			t.runner.Run(ctx, id, engine.RunOptions{})
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (t *Tracker) Get(ctx context.Context, id string) (*record.Record, error) {
	return t.records.Get(ctx, id)
}

func (t *Tracker) List(ctx context.Context, filter record.Filter) ([]*record.Record, error) {
	return t.records.List(ctx, filter)
}

// Cancel stops a deployment. A queued deployment is removed from the queue and never
// started. A running deployment is marked cancelled and stops at its next step, although
// a platform call already underway runs to completion. Cancelling a deployment that has
// already ended does nothing, and returns the record as it is.
func (t *Tracker) Cancel(ctx context.Context, id string) (*record.Record, error) {
	t.lock.Lock()
	dequeued := t.queue.remove(id)
	metrics.SetQueueSize(t.queue.Len())
	t.lock.Unlock()

	logger := log.WithField("deployment_id", id)

	rec, err := t.records.Update(ctx, id, func(rec *record.Record) error {
		return rec.Cancel(cancelMessage)
	})
	switch {
	case err == nil:
		logger.WithFields(rec.LogFields()).Infof("deployment cancelled (dequeued=%t)", dequeued)
		return rec, nil
	case errors.Is(err, record.ErrTerminal):
		logger.Debugf("cancel requested after deployment ended")
		return t.records.Get(ctx, id)
	default:
		return nil, err
	}
}

// Subscribe calls onUpdate with the current state of the deployment, and then with every
// newer version of it. Versions are never delivered twice or out of order. The subscription
// ends by itself once a terminal record has been delivered.
func (t *Tracker) Subscribe(ctx context.Context, id string, onUpdate func(*record.Record)) (func(), error) {
	sub := &subscription{onUpdate: onUpdate}

	unsubscribe, err := t.records.Subscribe(ctx, record.Filter{ID: id}, sub.deliver)
	if err != nil {
		return nil, err
	}
	sub.attach(unsubscribe)

	current, err := t.records.Get(ctx, id)
	if err != nil {
		sub.close()
		return nil, err
	}
	sub.deliver(current)

	return sub.close, nil
}

type subscription struct {
	// deliveries serializes calls to onUpdate; lock guards the fields below it.
	deliveries sync.Mutex

	lock        sync.Mutex
	version     int64
	done        bool
	onUpdate    func(*record.Record)
	unsubscribe func()
	once        sync.Once
}

func (s *subscription) attach(unsubscribe func()) {
	s.lock.Lock()
	s.unsubscribe = unsubscribe
	done := s.done
	s.lock.Unlock()
	if done {
		s.close()
	}
}

// deliver hands rec to onUpdate without holding lock, so onUpdate may unsubscribe.
func (s *subscription) deliver(rec *record.Record) {
	s.deliveries.Lock()
	defer s.deliveries.Unlock()

	s.lock.Lock()
	if s.done || rec.Version <= s.version {
		s.lock.Unlock()
		return
	}
	s.version = rec.Version
	s.lock.Unlock()

	s.onUpdate(rec)

	if rec.Status.Terminal() {
		s.close()
	}
}

func (s *subscription) close() {
	s.lock.Lock()
	s.done = true
	unsubscribe := s.unsubscribe
	s.lock.Unlock()

	if unsubscribe == nil {
		return
	}
	s.once.Do(unsubscribe)
}

// PollOptions for PollUntilTerminal. Zero values select the defaults.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ErrPollTimeout matches every PollTimeoutError.
var ErrPollTimeout = errors.New("timed out waiting for deployment")

// PollTimeoutError is returned when a deployment did not end within the poll timeout.
// The deployment itself is unaffected.
type PollTimeoutError struct {
	ID      string
	Timeout time.Duration
	Last    *record.Record
}

func (e *PollTimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: %s not finished after %s", ErrPollTimeout, e.ID, e.Timeout)
	}
	return fmt.Sprintf("%s: %s still %s (%d%%) after %s", ErrPollTimeout, e.ID, e.Last.Status, e.Last.Progress, e.Timeout)
}

func (e *PollTimeoutError) Is(target error) bool {
	return target == ErrPollTimeout
}

// PollUntilTerminal reads the deployment record once per interval, passing every read to
// onProgress, until it reaches a terminal status or the timeout expires.
func (t *Tracker) PollUntilTerminal(ctx context.Context, id string, onProgress func(*record.Record), opts PollOptions) (*record.Record, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPollTimeout
	}

	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var last *record.Record
	var readErr error

	// poll reports whether to keep polling
	poll := func(ctx context.Context) bool {
		rec, err := t.records.Get(ctx, id)
		switch {
		case errors.Is(err, record.ErrNotFound):
			readErr = err
			return false
		case err != nil:
			if ctx.Err() == nil {
				log.WithField("deployment_id", id).Warnf("poll deployment: %s", err)
			}
			return true
		}
		last = rec
		if onProgress != nil {
			onProgress(rec)
		}
		return !rec.Status.Terminal()
	}

	if !poll(pollCtx) {
		return last, readErr
	}

	task := timer.Every(pollCtx, opts.Interval, poll)
	<-task.Done()

	if readErr != nil {
		return last, readErr
	}
	if last != nil && last.Status.Terminal() {
		return last, nil
	}
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, &PollTimeoutError{ID: id, Timeout: opts.Timeout, Last: last}
}
