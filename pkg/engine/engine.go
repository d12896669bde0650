// Package engine drives a single deployment record from queued to a terminal status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nais/rollout/pkg/executor"
	"github.com/nais/rollout/pkg/health"
	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/pipeline"
	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/registry"
	"github.com/nais/rollout/pkg/telemetry"
)

const (
	DefaultHealthAttempts = 6
	DefaultHealthDelay    = 2 * time.Second
)

// Notifier is told about every record the engine brings to a terminal status.
type Notifier interface {
	Notify(ctx context.Context, rec *record.Record) error
}

type Engine struct {
	Registry       *registry.Registry
	Builder        pipeline.Builder
	Publisher      pipeline.Publisher
	Executor       executor.Executor
	Health         *health.Checker
	Records        record.Store
	Stable         record.StableStore
	HealthAttempts int
	HealthDelay    time.Duration
	Timeout        time.Duration
	Notifier       Notifier
}

type RunOptions struct {
	// Endpoints of dependencies deployed earlier in the same run.
	Dependencies map[string]string

	// Dependencies that failed earlier in the same run, with the reason.
	FailedDependencies map[string]string

	// Cancelled is consulted between transitions. The record is cancelled when it returns true.
	Cancelled func() bool
}

var errStopped = errors.New("deployment stopped")

type run struct {
	engine *Engine
	opts   RunOptions
	rec    *record.Record
	svc    registry.Service
	logger *log.Entry

	// record writes outlive cancellation of the run context
	storeCtx context.Context
}

// Run executes the deployment described by record id. Failures are written to the record
// rather than returned; the returned record is terminal unless the store became unreachable,
// in which case it is the latest version seen. Run returns nil only if the record could not
// be read at all.
func (e *Engine) Run(ctx context.Context, id string, opts RunOptions) *record.Record {
	storeCtx := context.WithoutCancel(ctx)

	rec, err := e.Records.Get(storeCtx, id)
	if err != nil {
		log.WithField("deployment_id", id).Errorf("unable to read deployment record: %s", err)
		return nil
	}
	if rec.Status.Terminal() {
		return rec
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "Deploy "+rec.Service, trace.WithAttributes(telemetry.RecordAttributes(rec)...))
	defer span.End()

	r := &run{
		engine:   e,
		opts:     opts,
		rec:      rec,
		logger:   log.WithFields(log.Fields{"deployment_id": rec.ID, "service": rec.Service}),
		storeCtx: storeCtx,
	}
	r.logger.Infof("deployment started")

	r.execute(ctx)

	telemetry.AddRecordSpanAttributes(span, r.rec)
	switch r.rec.Status {
	case record.StatusCompleted:
		span.SetStatus(codes.Ok, r.rec.Message)
		r.logger.Infof("deployment completed, serving on %s", r.rec.Endpoint)
	default:
		span.SetStatus(codes.Error, r.rec.Error)
		r.logger.Warnf("deployment ended with status %s: %s", r.rec.Status, r.rec.Error)
	}

	if r.rec.Status.Terminal() && e.Notifier != nil {
		err := e.Notifier.Notify(storeCtx, r.rec)
		if err != nil {
			r.logger.Errorf("notify: %s", err)
		}
	}

	return r.rec
}

func (r *run) execute(ctx context.Context) {
	e := r.engine

	if r.advance(ctx, record.StepValidating, "Validating configuration") != nil {
		return
	}
	svc, err := r.validate()
	if err != nil {
		r.fail(err)
		return
	}
	r.svc = svc
	r.logger = r.logger.WithField("tier", svc.Tier)

	if r.advance(ctx, record.StepBuilding, "Building artifact") != nil {
		return
	}
	var artifact pipeline.Artifact
	err = r.step(ctx, record.StepBuilding, func(ctx context.Context) (err error) {
		artifact, err = e.Builder.Build(ctx, svc)
		return
	})
	if err != nil {
		r.fail(err)
		return
	}

	if r.advance(ctx, record.StepPublishing, fmt.Sprintf("Publishing artifact %s", artifact.Digest)) != nil {
		return
	}
	var published pipeline.Published
	err = r.step(ctx, record.StepPublishing, func(ctx context.Context) (err error) {
		published, err = e.Publisher.Publish(ctx, svc, artifact)
		return
	})
	if err != nil {
		r.fail(err)
		return
	}

	if r.advance(ctx, record.StepDeploying, fmt.Sprintf("Deploying %s", published.Reference)) != nil {
		return
	}
	var endpoint string
	err = r.step(ctx, record.StepDeploying, func(ctx context.Context) (err error) {
		endpoint, err = e.Executor.Deploy(ctx, svc, published, executor.Options{
			Region:       r.rec.Options.Region,
			Dependencies: r.dependencies(),
		})
		return
	})
	if err != nil {
		r.fail(err)
		return
	}

	if r.advance(ctx, record.StepVerifying, fmt.Sprintf("Verifying health of %s", endpoint)) != nil {
		return
	}
	err = r.step(ctx, record.StepVerifying, func(ctx context.Context) error {
		return r.verify(ctx, endpoint)
	})
	if err != nil {
		// Traffic already points at the new revision, so a deadline during verification
		// is a failed health check and must roll back or fail like any other.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if r.cancelledByCaller() {
				return
			}
		} else if r.stopRequested(ctx) {
			return
		}
		r.rollbackOrFail(err)
		return
	}

	r.complete(endpoint)
}

func (r *run) validate() (registry.Service, error) {
	svc, ok := r.engine.Registry.Lookup(r.rec.Service)
	if !ok {
		return svc, &registry.ValidationError{Service: r.rec.Service, Reason: "not present in the service registry"}
	}
	if checker, ok := r.engine.Builder.(pipeline.SourceChecker); ok {
		err := checker.CheckSource(svc)
		if err != nil {
			return svc, &registry.ValidationError{Service: svc.Name, Reason: err.Error()}
		}
	}
	return svc, nil
}

// Dependency endpoints come from this run when available, otherwise from the last stable
// deployment. Dependencies that failed in this run are left out.
func (r *run) dependencies() map[string]string {
	deps := make(map[string]string)
	for _, name := range r.svc.DependsOn {
		if _, failed := r.opts.FailedDependencies[name]; failed {
			continue
		}
		if endpoint, ok := r.opts.Dependencies[name]; ok {
			deps[name] = endpoint
			continue
		}
		endpoint, err := r.engine.Stable.StableEndpoint(r.storeCtx, name)
		if err == nil {
			deps[name] = endpoint
		} else if !errors.Is(err, record.ErrNotFound) {
			r.logger.Warnf("look up endpoint of dependency %s: %s", name, err)
		}
	}
	return deps
}

func (r *run) probeURL(endpoint string) string {
	if r.svc.Protocol == registry.ProtocolGRPC {
		return endpoint
	}
	return endpoint + r.svc.HealthPath
}

func (r *run) verify(ctx context.Context, endpoint string) error {
	attempts := r.engine.HealthAttempts
	if attempts < 1 {
		attempts = DefaultHealthAttempts
	}
	delay := r.engine.HealthDelay
	if delay <= 0 {
		delay = DefaultHealthDelay
	}

	result := r.engine.Health.Check(ctx, r.probeURL(endpoint), attempts, delay)
	if result.Healthy {
		return nil
	}

	cause := result.LastError
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(cause, ctxErr) {
		cause = fmt.Errorf("%w (gave up: %s)", cause, ctxErr)
	}

	failedDeps := make(map[string]string)
	for _, name := range r.svc.DependsOn {
		if reason, failed := r.opts.FailedDependencies[name]; failed {
			failedDeps[name] = reason
		}
	}

	return &HealthCheckError{
		Service:            r.svc.Name,
		Endpoint:           endpoint,
		Attempts:           result.Attempts,
		Err:                cause,
		FailedDependencies: failedDeps,
	}
}

// A deployment that never became healthy is rolled back when the service has a stable
// endpoint from an earlier deployment, and fails otherwise.
func (r *run) rollbackOrFail(healthErr error) {
	previous, err := r.engine.Stable.StableEndpoint(r.storeCtx, r.svc.Name)
	if errors.Is(err, record.ErrNotFound) {
		r.fail(healthErr)
		return
	}
	if err != nil {
		r.fail(fmt.Errorf("%w; unable to look up previous stable endpoint: %s", healthErr, err))
		return
	}

	r.logger.Warnf("rolling back to %s: %s", previous, healthErr)
	err = r.engine.Executor.RollbackTo(r.storeCtx, r.svc, previous)
	if err != nil {
		r.fail(fmt.Errorf("%w; rollback to %s failed: %s", healthErr, previous, err))
		return
	}

	_ = r.update(func(rec *record.Record) error {
		err := rec.Fail(healthErr)
		if err != nil {
			return err
		}
		return rec.RollBack(healthErr, previous)
	})
}

func (r *run) complete(endpoint string) {
	err := r.update(func(rec *record.Record) error {
		return rec.Complete(endpoint)
	})
	if err != nil {
		return
	}

	err = r.engine.Stable.SetStableEndpoint(r.storeCtx, r.svc.Name, endpoint)
	if err != nil {
		r.logger.Errorf("record stable endpoint %s: %s", endpoint, err)
	}
}

func (r *run) step(ctx context.Context, key record.StepKey, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, string(key))
	defer span.End()

	err := fn(ctx)
	metrics.StepDuration(key, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// stopRequested reports whether the deployment should not proceed. A stop requested by the
// caller, or by a cancelled context, is written to the record as a cancellation.
func (r *run) stopRequested(ctx context.Context) bool {
	if r.cancelledByCaller() {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	r.cancel(fmt.Sprintf("Deployment interrupted: %s", context.Cause(ctx)))
	return true
}

// cancelledByCaller reports whether the record was ended elsewhere, or the Cancelled hook
// asks to stop. The latter is written to the record as a cancellation.
func (r *run) cancelledByCaller() bool {
	latest, err := r.engine.Records.Get(r.storeCtx, r.rec.ID)
	if err == nil {
		r.rec = latest
		if latest.Status.Terminal() {
			r.logger.Infof("record reached status %s elsewhere, stopping", latest.Status)
			return true
		}
	}

	if r.opts.Cancelled != nil && r.opts.Cancelled() {
		r.cancel("Deployment cancelled")
		return true
	}
	return false
}

func (r *run) cancel(reason string) {
	_ = r.update(func(rec *record.Record) error {
		return rec.Cancel(reason)
	})
}

func (r *run) advance(ctx context.Context, key record.StepKey, message string) error {
	if r.stopRequested(ctx) {
		return errStopped
	}
	return r.update(func(rec *record.Record) error {
		return rec.Advance(key, message)
	})
}

func (r *run) fail(err error) {
	_ = r.update(func(rec *record.Record) error {
		return rec.Fail(err)
	})
}

func (r *run) update(fn record.UpdateFunc) error {
	rec, err := r.engine.Records.Update(r.storeCtx, r.rec.ID, fn)
	if err == nil {
		r.rec = rec
		metrics.StateTransition(rec)
		return nil
	}

	if errors.Is(err, record.ErrTerminal) {
		latest, getErr := r.engine.Records.Get(r.storeCtx, r.rec.ID)
		if getErr == nil {
			r.rec = latest
		}
		r.logger.Infof("record reached status %s elsewhere, stopping", r.rec.Status)
		return errStopped
	}

	r.logger.Errorf("update deployment record: %s", err)
	return errStopped
}
