// Package scheduler rolls out the services of a registry tier by tier.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nais/rollout/pkg/engine"
	"github.com/nais/rollout/pkg/executor"
	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/registry"
)

const DefaultMaxConcurrencyPerTier = 4

// Runner runs the deployment engine for a single record.
type Runner interface {
	Run(ctx context.Context, id string, opts engine.RunOptions) *record.Record
}

type Scheduler struct {
	Registry              *registry.Registry
	Engine                Runner
	Records               record.Store
	Stable                record.StableStore
	Executor              executor.Executor
	MaxConcurrencyPerTier int
	CoolDown              time.Duration
	Requester             string
	Region                string
}

// Summary of a run. Deployed maps services to the endpoint they now serve on, Failed maps
// services to the reason they did not get there.
type Summary struct {
	Deployed map[string]string
	Failed   map[string]string
	Records  []*record.Record

	lock sync.Mutex
}

func newSummary() *Summary {
	return &Summary{
		Deployed: make(map[string]string),
		Failed:   make(map[string]string),
	}
}

// OK is true when every attempted service was deployed.
func (s *Summary) OK() bool {
	return len(s.Failed) == 0
}

func (s *Summary) add(rec *record.Record) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.Records = append(s.Records, rec)
	if rec.Status == record.StatusCompleted {
		s.Deployed[rec.Service] = rec.Endpoint
		return
	}
	reason := rec.Error
	if reason == "" {
		reason = rec.Message
	}
	if reason == "" {
		reason = string(rec.Status)
	}
	s.Failed[rec.Service] = reason
}

func (s *Summary) fail(service string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Failed[service] = err.Error()
}

func (s *Summary) snapshot() (deployed, failed map[string]string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	deployed = make(map[string]string, len(s.Deployed))
	for k, v := range s.Deployed {
		deployed[k] = v
	}
	failed = make(map[string]string, len(s.Failed))
	for k, v := range s.Failed {
		failed[k] = v
	}
	return
}

// Names of deployed and failed services, sorted.
func (s *Summary) Names() (deployed, failed []string) {
	for name := range s.Deployed {
		deployed = append(deployed, name)
	}
	for name := range s.Failed {
		failed = append(failed, name)
	}
	sort.Strings(deployed)
	sort.Strings(failed)
	return
}

// Run deploys every tier of the registry in ascending order. A tier is only started once
// every deployment in the previous tier has reached a terminal status. Failures never stop
// the run; services in later tiers are told which of their dependencies failed.
func (s *Scheduler) Run(ctx context.Context) *Summary {
	summary := newSummary()
	plan := s.Registry.ByTier()

	for i, tier := range plan {
		if ctx.Err() != nil {
			s.skip(summary, plan[i:], ctx.Err())
			break
		}
		if i > 0 && !s.coolDown(ctx) {
			s.skip(summary, plan[i:], ctx.Err())
			break
		}
		s.runTier(ctx, tier, summary)
	}

	deployed, failed := summary.Names()
	log.WithFields(log.Fields{
		"deployed": len(deployed),
		"failed":   len(failed),
	}).Infof("rollout finished")

	return summary
}

// RunTier deploys a single tier. Dependencies in lower tiers are expected to be deployed
// already, and are resolved through their stable endpoints.
func (s *Scheduler) RunTier(ctx context.Context, number int) (*Summary, error) {
	tier, ok := s.Registry.Tier(number)
	if !ok {
		return nil, &registry.ValidationError{Reason: fmt.Sprintf("no services in tier %d", number)}
	}
	summary := newSummary()
	s.runTier(ctx, tier, summary)
	return summary, nil
}

// RunService deploys a single service.
func (s *Scheduler) RunService(ctx context.Context, name string) (*Summary, error) {
	svc, ok := s.Registry.Lookup(name)
	if !ok {
		return nil, &registry.ValidationError{Service: name, Reason: "not present in the service registry"}
	}
	summary := newSummary()
	s.runTier(ctx, registry.Tier{Number: svc.Tier, Services: []registry.Service{svc}}, summary)
	return summary, nil
}

// Rollback routes traffic of a service back to the stable endpoint it had before the
// current one, and makes that endpoint current again.
func (s *Scheduler) Rollback(ctx context.Context, name string) (string, error) {
	svc, ok := s.Registry.Lookup(name)
	if !ok {
		return "", &registry.ValidationError{Service: name, Reason: "not present in the service registry"}
	}

	previous, err := s.Stable.PreviousStableEndpoint(ctx, name)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return "", fmt.Errorf("%s has no previous stable endpoint to roll back to", name)
		}
		return "", fmt.Errorf("look up previous stable endpoint: %w", err)
	}

	err = s.Executor.RollbackTo(ctx, svc, previous)
	if err != nil {
		return "", err
	}

	restored, err := s.Stable.RevertStableEndpoint(ctx, name)
	if err != nil {
		return "", fmt.Errorf("traffic restored to %s, but stable endpoint not updated: %w", previous, err)
	}

	log.WithField("service", name).Infof("rolled back to %s", restored)
	return restored, nil
}

func (s *Scheduler) runTier(ctx context.Context, tier registry.Tier, summary *Summary) {
	start := time.Now()
	logger := log.WithField("tier", tier.Number)
	logger.Infof("deploying tier %d: %v", tier.Number, tier.Names())

	deployed, failed := summary.snapshot()
	opts := engine.RunOptions{
		Dependencies:       deployed,
		FailedDependencies: failed,
	}

	limit := s.MaxConcurrencyPerTier
	if limit < 1 {
		limit = DefaultMaxConcurrencyPerTier
	}

	// Errors are recorded on the summary; the group is only used to bound concurrency.
	group := errgroup.Group{}
	group.SetLimit(limit)

	for _, svc := range tier.Services {
		svc := svc
		group.Go(func() error {
			s.deploy(ctx, svc, opts, summary)
			return nil
		})
	}
	_ = group.Wait()

	metrics.TierResolved(tier.Number, start)
	logger.Infof("tier %d resolved in %s", tier.Number, time.Since(start).Round(time.Millisecond))
}

func (s *Scheduler) deploy(ctx context.Context, svc registry.Service, opts engine.RunOptions, summary *Summary) {
	logger := log.WithFields(log.Fields{"service": svc.Name, "tier": svc.Tier})

	rec := record.New(svc.Name, s.Requester, record.Options{Region: s.Region})
	id, err := s.Records.Create(ctx, rec)
	if err != nil {
		logger.Errorf("create deployment record: %s", err)
		summary.fail(svc.Name, fmt.Errorf("create deployment record: %w", err))
		return
	}

	final := s.Engine.Run(ctx, id, opts)
	if final == nil {
		summary.fail(svc.Name, fmt.Errorf("deployment record %s unavailable", id))
		return
	}
	summary.add(final)
}

func (s *Scheduler) skip(summary *Summary, tiers []registry.Tier, err error) {
	for _, tier := range tiers {
		for _, svc := range tier.Services {
			summary.fail(svc.Name, fmt.Errorf("not attempted: %w", err))
		}
	}
}

// coolDown waits between tiers, and reports false if the context ended first.
func (s *Scheduler) coolDown(ctx context.Context) bool {
	if s.CoolDown <= 0 {
		return true
	}
	log.Debugf("cooling down for %s", s.CoolDown)
	timer := time.NewTimer(s.CoolDown)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
