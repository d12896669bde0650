// Package cli implements the operator commands of rollout.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/record"
	"github.com/nais/rollout/pkg/registry"
	"github.com/nais/rollout/pkg/scheduler"
)

const statusHistory = 10

// App holds everything the commands operate on. It is assembled once configuration has
// been loaded.
type App struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Records   record.Store
	Stable    record.StableStore
	Out       io.Writer

	// Serve runs the HTTP API and on-demand deployment workers until ctx is cancelled.
	Serve func(ctx context.Context) error

	// Close releases connections held by the app.
	Close func()
}

func newTabwriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
}

// summaryError turns a run summary into the error reported to the invoker.
func summaryError(ctx context.Context, summary *scheduler.Summary) error {
	if summary.OK() {
		return nil
	}
	_, failed := summary.Names()
	total := len(summary.Deployed) + len(summary.Failed)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Errorf(ExitTimeout, "deadline exceeded with %d of %d services not deployed: %s", len(failed), total, strings.Join(failed, ", "))
	}
	return Errorf(ExitDeploymentFailure, "%d of %d services failed: %s", len(failed), total, strings.Join(failed, ", "))
}

func PrintSummary(w io.Writer, summary *scheduler.Summary) {
	deployed, failed := summary.Names()

	tw := newTabwriter(w)
	fmt.Fprintf(tw, "SERVICE\tRESULT\tDETAIL\n")
	for _, name := range deployed {
		fmt.Fprintf(tw, "%s\tdeployed\t%s\n", name, summary.Deployed[name])
	}
	for _, name := range failed {
		fmt.Fprintf(tw, "%s\tfailed\t%s\n", name, summary.Failed[name])
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d deployed, %d failed\n", len(deployed), len(failed))
}

func (a *App) DeployAll(ctx context.Context) error {
	summary := a.Scheduler.Run(ctx)
	PrintSummary(a.Out, summary)
	return summaryError(ctx, summary)
}

func (a *App) DeployTier(ctx context.Context, tier int) error {
	summary, err := a.Scheduler.RunTier(ctx, tier)
	if err != nil {
		return ErrorWrap(ExitInvocationFailure, err)
	}
	PrintSummary(a.Out, summary)
	return summaryError(ctx, summary)
}

func (a *App) DeployService(ctx context.Context, name string) error {
	summary, err := a.Scheduler.RunService(ctx, name)
	if err != nil {
		return ErrorWrap(ExitInvocationFailure, err)
	}
	PrintSummary(a.Out, summary)
	return summaryError(ctx, summary)
}

func (a *App) Rollback(ctx context.Context, name string) error {
	restored, err := a.Scheduler.Rollback(ctx, name)
	var validationErr *registry.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return ErrorWrap(ExitInvocationFailure, err)
	case err != nil:
		return ErrorWrap(ExitDeploymentFailure, err)
	}
	fmt.Fprintf(a.Out, "%s now serves on %s\n", name, restored)
	return nil
}

func (a *App) stableEndpoint(ctx context.Context, service string) string {
	endpoint, err := a.Stable.StableEndpoint(ctx, service)
	if err != nil {
		if !errors.Is(err, record.ErrNotFound) {
			log.Warnf("look up stable endpoint of %s: %s", service, err)
		}
		return "-"
	}
	return endpoint
}

func age(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}

// Status prints the latest deployment of every service, or the recent deployments of
// a single service.
func (a *App) Status(ctx context.Context, service string) error {
	if len(service) > 0 {
		return a.serviceStatus(ctx, service)
	}

	tw := newTabwriter(a.Out)
	fmt.Fprintf(tw, "SERVICE\tTIER\tSTATUS\tPROGRESS\tSTABLE ENDPOINT\tUPDATED\n")
	for _, svc := range a.Registry.List() {
		records, err := a.Records.List(ctx, record.Filter{Service: svc.Name, Limit: 1})
		if err != nil {
			return ErrorWrap(ExitUnavailable, err)
		}
		status, progress, updated := "never deployed", "-", "-"
		if len(records) > 0 {
			status = string(records[0].Status)
			progress = fmt.Sprintf("%d%%", records[0].Progress)
			updated = age(records[0].UpdatedAt) + " ago"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", svc.Name, svc.Tier, status, progress, a.stableEndpoint(ctx, svc.Name), updated)
	}
	return tw.Flush()
}

func (a *App) serviceStatus(ctx context.Context, service string) error {
	if _, ok := a.Registry.Lookup(service); !ok {
		return Errorf(ExitInvocationFailure, "service %q is not present in the service registry", service)
	}

	records, err := a.Records.List(ctx, record.Filter{Service: service, Limit: statusHistory})
	if err != nil {
		return ErrorWrap(ExitUnavailable, err)
	}

	fmt.Fprintf(a.Out, "%s serves on %s\n\n", service, a.stableEndpoint(ctx, service))

	tw := newTabwriter(a.Out)
	fmt.Fprintf(tw, "ID\tREQUESTER\tSTATUS\tLAST STEP\tCREATED\tDETAIL\n")
	for _, rec := range records {
		detail := rec.Error
		if len(detail) == 0 {
			detail = rec.Endpoint
		}
		lastStep := string(rec.LastCompletedStep())
		if len(lastStep) == 0 {
			lastStep = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\t%s\n", rec.ID, rec.Requester, rec.Status, lastStep, age(rec.CreatedAt), detail)
	}
	return tw.Flush()
}
