package record_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/rollout/pkg/record"
)

var pipeline = []record.StepKey{
	record.StepValidating,
	record.StepBuilding,
	record.StepPublishing,
	record.StepDeploying,
	record.StepVerifying,
}

func TestNew(t *testing.T) {
	rec := record.New("api", "alice", record.Options{Region: "europe-north1"})

	assert.Equal(t, record.StatusQueued, rec.Status)
	assert.Equal(t, record.StepQueued, rec.CurrentStep)
	assert.Equal(t, 0, rec.Progress)
	require.Len(t, rec.Steps, 7)
	assert.Equal(t, record.StepActive, rec.Steps[0].Status)
	for _, step := range rec.Steps[1:] {
		assert.Equal(t, record.StepPending, step.Status)
	}
	assert.Equal(t, "Verifying health", rec.Steps[5].Label)
	assert.NoError(t, rec.Validate())
}

func TestAdvanceProgressIsMonotonic(t *testing.T) {
	rec := record.New("api", "alice", record.Options{})
	last := rec.Progress

	for _, step := range pipeline {
		require.NoError(t, rec.Advance(step, ""))
		assert.Greater(t, rec.Progress, last)
		assert.Less(t, rec.Progress, 100)
		assert.Equal(t, record.Status(step), rec.Status)
		last = rec.Progress
	}

	require.NoError(t, rec.Complete("http://api"))
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	assert.Equal(t, "http://api", rec.Endpoint)
	assert.Equal(t, record.StepVerifying, rec.Steps[5].Key)
	for _, step := range rec.Steps {
		assert.Equal(t, record.StepStatusDone, step.Status, step.Key)
	}
	assert.Equal(t, record.StepCompleted, rec.LastCompletedStep())
	assert.NoError(t, rec.Validate())
}

func TestAdvanceRejectsSkippedSteps(t *testing.T) {
	rec := record.New("api", "alice", record.Options{})

	err := rec.Advance(record.StepBuilding, "")
	assert.ErrorIs(t, err, record.ErrInvalidTransition)

	err = rec.Advance(record.StepQueued, "")
	assert.ErrorIs(t, err, record.ErrInvalidTransition)
	assert.Equal(t, record.StatusQueued, rec.Status)
}

func TestFail(t *testing.T) {
	rec := record.New("api", "alice", record.Options{})
	require.NoError(t, rec.Advance(record.StepValidating, ""))
	require.NoError(t, rec.Advance(record.StepBuilding, ""))

	require.NoError(t, rec.Fail(errors.New("compiler exploded")))

	assert.Equal(t, record.StatusFailed, rec.Status)
	assert.Equal(t, "compiler exploded", rec.Error)
	assert.Equal(t, "Deployment failed during building", rec.Message)
	building, ok := rec.Step(record.StepBuilding)
	require.True(t, ok)
	assert.Equal(t, record.StepStatusFailure, building.Status)
	assert.Equal(t, record.StepValidating, rec.LastCompletedStep())
	assert.Less(t, rec.Progress, 100)
	assert.NoError(t, rec.Validate())

	assert.ErrorIs(t, rec.Fail(errors.New("again")), record.ErrTerminal)
}

func TestRollBackAfterFail(t *testing.T) {
	rec := record.New("api", "alice", record.Options{})
	for _, step := range pipeline {
		require.NoError(t, rec.Advance(step, ""))
	}
	reason := errors.New("health check failed after 3 attempts")

	require.NoError(t, rec.Fail(reason))
	require.NoError(t, rec.RollBack(reason, "http://api-previous"))

	assert.Equal(t, record.StatusRolledBack, rec.Status)
	assert.Equal(t, "http://api-previous", rec.Endpoint)
	assert.Equal(t, "Traffic restored to previous stable endpoint http://api-previous", rec.Message)
	assert.Equal(t, reason.Error(), rec.Error)
	assert.NoError(t, rec.Validate())

	assert.ErrorIs(t, rec.RollBack(reason, "http://elsewhere"), record.ErrTerminal)
}

func TestCancel(t *testing.T) {
	rec := record.New("api", "alice", record.Options{})
	require.NoError(t, rec.Cancel("cancelled by alice"))
	assert.Equal(t, record.StatusCancelled, rec.Status)
	assert.True(t, rec.Status.Terminal())
	assert.ErrorIs(t, rec.Cancel("again"), record.ErrTerminal)
	assert.ErrorIs(t, rec.Advance(record.StepValidating, ""), record.ErrTerminal)
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(rec *record.Record)
	}{
		{"progress out of sync", func(rec *record.Record) { rec.Progress = 50 }},
		{"missing steps", func(rec *record.Record) { rec.Steps = rec.Steps[:3] }},
		{"reordered steps", func(rec *record.Record) { rec.Steps[1], rec.Steps[2] = rec.Steps[2], rec.Steps[1] }},
		{"completed without progress", func(rec *record.Record) { rec.Status = record.StatusCompleted }},
		{"unknown current step", func(rec *record.Record) { rec.CurrentStep = "launching" }},
		{"completed after failure", func(rec *record.Record) {
			rec.Steps[1].Status = record.StepStatusFailure
			rec.Steps[2].Status = record.StepStatusDone
			rec.Progress = 14
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := record.New("api", "alice", record.Options{})
			tt.mutate(rec)
			assert.ErrorIs(t, rec.Validate(), record.ErrInvalidTransition)
		})
	}
}

func TestApplyUpdate(t *testing.T) {
	before := record.New("api", "alice", record.Options{})
	before.ID = "abc"
	before.Version = 1

	after, err := record.ApplyUpdate(before, func(rec *record.Record) error {
		return rec.Advance(record.StepValidating, "checking")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.Version)
	assert.Equal(t, record.StatusQueued, before.Status, "input must not be mutated")
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))

	_, err = record.ApplyUpdate(after, func(rec *record.Record) error {
		rec.Service = "worker"
		return nil
	})
	assert.ErrorIs(t, err, record.ErrImmutableField)

	_, err = record.ApplyUpdate(after, func(rec *record.Record) error {
		rec.Progress = 0
		return nil
	})
	assert.ErrorIs(t, err, record.ErrProgressRegression)

	failed, err := record.ApplyUpdate(after, func(rec *record.Record) error {
		return rec.Fail(errors.New("boom"))
	})
	require.NoError(t, err)

	_, err = record.ApplyUpdate(failed, func(rec *record.Record) error {
		return rec.RollBack(errors.New("boom"), "http://old")
	})
	assert.ErrorIs(t, err, record.ErrTerminal)
}

func TestFilterMatch(t *testing.T) {
	rec := record.New("api", "alice", record.Options{})
	rec.ID = "abc"

	assert.True(t, record.Filter{}.Match(rec))
	assert.True(t, record.Filter{ID: "abc", Service: "api", Requester: "alice", ActiveOnly: true}.Match(rec))
	assert.False(t, record.Filter{ID: "def"}.Match(rec))
	assert.False(t, record.Filter{Service: "worker"}.Match(rec))
	assert.False(t, record.Filter{Requester: "bob"}.Match(rec))

	require.NoError(t, rec.Cancel("stop"))
	assert.False(t, record.Filter{ActiveOnly: true}.Match(rec))
}
