// Package record holds the durable, observable record of a single deployment attempt,
// and the rules for how such a record may change over its lifetime.
package record

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusValidating Status = "validating"
	StatusBuilding   Status = "building"
	StatusPublishing Status = "publishing"
	StatusDeploying  Status = "deploying"
	StatusVerifying  Status = "verifying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRolledBack Status = "rolled_back"
)

// Terminal statuses signify the end of a deployment. Records in these states are never written again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack:
		return true
	default:
		return false
	}
}

type StepKey string

const (
	StepQueued     StepKey = "queued"
	StepValidating StepKey = "validating"
	StepBuilding   StepKey = "building"
	StepPublishing StepKey = "publishing"
	StepDeploying  StepKey = "deploying"
	StepVerifying  StepKey = "verifying"
	StepCompleted  StepKey = "completed"
)

type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepActive        StepStatus = "active"
	StepStatusDone    StepStatus = "completed"
	StepStatusFailure StepStatus = "failed"
)

type Step struct {
	Key       StepKey    `json:"key"`
	Label     string     `json:"label"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

var template = []Step{
	{Key: StepQueued, Label: "Queued"},
	{Key: StepValidating, Label: "Validating configuration"},
	{Key: StepBuilding, Label: "Building artifact"},
	{Key: StepPublishing, Label: "Publishing artifact"},
	{Key: StepDeploying, Label: "Deploying"},
	{Key: StepVerifying, Label: "Verifying health"},
	{Key: StepCompleted, Label: "Completed"},
}

// Options recognized when requesting a deployment.
type Options struct {
	Region     string `json:"region,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

type Record struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	Requester   string    `json:"requester"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Steps       []Step    `json:"steps"`
	CurrentStep StepKey   `json:"currentStep"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Error       string    `json:"error,omitempty"`
	Message     string    `json:"message,omitempty"`
	Options     Options   `json:"options"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

var (
	ErrNotFound           = errors.New("deployment record not found")
	ErrAlreadyExists      = errors.New("deployment record already exists")
	ErrTerminal           = errors.New("deployment record has reached a terminal status")
	ErrInvalidTransition  = errors.New("invalid deployment step transition")
	ErrProgressRegression = errors.New("deployment progress may not decrease")
	ErrImmutableField     = errors.New("deployment record identity may not change")
)

// Timestamps are kept in UTC without monotonic clock readings, so that records survive
// a round trip through any store unchanged.
func now() time.Time {
	return time.Now().UTC().Round(0)
}

// New returns a queued record with the full step template, the first step active.
func New(service, requester string, opts Options) *Record {
	ts := now()
	steps := make([]Step, len(template))
	copy(steps, template)
	for i := range steps {
		steps[i].Status = StepPending
		steps[i].UpdatedAt = ts
	}
	steps[0].Status = StepActive

	return &Record{
		Service:     service,
		Requester:   requester,
		Status:      StatusQueued,
		Steps:       steps,
		CurrentStep: StepQueued,
		Options:     opts,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = make([]Step, len(r.Steps))
	copy(c.Steps, r.Steps)
	return &c
}

func (r *Record) LogFields() log.Fields {
	return log.Fields{
		"deployment_id": r.ID,
		"service":       r.Service,
		"requester":     r.Requester,
		"status":        r.Status,
	}
}

func (r *Record) stepIndex(key StepKey) int {
	for i := range r.Steps {
		if r.Steps[i].Key == key {
			return i
		}
	}
	return -1
}

// Step returns the step with the given key.
func (r *Record) Step(key StepKey) (Step, bool) {
	i := r.stepIndex(key)
	if i < 0 {
		return Step{}, false
	}
	return r.Steps[i], true
}

// LastCompletedStep returns the key of the last step that finished successfully, or an empty key.
func (r *Record) LastCompletedStep() StepKey {
	var last StepKey
	for _, step := range r.Steps {
		if step.Status != StepStatusDone {
			break
		}
		last = step.Key
	}
	return last
}

func (r *Record) computeProgress() int {
	if len(r.Steps) == 0 {
		return 0
	}
	done := 0
	for _, step := range r.Steps {
		if step.Status == StepStatusDone {
			done++
		}
	}
	return done * 100 / len(r.Steps)
}

// Advance completes the current step and activates the next one in the template.
// Advancing to the final step completes the record.
func (r *Record) Advance(key StepKey, message string) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	cur := r.stepIndex(r.CurrentStep)
	next := r.stepIndex(key)
	if cur < 0 || next != cur+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.CurrentStep, key)
	}

	ts := now()
	r.Steps[cur].Status = StepStatusDone
	r.Steps[cur].UpdatedAt = ts

	r.Steps[next].Status = StepActive
	r.Steps[next].Message = message
	r.Steps[next].UpdatedAt = ts
	r.CurrentStep = key
	r.Status = Status(key)
	r.Message = message

	if key == StepCompleted {
		r.Steps[next].Status = StepStatusDone
	}

	r.Progress = r.computeProgress()
	r.UpdatedAt = ts
	return nil
}

// Complete records the verified endpoint and finishes the record at 100 percent.
func (r *Record) Complete(endpoint string) error {
	err := r.Advance(StepCompleted, "Deployment verified healthy")
	if err != nil {
		return err
	}
	r.Endpoint = endpoint
	return nil
}

func (r *Record) failCurrent(message string, ts time.Time) {
	i := r.stepIndex(r.CurrentStep)
	if i < 0 {
		return
	}
	r.Steps[i].Status = StepStatusFailure
	r.Steps[i].Message = message
	r.Steps[i].UpdatedAt = ts
}

// Fail marks the current step and the record as failed.
func (r *Record) Fail(err error) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	ts := now()
	r.failCurrent(err.Error(), ts)
	r.Status = StatusFailed
	r.Error = err.Error()
	r.Message = fmt.Sprintf("Deployment failed during %s", r.CurrentStep)
	r.UpdatedAt = ts
	return nil
}

// RollBack fails the current step and records that traffic has been restored to
// a previous stable endpoint. A record that has just been failed may still be rolled back.
func (r *Record) RollBack(reason error, restored string) error {
	if r.Status.Terminal() && r.Status != StatusFailed {
		return ErrTerminal
	}
	ts := now()
	if r.Status != StatusFailed {
		r.failCurrent(reason.Error(), ts)
	}
	r.Status = StatusRolledBack
	r.Error = reason.Error()
	r.Endpoint = restored
	r.Message = fmt.Sprintf("Traffic restored to previous stable endpoint %s", restored)
	r.UpdatedAt = ts
	return nil
}

// Cancel stops the record where it is.
func (r *Record) Cancel(reason string) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	ts := now()
	r.failCurrent(reason, ts)
	r.Status = StatusCancelled
	r.Message = reason
	r.UpdatedAt = ts
	return nil
}

// Validate checks that status, steps and progress agree with each other.
func (r *Record) Validate() error {
	if len(r.Steps) != len(template) {
		return fmt.Errorf("%w: expected %d steps, got %d", ErrInvalidTransition, len(template), len(r.Steps))
	}
	failed := false
	for i, step := range r.Steps {
		if step.Key != template[i].Key {
			return fmt.Errorf("%w: step %d is %q, expected %q", ErrInvalidTransition, i, step.Key, template[i].Key)
		}
		if failed && step.Status == StepStatusDone {
			return fmt.Errorf("%w: step %q completed after a failed step", ErrInvalidTransition, step.Key)
		}
		if step.Status == StepStatusFailure {
			failed = true
		}
	}
	if r.stepIndex(r.CurrentStep) < 0 {
		return fmt.Errorf("%w: unknown current step %q", ErrInvalidTransition, r.CurrentStep)
	}
	if r.Progress != r.computeProgress() {
		return fmt.Errorf("%w: progress %d does not match steps", ErrInvalidTransition, r.Progress)
	}
	if (r.Progress == 100) != (r.Status == StatusCompleted) {
		return fmt.Errorf("%w: progress %d with status %s", ErrInvalidTransition, r.Progress, r.Status)
	}
	return nil
}

// ApplyUpdate runs fn against a copy of before and returns the result if it is a legal
// successor of before. Every store funnels its updates through here.
func ApplyUpdate(before *Record, fn UpdateFunc) (*Record, error) {
	if before.Status.Terminal() {
		return nil, ErrTerminal
	}

	after := before.Clone()
	if err := fn(after); err != nil {
		return nil, err
	}

	if after.ID != before.ID || after.Service != before.Service || after.Requester != before.Requester || !after.CreatedAt.Equal(before.CreatedAt) {
		return nil, ErrImmutableField
	}
	if after.Progress < before.Progress {
		return nil, ErrProgressRegression
	}
	if err := after.Validate(); err != nil {
		return nil, err
	}

	after.Version = before.Version + 1
	if !after.UpdatedAt.After(before.UpdatedAt) {
		after.UpdatedAt = now()
	}
	return after, nil
}
