// Package job runs long operations in the background with a pollable,
// thread-safe status.
//
// A Job moves through Created -> Running -> Finished exactly once. The body
// runs on its own goroutine and reports progress through the job's
// StatusRecord; outside reporters can push StatusEvents concurrently. When
// the body returns, the status is completed (with Error set if the body
// failed) and then the Coordinator is told, so anyone reacting to that
// notification observes the terminal status.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WaitingMessage is the status message of a job that has not started.
const WaitingMessage = "Waiting to begin job..."

// ErrAlreadyStarted is returned by Start on a job that was started before.
var ErrAlreadyStarted = errors.New("job already started")

// Type tags the kind of work a job performs.
type Type string

const (
	TypeBuildTransportNetwork Type = "build-transport-network"
	TypeReadTransportNetwork  Type = "read-transport-network"
	TypePublishFeedVersion    Type = "publish-feed-version"
)

// State is the lifecycle state of a job.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Body is the work a job performs. It returns the terminal success message;
// an empty message becomes "Job completed". A non-nil error marks the job
// failed and its text becomes the terminal message.
type Body func(ctx context.Context, j *Job) (string, error)

// Coordinator is told when a job has finished.
type Coordinator interface {
	JobFinished(j *Job)
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(j *Job)

func (f CoordinatorFunc) JobFinished(j *Job) { f(j) }

// Option configures a Job.
type Option func(*Job)

// WithID overrides the generated job id.
func WithID(id string) Option {
	return func(j *Job) { j.id = id }
}

// WithLogger sets the job logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Job) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithCoordinator sets who is told when the job finishes.
func WithCoordinator(c Coordinator) Option {
	return func(j *Job) { j.coordinator = c }
}

// Job is a unit of background work with an observable status.
type Job struct {
	id      string
	owner   string
	name    string
	typ     Type
	created time.Time

	body        Body
	status      *StatusRecord
	coordinator Coordinator
	logger      *zap.Logger

	state atomic.Int32
	done  chan struct{}

	mu       sync.Mutex
	err      error
	started  time.Time
	finished time.Time
}

// New creates a job in the Created state.
func New(owner, name string, typ Type, body Body, opts ...Option) *Job {
	j := &Job{
		id:      uuid.New().String(),
		owner:   owner,
		name:    name,
		typ:     typ,
		created: time.Now().UTC(),
		body:    body,
		status:  NewStatusRecord(WaitingMessage),
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With(zap.String("job_id", j.id), zap.String("job_type", string(typ)))
	return j
}

func (j *Job) ID() string           { return j.id }
func (j *Job) Owner() string        { return j.owner }
func (j *Job) Name() string         { return j.name }
func (j *Job) Type() Type           { return j.typ }
func (j *Job) CreatedAt() time.Time { return j.created }
func (j *Job) State() State         { return State(j.state.Load()) }

// Logger returns the job-scoped logger for use by bodies.
func (j *Job) Logger() *zap.Logger { return j.logger }

// Times returns when the job started and finished; zero values mean "not yet".
func (j *Job) Times() (started, finished time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started, j.finished
}

// Status returns a copy of the current status. Safe to call at any time.
func (j *Job) Status() Status {
	return j.status.Snapshot()
}

// Update records body progress.
func (j *Job) Update(message string, percent float64) {
	j.status.Update(message, percent)
}

// HandleStatusEvent applies an externally reported status event. Invalid
// events are logged and rejected without changing the status.
func (j *Job) HandleStatusEvent(ev StatusEvent) error {
	if err := j.status.Apply(ev); err != nil {
		j.logger.Warn("Rejected status event", zap.Error(err))
		return err
	}
	return nil
}

// HandleStatusMap decodes a loosely typed payload and applies it.
func (j *Job) HandleStatusMap(m map[string]any) error {
	ev, err := DecodeStatusEvent(m)
	if err != nil {
		j.logger.Warn("Rejected status event", zap.Error(err))
		return err
	}
	return j.HandleStatusEvent(ev)
}

// SetCoordinator sets the coordinator of a job that has not started.
func (j *Job) SetCoordinator(c Coordinator) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State() != StateCreated {
		return ErrAlreadyStarted
	}
	j.coordinator = c
	return nil
}

// begin moves the job to Running under j.mu, which SetCoordinator also holds.
func (j *Job) begin() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	j.started = time.Now().UTC()
	return nil
}

// Start runs the body on a new goroutine and returns immediately.
func (j *Job) Start(ctx context.Context) error {
	if err := j.begin(); err != nil {
		return err
	}
	go j.run(ctx)
	return nil
}

// Run executes the body on the calling goroutine. It is Start followed by
// Wait without the extra goroutine.
func (j *Job) Run(ctx context.Context) error {
	if err := j.begin(); err != nil {
		return err
	}
	j.run(ctx)
	return j.Err()
}

func (j *Job) run(ctx context.Context) {
	j.logger.Info("Job started", zap.String("name", j.name), zap.String("owner", j.owner))

	message, err := j.invoke(ctx)
	if err != nil {
		j.status.Complete(err.Error(), true)
		j.logger.Error("Job failed", zap.Error(err))
	} else {
		if message == "" {
			message = "Job completed"
		}
		j.status.Complete(message, false)
		j.logger.Info("Job finished", zap.String("message", message))
	}

	j.mu.Lock()
	j.err = err
	j.finished = time.Now().UTC()
	coordinator := j.coordinator
	j.mu.Unlock()
	j.state.Store(int32(StateFinished))

	if coordinator != nil {
		coordinator.JobFinished(j)
	}
	close(j.done)
}

// invoke calls the body, converting a panic into an error.
func (j *Job) invoke(ctx context.Context) (message string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	if j.body == nil {
		return "", errors.New("job has no body")
	}
	return j.body(ctx, j)
}

// Done is closed after the job finished and the coordinator was notified.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job is done or ctx ends, returning the body error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the body error of a finished job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
