package job

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/feedstore/pkg/jobregistry"
)

// DefaultHistory is the number of finished jobs kept in memory.
const DefaultHistory = 100

// ErrDuplicateJob is returned when a job id is already registered.
var ErrDuplicateJob = errors.New("job id already registered")

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHistory bounds how many finished jobs stay queryable in memory.
func WithHistory(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithRecords persists a record of every finished job to store.
func WithRecords(store *jobregistry.Store) RegistryOption {
	return func(r *Registry) { r.records = store }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry starts jobs and tracks them until they finish. It is the
// Coordinator of every job submitted to it.
type Registry struct {
	mu           sync.Mutex
	active       map[string]*Job
	history      []*Job
	historyLimit int

	records *jobregistry.Store
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		active:       make(map[string]*Job),
		historyLimit: DefaultHistory,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit registers j and starts it.
func (r *Registry) Submit(ctx context.Context, j *Job) error {
	if err := j.SetCoordinator(r); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.active[j.ID()]; ok {
		r.mu.Unlock()
		return ErrDuplicateJob
	}
	r.active[j.ID()] = j
	r.wg.Add(1)
	r.mu.Unlock()

	if err := j.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.active, j.ID())
		r.mu.Unlock()
		r.wg.Done()
		return err
	}

	r.logger.Debug("Job submitted",
		zap.String("job_id", j.ID()),
		zap.String("job_type", string(j.Type())),
		zap.String("owner", j.Owner()),
	)
	return nil
}

// JobFinished moves j from the active set to history and persists its record.
func (r *Registry) JobFinished(j *Job) {
	r.mu.Lock()
	if _, ok := r.active[j.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, j.ID())
	r.history = append(r.history, j)
	if over := len(r.history) - r.historyLimit; over > 0 {
		r.history = append([]*Job(nil), r.history[over:]...)
	}
	r.mu.Unlock()
	defer r.wg.Done()

	if r.records == nil {
		return
	}
	if err := r.records.Write(Record(j)); err != nil {
		r.logger.Warn("Failed to persist job record",
			zap.String("job_id", j.ID()),
			zap.Error(err),
		)
	}
}

// Get returns an active or recently finished job.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.active[id]; ok {
		return j, true
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID() == id {
			return r.history[i], true
		}
	}
	return nil, false
}

// Active returns running jobs, oldest first.
func (r *Registry) Active() []*Job {
	r.mu.Lock()
	out := make([]*Job, 0, len(r.active))
	for _, j := range r.active {
		out = append(out, j)
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt().Before(out[b].CreatedAt())
	})
	return out
}

// History returns finished jobs, newest first.
func (r *Registry) History() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, len(r.history))
	for i, j := range r.history {
		out[len(r.history)-1-i] = j
	}
	return out
}

// Wait blocks until every submitted job has finished or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record converts a job into its persistent form.
func Record(j *Job) *jobregistry.JobRecord {
	st := j.Status()
	started, finished := j.Times()

	rec := &jobregistry.JobRecord{
		JobID:     j.ID(),
		Name:      j.Name(),
		Type:      string(j.Type()),
		Owner:     j.Owner(),
		CreatedAt: j.CreatedAt(),
		Status: jobregistry.StatusSnapshot{
			Message:         st.Message,
			PercentComplete: st.PercentComplete,
			Completed:       st.Completed,
			Error:           st.Error,
		},
	}
	if !started.IsZero() {
		rec.StartedAt = &started
	}
	switch {
	case j.State() != StateFinished:
		rec.State = jobregistry.JobStateRunning
	case st.Error:
		rec.State = jobregistry.JobStateFailed
	default:
		rec.State = jobregistry.JobStateSuccess
	}
	if !finished.IsZero() {
		rec.EndedAt = &finished
	}
	return rec
}
