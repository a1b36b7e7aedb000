package job

import (
	"context"
	"sync"
)

// TypedBody is the work of a job producing a result of type T.
type TypedBody[T any] func(ctx context.Context, j *Job) (T, string, error)

// Typed is a Job that carries a result. The result is set only when the body
// succeeds, before the job is marked complete.
type Typed[T any] struct {
	*Job

	mu     sync.Mutex
	result T
	ok     bool
}

// NewTyped creates a job whose body produces a T.
func NewTyped[T any](owner, name string, typ Type, body TypedBody[T], opts ...Option) *Typed[T] {
	t := &Typed[T]{}
	t.Job = New(owner, name, typ, func(ctx context.Context, j *Job) (string, error) {
		res, msg, err := body(ctx, j)
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.result, t.ok = res, true
		t.mu.Unlock()
		return msg, nil
	}, opts...)
	return t
}

// Result returns the body result; ok is false until the job succeeded.
func (t *Typed[T]) Result() (res T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.ok
}
