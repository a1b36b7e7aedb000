package job

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// ErrInvalidStatusEvent indicates a status event that cannot be applied.
var ErrInvalidStatusEvent = errors.New("invalid status event")

// Status is a point-in-time copy of a job's progress.
//
// NOTE: The JSON field names are the wire shape consumed by pollers.
type Status struct {
	Message         string  `json:"message"`
	PercentComplete float64 `json:"percentComplete"`
	Completed       bool    `json:"completed"`
	Error           bool    `json:"error"`
}

// StatusEvent is a partial status update pushed by an external reporter.
// Nil fields leave the corresponding status field unchanged.
type StatusEvent struct {
	Message         *string  `json:"message,omitempty" mapstructure:"message"`
	PercentComplete *float64 `json:"percentComplete,omitempty" mapstructure:"percentComplete"`
	Error           *bool    `json:"error,omitempty" mapstructure:"error"`
}

// Progress builds an event carrying a message and percentage.
func Progress(message string, percent float64) StatusEvent {
	return StatusEvent{Message: &message, PercentComplete: &percent}
}

// Validate checks field ranges.
func (ev StatusEvent) Validate() error {
	if p := ev.PercentComplete; p != nil {
		if math.IsNaN(*p) || *p < 0 || *p > 100 {
			return fmt.Errorf("%w: percentComplete %v out of range 0-100", ErrInvalidStatusEvent, *p)
		}
	}
	return nil
}

// DecodeStatusEvent converts a loosely typed payload (decoded JSON, a
// reporter callback map) into a StatusEvent.
//
// Numeric percentages of any width are accepted; a string where a number or
// bool belongs is rejected. Unknown keys are ignored.
func DecodeStatusEvent(m map[string]any) (StatusEvent, error) {
	var ev StatusEvent
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ev,
		WeaklyTypedInput: false,
		TagName:          "mapstructure",
	})
	if err != nil {
		return StatusEvent{}, err
	}
	if err := dec.Decode(m); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %v", ErrInvalidStatusEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return StatusEvent{}, err
	}
	return ev, nil
}

// StatusRecord is the lock-guarded status owned by one job.
//
// Every mutation and every Snapshot takes the same mutex, so readers never
// see fields from two different updates. Completed never reverts to false.
type StatusRecord struct {
	mu sync.Mutex
	s  Status
}

// NewStatusRecord returns a record holding message.
func NewStatusRecord(message string) *StatusRecord {
	return &StatusRecord{s: Status{Message: message}}
}

// Snapshot returns a copy of the current status.
func (r *StatusRecord) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

// Apply merges ev into the record. Invalid events leave the record untouched.
// Events never change Completed, and are ignored once the record is
// completed so the terminal message and flags stay final.
func (r *StatusRecord) Apply(ev StatusEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Completed {
		return nil
	}
	if ev.Message != nil {
		r.s.Message = *ev.Message
	}
	if ev.PercentComplete != nil {
		r.s.PercentComplete = *ev.PercentComplete
	}
	if ev.Error != nil {
		r.s.Error = *ev.Error
	}
	return nil
}

// Update records in-progress message and percentage. It is a no-op after
// completion.
func (r *StatusRecord) Update(message string, percent float64) {
	percent = clampPercent(percent)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Completed {
		return
	}
	r.s.Message = message
	r.s.PercentComplete = percent
}

// Complete marks the record terminal in a single locked update. The first
// call wins; later calls are ignored.
func (r *StatusRecord) Complete(message string, failed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Completed {
		return false
	}
	r.s = Status{Message: message, PercentComplete: 100, Completed: true, Error: failed}
	return true
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
