package job

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string    { return &s }
func f64Ptr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool       { return &b }

func TestStatusRecord_ApplyMergesPartialEvents(t *testing.T) {
	r := NewStatusRecord(WaitingMessage)

	require.NoError(t, r.Apply(StatusEvent{Message: strPtr("Reading network")}))
	require.NoError(t, r.Apply(StatusEvent{PercentComplete: f64Ptr(40)}))

	got := r.Snapshot()
	assert.Equal(t, "Reading network", got.Message)
	assert.Equal(t, 40.0, got.PercentComplete)
	assert.False(t, got.Completed)
	assert.False(t, got.Error)
}

func TestStatusRecord_ApplyRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		pct  float64
	}{
		{"negative", -1},
		{"over", 100.5},
		{"nan", math.NaN()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewStatusRecord("start")
			err := r.Apply(StatusEvent{Message: strPtr("bad"), PercentComplete: f64Ptr(tt.pct)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidStatusEvent))
			assert.Equal(t, Status{Message: "start"}, r.Snapshot())
		})
	}
}

func TestStatusRecord_CompletedIsMonotonic(t *testing.T) {
	r := NewStatusRecord("start")

	assert.True(t, r.Complete("done", false))
	assert.False(t, r.Complete("again", true))

	r.Update("late update", 10)
	require.NoError(t, r.Apply(StatusEvent{Message: strPtr("late event"), Error: boolPtr(true)}))

	got := r.Snapshot()
	assert.Equal(t, Status{Message: "done", PercentComplete: 100, Completed: true, Error: false}, got)
}

func TestStatusRecord_UpdateClamps(t *testing.T) {
	r := NewStatusRecord("start")
	r.Update("a", 150)
	assert.Equal(t, 100.0, r.Snapshot().PercentComplete)
	r.Update("b", -3)
	assert.Equal(t, 0.0, r.Snapshot().PercentComplete)
}

// Every snapshot must come from a single update: message i always carries
// percentage i.
func TestStatusRecord_SnapshotIsConsistentUnderConcurrency(t *testing.T) {
	r := NewStatusRecord("0")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i <= 100; i++ {
			r.Update(fmt.Sprintf("%d", i), float64(i))
		}
		close(stop)
	}()

	for {
		s := r.Snapshot()
		require.Equal(t, fmt.Sprintf("%d", int(s.PercentComplete)), s.Message)
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
	}
}

func TestDecodeStatusEvent(t *testing.T) {
	tests := []struct {
		name    string
		in      map[string]any
		want    StatusEvent
		wantErr bool
	}{
		{
			name: "json numbers",
			in:   map[string]any{"message": "Building", "percentComplete": 12.5},
			want: StatusEvent{Message: strPtr("Building"), PercentComplete: f64Ptr(12.5)},
		},
		{
			name: "integer percentage",
			in:   map[string]any{"percentComplete": 50},
			want: StatusEvent{PercentComplete: f64Ptr(50)},
		},
		{
			name: "error flag",
			in:   map[string]any{"error": true},
			want: StatusEvent{Error: boolPtr(true)},
		},
		{
			name: "unknown keys ignored",
			in:   map[string]any{"message": "x", "extra": 1},
			want: StatusEvent{Message: strPtr("x")},
		},
		{
			name:    "string percentage",
			in:      map[string]any{"percentComplete": "50"},
			wantErr: true,
		},
		{
			name:    "string error flag",
			in:      map[string]any{"error": "yes"},
			wantErr: true,
		},
		{
			name:    "out of range",
			in:      map[string]any{"percentComplete": 101},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeStatusEvent(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidStatusEvent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
