package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJobInvalidSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a schedule", JobFunc{JobName: "noop", Fn: func() error { return nil }})
	assert.Error(t, err)
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(zerolog.Nop())

	var runs atomic.Int32
	err := s.AddJob("@every 50ms", JobFunc{
		JobName: "tick",
		Fn: func() error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Greater(t, runs.Load(), int32(0))
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	s := New(zerolog.Nop())

	var runs atomic.Int32
	err := s.AddJob("@every 50ms", JobFunc{
		JobName: "failing",
		Fn: func() error {
			runs.Add(1)
			return errors.New("job error")
		},
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())

	ran := false
	err := s.RunNow(JobFunc{JobName: "immediate", Fn: func() error {
		ran = true
		return nil
	}})
	require.NoError(t, err)
	assert.True(t, ran)
}
