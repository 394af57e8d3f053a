package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

// fakeMaintainer blocks each run until release is closed or ctx ends.
type fakeMaintainer struct {
	release chan struct{}
	started chan struct{}
	runs    atomic.Int32
	err     error
}

func (f *fakeMaintainer) RunMaintenance(ctx context.Context) (loyalty.MaintenanceReport, error) {
	f.runs.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return loyalty.MaintenanceReport{RunID: "cancelled", Cancelled: true}, nil
		}
	}
	return loyalty.MaintenanceReport{RunID: "run-1", ExpiredPoints: 10}, f.err
}

func TestNewMaintenanceScheduler_ValidatesSchedule(t *testing.T) {
	_, err := NewMaintenanceScheduler(&fakeMaintainer{}, "not a schedule", quiet())
	assert.Error(t, err)

	s, err := NewMaintenanceScheduler(&fakeMaintainer{}, "", quiet())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaintenanceSchedule, s.spec)
}

func TestMaintenanceScheduler_RunNowRecordsLast(t *testing.T) {
	m := &fakeMaintainer{}
	s, err := NewMaintenanceScheduler(m, "@hourly", quiet())
	require.NoError(t, err)

	last, lastErr := s.Last()
	assert.Nil(t, last)
	assert.NoError(t, lastErr)

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)

	last, _ = s.Last()
	require.NotNil(t, last)
	assert.Equal(t, int64(10), last.ExpiredPoints)

	m.err = errors.New("store down")
	_, err = s.RunNow(context.Background())
	assert.Error(t, err)
	_, lastErr = s.Last()
	assert.EqualError(t, lastErr, "store down")
}

func TestMaintenanceScheduler_StartReportsNextRun(t *testing.T) {
	s, err := NewMaintenanceScheduler(&fakeMaintainer{}, "@hourly", quiet())
	require.NoError(t, err)
	assert.True(t, s.NextRun().IsZero())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	next := s.NextRun()
	assert.True(t, next.After(time.Now()))
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Hour)

	require.NoError(t, s.Stop(context.Background()))
}

func TestMaintenanceScheduler_StopCancelsRunInFlight(t *testing.T) {
	m := &fakeMaintainer{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s, err := NewMaintenanceScheduler(m, "@hourly", quiet())
	require.NoError(t, err)

	result := make(chan loyalty.MaintenanceReport, 1)
	go func() {
		report, _ := s.RunNow(context.Background())
		result <- report
	}()
	<-m.started

	// WHEN the scheduler stops during a run
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	// THEN the run saw cancellation
	select {
	case report := <-result:
		assert.True(t, report.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("run did not return after Stop")
	}

	_, err = s.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.Equal(t, int32(1), m.runs.Load())
}
