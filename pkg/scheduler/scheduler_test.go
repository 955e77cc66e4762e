package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

type fakeMaintainer struct {
	mu          sync.Mutex
	sweeps      []types.ConsolidationOptions
	cleanups    int
	deadlines   []bool
	sweepErr    error
	cleanupErr  error
	cleanupSize int
}

func (f *fakeMaintainer) Consolidate(ctx context.Context, opts types.ConsolidationOptions) (*types.ConsolidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
	f.sweeps = append(f.sweeps, opts)
	if f.sweepErr != nil {
		return &types.ConsolidationResult{Processed: 3, Cancelled: true}, f.sweepErr
	}
	return &types.ConsolidationResult{RunID: "run-1", Promoted: []types.ConsolidationEntry{{MemoryID: "1"}}}, nil
}

func (f *fakeMaintainer) CleanupExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
	f.cleanups++
	return f.cleanupSize, f.cleanupErr
}

func TestRegister_AddsEntries(t *testing.T) {
	s := NewScheduler(&fakeMaintainer{})

	_, err := s.RegisterConsolidation("0 3 * * *", types.ConsolidationOptions{TenantID: "tenant-1"}, time.Minute)
	require.NoError(t, err)
	_, err = s.RegisterCleanup("@every 1h", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())
}

func TestRegister_Errors(t *testing.T) {
	s := NewScheduler(&fakeMaintainer{})

	_, err := s.RegisterConsolidation("not a valid cron", types.ConsolidationOptions{TenantID: "tenant-1"}, 0)
	assert.Error(t, err)

	_, err = s.RegisterConsolidation("@hourly", types.ConsolidationOptions{}, 0)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.RegisterCleanup("61 * * * *", 0)
	assert.Error(t, err)
	assert.Zero(t, s.Entries())
}

func TestJobs_CallTargetWithDeadline(t *testing.T) {
	var buf bytes.Buffer
	target := &fakeMaintainer{cleanupSize: 4}
	s := NewScheduler(target, WithLogger(zerolog.New(&buf)))

	opts := types.ConsolidationOptions{TenantID: "tenant-1", MergeSimilar: true}
	s.consolidationJob(opts, time.Minute)()
	s.cleanupJob(time.Minute)()

	require.Len(t, target.sweeps, 1)
	assert.Equal(t, opts, target.sweeps[0])
	assert.Equal(t, 1, target.cleanups)
	assert.Equal(t, []bool{true, true}, target.deadlines)

	out := buf.String()
	assert.Contains(t, out, "scheduled_consolidation_done")
	assert.Contains(t, out, `"changes":1`)
	assert.Contains(t, out, `"removed":4`)
}

func TestJobs_LogFailures(t *testing.T) {
	var buf bytes.Buffer
	target := &fakeMaintainer{
		sweepErr:   context.DeadlineExceeded,
		cleanupErr: errors.New("store is closed"),
	}
	s := NewScheduler(target, WithLogger(zerolog.New(&buf)))

	s.consolidationJob(types.ConsolidationOptions{TenantID: "tenant-1"}, time.Minute)()
	s.cleanupJob(time.Minute)()

	out := buf.String()
	assert.Contains(t, out, "scheduled_consolidation_failed")
	assert.Contains(t, out, `"processed":3`)
	assert.Contains(t, out, "scheduled_cleanup_failed")
	assert.Contains(t, out, "store is closed")
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(&fakeMaintainer{})
	_, err := s.RegisterCleanup("@daily", 0)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, DefaultJobTimeout, orDefault(0))
	assert.Equal(t, DefaultJobTimeout, orDefault(-time.Second))
	assert.Equal(t, time.Second, orDefault(time.Second))
}
