package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deal-signal-lab/internal/pipeline"
)

type recordingObserver struct {
	mu       sync.Mutex
	depths   []int
	statuses []string
}

func (o *recordingObserver) SetQueueDepth(n int) {
	o.mu.Lock()
	o.depths = append(o.depths, n)
	o.mu.Unlock()
}

func (o *recordingObserver) RecordJob(status string, _ time.Duration) {
	o.mu.Lock()
	o.statuses = append(o.statuses, status)
	o.mu.Unlock()
}

func (o *recordingObserver) Statuses() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.statuses...)
}

func job(id string) *pipeline.Job {
	return &pipeline.Job{ID: id, SubmittedAt: time.Now()}
}

func roomJob(id, room string) *pipeline.Job {
	j := job(id)
	j.RoomID = &room
	return j
}

func echo(_ context.Context, j *pipeline.Job) (*pipeline.Result, error) {
	return &pipeline.Result{ChunkID: j.ID}, nil
}

func waitResult(t *testing.T, h *Handle) (*pipeline.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestQueueFullBeforeStart(t *testing.T) {
	var mu sync.Mutex
	var order []string
	r := NewRunner(func(ctx context.Context, j *pipeline.Job) (*pipeline.Result, error) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return echo(ctx, j)
	}, Options{MaxSize: 2})

	a, err := r.Submit(job("a"))
	require.NoError(t, err)
	b, err := r.Submit(job("b"))
	require.NoError(t, err)
	_, err = r.Submit(job("c"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, r.Depth())

	r.Start()
	for _, h := range []*Handle{a, b} {
		_, err := waitResult(t, h)
		require.NoError(t, err)
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, []string{"a", "b"}, order, "rejected job leaves queued order intact")
}

func TestJobsRunInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	r := NewRunner(func(ctx context.Context, j *pipeline.Job) (*pipeline.Result, error) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return echo(ctx, j)
	}, Options{MaxSize: 10})

	var handles []*Handle
	for _, id := range []string{"1", "2", "3", "4"} {
		h, err := r.Submit(job(id))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	r.Start()
	for i, h := range handles {
		res, err := waitResult(t, h)
		require.NoError(t, err)
		assert.Equal(t, handles[i].Job.ID, res.ChunkID)
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, []string{"1", "2", "3", "4"}, order)
}

func TestRoomOrderKeptAcrossLanes(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	r := NewRunner(func(ctx context.Context, j *pipeline.Job) (*pipeline.Result, error) {
		mu.Lock()
		seen[j.Room()] = append(seen[j.Room()], j.ID)
		mu.Unlock()
		return echo(ctx, j)
	}, Options{MaxSize: 50, Workers: 4})

	var handles []*Handle
	for i := 0; i < 10; i++ {
		for _, room := range []string{"a", "b", "c"} {
			h, err := r.Submit(roomJob(room+string(rune('0'+i)), room))
			require.NoError(t, err)
			handles = append(handles, h)
		}
	}
	r.Start()
	for _, h := range handles {
		_, err := waitResult(t, h)
		require.NoError(t, err)
	}
	require.NoError(t, r.Close(context.Background()))
	for _, room := range []string{"a", "b", "c"} {
		require.Len(t, seen[room], 10)
		for i, id := range seen[room] {
			assert.Equal(t, room+string(rune('0'+i)), id)
		}
	}
}

func TestWaitTimeoutLeavesJobRunning(t *testing.T) {
	release := make(chan struct{})
	r := NewRunner(func(ctx context.Context, j *pipeline.Job) (*pipeline.Result, error) {
		<-release
		return echo(ctx, j)
	}, Options{MaxSize: 2})
	r.Start()

	h, err := r.Submit(job("slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)

	close(release)
	res, err := waitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, "slow", res.ChunkID)
	require.NoError(t, r.Close(context.Background()))
}

func TestHandleResolvesOnce(t *testing.T) {
	h := newHandle(job("x"))
	assert.True(t, h.resolve(&pipeline.Result{ChunkID: "first"}, nil))
	assert.False(t, h.resolve(nil, errors.New("late")))
	res, err := waitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, "first", res.ChunkID)
}

func TestPanicBecomesJobError(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRunner(func(ctx context.Context, j *pipeline.Job) (*pipeline.Result, error) {
		if j.ID == "boom" {
			panic("kaboom")
		}
		return echo(ctx, j)
	}, Options{MaxSize: 4, Observer: obs})
	r.Start()

	bad, err := r.Submit(job("boom"))
	require.NoError(t, err)
	good, err := r.Submit(job("fine"))
	require.NoError(t, err)

	_, err = waitResult(t, bad)
	var jerr *JobExecutionError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "boom", jerr.JobID)
	assert.Contains(t, err.Error(), "kaboom")

	res, err := waitResult(t, good)
	require.NoError(t, err)
	assert.Equal(t, "fine", res.ChunkID)

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, []string{"failed", "ok"}, obs.Statuses())
}

func TestProcessErrorIsWrapped(t *testing.T) {
	cause := errors.New("whisper down")
	r := NewRunner(func(context.Context, *pipeline.Job) (*pipeline.Result, error) {
		return nil, cause
	}, Options{MaxSize: 1})
	r.Start()
	h, err := r.Submit(job("j"))
	require.NoError(t, err)
	_, err = waitResult(t, h)
	assert.ErrorIs(t, err, cause)
	require.NoError(t, r.Close(context.Background()))
}

func TestTempDirRemovedAfterJob(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audioproc_job")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.webm"), []byte("x"), 0o644))

	r := NewRunner(echo, Options{MaxSize: 1})
	r.Start()
	j := job("j")
	j.TempDir = dir
	h, err := r.Submit(j)
	require.NoError(t, err)
	_, err = waitResult(t, h)
	require.NoError(t, err)
	require.NoError(t, r.Close(context.Background()))

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSubmitAfterClose(t *testing.T) {
	r := NewRunner(echo, Options{MaxSize: 1})
	r.Start()
	require.NoError(t, r.Close(context.Background()))
	_, err := r.Submit(job("late"))
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestCloseWithoutStartResolvesPending(t *testing.T) {
	r := NewRunner(echo, Options{MaxSize: 3})
	h, err := r.Submit(job("never"))
	require.NoError(t, err)
	require.NoError(t, r.Close(context.Background()))
	_, err = waitResult(t, h)
	assert.ErrorIs(t, err, ErrRunnerClosed)
	assert.Zero(t, r.Depth())
}

func TestCloseDeadlineCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	r := NewRunner(func(ctx context.Context, j *pipeline.Job) (*pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{MaxSize: 2})
	r.Start()
	running, err := r.Submit(job("running"))
	require.NoError(t, err)
	waiting, err := r.Submit(job("waiting"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)

	_, err = waitResult(t, running)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = waitResult(t, waiting)
	assert.ErrorIs(t, err, ErrRunnerClosed)
}
