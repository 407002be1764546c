// Package queue runs submitted chunk jobs on a bounded queue. With one
// worker every job runs in global submission order; with more workers
// jobs are spread over lanes by room so each room keeps its order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/deal-signal-lab/internal/docstore"
	"github.com/deal-signal-lab/internal/logging"
	"github.com/deal-signal-lab/internal/pipeline"
)

var (
	ErrQueueFull    = errors.New("queue full")
	ErrTimeout      = errors.New("timed out waiting for job result")
	ErrRunnerClosed = errors.New("runner closed")
)

// JobExecutionError wraps any failure of a single job, panics included.
type JobExecutionError struct {
	JobID string
	Err   error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// ProcessFunc executes one job.
type ProcessFunc func(ctx context.Context, job *pipeline.Job) (*pipeline.Result, error)

// Observer receives queue events for metrics.
type Observer interface {
	SetQueueDepth(n int)
	RecordJob(status string, d time.Duration)
}

type Options struct {
	MaxSize  int
	Workers  int
	Observer Observer
}

// Handle is the caller side of a submitted job. It is resolved exactly
// once.
type Handle struct {
	Job  *pipeline.Job
	done chan struct{}
	once sync.Once
	res  *pipeline.Result
	err  error
}

func newHandle(job *pipeline.Job) *Handle {
	return &Handle{Job: job, done: make(chan struct{})}
}

// resolve reports whether this call set the outcome.
func (h *Handle) resolve(res *pipeline.Result, err error) bool {
	set := false
	h.once.Do(func() {
		h.res, h.err = res, err
		close(h.done)
		set = true
	})
	return set
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx ends. A deadline returns
// ErrTimeout; the job itself keeps running.
func (h *Handle) Wait(ctx context.Context) (*pipeline.Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

type task struct {
	job    *pipeline.Job
	handle *Handle
}

type Runner struct {
	process  ProcessFunc
	maxSize  int
	lanes    []chan *task
	observer Observer

	mu      sync.Mutex
	pending int
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(process ProcessFunc, opts Options) *Runner {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 200
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	lanes := make([]chan *task, opts.Workers)
	for i := range lanes {
		lanes[i] = make(chan *task, opts.MaxSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		process:  process,
		maxSize:  opts.MaxSize,
		lanes:    lanes,
		observer: opts.Observer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers. Jobs submitted before Start wait in the
// queue.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for i, lane := range r.lanes {
		r.wg.Add(1)
		go r.worker(i, lane)
	}
	logging.Infow("queue: workers started", "workers", len(r.lanes), "max_size", r.maxSize)
}

// Submit enqueues job without blocking. It fails with ErrQueueFull when
// MaxSize jobs are already waiting.
func (r *Runner) Submit(job *pipeline.Job) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRunnerClosed
	}
	if r.pending >= r.maxSize {
		logging.Warnw("queue: queue full, rejecting job", "job.id", job.ID, "depth", r.pending)
		return nil, ErrQueueFull
	}
	t := &task{job: job, handle: newHandle(job)}
	select {
	case r.laneFor(job) <- t:
	default:
		return nil, ErrQueueFull
	}
	r.pending++
	r.reportDepth()
	return t.handle, nil
}

// Depth is the number of jobs waiting to start.
func (r *Runner) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *Runner) laneFor(job *pipeline.Job) chan *task {
	if len(r.lanes) == 1 {
		return r.lanes[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(docstore.RoomID(job.Room())))
	return r.lanes[h.Sum32()%uint32(len(r.lanes))]
}

func (r *Runner) reportDepth() {
	if r.observer != nil {
		r.observer.SetQueueDepth(r.pending)
	}
}

func (r *Runner) worker(id int, lane chan *task) {
	defer r.wg.Done()
	for t := range lane {
		r.mu.Lock()
		r.pending--
		r.reportDepth()
		r.mu.Unlock()

		if r.ctx.Err() != nil {
			r.abandon(t)
			continue
		}
		r.run(id, t)
	}
}

func (r *Runner) run(worker int, t *task) {
	started := time.Now()
	ctx := logging.WithFields(r.ctx, logging.JobFields(t.job.ID, t.job.Room(), t.job.Seq)...)

	res, err := r.execute(ctx, t.job)
	cleanup(ctx, t.job)
	status := "ok"
	if err != nil {
		status = "failed"
		logging.ErrorwCtx(ctx, "queue: job failed", "worker", worker, "err", err)
	}
	t.handle.resolve(res, err)
	if r.observer != nil {
		r.observer.RecordJob(status, time.Since(started))
	}
	logging.DebugwCtx(ctx, "queue: job finished", "worker", worker, "status", status,
		"wait_ms", started.Sub(t.job.SubmittedAt).Milliseconds(), "run_ms", time.Since(started).Milliseconds())
}

// execute converts errors and panics into JobExecutionError so one bad
// job never stops its worker.
func (r *Runner) execute(ctx context.Context, job *pipeline.Job) (res *pipeline.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, &JobExecutionError{JobID: job.ID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	res, err = r.process(ctx, job)
	if err != nil {
		return nil, &JobExecutionError{JobID: job.ID, Err: err}
	}
	return res, nil
}

func (r *Runner) abandon(t *task) {
	cleanup(r.ctx, t.job)
	t.handle.resolve(nil, ErrRunnerClosed)
	if r.observer != nil {
		r.observer.RecordJob("abandoned", 0)
	}
}

func cleanup(ctx context.Context, job *pipeline.Job) {
	if job.TempDir == "" {
		return
	}
	if err := os.RemoveAll(job.TempDir); err != nil {
		logging.WarnwCtx(ctx, "queue: failed to remove job dir", "dir", job.TempDir, "err", err)
	}
}

// Close stops accepting jobs and lets the workers drain the queue. When
// ctx ends first, running jobs are cancelled and jobs that have not
// started are resolved with ErrRunnerClosed.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	for _, lane := range r.lanes {
		close(lane)
	}
	r.mu.Unlock()

	if !started {
		r.cancel()
		for _, lane := range r.lanes {
			for t := range lane {
				r.mu.Lock()
				r.pending--
				r.mu.Unlock()
				r.abandon(t)
			}
		}
		return nil
	}

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-drained
		return ctx.Err()
	}
}
