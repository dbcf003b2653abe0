package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/clinagent/internal/observability"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// DefaultTimeout bounds a job when RunnerConfig.Timeout is unset.
const DefaultTimeout = 120 * time.Second

// Reasons recorded on failed jobs that did not end with a loop error event.
const (
	ReasonCancelled = "cancelled"
	ReasonShutdown  = "shutdown"
)

var (
	// ErrEmptyQuery is returned by Submit for a blank query.
	ErrEmptyQuery = errors.New("query is required")
	// ErrRunnerClosed is returned by Submit after Shutdown.
	ErrRunnerClosed = errors.New("job runner is shut down")
)

// Loop is the part of the agent loop the runner drives.
type Loop interface {
	Run(ctx context.Context, session *models.Session, utterance string) (<-chan models.StreamEvent, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Timeout time.Duration
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics counts finished jobs by status.
func WithMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// Runner executes submitted queries in the background and records their
// progress in a Store.
type Runner struct {
	loop     Loop
	sessions sessions.Store
	store    Store
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

var (
	errJobCancelled = errors.New("job cancelled")
	errShutdown     = errors.New("server shutting down")
)

// NewRunner creates a Runner.
func NewRunner(loop Loop, sessionStore sessions.Store, store Store, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		loop:       loop,
		sessions:   sessionStore,
		store:      store,
		timeout:    timeout,
		logger:     slog.Default(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		cancels:    make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit records a queued job and starts it. An empty sessionKey gives the
// job a session of its own.
func (r *Runner) Submit(ctx context.Context, sessionKey, query string) (*Job, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	job := &Job{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		Query:      query,
		Status:     StatusQueued,
		CreatedAt:  time.Now(),
	}
	if job.SessionKey == "" {
		job.SessionKey = sessions.SessionKey(models.ChannelJob, job.ID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if err := r.store.Create(ctx, job); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("create job: %w", err)
	}
	runCtx, cancelCause := context.WithCancelCause(observability.AddJobID(r.baseCtx, job.ID))
	r.cancels[job.ID] = cancelCause
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, job.ID)
			r.mu.Unlock()
			cancelCause(nil)
		}()
		r.run(runCtx, cloneJob(job))
	}()

	r.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "session_key", job.SessionKey)
	return cloneJob(job), nil
}

// Get returns a job by ID, or nil if it does not exist.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

// Cancel stops a running job. It reports whether a running job was found.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel(errJobCancelled)
	}
	return ok
}

// Shutdown stops accepting jobs, cancels the running ones and waits for
// them to record their final state or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.cancels {
		cancel(errShutdown)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancelBase()
		return nil
	case <-ctx.Done():
		r.cancelBase()
		return ctx.Err()
	}
}

// StartPruner removes jobs older than retention on schedule, a standard
// cron expression or a descriptor such as "@every 1h", until ctx is
// cancelled.
func (r *Runner) StartPruner(ctx context.Context, schedule string, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	_, err := c.AddFunc(schedule, func() {
		n, err := r.store.Prune(ctx, retention)
		if err != nil {
			r.logger.WarnContext(ctx, "job prune failed", "error", err)
			return
		}
		if n > 0 {
			r.logger.InfoContext(ctx, "pruned jobs", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("prune schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	job.Status = StatusRunning
	job.StartedAt = time.Now()
	r.save(ctx, job)

	session, err := r.sessions.GetOrCreate(ctx, job.SessionKey, models.ChannelJob)
	if err != nil {
		r.finish(ctx, job, models.ReasonInternal, fmt.Sprintf("load session: %v", err))
		return
	}
	job.SessionID = session.ID

	events, err := r.loop.Run(ctx, session, job.Query)
	if err != nil {
		r.finish(ctx, job, models.ReasonInternal, err.Error())
		return
	}

	var answer strings.Builder
	for ev := range events {
		switch ev.Type {
		case models.StreamEventText:
			answer.WriteString(ev.Text)
		case models.StreamEventToolSelected, models.StreamEventToolResult:
			job.Events = append(job.Events, ev)
		case models.StreamEventDone:
			job.Answer = answer.String()
			r.finish(ctx, job, "", "")
			return
		case models.StreamEventError:
			job.Answer = answer.String()
			r.finish(ctx, job, ev.Reason, ev.Error)
			return
		}
	}

	// The loop closes its channel without a terminal event only when ctx
	// ends first.
	job.Answer = answer.String()
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, context.DeadlineExceeded):
		r.finish(ctx, job, models.ReasonTimeout, fmt.Sprintf("job exceeded %s", r.timeout))
	case errors.Is(cause, errShutdown):
		r.finish(ctx, job, ReasonShutdown, cause.Error())
	default:
		r.finish(ctx, job, ReasonCancelled, errJobCancelled.Error())
	}
}

// finish records the terminal state. An empty reason means success.
func (r *Runner) finish(ctx context.Context, job *Job, reason, message string) {
	job.FinishedAt = time.Now()
	if reason == "" {
		job.Status = StatusSucceeded
	} else {
		job.Status = StatusFailed
		job.Reason = reason
		job.Error = message
	}
	r.metrics.RecordJob(string(job.Status))
	r.save(ctx, job)

	attrs := []any{
		"job_id", job.ID,
		"status", job.Status,
		"duration_ms", job.FinishedAt.Sub(job.StartedAt).Milliseconds(),
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason, "error", message)
		r.logger.WarnContext(ctx, "job failed", attrs...)
		return
	}
	r.logger.InfoContext(ctx, "job finished", attrs...)
}

// save persists job on a context detached from the job's deadline so the
// final state is written even after a timeout.
func (r *Runner) save(ctx context.Context, job *Job) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.Update(saveCtx, job); err != nil {
		r.logger.ErrorContext(ctx, "failed to save job", "job_id", job.ID, "error", err)
	}
}
