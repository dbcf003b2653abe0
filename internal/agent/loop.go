package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/clinagent/internal/observability"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// eventBufferSize is the capacity of the channel returned by Run.
const eventBufferSize = 32

// LoopConfig configures the agentic loop behavior including the turn budget,
// token budget, and timeouts.
type LoopConfig struct {
	// MaxIterations is the turn budget: the number of model responses that
	// may request tools within one Run.
	// Default: 10
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// ModelTimeout bounds one model round trip, from request to final chunk.
	// Default: 120s
	ModelTimeout time.Duration

	// ToolTimeout bounds one tool dispatch.
	// Default: 60s
	ToolTimeout time.Duration

	// HistoryLimit is the number of stored messages loaded into context.
	// Default: 50
	HistoryLimit int

	// DefaultModel is sent on every request. Empty lets the provider choose.
	DefaultModel string

	// SystemPrompt is sent on every request.
	SystemPrompt string
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations: 10,
		MaxTokens:     4096,
		ModelTimeout:  120 * time.Second,
		ToolTimeout:   60 * time.Second,
		HistoryLimit:  50,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = defaults.ModelTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	return &cfg
}

// LoopOption customises an AgenticLoop.
type LoopOption func(*AgenticLoop)

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *AgenticLoop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records loop, model, and tool metrics.
func WithMetrics(metrics *observability.Metrics) LoopOption {
	return func(l *AgenticLoop) { l.metrics = metrics }
}

// WithTracer emits spans for runs, model round trips, and tool dispatches.
func WithTracer(tracer *observability.Tracer) LoopOption {
	return func(l *AgenticLoop) { l.tracer = tracer }
}

// AgenticLoop drives one conversation turn at a time: it alternates model
// round trips and tool dispatches until the model answers without requesting
// a tool, the turn budget runs out, or an error ends the run.
//
//	init ──▶ awaiting_model ──▶ executing_tool ──┐
//	              ▲                              │
//	              └──────────────────────────────┘
//	              │ (no tool calls)
//	              ▼
//	          emitting ──▶ terminal
type AgenticLoop struct {
	provider LLMProvider
	registry *ToolRegistry
	sessions sessions.Store
	config   *LoopConfig
	locks    *sessionLocks

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewAgenticLoop creates a loop. A nil registry means no tools; a nil store
// keeps history in memory.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *LoopConfig, opts ...LoopOption) *AgenticLoop {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if store == nil {
		store = sessions.NewMemoryStore()
	}
	l := &AgenticLoop{
		provider: provider,
		registry: registry,
		sessions: store,
		config:   sanitizeLoopConfig(config),
		locks:    newSessionLocks(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent_loop")
	return l
}

// Config returns a copy of the effective configuration.
func (l *AgenticLoop) Config() LoopConfig {
	return *l.config
}

// Registry returns the loop's tool registry.
func (l *AgenticLoop) Registry() *ToolRegistry {
	return l.registry
}

// Run processes one user utterance for session and streams the resulting
// events. The channel always ends with exactly one Done or Error event,
// unless ctx is cancelled, in which case it is closed without a terminal
// event. Runs for the same session are serialised.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, utterance string) (<-chan models.StreamEvent, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil || session.ID == "" {
		return nil, errors.New("session is required")
	}
	if utterance == "" {
		return nil, errors.New("utterance is required")
	}

	events := make(chan models.StreamEvent, eventBufferSize)
	go func() {
		defer close(events)

		ctx := observability.AddSessionID(ctx, session.ID)
		unlock, err := l.locks.acquire(ctx, session.ID)
		if err != nil {
			l.logger.DebugContext(ctx, "run abandoned while waiting for session", "session_id", session.ID)
			return
		}

		ctx, span := l.tracer.TraceAgentRun(ctx, session.ID)
		defer span.End()

		l.metrics.RunStarted()
		run := &loopRun{
			loop:    l,
			session: session,
			ctx:     ctx,
			out:     events,
			phase:   PhaseInit,
		}
		outcome := run.execute(utterance)
		l.metrics.RunFinished(outcome)
		if outcome != "done" && outcome != "cancelled" {
			l.tracer.RecordError(span, errors.New(outcome))
		}

		// An abandoned tool still counts as the session's outstanding
		// invocation, so the next run waits for it.
		if run.inflight != nil {
			go func(inflight <-chan struct{}) {
				<-inflight
				unlock()
			}(run.inflight)
			return
		}
		unlock()
	}()
	return events, nil
}

// loopRun is the state of a single Run.
type loopRun struct {
	loop    *AgenticLoop
	session *models.Session
	ctx     context.Context
	out     chan<- models.StreamEvent

	phase     LoopPhase
	iteration int
	seq       int
	messages  []CompletionMessage

	// inflight is set when a tool dispatch was abandoned and closes when
	// that tool returns.
	inflight <-chan struct{}
}

// emit sends ev unless the caller has gone away. It reports whether the
// event was delivered.
func (r *loopRun) emit(ev models.StreamEvent) bool {
	if r.ctx.Err() != nil {
		return false
	}
	r.seq++
	ev.Sequence = r.seq
	ev.SessionID = r.session.ID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// execute runs the state machine and returns the outcome label.
func (r *loopRun) execute(utterance string) string {
	err := r.loop.runStates(r, utterance)
	r.phase = PhaseTerminal
	switch {
	case err == nil:
		r.emit(models.Done())
		return "done"
	case errors.Is(err, ErrStreamCancelled) || r.ctx.Err() != nil:
		r.loop.logger.InfoContext(r.ctx, "run cancelled by caller",
			"session_id", r.session.ID,
			"iteration", r.iteration)
		return "cancelled"
	}

	var loopErr *LoopError
	if !errors.As(err, &loopErr) {
		loopErr = &LoopError{Phase: r.phase, Iteration: r.iteration, Reason: ReasonFor(err), Cause: err}
	}
	r.loop.logger.WarnContext(r.ctx, "run failed",
		"session_id", r.session.ID,
		"phase", loopErr.Phase,
		"iteration", loopErr.Iteration,
		"reason", loopErr.Reason,
		"error", err)
	r.emit(loopErr.Event())
	return loopErr.Reason
}

func (l *AgenticLoop) runStates(r *loopRun, utterance string) error {
	if err := l.initialize(r, utterance); err != nil {
		return err
	}

	tools := l.registry.Tools()
	rounds := 0
	for {
		if r.ctx.Err() != nil {
			return ErrStreamCancelled
		}

		r.phase = PhaseAwaitingModel
		text, calls, err := l.awaitModel(r, tools)
		if err != nil {
			return err
		}

		if len(calls) == 0 {
			r.phase = PhaseEmitting
			return l.persist(r, &models.Message{Role: models.RoleAssistant, Direction: models.DirectionOutbound, Content: text})
		}

		if rounds >= l.config.MaxIterations {
			return &LoopError{
				Phase:     PhaseExecutingTool,
				Iteration: r.iteration,
				Reason:    models.ReasonTurnBudgetExceeded,
				Message:   fmt.Sprintf("model requested tools after %d round trips", rounds),
				Cause:     ErrTurnBudgetExceeded,
			}
		}
		rounds++

		if err := l.persist(r, &models.Message{
			Role:      models.RoleAssistant,
			Direction: models.DirectionOutbound,
			Content:   text,
			ToolCalls: calls,
		}); err != nil {
			return err
		}
		r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleAssistant), Content: text, ToolCalls: calls})

		r.phase = PhaseExecutingTool
		results, err := l.executeTools(r, calls)
		if len(results) > 0 {
			if perr := l.persist(r, &models.Message{
				Role:        models.RoleTool,
				Direction:   models.DirectionInbound,
				ToolResults: results,
			}); perr != nil && err == nil {
				err = perr
			}
			r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleTool), ToolResults: results})
		}
		if err != nil {
			return err
		}
		r.iteration++
	}
}

// initialize loads history and records the user's utterance. A session the
// store has never seen is created first.
func (l *AgenticLoop) initialize(r *loopRun, utterance string) error {
	if r.ctx.Err() != nil {
		return ErrStreamCancelled
	}
	if err := l.ensureSession(r); err != nil {
		return err
	}
	history, err := l.sessions.GetHistory(r.ctx, r.session.ID, l.config.HistoryLimit)
	if err != nil && !errors.Is(err, sessions.ErrNotFound) {
		return &LoopError{Phase: PhaseInit, Reason: models.ReasonInternal, Message: "load history", Cause: err}
	}
	r.messages = make([]CompletionMessage, 0, len(history)+1)
	for _, msg := range trimDanglingToolCalls(history) {
		r.messages = append(r.messages, completionMessage(msg))
	}

	if err := l.persist(r, &models.Message{
		Role:      models.RoleUser,
		Direction: models.DirectionInbound,
		Content:   utterance,
	}); err != nil {
		return err
	}
	r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleUser), Content: utterance})
	return nil
}

func (l *AgenticLoop) ensureSession(r *loopRun) error {
	_, err := l.sessions.Get(r.ctx, r.session.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return &LoopError{Phase: PhaseInit, Reason: models.ReasonInternal, Message: "load session", Cause: err}
	}
	created := *r.session
	if err := l.sessions.Create(context.WithoutCancel(r.ctx), &created); err != nil {
		return &LoopError{Phase: PhaseInit, Reason: models.ReasonInternal, Message: "create session", Cause: err}
	}
	return nil
}

// awaitModel performs one model round trip. Text is held back until the
// response ends: a response that requests tools never reaches the caller as
// text, so tool events always precede the answer. A text-only response is
// then forwarded fragment by fragment, in arrival order.
func (l *AgenticLoop) awaitModel(r *loopRun, tools []Tool) (string, []models.ToolCall, error) {
	req := &CompletionRequest{
		Model:     l.config.DefaultModel,
		System:    l.config.SystemPrompt,
		Messages:  r.messages,
		MaxTokens: l.config.MaxTokens,
	}
	if l.provider.SupportsTools() {
		req.Tools = tools
	}

	mctx, cancel := context.WithTimeout(r.ctx, l.config.ModelTimeout)
	defer cancel()
	mctx, span := l.tracer.TraceLLMRequest(mctx, l.provider.Name(), req.Model, r.iteration)
	defer span.End()

	start := time.Now()
	var (
		text         []byte
		fragments    []string
		calls        []models.ToolCall
		inputTokens  int
		outputTokens int
	)
	record := func(status string) {
		l.metrics.RecordLLMRequest(l.provider.Name(), req.Model, status, time.Since(start).Seconds(), inputTokens, outputTokens)
	}
	finish := func() (string, []models.ToolCall, error) {
		record("success")
		if len(calls) == 0 {
			for _, fragment := range fragments {
				if !r.emit(models.TextFragment(fragment)) {
					return "", nil, ErrStreamCancelled
				}
			}
		}
		return string(text), calls, nil
	}

	chunks, err := l.provider.Complete(mctx, req)
	if err != nil {
		record("error")
		l.tracer.RecordError(span, err)
		return "", nil, r.modelError(mctx, err)
	}

	for {
		select {
		case <-mctx.Done():
			record("error")
			return "", nil, r.modelError(mctx, mctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				if mctx.Err() != nil {
					record("error")
					return "", nil, r.modelError(mctx, mctx.Err())
				}
				return finish()
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				record("error")
				l.tracer.RecordError(span, chunk.Error)
				return "", nil, r.modelError(mctx, chunk.Error)
			}
			if chunk.Text != "" {
				text = append(text, chunk.Text...)
				fragments = append(fragments, chunk.Text)
			}
			if chunk.ToolCall != nil {
				call := *chunk.ToolCall
				if call.ID == "" {
					call.ID = "call_" + uuid.NewString()
				}
				calls = append(calls, call)
			}
			if chunk.InputTokens > 0 {
				inputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				outputTokens = chunk.OutputTokens
			}
			if chunk.Done {
				return finish()
			}
		}
	}
}

// modelError classifies a failed round trip. A caller cancellation wins over
// everything else; an expired round-trip deadline is a timeout.
func (r *loopRun) modelError(mctx context.Context, err error) error {
	if r.ctx.Err() != nil {
		return ErrStreamCancelled
	}
	if errors.Is(mctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &LoopError{
			Phase:     PhaseAwaitingModel,
			Iteration: r.iteration,
			Reason:    models.ReasonTimeout,
			Message:   fmt.Sprintf("model did not respond within %s", r.loop.config.ModelTimeout),
			Cause:     ErrTimeout,
		}
	}
	return &LoopError{
		Phase:     PhaseAwaitingModel,
		Iteration: r.iteration,
		Reason:    models.ReasonModelTransport,
		Message:   err.Error(),
		Cause:     err,
	}
}

// executeTools dispatches calls sequentially in the order the model returned
// them. Results gathered before a terminal error are still returned so they
// can be persisted.
func (l *AgenticLoop) executeTools(r *loopRun, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if !r.emit(models.ToolSelected(call)) {
			return results, ErrStreamCancelled
		}

		res, inflight, err := l.executeTool(r.ctx, call)
		if inflight != nil {
			r.inflight = inflight
		}
		if err != nil {
			return results, r.toolError(call, err)
		}

		if !r.emit(models.ToolResultEvent(call.Name, call.ID, res.Success, res.Payload)) {
			results = append(results, toolMessage(call, res))
			return results, ErrStreamCancelled
		}
		results = append(results, toolMessage(call, res))
	}
	return results, nil
}

func (r *loopRun) toolError(call models.ToolCall, err error) error {
	switch {
	case errors.Is(err, ErrStreamCancelled):
		return err
	case errors.Is(err, ErrUnknownTool):
		return &LoopError{
			Phase:     PhaseExecutingTool,
			Iteration: r.iteration,
			Reason:    models.ReasonUnknownTool,
			Message:   fmt.Sprintf("model selected unregistered tool %q", call.Name),
			Cause:     err,
		}
	case errors.Is(err, ErrTimeout):
		return &LoopError{
			Phase:     PhaseExecutingTool,
			Iteration: r.iteration,
			Reason:    models.ReasonTimeout,
			Message:   fmt.Sprintf("tool %s did not finish within %s", call.Name, r.loop.config.ToolTimeout),
			Cause:     err,
		}
	}
	return &LoopError{Phase: PhaseExecutingTool, Iteration: r.iteration, Reason: models.ReasonInternal, Cause: err}
}

// persist stamps and appends a message to the session history.
func (l *AgenticLoop) persist(r *loopRun, msg *models.Message) error {
	msg.ID = uuid.NewString()
	msg.SessionID = r.session.ID
	msg.Channel = r.session.Channel
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Persisted history must survive a caller that hangs up mid-run.
	ctx := context.WithoutCancel(r.ctx)
	if err := l.sessions.AppendMessage(ctx, r.session.ID, msg); err != nil {
		return &LoopError{Phase: r.phase, Iteration: r.iteration, Reason: models.ReasonInternal, Message: "persist message", Cause: err}
	}
	return nil
}

func toolMessage(call models.ToolCall, res ToolResult) models.ToolResult {
	return models.ToolResult{ToolCallID: call.ID, Content: res.Content(), IsError: !res.Success}
}

func completionMessage(msg *models.Message) CompletionMessage {
	return CompletionMessage{
		Role:        string(msg.Role),
		Content:     msg.Content,
		ToolCalls:   msg.ToolCalls,
		ToolResults: msg.ToolResults,
	}
}

// trimDanglingToolCalls drops a trailing assistant tool request whose results
// were never stored, which happens when a previous run was cancelled or
// failed mid-dispatch. Providers reject such histories.
func trimDanglingToolCalls(history []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(history))
	for i, msg := range history {
		if msg == nil {
			continue
		}
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			next := i + 1
			if next >= len(history) || history[next] == nil || len(history[next].ToolResults) < len(msg.ToolCalls) {
				if msg.Content != "" {
					out = append(out, &models.Message{Role: msg.Role, Content: msg.Content})
				}
				continue
			}
		}
		if msg.Role == models.RoleTool && len(out) > 0 && len(out[len(out)-1].ToolCalls) == 0 {
			continue
		}
		if msg.Role == models.RoleTool && len(out) == 0 {
			continue
		}
		out = append(out, msg)
	}
	return out
}
