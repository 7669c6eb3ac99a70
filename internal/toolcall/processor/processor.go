package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/resources"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/tool"
	"golang.org/x/sync/errgroup"
)

// Reporter is told when each call starts and finishes. Calls arrive from
// several goroutines at once.
type Reporter interface {
	CallStarted(ctx context.Context, call model.ToolCall, group int)
	CallFinished(ctx context.Context, call model.ToolCall, result CallResult)
}

// Processor executes a batch of tool calls against eino tools with a
// concurrency ceiling, isolating every per-call failure.
type Processor struct {
	maxBatchSize   int
	maxConcurrency int
	callTimeout    time.Duration
	extractor      resources.Extractor
	reporter       Reporter
	handlers       []einocb.Handler

	mu    sync.Mutex
	stats Stats
}

type Option func(*Processor)

// WithConfig applies an env-loaded ProcessorConfig.
func WithConfig(cfg model.ProcessorConfig) Option {
	return func(p *Processor) {
		if cfg.MaxBatchSize > 0 {
			p.maxBatchSize = cfg.MaxBatchSize
		}
		if cfg.MaxConcurrency > 0 {
			p.maxConcurrency = cfg.MaxConcurrency
		}
		if cfg.CallTimeout > 0 {
			p.callTimeout = cfg.CallTimeout
		}
	}
}

func WithMaxBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxBatchSize = n
		}
	}
}

// WithMaxConcurrency caps the number of calls in flight at once.
func WithMaxConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxConcurrency = n
		}
	}
}

// WithCallTimeout bounds a single call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.callTimeout = d
	}
}

// WithExtractor sets the resource extractor used for conflict and group
// detection. Share the coordinator's extractor so both agree.
func WithExtractor(e resources.Extractor) Option {
	return func(p *Processor) {
		if e != nil {
			p.extractor = e
		}
	}
}

func WithReporter(r Reporter) Option {
	return func(p *Processor) {
		p.reporter = r
	}
}

// WithCallbacks attaches eino callback handlers to every tool invocation.
func WithCallbacks(handlers ...einocb.Handler) Option {
	return func(p *Processor) {
		p.handlers = append(p.handlers, handlers...)
	}
}

func New(opts ...Option) *Processor {
	p := &Processor{
		maxBatchSize:   model.DefaultMaxBatchSize,
		maxConcurrency: model.DefaultMaxConcurrency,
		callTimeout:    model.DefaultCallTimeout,
		extractor:      resources.NewPathExtractor(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.extractor = resources.Safe(p.extractor)
	return p
}

// RunOption tunes a single ProcessInParallel call.
type RunOption func(*runOptions)

type runOptions struct {
	sessionID    string
	dependencies map[string][]string
}

// WithDependencies supplies prerequisite ids per call id, usually the
// coordinator's Dependencies. A call never starts before its prerequisites
// that appear earlier in the batch have finished.
func WithDependencies(deps map[string][]string) RunOption {
	return func(o *runOptions) {
		o.dependencies = deps
	}
}

// WithSessionID tags log lines with the owning session.
func WithSessionID(id string) RunOption {
	return func(o *runOptions) {
		o.sessionID = id
	}
}

// CallResult is the outcome of one call.
type CallResult struct {
	ToolCallID   string        `json:"tool_call_id"`
	FunctionName string        `json:"function_name"`
	Success      bool          `json:"success"`
	Output       string        `json:"output,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	Group        int           `json:"group"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Result aggregates a batch. Results follow the input order.
type Result struct {
	Success               bool          `json:"success"`
	ProcessedCalls        int           `json:"processed_calls"`
	SuccessfulCalls       int           `json:"successful_calls"`
	FailedCalls           int           `json:"failed_calls"`
	Groups                int           `json:"groups"`
	Results               []CallResult  `json:"results"`
	TotalProcessingTime   time.Duration `json:"total_processing_time"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	Errors                []string      `json:"errors,omitempty"`
}

// CanProcessInParallel reports whether the batch is safe to run fully
// concurrently: non-empty, within the batch ceiling and free of write/write
// conflicts.
func (p *Processor) CanProcessInParallel(calls []model.ToolCall) bool {
	if len(calls) == 0 || len(calls) > p.maxBatchSize {
		return false
	}
	refs := make([][]resources.Reference, len(calls))
	for i, call := range calls {
		refs[i] = p.extractor.Extract(call)
		for j := 0; j < i; j++ {
			if resources.Conflicts(refs[i], refs[j]) {
				return false
			}
		}
	}
	return true
}

// ProcessInParallel executes every call. Only an empty or oversized batch
// fails as a whole; unknown tools, tool errors, panics and timeouts fail the
// affected call and leave its siblings running.
func (p *Processor) ProcessInParallel(ctx context.Context, calls []model.ToolCall, tools []tool.BaseTool, opts ...RunOption) (Result, error) {
	start := time.Now()
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	if len(calls) == 0 {
		err := errx.InvalidArgument("batch must contain at least one tool call")
		return Result{Errors: []string{err.Error()}, TotalProcessingTime: time.Since(start)}, err
	}
	if len(calls) > p.maxBatchSize {
		err := errx.InvalidArgument("batch of %d tool calls exceeds the maximum of %d", len(calls), p.maxBatchSize)
		return Result{Errors: []string{err.Error()}, TotalProcessingTime: time.Since(start)}, err
	}

	registry := p.index(ctx, tools)
	groups := p.plan(calls, ro.dependencies)

	results := make([]CallResult, len(calls))
	var inflight, peak atomic.Int64
	for g, members := range groups {
		var eg errgroup.Group
		eg.SetLimit(p.maxConcurrency)
		for _, i := range members {
			eg.Go(func() error {
				n := inflight.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				defer inflight.Add(-1)
				results[i] = p.run(ctx, calls[i], registry, g)
				return nil
			})
		}
		_ = eg.Wait()
	}

	res := Result{
		ProcessedCalls: len(calls),
		Groups:         len(groups),
		Results:        results,
	}
	var callTime time.Duration
	for _, r := range results {
		callTime += r.Elapsed
		if r.Success {
			res.SuccessfulCalls++
		} else {
			res.FailedCalls++
		}
	}
	res.Success = res.FailedCalls == 0
	res.TotalProcessingTime = time.Since(start)
	res.AverageProcessingTime = callTime / time.Duration(len(calls))

	p.record(res, callTime, int(peak.Load()))
	logx.Info().
		Str("session_id", ro.sessionID).
		Int("processed", res.ProcessedCalls).
		Int("failed", res.FailedCalls).
		Int("groups", res.Groups).
		Dur("elapsed", res.TotalProcessingTime).
		Msg("tool call batch processed")
	return res, nil
}

func (p *Processor) index(ctx context.Context, tools []tool.BaseTool) map[string]tool.BaseTool {
	out := make(map[string]tool.BaseTool, len(tools))
	for _, t := range tools {
		if t == nil {
			continue
		}
		info, err := t.Info(ctx)
		if err != nil || info == nil {
			logx.Warn().Err(err).Msg("skipping tool without usable info")
			continue
		}
		out[info.Name] = t
	}
	return out
}

type outcome struct {
	output string
	err    error
}

func (p *Processor) run(ctx context.Context, call model.ToolCall, registry map[string]tool.BaseTool, group int) (res CallResult) {
	res = CallResult{
		ToolCallID:   call.ID,
		FunctionName: call.FunctionName,
		Group:        group,
		StartedAt:    time.Now(),
	}
	if p.reporter != nil {
		p.reporter.CallStarted(ctx, call, group)
	}
	defer func() {
		res.Elapsed = time.Since(res.StartedAt)
		if p.reporter != nil {
			p.reporter.CallFinished(ctx, call, res)
		}
	}()

	t, ok := registry[call.FunctionName]
	if !ok {
		res.Errors = []string{fmt.Sprintf("Tool '%s' not found", call.FunctionName)}
		return res
	}
	if err := ctx.Err(); err != nil {
		res.TimedOut = true
		res.Errors = []string{errx.FromContext(err, "tool call "+call.ID).Error()}
		return res
	}
	invokable, ok := t.(tool.InvokableTool)
	if !ok {
		// a definition without an executor only needs to exist
		res.Success = true
		return res
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.callTimeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool '%s' panicked: %v", call.FunctionName, r)}
			}
		}()
		out, err := p.invoke(callCtx, invokable, call)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			res.Errors = []string{o.err.Error()}
			logx.Warn().Err(o.err).Str("tool_call_id", call.ID).Str("function", call.FunctionName).Msg("tool call failed")
			return res
		}
		res.Success = true
		res.Output = o.output
	case <-callCtx.Done():
		res.TimedOut = true
		res.Errors = []string{errx.Timeout("Tool '%s' exceeded its %s budget", call.FunctionName, p.callTimeout).Error()}
		logx.Warn().Str("tool_call_id", call.ID).Str("function", call.FunctionName).Msg("tool call abandoned after timeout")
	}
	return res
}

// invoke runs the tool, firing eino callbacks unless the tool already does.
func (p *Processor) invoke(ctx context.Context, t tool.InvokableTool, call model.ToolCall) (string, error) {
	if len(p.handlers) == 0 || components.IsCallbacksEnabled(t) {
		return t.InvokableRun(ctx, call.Arguments)
	}
	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      call.FunctionName,
		Component: components.ComponentOfTool,
	}, p.handlers...)
	ctx = einocb.OnStart(ctx, &tool.CallbackInput{ArgumentsInJSON: call.Arguments})
	out, err := t.InvokableRun(ctx, call.Arguments)
	if err != nil {
		einocb.OnError(ctx, err)
		return "", err
	}
	einocb.OnEnd(ctx, &tool.CallbackOutput{Response: out})
	return out, nil
}
