package engine

import (
	"context"
	"strings"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/coordinator"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/persistence"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/processor"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/resources"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/state"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/tracker"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/tool"
)

// Config holds everything needed to build the five components.
type Config struct {
	State       model.StateConfig
	Tracker     model.TrackerConfig
	Persistence model.PersistenceConfig
	Coordinator model.CoordinatorConfig
	Processor   model.ProcessorConfig
}

// Engine wires the State Manager, State Tracker, State Persistence, Call
// Coordinator and Parallel Processor together: a batch is coordinated,
// registered, executed and checkpointed in one Run.
type Engine struct {
	states      *state.Manager
	tracker     *tracker.Tracker
	persistence *persistence.Persistence
	coordinator *coordinator.Coordinator
	processor   *processor.Processor
	tools       []tool.BaseTool
}

type options struct {
	observers []model.Observer
	handlers  []einocb.Handler
	extractor resources.Extractor
	clock     func() time.Time
}

type Option func(*options)

// WithObserver adds a State Manager observer next to the tracker.
func WithObserver(o model.Observer) Option {
	return func(opts *options) {
		opts.observers = append(opts.observers, o)
	}
}

// WithCallbacks attaches eino callback handlers to tool invocations.
func WithCallbacks(handlers ...einocb.Handler) Option {
	return func(opts *options) {
		opts.handlers = append(opts.handlers, handlers...)
	}
}

// WithExtractor replaces the resource extractor shared by coordinator and processor.
func WithExtractor(e resources.Extractor) Option {
	return func(opts *options) {
		opts.extractor = e
	}
}

// WithClock replaces time.Now in the state-keeping components.
func WithClock(now func() time.Time) Option {
	return func(opts *options) {
		opts.clock = now
	}
}

func New(store model.StateStore, tools []tool.BaseTool, cfg Config, opts ...Option) *Engine {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{tools: tools}
	e.tracker = tracker.New(tracker.WithConfig(cfg.Tracker), tracker.WithClock(o.clock))

	stateOpts := []state.Option{state.WithConfig(cfg.State), state.WithObserver(e.tracker), state.WithClock(o.clock)}
	for _, obs := range o.observers {
		stateOpts = append(stateOpts, state.WithObserver(obs))
	}
	e.states = state.New(stateOpts...)

	e.persistence = persistence.New(store, persistence.WithConfig(cfg.Persistence), persistence.WithClock(o.clock))
	e.coordinator = coordinator.New(coordinator.WithConfig(cfg.Coordinator), coordinator.WithExtractor(o.extractor))
	e.processor = processor.New(
		processor.WithConfig(cfg.Processor),
		processor.WithExtractor(e.coordinator.Extractor()),
		processor.WithReporter(reporter{states: e.states}),
		processor.WithCallbacks(o.handlers...),
	)
	return e
}

func (e *Engine) States() *state.Manager { return e.states }

func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

func (e *Engine) Persistence() *persistence.Persistence { return e.persistence }

func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coordinator }

func (e *Engine) Processor() *processor.Processor { return e.processor }

// RunResult is the outcome of one Run.
type RunResult struct {
	Success      bool                   `json:"success"`
	SessionID    string                 `json:"session_id"`
	Turn         int                    `json:"turn"`
	Coordination coordinator.Result     `json:"coordination"`
	Processing   processor.Result       `json:"processing"`
	Metrics      *model.SessionMetrics  `json:"metrics,omitempty"`
	Checkpoint   persistence.SaveResult `json:"checkpoint"`
	Errors       []string               `json:"errors,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Elapsed      time.Duration          `json:"elapsed"`
}

// Run coordinates calls, registers them as PENDING entries, executes them
// and checkpoints the session. Batch-level failures (invalid batch, ids
// already known to the session) happen before any entry is created. Per-call
// failures only show up in Processing; a failed checkpoint is returned as a
// storage error alongside the otherwise complete result.
func (e *Engine) Run(ctx context.Context, sessionID string, calls []model.ToolCall) (RunResult, error) {
	start := time.Now()
	res := RunResult{SessionID: sessionID}
	fail := func(err error) (RunResult, error) {
		res.Errors = append(res.Errors, err.Error())
		res.Elapsed = time.Since(start)
		logx.Warn().Err(err).Str("session_id", sessionID).Msg("tool call run failed")
		return res, err
	}

	if strings.TrimSpace(sessionID) == "" {
		return fail(errx.InvalidArgument("session id is required"))
	}
	coord, err := e.coordinator.CoordinateToolCalls(ctx, sessionID, calls)
	res.Coordination = coord
	if err != nil {
		return fail(err)
	}
	if err := e.ensureNew(ctx, sessionID, calls); err != nil {
		return fail(err)
	}

	turn, err := e.states.NextTurn(ctx, sessionID)
	if err != nil {
		return fail(err)
	}
	res.Turn = turn

	batchIndex := make(map[string]int64, len(calls))
	for i, call := range calls {
		batchIndex[call.ID] = int64(i)
	}
	for order, call := range coord.CoordinatedCalls {
		md := model.Metadata{
			model.MetaBatchIndex: batchIndex[call.ID],
			model.MetaOrderIndex: int64(order),
		}
		if _, err := e.states.CreateToolCall(ctx, sessionID, call, md); err != nil {
			return fail(err)
		}
	}

	proc, err := e.processor.ProcessInParallel(withSession(ctx, sessionID), coord.CoordinatedCalls, e.tools,
		processor.WithDependencies(coord.Dependencies),
		processor.WithSessionID(sessionID),
	)
	res.Processing = proc
	if err != nil {
		return fail(err)
	}
	res.Warnings = coord.Warnings
	res.Metrics = e.tracker.GetSessionMetrics(sessionID)

	saved, err := e.Checkpoint(ctx, sessionID)
	res.Checkpoint = saved
	if err != nil {
		return fail(err)
	}

	res.Success = proc.Success
	res.Elapsed = time.Since(start)
	logx.Info().
		Str("session_id", sessionID).
		Int("turn", turn).
		Int("calls", proc.ProcessedCalls).
		Int("failed", proc.FailedCalls).
		Dur("elapsed", res.Elapsed).
		Msg("tool call run finished")
	return res, nil
}

func (e *Engine) ensureNew(ctx context.Context, sessionID string, calls []model.ToolCall) error {
	existing, err := e.states.GetAll(ctx, sessionID)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(existing))
	for _, entry := range existing {
		known[entry.ID] = struct{}{}
	}
	for _, call := range calls {
		if _, ok := known[call.ID]; ok {
			return errx.Conflict("tool call %q already exists in session %q", call.ID, sessionID)
		}
	}
	return nil
}

// Checkpoint persists the current snapshot and metrics of the session.
func (e *Engine) Checkpoint(ctx context.Context, sessionID string) (persistence.SaveResult, error) {
	snap, err := e.states.GetSnapshot(ctx, sessionID)
	if err != nil {
		return persistence.SaveResult{SessionID: sessionID, Errors: []string{err.Error()}}, err
	}
	if snap == nil {
		err := errx.NotFound("session %q not found", sessionID)
		return persistence.SaveResult{SessionID: sessionID, Errors: []string{err.Error()}}, err
	}
	return e.persistence.SaveSessionState(ctx, sessionID, snap, e.tracker.GetSessionMetrics(sessionID))
}

// Backup checkpoints the session and stores a backup of it.
func (e *Engine) Backup(ctx context.Context, sessionID string) (persistence.BackupResult, error) {
	if _, err := e.Checkpoint(ctx, sessionID); err != nil {
		return persistence.BackupResult{Errors: []string{err.Error()}}, err
	}
	return e.persistence.BackupSessionState(ctx, sessionID)
}

// Restore rolls the session back to a backup, both in storage and in memory.
// Restored entries are tagged with the backup id.
func (e *Engine) Restore(ctx context.Context, sessionID string, opts model.RestoreOptions) (persistence.RestoreResult, error) {
	res, err := e.persistence.RestoreSessionState(ctx, sessionID, opts)
	if err != nil {
		return res, err
	}
	snap := tagRestored(res.Snapshot, res.BackupID)
	if err := e.states.RestoreSnapshot(ctx, snap); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	e.tracker.RestoreSessionMetrics(res.Metrics, snap)
	return res, nil
}

// Recover loads the last checkpoint of a session into memory, typically after
// a restart.
func (e *Engine) Recover(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	snap, metrics, err := e.persistence.LoadSessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errx.NotFound("no persisted state for session %q", sessionID)
	}
	if err := e.states.RestoreSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	e.tracker.RestoreSessionMetrics(metrics, snap)
	logx.Info().Str("session_id", sessionID).Int("entries", snap.TotalCalls).Msg("session recovered")
	return snap, nil
}

// CleanupReport gathers the three expiry sweeps.
type CleanupReport struct {
	States         model.CleanupResult       `json:"states"`
	MetricsRemoved int                       `json:"metrics_removed"`
	Persistence    persistence.CleanupResult `json:"persistence"`
}

// Cleanup expires in-memory entries older than maxAge, tracker metrics past
// their retention and persisted states past the configured maximum age.
func (e *Engine) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupReport, error) {
	var report CleanupReport
	states, err := e.states.CleanupExpired(ctx, maxAge)
	report.States = states
	if err != nil {
		return report, err
	}
	report.MetricsRemoved = e.tracker.CleanupOldMetrics(e.tracker.Retention())
	persisted, err := e.persistence.CleanupExpiredStates(ctx, e.persistence.MaxStateAge())
	report.Persistence = persisted
	return report, err
}

func tagRestored(snap *model.Snapshot, backupID string) *model.Snapshot {
	out := snap.Clone()
	tag := func(entries []model.Entry) {
		for i := range entries {
			entries[i].Metadata = entries[i].Metadata.Merge(model.Metadata{model.MetaRestoredFrom: backupID})
		}
	}
	tag(out.PendingCalls)
	tag(out.CompletedCalls)
	return out
}
