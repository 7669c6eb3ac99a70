package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
)

const topFunctions = 5

// Tracker aggregates tool call lifecycle metrics per session, per function
// and per time window. It satisfies model.Observer so it can be attached to
// the state manager directly.
type Tracker struct {
	mux       sync.RWMutex
	sessions  map[string]*sessionStat
	functions map[string]*functionStat
	events    []model.TransitionEvent

	active atomic.Int64

	retention time.Duration
	maxEvents int
	now       func() time.Time
}

type sessionStat struct {
	metrics model.SessionMetrics
	// terminal transitions feeding AverageDuration
	terminalCount int
	terminalTotal time.Duration
	active        map[string]struct{}
	seen          map[string]struct{}
}

type functionStat struct {
	metrics       model.FunctionMetrics
	durationCount int
	durationTotal time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithConfig applies an env-loaded TrackerConfig.
func WithConfig(cfg model.TrackerConfig) Option {
	return func(t *Tracker) {
		if cfg.Retention > 0 {
			t.retention = cfg.Retention
		}
		if cfg.MaxEvents > 0 {
			t.maxEvents = cfg.MaxEvents
		}
	}
}

// WithMaxEvents caps the transition history kept for period statistics.
func WithMaxEvents(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxEvents = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		sessions:  map[string]*sessionStat{},
		functions: map[string]*functionStat{},
		retention: model.DefaultMetricsRetention,
		maxEvents: model.DefaultMaxTrackedEvents,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC().Round(0)
}

// Retention is the metrics retention window used by periodic cleanup.
func (t *Tracker) Retention() time.Duration {
	return t.retention
}

// OnToolCallCreated implements model.Observer.
func (t *Tracker) OnToolCallCreated(sessionID string, entry model.Entry) {
	t.TrackToolCall(sessionID, entry)
}

// OnStateTransition implements model.Observer.
func (t *Tracker) OnStateTransition(event model.TransitionEvent) {
	t.TrackStateTransition(event)
}

// TrackToolCall records a newly created call.
func (t *Tracker) TrackToolCall(sessionID string, entry model.Entry) {
	now := t.clock()
	fn := entry.ToolCall.FunctionName

	t.mux.Lock()
	defer t.mux.Unlock()

	s := t.ensureSession(sessionID, now)
	if _, seen := s.seen[entry.ID]; seen {
		return
	}
	s.seen[entry.ID] = struct{}{}
	s.metrics.TotalCalls++
	if entry.State.IsTerminal() {
		t.countTerminal(s, entry.State)
	} else {
		s.metrics.PendingCalls++
		s.active[entry.ID] = struct{}{}
		t.active.Add(1)
	}
	if fn != "" {
		s.metrics.FunctionCounts[fn]++
		s.metrics.MostUsedFunction = mostUsed(s.metrics.FunctionCounts)

		f := t.ensureFunction(fn)
		f.metrics.CallCount++
		f.metrics.LastUsed = now
	}
	s.metrics.UpdatedAt = now
}

// TrackStateTransition folds a transition event into the session and
// function aggregates. Only transitions into a terminal state contribute to
// durations and success rates.
func (t *Tracker) TrackStateTransition(event model.TransitionEvent) {
	now := t.clock()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	t.mux.Lock()
	defer t.mux.Unlock()

	s := t.ensureSession(event.SessionID, now)
	s.metrics.UpdatedAt = now
	t.appendEvent(event)

	if !event.ToState.IsTerminal() {
		return
	}
	if _, ok := s.active[event.ToolCallID]; ok {
		delete(s.active, event.ToolCallID)
		t.active.Add(-1)
		if s.metrics.PendingCalls > 0 {
			s.metrics.PendingCalls--
		}
	}
	t.countTerminal(s, event.ToState)
	s.terminalCount++
	s.terminalTotal += event.Duration
	s.metrics.AverageDuration = s.terminalTotal / time.Duration(s.terminalCount)

	if event.FunctionName == "" {
		return
	}
	f := t.ensureFunction(event.FunctionName)
	switch event.ToState {
	case model.StateCompleted:
		f.metrics.SuccessCount++
	case model.StateFailed:
		f.metrics.FailureCount++
	}
	f.durationCount++
	f.durationTotal += event.Duration
	f.metrics.AverageDuration = f.durationTotal / time.Duration(f.durationCount)
	f.metrics.LastUsed = event.Timestamp
}

func (t *Tracker) countTerminal(s *sessionStat, st model.State) {
	switch st {
	case model.StateCompleted:
		s.metrics.CompletedCalls++
	case model.StateFailed:
		s.metrics.FailedCalls++
	case model.StateCancelled:
		s.metrics.CancelledCalls++
	}
	s.metrics.SuccessRate = successRate(s.metrics.CompletedCalls, s.metrics.FailedCalls)
}

func (t *Tracker) appendEvent(event model.TransitionEvent) {
	t.events = append(t.events, event)
	if over := len(t.events) - t.maxEvents; t.maxEvents > 0 && over > 0 {
		t.events = append(t.events[:0:0], t.events[over:]...)
	}
}

func (t *Tracker) ensureSession(sessionID string, now time.Time) *sessionStat {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &sessionStat{
			metrics: model.SessionMetrics{
				SessionID:      sessionID,
				FunctionCounts: map[string]int{},
				CreatedAt:      now,
				UpdatedAt:      now,
			},
			active: map[string]struct{}{},
			seen:   map[string]struct{}{},
		}
		t.sessions[sessionID] = s
	}
	return s
}

func (t *Tracker) ensureFunction(name string) *functionStat {
	f, ok := t.functions[name]
	if !ok {
		f = &functionStat{metrics: model.FunctionMetrics{FunctionName: name}}
		t.functions[name] = f
	}
	return f
}

// GetSessionMetrics returns a copy of the session aggregates, or nil.
func (t *Tracker) GetSessionMetrics(sessionID string) *model.SessionMetrics {
	t.mux.RLock()
	defer t.mux.RUnlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.metrics.Clone()
}

// RestoreSessionMetrics installs previously persisted aggregates, replacing
// whatever the tracker holds for that session. The snapshot restored next to
// them seeds the set of active calls, so recovered PENDING and IN_PROGRESS
// calls are counted again when they finish. Without metrics the aggregates
// are rebuilt from the snapshot alone.
func (t *Tracker) RestoreSessionMetrics(m *model.SessionMetrics, snap *model.Snapshot) {
	if m != nil && snap != nil && m.SessionID != snap.SessionID {
		logx.Warn().
			Str("metrics_session_id", m.SessionID).
			Str("snapshot_session_id", snap.SessionID).
			Msg("ignoring snapshot of another session while restoring metrics")
		snap = nil
	}
	if m == nil && snap != nil {
		m = metricsFromSnapshot(snap)
	}
	if m == nil || m.SessionID == "" {
		return
	}
	restored := m.Clone()
	if restored.FunctionCounts == nil {
		restored.FunctionCounts = map[string]int{}
	}
	terminal := restored.CompletedCalls + restored.FailedCalls + restored.CancelledCalls

	stat := &sessionStat{
		terminalCount: terminal,
		terminalTotal: restored.AverageDuration * time.Duration(terminal),
		active:        map[string]struct{}{},
		seen:          map[string]struct{}{},
	}
	if snap != nil {
		for _, e := range snap.Entries() {
			stat.seen[e.ID] = struct{}{}
			if !e.State.IsTerminal() {
				stat.active[e.ID] = struct{}{}
			}
		}
		restored.PendingCalls = len(stat.active)
	}
	stat.metrics = *restored

	t.mux.Lock()
	defer t.mux.Unlock()
	if prev, ok := t.sessions[m.SessionID]; ok {
		t.active.Add(-int64(len(prev.active)))
	}
	t.active.Add(int64(len(stat.active)))
	t.sessions[m.SessionID] = stat
}

func metricsFromSnapshot(snap *model.Snapshot) *model.SessionMetrics {
	m := &model.SessionMetrics{
		SessionID:      snap.SessionID,
		FunctionCounts: map[string]int{},
		CreatedAt:      snap.CreatedAt,
		UpdatedAt:      snap.UpdatedAt,
	}
	for _, e := range snap.Entries() {
		m.TotalCalls++
		switch e.State {
		case model.StateCompleted:
			m.CompletedCalls++
		case model.StateFailed:
			m.FailedCalls++
		case model.StateCancelled:
			m.CancelledCalls++
		default:
			m.PendingCalls++
		}
		if fn := e.ToolCall.FunctionName; fn != "" {
			m.FunctionCounts[fn]++
		}
	}
	m.SuccessRate = successRate(m.CompletedCalls, m.FailedCalls)
	m.MostUsedFunction = mostUsed(m.FunctionCounts)
	return m
}

// GetFunctionMetrics returns a copy of the per-function aggregates, or nil.
func (t *Tracker) GetFunctionMetrics(name string) *model.FunctionMetrics {
	t.mux.RLock()
	defer t.mux.RUnlock()
	f, ok := t.functions[name]
	if !ok {
		return nil
	}
	out := f.metrics
	return &out
}

// AllFunctionMetrics returns every function aggregate sorted by name.
func (t *Tracker) AllFunctionMetrics() []model.FunctionMetrics {
	t.mux.RLock()
	defer t.mux.RUnlock()
	out := make([]model.FunctionMetrics, 0, len(t.functions))
	for _, f := range t.functions {
		out = append(out, f.metrics)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionName < out[j].FunctionName })
	return out
}

// ActiveCalls is the number of tracked calls not yet in a terminal state.
func (t *Tracker) ActiveCalls() int64 {
	return t.active.Load()
}

// Sessions returns the tracked session ids in ascending order.
func (t *Tracker) Sessions() []string {
	t.mux.RLock()
	defer t.mux.RUnlock()
	keys := make([]string, 0, len(t.sessions))
	for k := range t.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetPeriodStats aggregates transition events with a timestamp in
// [start, end]. A window without events yields a zeroed result.
func (t *Tracker) GetPeriodStats(start, end time.Time) model.PeriodStats {
	stats := model.PeriodStats{Start: start, End: end, TopFunctions: []model.FunctionUsage{}}
	if end.Before(start) {
		return stats
	}

	type callKey struct{ session, call string }
	sessions := map[string]struct{}{}
	calls := map[callKey]struct{}{}
	perFunction := map[string]int{}
	completed, failed := 0, 0

	t.mux.RLock()
	for _, ev := range t.events {
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		sessions[ev.SessionID] = struct{}{}
		key := callKey{ev.SessionID, ev.ToolCallID}
		if _, seen := calls[key]; !seen {
			calls[key] = struct{}{}
			if ev.FunctionName != "" {
				perFunction[ev.FunctionName]++
			}
		}
		switch ev.ToState {
		case model.StateCompleted:
			completed++
		case model.StateFailed:
			failed++
		}
	}
	t.mux.RUnlock()

	if len(calls) == 0 {
		return stats
	}
	stats.TotalSessions = len(sessions)
	stats.TotalCalls = len(calls)
	stats.AverageCallsPerSession = float64(len(calls)) / float64(len(sessions))
	stats.SuccessRate = successRate(completed, failed)
	stats.TopFunctions = rank(perFunction, topFunctions)
	return stats
}

// CleanupOldMetrics drops sessions not updated within maxAge together with
// transition events older than the cutoff. It returns the number of sessions
// removed.
func (t *Tracker) CleanupOldMetrics(maxAge time.Duration) int {
	if maxAge < 0 {
		maxAge = 0
	}
	cutoff := t.clock().Add(-maxAge)

	t.mux.Lock()
	removed := 0
	for id, s := range t.sessions {
		if s.metrics.UpdatedAt.After(cutoff) {
			continue
		}
		t.active.Add(-int64(len(s.active)))
		delete(t.sessions, id)
		removed++
	}
	kept := t.events[:0:0]
	for _, ev := range t.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	t.events = kept
	t.mux.Unlock()

	if removed > 0 {
		logx.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("old session metrics cleaned")
	}
	return removed
}

func successRate(completed, failed int) float64 {
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed)
}

// mostUsed picks the highest count; ties go to the lexically smallest name.
func mostUsed(counts map[string]int) string {
	best, bestCount := "", 0
	for name, n := range counts {
		if n > bestCount || (n == bestCount && name < best) {
			best, bestCount = name, n
		}
	}
	return best
}

func rank(counts map[string]int, limit int) []model.FunctionUsage {
	out := make([]model.FunctionUsage, 0, len(counts))
	for name, n := range counts {
		out = append(out, model.FunctionUsage{FunctionName: name, Calls: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Calls != out[j].Calls {
			return out[i].Calls > out[j].Calls
		}
		return out[i].FunctionName < out[j].FunctionName
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
