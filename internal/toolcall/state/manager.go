package state

import (
	"context"
	"slices"
	"strings"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	"github.com/mohae/deepcopy"
)

// Manager owns the tool call entries of every session and enforces the
// lifecycle state machine. It is the single source of truth for the state of
// a call. All methods are safe for concurrent use and return copies.
type Manager struct {
	lock      *opLock
	sessions  map[string]*session
	observers []model.Observer
	timeout   time.Duration
	now       func() time.Time
	seq       uint64
}

type session struct {
	id        string
	turn      int
	records   map[string]*record
	createdAt time.Time
	updatedAt time.Time
}

type record struct {
	entry model.Entry
	seq   uint64
}

// ClearResult reports the outcome of ClearSession.
type ClearResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Removed   int    `json:"removed"`
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		lock:     newOpLock(),
		sessions: make(map[string]*session),
		timeout:  model.DefaultStateOperationTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clock() time.Time {
	return m.now().UTC().Round(0)
}

func (m *Manager) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) acquire(ctx context.Context, op string, write bool) (func(), error) {
	ctx, cancel := m.budget(ctx)
	defer cancel()
	if write {
		if err := m.lock.lock(ctx); err != nil {
			return nil, errx.Timeout("%s exceeded its %s budget", op, m.timeout)
		}
		return m.lock.unlock, nil
	}
	if err := m.lock.rlock(ctx); err != nil {
		return nil, errx.Timeout("%s exceeded its %s budget", op, m.timeout)
	}
	return m.lock.runlock, nil
}

// CreateToolCall registers a new PENDING entry for call in sessionID. The
// session is created on first use. Duplicate ids within a session are
// rejected with a Conflict error.
func (m *Manager) CreateToolCall(ctx context.Context, sessionID string, call model.ToolCall, metadata model.Metadata) (model.Entry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return model.Entry{}, errx.InvalidArgument("session id is required")
	}
	if strings.TrimSpace(call.ID) == "" {
		return model.Entry{}, errx.InvalidArgument("tool call id is required")
	}

	release, err := m.acquire(ctx, "create tool call", true)
	if err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Str("tool_call_id", call.ID).Msg("create tool call timed out")
		return model.Entry{}, err
	}

	now := m.clock()
	s := m.sessionLocked(sessionID, now)
	if _, exists := s.records[call.ID]; exists {
		release()
		return model.Entry{}, errx.Conflict("tool call %q already exists in session %q", call.ID, sessionID)
	}

	m.seq++
	entry := model.Entry{
		ID:        call.ID,
		ToolCall:  call,
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata.Clone(),
	}
	s.records[call.ID] = &record{entry: entry, seq: m.seq}
	s.updatedAt = now
	out := entry.Clone()
	release()

	logx.Debug().
		Str("session_id", sessionID).
		Str("tool_call_id", call.ID).
		Str("function", call.FunctionName).
		Msg("tool call created")

	for _, o := range m.observers {
		o.OnToolCallCreated(sessionID, out.Clone())
	}
	return out, nil
}

// UpdateState moves a call to req.NewState. Illegal transitions leave the
// entry untouched and return an InvalidTransition error.
func (m *Manager) UpdateState(ctx context.Context, sessionID string, req model.UpdateRequest) (model.UpdateResult, error) {
	start := time.Now()
	result := model.UpdateResult{ToolCallID: req.ToolCallID, NewState: req.NewState}
	fail := func(err error) (model.UpdateResult, error) {
		result.Elapsed = time.Since(start)
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	if strings.TrimSpace(sessionID) == "" {
		return fail(errx.InvalidArgument("session id is required"))
	}
	if strings.TrimSpace(req.ToolCallID) == "" {
		return fail(errx.InvalidArgument("tool call id is required"))
	}

	release, err := m.acquire(ctx, "update state", true)
	if err != nil {
		return fail(err)
	}

	s, ok := m.sessions[sessionID]
	if !ok {
		release()
		return fail(errx.NotFound("session %q not found", sessionID))
	}
	rec, ok := s.records[req.ToolCallID]
	if !ok {
		release()
		return fail(errx.NotFound("tool call %q not found in session %q", req.ToolCallID, sessionID))
	}

	from := rec.entry.State
	result.PreviousState = from
	if err := model.ValidateTransition(from, req.NewState); err != nil {
		release()
		logx.Warn().
			Str("session_id", sessionID).
			Str("tool_call_id", req.ToolCallID).
			Str("from_state", from.String()).
			Str("to_state", req.NewState.String()).
			Msg("rejected invalid state transition")
		return fail(err)
	}

	now := m.clock()
	prevUpdated := rec.entry.UpdatedAt
	entry := rec.entry.Clone()
	entry.State = req.NewState
	entry.UpdatedAt = now
	if len(req.Metadata) > 0 {
		entry.Metadata = entry.Metadata.Merge(req.Metadata)
	}
	if req.Result != nil {
		entry.Result = deepcopy.Copy(req.Result)
	}
	if req.Error != "" {
		entry.Error = req.Error
	}

	duration := req.Duration
	if req.NewState.IsTerminal() {
		completed := now
		entry.CompletedAt = &completed
		if duration <= 0 {
			duration = now.Sub(entry.CreatedAt)
		}
	} else if duration <= 0 {
		duration = now.Sub(prevUpdated)
	}

	rec.entry = entry
	s.updatedAt = now
	event := model.TransitionEvent{
		SessionID:    sessionID,
		ToolCallID:   req.ToolCallID,
		FunctionName: entry.ToolCall.FunctionName,
		FromState:    from,
		ToState:      req.NewState,
		Duration:     duration,
		Timestamp:    now,
		Success:      req.NewState != model.StateFailed,
	}
	release()

	logx.Debug().
		Str("session_id", sessionID).
		Str("tool_call_id", req.ToolCallID).
		Str("from_state", from.String()).
		Str("to_state", req.NewState.String()).
		Dur("duration", duration).
		Msg("tool call transitioned")

	for _, o := range m.observers {
		o.OnStateTransition(event)
	}

	result.Success = true
	result.Elapsed = time.Since(start)
	return result, nil
}

// GetState returns a copy of one entry.
func (m *Manager) GetState(ctx context.Context, sessionID, toolCallID string) (model.Entry, error) {
	release, err := m.acquire(ctx, "get state", false)
	if err != nil {
		return model.Entry{}, err
	}
	defer release()

	s, ok := m.sessions[sessionID]
	if !ok {
		return model.Entry{}, errx.NotFound("session %q not found", sessionID)
	}
	rec, ok := s.records[toolCallID]
	if !ok {
		return model.Entry{}, errx.NotFound("tool call %q not found in session %q", toolCallID, sessionID)
	}
	return rec.entry.Clone(), nil
}

// GetPending returns PENDING and IN_PROGRESS entries ordered by creation.
func (m *Manager) GetPending(ctx context.Context, sessionID string) ([]model.Entry, error) {
	return m.filter(ctx, sessionID, "get pending", model.State.IsActive)
}

// GetCompleted returns terminal entries ordered by creation.
func (m *Manager) GetCompleted(ctx context.Context, sessionID string) ([]model.Entry, error) {
	return m.filter(ctx, sessionID, "get completed", model.State.IsTerminal)
}

// GetAll returns every entry of the session ordered by creation.
func (m *Manager) GetAll(ctx context.Context, sessionID string) ([]model.Entry, error) {
	return m.filter(ctx, sessionID, "get all", func(model.State) bool { return true })
}

func (m *Manager) filter(ctx context.Context, sessionID, op string, keep func(model.State) bool) ([]model.Entry, error) {
	release, err := m.acquire(ctx, op, false)
	if err != nil {
		return nil, err
	}
	defer release()

	s, ok := m.sessions[sessionID]
	if !ok {
		return []model.Entry{}, nil
	}
	return s.entries(keep), nil
}

// GetSnapshot returns a point-in-time view of the session, or nil when the
// session is unknown.
func (m *Manager) GetSnapshot(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	release, err := m.acquire(ctx, "get snapshot", false)
	if err != nil {
		return nil, err
	}
	defer release()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &model.Snapshot{
		SessionID:        s.id,
		ConversationTurn: s.turn,
		PendingCalls:     s.entries(model.State.IsActive),
		CompletedCalls:   s.entries(model.State.IsTerminal),
		TotalCalls:       len(s.records),
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}, nil
}

// NextTurn advances the conversation turn counter of the session.
func (m *Manager) NextTurn(ctx context.Context, sessionID string) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, errx.InvalidArgument("session id is required")
	}
	release, err := m.acquire(ctx, "next turn", true)
	if err != nil {
		return 0, err
	}
	defer release()

	now := m.clock()
	s := m.sessionLocked(sessionID, now)
	s.turn++
	s.updatedAt = now
	return s.turn, nil
}

// CleanupExpired removes terminal entries completed at least maxAge ago.
// Active entries are never removed. Sessions left empty and idle for maxAge
// are dropped as well.
func (m *Manager) CleanupExpired(ctx context.Context, maxAge time.Duration) (model.CleanupResult, error) {
	start := time.Now()
	if maxAge < 0 {
		err := errx.InvalidArgument("max age must not be negative")
		return model.CleanupResult{Errors: []string{err.Error()}, Elapsed: time.Since(start)}, err
	}

	release, err := m.acquire(ctx, "cleanup expired", true)
	if err != nil {
		return model.CleanupResult{Errors: []string{err.Error()}, Elapsed: time.Since(start)}, err
	}

	cutoff := m.clock().Add(-maxAge)
	var res model.CleanupResult
	for id, s := range m.sessions {
		for callID, rec := range s.records {
			e := rec.entry
			if !e.State.IsTerminal() || e.CompletedAt == nil || e.CompletedAt.After(cutoff) {
				continue
			}
			res.BytesFreed += e.EstimatedSize()
			res.Cleaned++
			delete(s.records, callID)
		}
		if len(s.records) == 0 && !s.updatedAt.After(cutoff) {
			delete(m.sessions, id)
			continue
		}
		res.Remaining += len(s.records)
	}
	release()

	res.Success = true
	res.Elapsed = time.Since(start)
	if res.Cleaned > 0 {
		logx.Info().
			Int("cleaned", res.Cleaned).
			Int("remaining", res.Remaining).
			Int64("bytes_freed", res.BytesFreed).
			Msg("expired tool call states cleaned")
	}
	return res, nil
}

// ClearSession drops a session and all its entries. It always succeeds for
// unknown sessions; only a lock timeout produces an error.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) (ClearResult, error) {
	res := ClearResult{SessionID: sessionID}
	release, err := m.acquire(ctx, "clear session", true)
	if err != nil {
		return res, err
	}
	if s, ok := m.sessions[sessionID]; ok {
		res.Removed = len(s.records)
		delete(m.sessions, sessionID)
	}
	release()

	res.Success = true
	logx.Debug().Str("session_id", sessionID).Int("removed", res.Removed).Msg("session cleared")
	return res, nil
}

// RestoreSnapshot replaces the session with the entries of snap. Entries
// keep their states; completedAt is normalised so it is set exactly for
// terminal entries. Observers are not notified.
func (m *Manager) RestoreSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap == nil {
		return errx.InvalidArgument("snapshot is required")
	}
	if strings.TrimSpace(snap.SessionID) == "" {
		return errx.InvalidArgument("snapshot session id is required")
	}

	entries := snap.Clone().Entries()
	seen := make(map[string]struct{}, len(entries))
	for i := range entries {
		e := &entries[i]
		if strings.TrimSpace(e.ID) == "" {
			return errx.InvalidArgument("snapshot entry %d has no id", i)
		}
		if _, dup := seen[e.ID]; dup {
			return errx.Conflict("snapshot contains duplicate tool call %q", e.ID)
		}
		seen[e.ID] = struct{}{}
		if !e.State.Valid() {
			return errx.InvalidArgument("snapshot entry %q has unknown state %q", e.ID, e.State)
		}
		if e.State.IsTerminal() && e.CompletedAt == nil {
			completed := e.UpdatedAt
			e.CompletedAt = &completed
		}
		if !e.State.IsTerminal() {
			e.CompletedAt = nil
		}
	}
	slices.SortStableFunc(entries, func(a, b model.Entry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	release, err := m.acquire(ctx, "restore snapshot", true)
	if err != nil {
		return err
	}
	defer release()

	now := m.clock()
	s := &session{
		id:        snap.SessionID,
		turn:      snap.ConversationTurn,
		records:   make(map[string]*record, len(entries)),
		createdAt: snap.CreatedAt,
		updatedAt: snap.UpdatedAt,
	}
	if s.createdAt.IsZero() {
		s.createdAt = now
	}
	if s.updatedAt.IsZero() {
		s.updatedAt = now
	}
	for _, e := range entries {
		m.seq++
		s.records[e.ID] = &record{entry: e, seq: m.seq}
	}
	m.sessions[snap.SessionID] = s

	logx.Info().Str("session_id", snap.SessionID).Int("entries", len(entries)).Msg("session restored from snapshot")
	return nil
}

// Sessions lists known session ids in ascending order.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	release, err := m.acquire(ctx, "list sessions", false)
	if err != nil {
		return nil, err
	}
	defer release()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *Manager) sessionLocked(sessionID string, now time.Time) *session {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{
			id:        sessionID,
			records:   make(map[string]*record),
			createdAt: now,
			updatedAt: now,
		}
		m.sessions[sessionID] = s
	}
	return s
}

// entries returns copies of the matching entries ordered by creation time,
// ties broken by insertion order.
func (s *session) entries(keep func(model.State) bool) []model.Entry {
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		if keep(r.entry.State) {
			recs = append(recs, r)
		}
	}
	slices.SortFunc(recs, func(a, b *record) int {
		if c := a.entry.CreatedAt.Compare(b.entry.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]model.Entry, len(recs))
	for i, r := range recs {
		out[i] = r.entry.Clone()
	}
	return out
}
