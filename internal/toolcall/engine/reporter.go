package engine

import (
	"context"
	"strings"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/processor"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/state"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
)

type sessionKey struct{}

func withSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func sessionFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}

// reporter drives State Manager transitions from processor progress:
// PENDING -> IN_PROGRESS when a call starts, then COMPLETED or FAILED.
type reporter struct {
	states *state.Manager
}

func (r reporter) CallStarted(ctx context.Context, call model.ToolCall, group int) {
	sessionID, ok := sessionFrom(ctx)
	if !ok {
		return
	}
	r.update(ctx, sessionID, model.UpdateRequest{
		ToolCallID: call.ID,
		NewState:   model.StateInProgress,
		Metadata:   model.Metadata{model.MetaGroup: int64(group)},
	})
}

func (r reporter) CallFinished(ctx context.Context, call model.ToolCall, res processor.CallResult) {
	sessionID, ok := sessionFrom(ctx)
	if !ok {
		return
	}
	req := model.UpdateRequest{
		ToolCallID: call.ID,
		NewState:   model.StateCompleted,
		Duration:   res.Elapsed,
		Metadata:   model.Metadata{model.MetaDurationMs: res.Elapsed.Milliseconds()},
	}
	if res.Success {
		req.Result = res.Output
	} else {
		req.NewState = model.StateFailed
		req.Error = strings.Join(res.Errors, "; ")
	}
	r.update(ctx, sessionID, req)
}

func (r reporter) update(ctx context.Context, sessionID string, req model.UpdateRequest) {
	// the run context may already be cancelled; the transition must still land
	if _, err := r.states.UpdateState(context.WithoutCancel(ctx), sessionID, req); err != nil {
		logx.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("tool_call_id", req.ToolCallID).
			Str("to_state", req.NewState.String()).
			Msg("failed to record tool call transition")
	}
}
