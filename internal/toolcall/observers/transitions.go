package observers

import (
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
)

// TransitionLogger is a model.Observer that writes every lifecycle event to
// the structured log.
type TransitionLogger struct{}

func NewTransitionLogger() TransitionLogger {
	return TransitionLogger{}
}

func (TransitionLogger) OnToolCallCreated(sessionID string, entry model.Entry) {
	logx.Debug().
		Str("session_id", sessionID).
		Str("tool_call_id", entry.ID).
		Str("function", entry.ToolCall.FunctionName).
		Msg("tool call created")
}

func (TransitionLogger) OnStateTransition(event model.TransitionEvent) {
	ev := logx.Info()
	if event.ToState == model.StateFailed {
		ev = logx.Warn()
	}
	ev.Str("session_id", event.SessionID).
		Str("tool_call_id", event.ToolCallID).
		Str("function", event.FunctionName).
		Str("from_state", event.FromState.String()).
		Str("to_state", event.ToState.String()).
		Dur("elapsed", event.Duration).
		Msg("tool call transition")
}
