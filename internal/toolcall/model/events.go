package model

import "time"

// TransitionEvent is emitted by the State Manager after every accepted transition.
type TransitionEvent struct {
	SessionID    string        `json:"session_id"`
	ToolCallID   string        `json:"tool_call_id"`
	FunctionName string        `json:"function_name"`
	FromState    State         `json:"from_state"`
	ToState      State         `json:"to_state"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
	Success      bool          `json:"success"`
}

// Observer receives lifecycle notifications from the State Manager. Calls
// happen after the manager released its lock, with copies of the data.
type Observer interface {
	OnToolCallCreated(sessionID string, entry Entry)
	OnStateTransition(event TransitionEvent)
}
