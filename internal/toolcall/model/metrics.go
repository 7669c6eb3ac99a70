package model

import "time"

// SessionMetrics aggregates the lifecycle of every call in a session.
type SessionMetrics struct {
	SessionID        string         `json:"session_id"`
	TotalCalls       int            `json:"total_calls"`
	PendingCalls     int            `json:"pending_calls"`
	CompletedCalls   int            `json:"completed_calls"`
	FailedCalls      int            `json:"failed_calls"`
	CancelledCalls   int            `json:"cancelled_calls"`
	AverageDuration  time.Duration  `json:"average_duration"`
	SuccessRate      float64        `json:"success_rate"`
	MostUsedFunction string         `json:"most_used_function,omitempty"`
	FunctionCounts   map[string]int `json:"function_counts,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone deep-copies the metrics.
func (m *SessionMetrics) Clone() *SessionMetrics {
	if m == nil {
		return nil
	}
	out := *m
	if m.FunctionCounts != nil {
		out.FunctionCounts = make(map[string]int, len(m.FunctionCounts))
		for k, v := range m.FunctionCounts {
			out.FunctionCounts[k] = v
		}
	}
	return &out
}

// FunctionMetrics aggregates calls to one function name across sessions.
type FunctionMetrics struct {
	FunctionName    string        `json:"function_name"`
	CallCount       int           `json:"call_count"`
	SuccessCount    int           `json:"success_count"`
	FailureCount    int           `json:"failure_count"`
	AverageDuration time.Duration `json:"average_duration"`
	LastUsed        time.Time     `json:"last_used"`
}

// FunctionUsage is one row of a top-functions ranking.
type FunctionUsage struct {
	FunctionName string `json:"function_name"`
	Calls        int    `json:"calls"`
}

// PeriodStats aggregates transition events inside a time window.
type PeriodStats struct {
	Start                  time.Time       `json:"start"`
	End                    time.Time       `json:"end"`
	TotalSessions          int             `json:"total_sessions"`
	TotalCalls             int             `json:"total_calls"`
	AverageCallsPerSession float64         `json:"average_calls_per_session"`
	SuccessRate            float64         `json:"success_rate"`
	TopFunctions           []FunctionUsage `json:"top_functions"`
}
