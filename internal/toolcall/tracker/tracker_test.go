package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/state"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logx.Disable()
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func entry(id, fn string) model.Entry {
	return model.Entry{ID: id, ToolCall: model.ToolCall{ID: id, FunctionName: fn}, State: model.StatePending}
}

func transition(sid, id, fn string, from, to model.State, d time.Duration, at time.Time) model.TransitionEvent {
	return model.TransitionEvent{
		SessionID: sid, ToolCallID: id, FunctionName: fn,
		FromState: from, ToState: to, Duration: d, Timestamp: at,
		Success: to != model.StateFailed,
	}
}

func TestSessionMetricsScenario(t *testing.T) {
	ctx := context.Background()
	tr := New()
	mgr := state.New(state.WithObserver(tr), state.WithOperationTimeout(time.Second))

	_, err := mgr.CreateToolCall(ctx, "s1", model.ToolCall{ID: "A", FunctionName: "read_file"}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tr.ActiveCalls())

	_, err = mgr.UpdateState(ctx, "s1", model.UpdateRequest{ToolCallID: "A", NewState: model.StateInProgress})
	require.NoError(t, err)
	_, err = mgr.UpdateState(ctx, "s1", model.UpdateRequest{
		ToolCallID: "A", NewState: model.StateCompleted, Duration: 1500 * time.Millisecond,
	})
	require.NoError(t, err)

	m := tr.GetSessionMetrics("s1")
	require.NotNil(t, m)
	assert.Equal(t, 1, m.TotalCalls)
	assert.Equal(t, 1, m.CompletedCalls)
	assert.Equal(t, 0, m.PendingCalls)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Equal(t, 1500*time.Millisecond, m.AverageDuration)
	assert.Equal(t, "read_file", m.MostUsedFunction)
	assert.EqualValues(t, 0, tr.ActiveCalls())

	f := tr.GetFunctionMetrics("read_file")
	require.NotNil(t, f)
	assert.Equal(t, 1, f.CallCount)
	assert.Equal(t, 1, f.SuccessCount)
	assert.Equal(t, 1500*time.Millisecond, f.AverageDuration)
}

func TestSessionMetrics_RatesAndMostUsed(t *testing.T) {
	tr := New(WithClock(func() time.Time { return epoch }))

	tr.TrackToolCall("s", entry("a", "read_file"))
	tr.TrackToolCall("s", entry("b", "write_file"))
	tr.TrackToolCall("s", entry("c", "write_file"))
	tr.TrackToolCall("s", entry("d", "list_directory"))

	m := tr.GetSessionMetrics("s")
	require.NotNil(t, m)
	assert.Equal(t, 0.0, m.SuccessRate)
	assert.Equal(t, "write_file", m.MostUsedFunction)
	assert.Equal(t, 4, m.PendingCalls)

	tr.TrackStateTransition(transition("s", "a", "read_file", model.StatePending, model.StateInProgress, time.Second, epoch))
	tr.TrackStateTransition(transition("s", "a", "read_file", model.StateInProgress, model.StateCompleted, 2*time.Second, epoch))
	tr.TrackStateTransition(transition("s", "b", "write_file", model.StateInProgress, model.StateFailed, 4*time.Second, epoch))
	tr.TrackStateTransition(transition("s", "c", "write_file", model.StatePending, model.StateCancelled, 0, epoch))

	m = tr.GetSessionMetrics("s")
	assert.Equal(t, 4, m.TotalCalls)
	assert.Equal(t, 1, m.PendingCalls)
	assert.Equal(t, 1, m.CompletedCalls)
	assert.Equal(t, 1, m.FailedCalls)
	assert.Equal(t, 1, m.CancelledCalls)
	assert.Equal(t, 0.5, m.SuccessRate)
	assert.Equal(t, 2*time.Second, m.AverageDuration)
	assert.EqualValues(t, 1, tr.ActiveCalls())

	w := tr.GetFunctionMetrics("write_file")
	require.NotNil(t, w)
	assert.Equal(t, 2, w.CallCount)
	assert.Equal(t, 0, w.SuccessCount)
	assert.Equal(t, 1, w.FailureCount)
	assert.Equal(t, 2*time.Second, w.AverageDuration)

	names := []string{}
	for _, f := range tr.AllFunctionMetrics() {
		names = append(names, f.FunctionName)
	}
	assert.Equal(t, []string{"list_directory", "read_file", "write_file"}, names)
	assert.Nil(t, tr.GetSessionMetrics("unknown"))
	assert.Nil(t, tr.GetFunctionMetrics("unknown"))
}

func TestGetSessionMetrics_ReturnsCopy(t *testing.T) {
	tr := New()
	tr.TrackToolCall("s", entry("a", "read_file"))

	m := tr.GetSessionMetrics("s")
	m.FunctionCounts["read_file"] = 99
	m.TotalCalls = 99

	again := tr.GetSessionMetrics("s")
	assert.Equal(t, 1, again.TotalCalls)
	assert.Equal(t, 1, again.FunctionCounts["read_file"])
}

func TestGetPeriodStats(t *testing.T) {
	tr := New()
	at := func(m int) time.Time { return epoch.Add(time.Duration(m) * time.Minute) }

	tr.TrackStateTransition(transition("s1", "a", "read_file", model.StatePending, model.StateInProgress, 0, at(0)))
	tr.TrackStateTransition(transition("s1", "a", "read_file", model.StateInProgress, model.StateCompleted, 0, at(1)))
	tr.TrackStateTransition(transition("s1", "b", "write_file", model.StatePending, model.StateInProgress, 0, at(2)))
	tr.TrackStateTransition(transition("s1", "b", "write_file", model.StateInProgress, model.StateFailed, 0, at(3)))
	tr.TrackStateTransition(transition("s2", "a", "read_file", model.StatePending, model.StateInProgress, 0, at(4)))
	tr.TrackStateTransition(transition("s2", "a", "read_file", model.StateInProgress, model.StateCompleted, 0, at(5)))
	tr.TrackStateTransition(transition("s3", "z", "delete_file", model.StatePending, model.StateCancelled, 0, at(30)))

	stats := tr.GetPeriodStats(at(0), at(5))
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 3, stats.TotalCalls)
	assert.Equal(t, 1.5, stats.AverageCallsPerSession)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	assert.Equal(t, []model.FunctionUsage{
		{FunctionName: "read_file", Calls: 2},
		{FunctionName: "write_file", Calls: 1},
	}, stats.TopFunctions)

	// both bounds are inclusive
	stats = tr.GetPeriodStats(at(30), at(30))
	assert.Equal(t, 1, stats.TotalCalls)
	assert.Equal(t, 0.0, stats.SuccessRate)
}

func TestGetPeriodStats_EmptyWindow(t *testing.T) {
	tr := New()
	tr.TrackStateTransition(transition("s", "a", "read_file", model.StatePending, model.StateInProgress, 0, epoch))

	stats := tr.GetPeriodStats(epoch.Add(time.Hour), epoch.Add(2*time.Hour))
	assert.Zero(t, stats.TotalSessions)
	assert.Zero(t, stats.TotalCalls)
	assert.Zero(t, stats.AverageCallsPerSession)
	assert.Zero(t, stats.SuccessRate)
	assert.Empty(t, stats.TopFunctions)

	stats = tr.GetPeriodStats(epoch.Add(time.Hour), epoch)
	assert.Zero(t, stats.TotalCalls)
}

func TestGetPeriodStats_TopFunctionsLimit(t *testing.T) {
	tr := New()
	for i := 0; i < 7; i++ {
		fn := fmt.Sprintf("fn_%d", i)
		for j := 0; j <= i; j++ {
			tr.TrackStateTransition(transition("s", fmt.Sprintf("%s_%d", fn, j), fn, model.StatePending, model.StateInProgress, 0, epoch))
		}
	}
	stats := tr.GetPeriodStats(epoch, epoch)
	require.Len(t, stats.TopFunctions, 5)
	assert.Equal(t, "fn_6", stats.TopFunctions[0].FunctionName)
	assert.Equal(t, 7, stats.TopFunctions[0].Calls)
	assert.Equal(t, "fn_2", stats.TopFunctions[4].FunctionName)
}

func TestMaxEvents(t *testing.T) {
	tr := New(WithMaxEvents(2))
	for i := 0; i < 5; i++ {
		tr.TrackStateTransition(transition("s", fmt.Sprintf("c%d", i), "read_file", model.StatePending, model.StateInProgress, 0, epoch.Add(time.Duration(i)*time.Second)))
	}
	stats := tr.GetPeriodStats(epoch, epoch.Add(time.Minute))
	assert.Equal(t, 2, stats.TotalCalls)
}

func TestCleanupOldMetrics(t *testing.T) {
	var mu sync.Mutex
	now := epoch
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	tr := New(WithClock(clock))

	tr.TrackToolCall("old", entry("a", "read_file"))
	tr.TrackStateTransition(transition("old", "x", "read_file", model.StatePending, model.StateInProgress, 0, epoch))
	advance(2 * time.Hour)
	tr.TrackToolCall("fresh", entry("b", "read_file"))
	assert.EqualValues(t, 2, tr.ActiveCalls())

	removed := tr.CleanupOldMetrics(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Nil(t, tr.GetSessionMetrics("old"))
	assert.NotNil(t, tr.GetSessionMetrics("fresh"))
	assert.EqualValues(t, 1, tr.ActiveCalls())
	assert.Zero(t, tr.GetPeriodStats(epoch, epoch).TotalCalls)
	assert.Equal(t, []string{"fresh"}, tr.Sessions())

	assert.Zero(t, tr.CleanupOldMetrics(time.Hour))
}

func TestRestoreSessionMetrics(t *testing.T) {
	tr := New()
	tr.RestoreSessionMetrics(&model.SessionMetrics{
		SessionID:       "s",
		TotalCalls:      2,
		CompletedCalls:  2,
		AverageDuration: time.Second,
		SuccessRate:     1,
	}, nil)
	tr.TrackToolCall("s", entry("c", "read_file"))
	tr.TrackStateTransition(transition("s", "c", "read_file", model.StateInProgress, model.StateCompleted, 4*time.Second, epoch))

	m := tr.GetSessionMetrics("s")
	require.NotNil(t, m)
	assert.Equal(t, 3, m.TotalCalls)
	assert.Equal(t, 3, m.CompletedCalls)
	assert.Equal(t, 2*time.Second, m.AverageDuration)

	tr.RestoreSessionMetrics(nil, nil)
	assert.Equal(t, []string{"s"}, tr.Sessions())
}

func restoredSnapshot() *model.Snapshot {
	running := entry("q", "write_file")
	running.State = model.StateInProgress
	done := entry("done", "read_file")
	done.State = model.StateCompleted
	return &model.Snapshot{
		SessionID:      "s",
		PendingCalls:   []model.Entry{entry("p", "read_file"), running},
		CompletedCalls: []model.Entry{done},
		TotalCalls:     3,
	}
}

func TestRestoreSessionMetrics_SeedsActiveCalls(t *testing.T) {
	tr := New()
	tr.TrackToolCall("s", entry("old", "read_file"))
	require.EqualValues(t, 1, tr.ActiveCalls())

	tr.RestoreSessionMetrics(&model.SessionMetrics{
		SessionID:      "s",
		TotalCalls:     3,
		PendingCalls:   2,
		CompletedCalls: 1,
		SuccessRate:    1,
		FunctionCounts: map[string]int{"read_file": 2, "write_file": 1},
	}, restoredSnapshot())
	assert.EqualValues(t, 2, tr.ActiveCalls())

	tr.TrackStateTransition(transition("s", "p", "read_file", model.StateInProgress, model.StateCompleted, time.Second, epoch))
	tr.TrackToolCall("s", restoredSnapshot().CompletedCalls[0])

	m := tr.GetSessionMetrics("s")
	require.NotNil(t, m)
	assert.Equal(t, 3, m.TotalCalls)
	assert.Equal(t, 1, m.PendingCalls)
	assert.Equal(t, 2, m.CompletedCalls)
	assert.Equal(t, 2, m.FunctionCounts["read_file"])
	assert.EqualValues(t, 1, tr.ActiveCalls())

	tr.RestoreSessionMetrics(nil, restoredSnapshot())
	assert.EqualValues(t, 2, tr.ActiveCalls())
	m = tr.GetSessionMetrics("s")
	require.NotNil(t, m)
	assert.Equal(t, 3, m.TotalCalls)
	assert.Equal(t, 2, m.PendingCalls)
	assert.Equal(t, 1, m.CompletedCalls)
	assert.Equal(t, "read_file", m.MostUsedFunction)

	tr.RestoreSessionMetrics(&model.SessionMetrics{SessionID: "other"}, restoredSnapshot())
	assert.EqualValues(t, 2, tr.ActiveCalls())
}

func TestTrackToolCall_IgnoresReplays(t *testing.T) {
	tr := New()
	done := entry("a", "read_file")
	done.State = model.StateCompleted
	tr.TrackToolCall("s", done)
	tr.TrackToolCall("s", done)
	tr.TrackToolCall("s", entry("b", "read_file"))
	tr.TrackToolCall("s", entry("b", "read_file"))

	m := tr.GetSessionMetrics("s")
	require.NotNil(t, m)
	assert.Equal(t, 2, m.TotalCalls)
	assert.Equal(t, 1, m.CompletedCalls)
	assert.Equal(t, 1, m.PendingCalls)
	assert.Equal(t, 2, m.FunctionCounts["read_file"])
	assert.Equal(t, 2, tr.GetFunctionMetrics("read_file").CallCount)
	assert.EqualValues(t, 1, tr.ActiveCalls())
}

func TestConcurrentTracking(t *testing.T) {
	tr := New()
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			tr.TrackToolCall("s", entry(id, "read_file"))
			tr.TrackStateTransition(transition("s", id, "read_file", model.StatePending, model.StateInProgress, 0, epoch))
			_ = tr.GetSessionMetrics("s")
			tr.TrackStateTransition(transition("s", id, "read_file", model.StateInProgress, model.StateCompleted, time.Millisecond, epoch))
		}(i)
	}
	wg.Wait()

	m := tr.GetSessionMetrics("s")
	assert.Equal(t, n, m.TotalCalls)
	assert.Equal(t, n, m.CompletedCalls)
	assert.EqualValues(t, 0, tr.ActiveCalls())
}
