package observers

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Chative-core-poc-v1/toolcall/internal/core"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/tool"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logx.Disable()
	goleak.VerifyTestMain(m)
}

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logx.Init(logx.LoggerOpts{Environment: core.Production, Level: "debug", Output: &buf})
	t.Cleanup(logx.Disable)
	return &buf
}

func TestToolCallbacksLogLifecycle(t *testing.T) {
	buf := capture(t)

	ctx := einocb.InitCallbacks(context.Background(), &einocb.RunInfo{
		Name:      "write_file",
		Component: components.ComponentOfTool,
	}, NewToolCallbacks())
	ctx = einocb.OnStart(ctx, &tool.CallbackInput{ArgumentsInJSON: `{"path":"/a"}`})
	einocb.OnEnd(ctx, &tool.CallbackOutput{Response: strings.Repeat("x", 600)})
	einocb.OnError(ctx, errors.New("disk full"))

	out := buf.String()
	assert.Contains(t, out, `"message":"tool start"`)
	assert.Contains(t, out, `"function":"write_file"`)
	assert.Contains(t, out, `"message":"tool end"`)
	assert.Contains(t, out, strings.Repeat("x", 512)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 513))
	assert.Contains(t, out, `"error":"disk full"`)
}

func TestTransitionLogger(t *testing.T) {
	buf := capture(t)
	var obs model.Observer = NewTransitionLogger()

	obs.OnToolCallCreated("s1", model.Entry{ID: "c1", ToolCall: model.ToolCall{ID: "c1", FunctionName: "read_file"}})
	obs.OnStateTransition(model.TransitionEvent{
		SessionID:    "s1",
		ToolCallID:   "c1",
		FunctionName: "read_file",
		FromState:    model.StateInProgress,
		ToState:      model.StateFailed,
	})

	out := buf.String()
	assert.Contains(t, out, `"message":"tool call created"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"to_state":"FAILED"`)
}
