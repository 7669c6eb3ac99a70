package observers

import (
	"context"
	"errors"
	"io"
	"time"

	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
)

type startKey struct{}

// maxLoggedBytes truncates arguments and responses in log lines.
const maxLoggedBytes = 512

func truncate(s string) string {
	if len(s) <= maxLoggedBytes {
		return s
	}
	return s[:maxLoggedBytes] + "..."
}

func elapsed(ctx context.Context) time.Duration {
	if start, ok := ctx.Value(startKey{}).(time.Time); ok {
		return time.Since(start)
	}
	return 0
}

// newToolHandler builds a typed ToolCallbackHandler (not yet wrapped).
func newToolHandler() *callbackHelper.ToolCallbackHandler {
	return &callbackHelper.ToolCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *tool.CallbackInput) context.Context {
			args := ""
			if input != nil {
				args = input.ArgumentsInJSON
			}
			logx.Debug().Str("function", info.Name).Str("arguments", truncate(args)).Msg("tool start")
			return context.WithValue(ctx, startKey{}, time.Now())
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *tool.CallbackOutput) context.Context {
			resp := ""
			if output != nil {
				resp = output.Response
			}
			logx.Debug().
				Str("function", info.Name).
				Str("response", truncate(resp)).
				Dur("elapsed", elapsed(ctx)).
				Msg("tool end")
			return ctx
		},
		OnEndWithStreamOutput: func(ctx context.Context, info *einocb.RunInfo, output *schema.StreamReader[*tool.CallbackOutput]) context.Context {
			name := info.Name
			go func() {
				defer output.Close()
				chunks := 0
				for {
					chunk, err := output.Recv()
					if errors.Is(err, io.EOF) {
						logx.Debug().Str("function", name).Int("chunks", chunks).Msg("tool stream end")
						return
					}
					if err != nil {
						logx.Warn().Err(err).Str("function", name).Msg("tool stream aborted")
						return
					}
					chunks++
					if chunk != nil {
						logx.Debug().Str("function", name).Str("chunk", truncate(chunk.Response)).Msg("tool stream chunk")
					}
				}
			}()
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("function", info.Name).Dur("elapsed", elapsed(ctx)).Msg("tool execution failed")
			return ctx
		},
	}
}

// NewToolCallbacks constructs a callbacks.Handler that logs tool lifecycle
// events through logx. Pass it to processor.WithCallbacks or
// compose.WithCallbacks.
func NewToolCallbacks() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		Tool(newToolHandler()).
		Handler()
}
