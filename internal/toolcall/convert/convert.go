package convert

import (
	"fmt"
	"strings"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/processor"
	"github.com/cloudwego/eino/schema"
)

// FromMessage extracts the tool calls requested by an assistant message.
// Providers that omit ids get call_<n>, n being the position in the message,
// bumped until it is unique within the message.
func FromMessage(msg *schema.Message) []model.ToolCall {
	if msg == nil || len(msg.ToolCalls) == 0 {
		return nil
	}
	taken := make(map[string]struct{}, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		if id := strings.TrimSpace(tc.ID); id != "" {
			taken[id] = struct{}{}
		}
	}

	out := make([]model.ToolCall, 0, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			for n := i; ; n++ {
				id = fmt.Sprintf("call_%d", n)
				if _, dup := taken[id]; !dup {
					break
				}
			}
			taken[id] = struct{}{}
		}
		out = append(out, model.ToolCall{
			ID:           id,
			FunctionName: tc.Function.Name,
			Arguments:    tc.Function.Arguments,
		})
	}
	return out
}

// ToToolMessages renders one tool message per call result, in result order,
// ready to be appended to the conversation.
func ToToolMessages(res processor.Result) []*schema.Message {
	out := make([]*schema.Message, 0, len(res.Results))
	for _, r := range res.Results {
		out = append(out, schema.ToolMessage(content(r), r.ToolCallID, schema.WithToolName(r.FunctionName)))
	}
	return out
}

func content(r processor.CallResult) string {
	if r.Success {
		return r.Output
	}
	if len(r.Errors) == 0 {
		return "error: tool call failed"
	}
	return "error: " + strings.Join(r.Errors, "; ")
}
