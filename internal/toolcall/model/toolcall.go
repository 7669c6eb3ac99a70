package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCall is a single request to invoke a named function. It is treated as
// immutable once submitted; Arguments is the raw serialized payload and is
// only parsed on demand.
type ToolCall struct {
	ID           string `json:"id"`
	FunctionName string `json:"function_name"`
	Arguments    string `json:"arguments,omitempty"`
}

// ParseArguments decodes Arguments into a map. An empty payload yields an
// empty map; malformed JSON or a non-object payload returns an error and
// never panics.
func (c ToolCall) ParseArguments() (map[string]any, error) {
	raw := strings.TrimSpace(c.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse arguments of %q: %w", c.ID, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
