package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/mohae/deepcopy"
)

// Metadata is an open bag of JSON-serializable values attached to an entry.
// Updates merge into it key by key; it is never replaced wholesale.
//
// Keys starting with ReservedMetadataPrefix are written by the system itself
// (batch position, processing order, execution group, measured duration,
// restore provenance); numeric ones are always int64. Callers should not use
// that prefix.
type Metadata map[string]any

const ReservedMetadataPrefix = "toolcall."

const (
	MetaBatchIndex   = ReservedMetadataPrefix + "batch_index"
	MetaOrderIndex   = ReservedMetadataPrefix + "order_index"
	MetaGroup        = ReservedMetadataPrefix + "group"
	MetaDurationMs   = ReservedMetadataPrefix + "duration_ms"
	MetaRestoredFrom = ReservedMetadataPrefix + "restored_from"
)

// IsReservedMetadataKey reports whether key belongs to the system namespace.
func IsReservedMetadataKey(key string) bool {
	return strings.HasPrefix(key, ReservedMetadataPrefix)
}

// Merge returns a new Metadata holding m overlaid with update. Neither input is modified.
func (m Metadata) Merge(update Metadata) Metadata {
	if m == nil && update == nil {
		return nil
	}
	out := make(Metadata, len(m)+len(update))
	maps.Copy(out, m.Clone())
	maps.Copy(out, update.Clone())
	return out
}

// UnmarshalJSON decodes whole numbers as int64 and other numbers as float64,
// so system-written counters keep their type across a persistence round trip.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data)
	if err != nil {
		return err
	}
	if v == nil {
		*m = nil
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("metadata must be a JSON object, got %T", v)
	}
	*m = Metadata(obj)
	return nil
}

func decodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
	case []any:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
	}
	return v
}

// Clone deep-copies the metadata bag.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return deepcopy.Copy(m).(Metadata)
}

// Entry is the state machine record of one tool call within a session. The
// State Manager owns entries; everything handed out is a copy.
type Entry struct {
	ID          string     `json:"id"`
	ToolCall    ToolCall   `json:"tool_call"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Metadata    Metadata   `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes Result with the same number handling as Metadata.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	aux := struct {
		*plain
		Result json.RawMessage `json:"result,omitempty"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Result = nil
	if len(aux.Result) == 0 {
		return nil
	}
	v, err := decodeValue(aux.Result)
	if err != nil {
		return err
	}
	e.Result = v
	return nil
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	if e.CompletedAt != nil {
		completed := *e.CompletedAt
		out.CompletedAt = &completed
	}
	if e.Result != nil {
		out.Result = deepcopy.Copy(e.Result)
	}
	out.Metadata = e.Metadata.Clone()
	return out
}

// EstimatedSize approximates the memory held by the entry via its serialized size.
func (e Entry) EstimatedSize() int64 {
	data, err := json.Marshal(e)
	if err != nil {
		return int64(len(e.ID) + len(e.ToolCall.FunctionName) + len(e.ToolCall.Arguments) + len(e.Error))
	}
	return int64(len(data))
}

// CloneEntries deep-copies a slice of entries.
func CloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// UpdateRequest asks the State Manager to move a call to NewState.
type UpdateRequest struct {
	ToolCallID string
	NewState   State
	Result     any
	Error      string
	Metadata   Metadata
	// Duration overrides the measured duration reported to observers.
	Duration time.Duration
}

// UpdateResult describes a successful (or rejected) transition.
type UpdateResult struct {
	Success       bool          `json:"success"`
	ToolCallID    string        `json:"tool_call_id"`
	PreviousState State         `json:"previous_state,omitempty"`
	NewState      State         `json:"new_state,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Errors        []string      `json:"errors,omitempty"`
}

// CleanupResult reports what an expiry sweep removed.
type CleanupResult struct {
	Success    bool          `json:"success"`
	Cleaned    int           `json:"cleaned"`
	Remaining  int           `json:"remaining"`
	BytesFreed int64         `json:"bytes_freed"`
	Elapsed    time.Duration `json:"elapsed"`
	Errors     []string      `json:"errors,omitempty"`
}
