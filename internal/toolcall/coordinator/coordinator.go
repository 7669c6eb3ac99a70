package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/resources"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	"github.com/tidwall/gjson"
)

// Coordinator validates a batch of tool calls, infers the dependencies
// between them and produces a deterministic processing order.
type Coordinator struct {
	maxBatchSize      int
	validationTimeout time.Duration
	cyclePolicy       model.CyclePolicy
	extractor         resources.Extractor
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig applies an env-loaded CoordinatorConfig.
func WithConfig(cfg model.CoordinatorConfig) Option {
	return func(c *Coordinator) {
		if cfg.MaxBatchSize > 0 {
			c.maxBatchSize = cfg.MaxBatchSize
		}
		if cfg.ValidationTimeout > 0 {
			c.validationTimeout = cfg.ValidationTimeout
		}
		if cfg.CyclePolicy != "" {
			c.cyclePolicy = cfg.CyclePolicy
		}
	}
}

// WithMaxBatchSize caps the number of calls per batch.
func WithMaxBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

// WithValidationTimeout bounds validation plus dependency analysis.
func WithValidationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.validationTimeout = d
	}
}

// WithCyclePolicy chooses between best-effort ordering and rejection of
// cyclic batches.
func WithCyclePolicy(p model.CyclePolicy) Option {
	return func(c *Coordinator) {
		c.cyclePolicy = p
	}
}

// WithExtractor replaces the resource extractor.
func WithExtractor(e resources.Extractor) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.extractor = e
		}
	}
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		maxBatchSize:      model.DefaultMaxBatchSize,
		validationTimeout: model.DefaultValidationTimeout,
		cyclePolicy:       model.CyclePolicyBestEffort,
		extractor:         resources.NewPathExtractor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.extractor = resources.Safe(c.extractor)
	return c
}

// Extractor returns the resource extractor in use, so the processor can
// share it.
func (c *Coordinator) Extractor() resources.Extractor {
	return c.extractor
}

// Result is the outcome of one coordination round.
type Result struct {
	Success          bool                `json:"success"`
	SessionID        string              `json:"session_id"`
	CoordinatedCalls []model.ToolCall    `json:"coordinated_calls"`
	ProcessingOrder  []string            `json:"processing_order"`
	Dependencies     map[string][]string `json:"dependencies"`
	Errors           []string            `json:"errors,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
	Elapsed          time.Duration       `json:"elapsed"`
}

// CoordinateToolCalls orders calls so that every call runs after the calls
// it depends on. Structural problems (empty or oversized batch, missing or
// duplicate ids) fail before any analysis. A dependency cycle degrades to a
// best-effort order unless the reject policy is configured.
func (c *Coordinator) CoordinateToolCalls(ctx context.Context, sessionID string, calls []model.ToolCall) (Result, error) {
	start := time.Now()
	res := Result{SessionID: sessionID, Dependencies: map[string][]string{}}
	fail := func(err error) (Result, error) {
		res.Errors = append(res.Errors, err.Error())
		res.Elapsed = time.Since(start)
		logx.Warn().Err(err).Str("session_id", sessionID).Int("calls", len(calls)).Msg("tool call coordination failed")
		return res, err
	}

	if c.validationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.validationTimeout)
		defer cancel()
	}

	if err := c.validate(calls); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(errx.FromContext(err, "coordinate tool calls"))
	}

	g, err := c.analyze(ctx, calls)
	if err != nil {
		return fail(errx.FromContext(err, "coordinate tool calls"))
	}
	order, cyclic := g.sort()
	if cyclic != nil {
		ids := make([]string, len(cyclic))
		for i, n := range cyclic {
			ids[i] = calls[n].ID
		}
		if c.cyclePolicy == model.CyclePolicyReject {
			return fail(errx.Conflict("dependency cycle between tool calls %s", strings.Join(ids, ", ")))
		}
		warning := fmt.Sprintf("dependency cycle between tool calls %s; they keep their batch order", strings.Join(ids, ", "))
		res.Warnings = append(res.Warnings, warning)
		logx.Warn().Str("session_id", sessionID).Strs("tool_call_ids", ids).Msg("dependency cycle detected, falling back to batch order")
	}

	res.CoordinatedCalls = make([]model.ToolCall, len(order))
	res.ProcessingOrder = make([]string, len(order))
	for i, n := range order {
		res.CoordinatedCalls[i] = calls[n]
		res.ProcessingOrder[i] = calls[n].ID
	}
	for n, prereqs := range g.deps {
		if len(prereqs) == 0 {
			continue
		}
		ids := make([]string, len(prereqs))
		for i, p := range prereqs {
			ids[i] = calls[p].ID
		}
		res.Dependencies[calls[n].ID] = ids
	}

	res.Success = true
	res.Elapsed = time.Since(start)
	logx.Debug().
		Str("session_id", sessionID).
		Strs("processing_order", res.ProcessingOrder).
		Dur("elapsed", res.Elapsed).
		Msg("tool calls coordinated")
	return res, nil
}

func (c *Coordinator) validate(calls []model.ToolCall) error {
	if len(calls) == 0 {
		return errx.InvalidArgument("batch must contain at least one tool call")
	}
	if len(calls) > c.maxBatchSize {
		return errx.InvalidArgument("batch of %d tool calls exceeds the maximum of %d", len(calls), c.maxBatchSize)
	}
	seen := make(map[string]int, len(calls))
	for i, call := range calls {
		if strings.TrimSpace(call.ID) == "" {
			return errx.InvalidArgument("tool call at position %d has no id", i)
		}
		if first, dup := seen[call.ID]; dup {
			return errx.Conflict("duplicate tool call id %q at positions %d and %d", call.ID, first, i)
		}
		seen[call.ID] = i
	}
	return nil
}

// ExplicitDependencies reads the ids listed under "depends_on" or
// "dependsOn" in the call arguments.
func ExplicitDependencies(call model.ToolCall) []string {
	if !gjson.Valid(call.Arguments) {
		return nil
	}
	var out []string
	for _, field := range []string{"depends_on", "dependsOn"} {
		v := gjson.Get(call.Arguments, field)
		switch {
		case v.IsArray():
			for _, item := range v.Array() {
				if item.Type == gjson.String && item.String() != "" {
					out = append(out, item.String())
				}
			}
		case v.Type == gjson.String && v.String() != "":
			out = append(out, v.String())
		}
	}
	return out
}
