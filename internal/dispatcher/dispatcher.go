// Package dispatcher resolves the pending tool calls of a paused run
// against the local handler registry and produces the atomic output batch
// the provider contract requires.
package dispatcher

import (
	"context"
	"encoding"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/pkg/slogx"
	"github.com/parley-ai/parley/tool"
)

const (
	defaultConcurrency = 4
	defaultCallTimeout = 30 * time.Second
)

// Dispatcher executes tool calls concurrently within a bounded pool.
// Failures never abort the batch: every pending call yields an output,
// failed ones carrying the failure as their payload so the run can
// proceed.
type Dispatcher struct {
	registry    *tool.Registry
	concurrency int
	callTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency bounds the number of tool calls in flight at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithCallTimeout sets the per-call execution budget.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.callTimeout = timeout
		}
	}
}

// New creates a dispatcher over the given registry.
func New(registry *tool.Registry, options ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		concurrency: defaultConcurrency,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dispatch resolves every pending call of a run and returns the complete
// output batch. The batch always covers exactly the pending set; the
// provider rejects anything less.
func (d *Dispatcher) Dispatch(ctx context.Context, run api.Run) ([]api.ToolOutput, error) {
	if run.Status != api.RunRequiresAction {
		return nil, &api.ValidationError{
			Reason: fmt.Sprintf("run %s is %s, not %s", run.ID, run.Status, api.RunRequiresAction),
		}
	}
	if len(run.PendingToolCalls) == 0 {
		return nil, &api.ValidationError{Reason: fmt.Sprintf("run %s has no pending tool calls", run.ID)}
	}

	outputs := make([]api.ToolOutput, len(run.PendingToolCalls))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.concurrency)

	for i, call := range run.PendingToolCalls {
		group.Go(func() error {
			outputs[i] = d.dispatchOne(gctx, call)
			return nil
		})
	}
	// Workers only record outcomes, they never return errors.
	_ = group.Wait()

	return outputs, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, call api.ToolCall) api.ToolOutput {
	def, exists := d.registry.Get(call.Name)
	if !exists {
		return failedOutput(call.ID, &api.ValidationError{
			Reason: fmt.Sprintf("unknown function %q", call.Name),
		})
	}

	args := gjson.Parse(call.Arguments)
	if call.Arguments != "" && !gjson.Valid(call.Arguments) {
		return failedOutput(call.ID, &api.ValidationError{
			Reason: fmt.Sprintf("malformed arguments for %q", call.Name),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	type callResult struct {
		value string
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		value, err := invoke(callCtx, def, args)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			slog.Warn("tool call failed",
				slog.String("tool", call.Name), slog.String("tool_call_id", call.ID), slogx.Error(res.err))
			return failedOutput(call.ID, res.err)
		}
		return api.ToolOutput{ToolCallID: call.ID, Output: res.value}
	case <-callCtx.Done():
		return failedOutput(call.ID, &api.TimeoutError{
			Subject: fmt.Sprintf("tool call %s (%s)", call.ID, call.Name),
			Budget:  d.callTimeout,
		})
	}
}

// failedOutput still produces a submittable output: the provider contract
// requires resolving every pending call, so failures travel as payload.
func failedOutput(callID string, err error) api.ToolOutput {
	payload, serr := sjson.Set(`{}`, "error", err.Error())
	if serr != nil {
		payload = `{"error":"tool call failed"}`
	}
	return api.ToolOutput{ToolCallID: callID, Output: payload, Failed: true}
}

// invoke maps the provider's JSON arguments onto the handler's positional
// parameters and converts the return value to a string payload. Handlers
// may take a leading context.Context, which receives the per-call
// timeout context.
func invoke(ctx context.Context, def tool.Definition, args gjson.Result) (string, error) {
	val := reflect.ValueOf(def.Function)
	typ := val.Type()

	callArgs := make([]reflect.Value, typ.NumIn())
	argIdx := 0
	for i := 0; i < typ.NumIn(); i++ {
		paramType := typ.In(i)
		if paramType == reflect.TypeOf((*context.Context)(nil)).Elem() {
			callArgs[i] = reflect.ValueOf(ctx)
			continue
		}

		callArgs[i] = reflect.Zero(paramType)
		paramName := fmt.Sprintf("param%d", argIdx)
		if def.Parameters != nil {
			if p, ok := def.Parameters[paramName]; ok {
				paramName = p
			}
		}
		argIdx++

		jv := args.Get(paramName)
		if !jv.Exists() {
			continue
		}
		av := reflect.ValueOf(jv.Value())
		if av.IsValid() && av.Type().ConvertibleTo(paramType) {
			callArgs[i] = av.Convert(paramType)
		}
	}

	results := val.Call(callArgs)
	return convertResult(results)
}

func convertResult(results []reflect.Value) (string, error) {
	if len(results) == 0 {
		return "", nil
	}

	// A trailing error return takes precedence over the value.
	last := results[len(results)-1]
	if err, ok := last.Interface().(error); ok && err != nil {
		return "", err
	}

	res := results[0]
	if !res.IsValid() {
		return "", nil
	}

	switch v := res.Interface().(type) {
	case error:
		return "", v
	case string:
		return v, nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	case int, int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(v).Int(), 10), nil
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(v).Uint(), 10), nil
	case float32, float64:
		return strconv.FormatFloat(reflect.ValueOf(v).Float(), 'f', -1, 64), nil
	case encoding.TextMarshaler:
		b, err := v.MarshalText()
		if err != nil {
			return "", err
		}
		return string(b), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
