package governance

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/stratum-os/kernel/pkg/event"
)

// CELFilter narrows a subscription with a compiled CEL predicate over the
// event envelope and payload. It plugs into the bus as a subscription
// filter.
type CELFilter struct {
	expr string
	prog cel.Program
}

// CompileFilter compiles a CEL expression into a subscription filter. The
// expression sees event_type, business_id, source_engine, actor_type and
// status as strings plus the payload as a map, and must evaluate to a
// boolean.
func CompileFilter(expr string) (*CELFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("business_id", cel.StringType),
		cel.Variable("source_engine", cel.StringType),
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: cel environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("governance: filter compile failed: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("governance: filter %q must evaluate to a boolean, got %s", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("governance: filter program: %w", err)
	}
	return &CELFilter{expr: expr, prog: prog}, nil
}

// Expression returns the original CEL source.
func (f *CELFilter) Expression() string { return f.expr }

// Match evaluates the predicate against one event.
func (f *CELFilter) Match(evt *event.Event) (bool, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	out, _, err := f.prog.Eval(map[string]interface{}{
		"event_type":    evt.EventType,
		"business_id":   evt.BusinessID,
		"source_engine": evt.SourceEngine,
		"actor_type":    string(evt.ActorType),
		"status":        string(evt.Status),
		"payload":       payload,
	})
	if err != nil {
		return false, fmt.Errorf("governance: filter %q: %w", f.expr, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("governance: filter %q yielded non-boolean %v", f.expr, out.Value())
	}
	return matched, nil
}
