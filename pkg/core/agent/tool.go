package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/vango-go/vai-screen/pkg/core"
)

// ErrUnknownTool is returned by Registry.Call for names it does not hold.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is a typed function the model may call.
type Tool interface {
	Spec() ToolSpec
	// Call validates args against the tool's schema and runs it. The result
	// is always a string fed back to the model.
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

type typedTool[In any] struct {
	spec     ToolSpec
	resolved *jsonschema.Resolved
	fn       func(ctx context.Context, in In) (any, error)
}

// NewTool derives a JSON Schema from In and wraps fn. Struct fields without
// omitempty are required; tag `jsonschema:"..."` sets the description.
// Adjust lets callers add constraints For cannot infer, such as enums.
func NewTool[In any](name, description string, fn func(ctx context.Context, in In) (any, error), adjust ...func(*jsonschema.Schema)) (Tool, error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: infer schema: %w", name, err)
	}
	for _, a := range adjust {
		a(schema)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: resolve schema: %w", name, err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode schema: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("tool %s: decode schema: %w", name, err)
	}
	return &typedTool[In]{
		spec:     ToolSpec{Name: name, Description: description, Parameters: params},
		resolved: resolved,
		fn:       fn,
	}, nil
}

// MustTool is NewTool for statically declared tools.
func MustTool[In any](name, description string, fn func(ctx context.Context, in In) (any, error), adjust ...func(*jsonschema.Schema)) Tool {
	t, err := NewTool(name, description, fn, adjust...)
	if err != nil {
		panic(err)
	}
	return t
}

// Enum restricts property prop to values.
func Enum(prop string, values ...any) func(*jsonschema.Schema) {
	return func(s *jsonschema.Schema) {
		if p, ok := s.Properties[prop]; ok && p != nil {
			p.Enum = values
		}
	}
}

// Minimum sets a lower bound on numeric property prop.
func Minimum(prop string, min float64) func(*jsonschema.Schema) {
	return func(s *jsonschema.Schema) {
		if p, ok := s.Properties[prop]; ok && p != nil {
			p.Minimum = &min
		}
	}
}

func (t *typedTool[In]) Spec() ToolSpec { return t.spec }

func (t *typedTool[In]) Call(ctx context.Context, args json.RawMessage) (string, error) {
	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return "", core.NewInvalidRequestError(fmt.Sprintf("arguments are not valid JSON: %v", err))
	}
	if err := t.resolved.Validate(instance); err != nil {
		return "", core.NewInvalidRequestError(fmt.Sprintf("invalid arguments: %v", err))
	}
	var in In
	if err := json.Unmarshal(args, &in); err != nil {
		return "", core.NewInvalidRequestError(fmt.Sprintf("invalid arguments: %v", err))
	}
	out, err := t.fn(ctx, in)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(raw), nil
}

// Registry holds tools by name in registration order.
type Registry struct {
	order  []string
	byName map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		name := t.Spec().Name
		if _, dup := r.byName[name]; !dup {
			r.order = append(r.order, name)
		}
		r.byName[name] = t
	}
	return r
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

func (r *Registry) Specs() []ToolSpec {
	if r == nil {
		return nil
	}
	out := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Spec())
	}
	return out
}

func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if r == nil {
		return "", ErrUnknownTool
	}
	t, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	return t.Call(ctx, args)
}
