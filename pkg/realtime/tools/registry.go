// Package tools holds the client-side tool registry for realtime sessions.
// Tools are registered before connecting; the session dispatches server
// tool_call frames to registered handlers and reports results back.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arkenza/voicewire/pkg/core"
)

// Handler executes a tool call with raw JSON arguments.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Tool is one registered tool definition.
type Tool struct {
	Name        string
	Description string
	InputSchema *JSONSchema
	Handler     Handler
}

// Registry is the set of tools available to a session. Names are unique;
// registration after that is rejected, never silently replaced.
type Registry struct {
	mu     sync.Mutex
	order  []string
	byName map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names and missing handlers are errors.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return core.NewInvalidRequestError("tool name is required")
	}
	if t.Handler == nil {
		return core.NewInvalidRequestError(fmt.Sprintf("tool %q has no handler", t.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[t.Name]; exists {
		return core.NewInvalidRequestError(fmt.Sprintf("tool %q already registered", t.Name))
	}
	r.byName[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	return t, ok
}

// Tools returns the definitions in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Func builds a Tool from a typed handler. The input schema is generated
// from T's struct tags.
//
// Example:
//
//	tool := tools.Func("notify", "Show a notification to the user",
//	    func(ctx context.Context, input struct {
//	        Message string `json:"message" desc:"Text to display"`
//	    }) (string, error) {
//	        return "shown", notifier.Show(input.Message)
//	    },
//	)
func Func[T any, R any](name, description string, fn func(context.Context, T) (R, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: SchemaFor[T](),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var input T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &input); err != nil {
					return nil, core.NewToolError(fmt.Sprintf("invalid arguments for %s: %v", name, err), "invalid_arguments")
				}
			}
			return fn(ctx, input)
		},
	}
}
