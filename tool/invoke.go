package tool

import (
	"context"
	"fmt"

	"github.com/petal-labs/bridgeflow/core"
)

// ResolveFunction picks the function on a tool that a call with the given
// parameter names should execute. A single-function tool always resolves to
// that function. Otherwise the first function whose required set is covered
// by the supplied names wins; when none qualifies, the first declared
// function is returned as a best effort.
func ResolveFunction(t core.Tool, suppliedNames []string) (core.Function, error) {
	if len(t.Functions) == 0 {
		return core.Function{}, core.NewNotFoundError(fmt.Sprintf("tool %q declares no functions", t.Name))
	}
	if len(t.Functions) == 1 {
		return t.Functions[0], nil
	}

	supplied := make(map[string]struct{}, len(suppliedNames))
	for _, name := range suppliedNames {
		supplied[name] = struct{}{}
	}

	for _, fn := range t.Functions {
		if requiredCovered(fn.Parameters.Required, supplied) {
			return fn, nil
		}
	}
	return t.Functions[0], nil
}

func requiredCovered(required []string, supplied map[string]struct{}) bool {
	for _, name := range required {
		if _, ok := supplied[name]; !ok {
			return false
		}
	}
	return true
}

// Invoker executes tool calls against a transport after validating them.
type Invoker struct {
	transport core.Transport
}

// NewInvoker creates an invoker bound to a transport.
func NewInvoker(transport core.Transport) *Invoker {
	return &Invoker{transport: transport}
}

// Execute looks up the tool and function in the catalog, validates the
// parameters, and runs the call through the transport. Validation failures
// are returned as a classified error before the transport is touched.
func (inv *Invoker) Execute(ctx context.Context, catalog []core.Tool, toolName, functionName string, params map[string]any) (any, error) {
	target, ok := findTool(catalog, toolName)
	if !ok {
		return nil, core.NewNotFoundError(fmt.Sprintf("tool %q is not in the catalog", toolName))
	}

	fn, err := lookupFunction(target, functionName, params)
	if err != nil {
		return nil, err
	}

	if result := ValidateParameters(params, fn); !result.Valid {
		return nil, core.NewValidationError(result.Errors)
	}

	if inv.transport == nil {
		return nil, core.NewConnectionError("transport is not connected", nil)
	}
	out, err := inv.transport.CallTool(ctx, toolName, fn.Name, params)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lookupFunction resolves functionName on the tool, falling back to
// parameter-based resolution when the name is empty.
func lookupFunction(t core.Tool, functionName string, params map[string]any) (core.Function, error) {
	if functionName == "" {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		return ResolveFunction(t, names)
	}
	for _, fn := range t.Functions {
		if fn.Name == functionName {
			return fn, nil
		}
	}
	return core.Function{}, core.NewNotFoundError(fmt.Sprintf("function %q is not declared by tool %q", functionName, t.Name))
}

func findTool(catalog []core.Tool, name string) (core.Tool, bool) {
	for _, t := range catalog {
		if t.Name == name {
			return t, true
		}
	}
	return core.Tool{}, false
}
