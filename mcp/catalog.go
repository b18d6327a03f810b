package mcp

import (
	"github.com/petal-labs/bridgeflow/core"
)

// toCatalog converts discovered tool descriptors to the bridge catalog model.
// Each MCP tool becomes one catalog tool exposing a single function of the
// same name, its parameters lifted from the tool's input schema.
func toCatalog(descriptors []ToolDescriptor) []core.Tool {
	tools := make([]core.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, core.Tool{
			Name:        d.Name,
			Description: d.Description,
			Category:    schemaString(d.InputSchema, "category"),
			Functions: []core.Function{{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  toParameterSchema(d.InputSchema),
			}},
		})
	}
	return tools
}

// toParameterSchema lifts a JSON Schema object into the catalog's parameter
// model. Unknown schema constructs are dropped; only property types,
// descriptions, and the required list carry over.
func toParameterSchema(schema map[string]any) core.ParameterSchema {
	out := core.ParameterSchema{Properties: map[string]core.PropertySpec{}}
	if schema == nil {
		return out
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for name, raw := range props {
			spec, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			out.Properties[name] = core.PropertySpec{
				Type:        schemaString(spec, "type"),
				Description: schemaString(spec, "description"),
			}
		}
	}

	switch required := schema["required"].(type) {
	case []string:
		out.Required = required
	case []any:
		for _, item := range required {
			if name, ok := item.(string); ok {
				out.Required = append(out.Required, name)
			}
		}
	}

	return out
}

func schemaString(schema map[string]any, key string) string {
	if schema == nil {
		return ""
	}
	value, _ := schema[key].(string)
	return value
}
