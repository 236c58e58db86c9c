package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/tool"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolCaller is the connection an adapted tool forwards its calls to.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// FunctionTool adapts a ToolDescriptor into a runtime tool bound to the
// connection it was listed from.
type FunctionTool struct {
	desc      ToolDescriptor
	caller    ToolCaller
	params    map[string]any
	schema    *tool.JSONSchema
	strict    bool
	validator *jsonschema.Schema
}

var _ tool.Tool = (*FunctionTool)(nil)

// FunctionTools adapts every descriptor. With strict set, input schemas are
// rewritten to the strict form; a schema that cannot be made strict is kept
// as is and the tool is exposed non-strict.
func FunctionTools(caller ToolCaller, descs []ToolDescriptor, strict bool) ([]tool.Tool, error) {
	if caller == nil {
		return nil, errors.New("mcp: tool caller is nil")
	}
	tools := make([]tool.Tool, 0, len(descs))
	seen := make(map[string]struct{}, len(descs))
	for _, desc := range descs {
		name := strings.TrimSpace(desc.Name)
		if name == "" {
			return nil, errors.New("encountered MCP tool with empty name")
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate MCP tool %s", name)
		}
		seen[name] = struct{}{}
		tools = append(tools, NewFunctionTool(caller, desc, strict))
	}
	return tools, nil
}

// NewFunctionTool adapts a single descriptor.
func NewFunctionTool(caller ToolCaller, desc ToolDescriptor, strict bool) *FunctionTool {
	params := desc.InputSchema
	if params == nil {
		params = map[string]any{}
	}
	isStrict := false
	if strict {
		converted, err := strictSchema(params)
		if err != nil {
			log.Printf("[mcp] tool %s: strict schema unavailable, using non-strict: %v", desc.Name, err)
		} else {
			params = converted
			isStrict = true
		}
	}

	validator, err := compileSchema(params)
	if err != nil {
		log.Printf("[mcp] tool %s: argument validation disabled: %v", desc.Name, err)
	}

	return &FunctionTool{
		desc:      desc,
		caller:    caller,
		params:    params,
		schema:    runtimeSchema(params),
		strict:    isStrict,
		validator: validator,
	}
}

func (t *FunctionTool) Name() string               { return t.desc.Name }
func (t *FunctionTool) Description() string        { return t.desc.Description }
func (t *FunctionTool) Parameters() map[string]any { return t.params }
func (t *FunctionTool) Strict() bool               { return t.strict }

// Schema is the input schema in the runtime's form. Keywords the runtime
// type has no field for stay enforced by Invoke.
func (t *FunctionTool) Schema() *tool.JSONSchema { return t.schema }

// Caller returns the connection this tool is bound to.
func (t *FunctionTool) Caller() ToolCaller { return t.caller }

// Execute runs the tool for the agent runtime. A result the server flagged
// as an error goes back to the model as unsuccessful output; any other
// failure is returned as an error.
func (t *FunctionTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode arguments for tool %s: %w", t.desc.Name, err)
	}
	out, err := t.Invoke(ctx, string(raw))
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return &tool.ToolResult{Success: false, Output: toolErr.Output, Error: toolErr}, nil
		}
		return nil, err
	}
	return &tool.ToolResult{Success: true, Output: out}, nil
}

// Invoke decodes and validates argsJSON, then calls the remote tool.
func (t *FunctionTool) Invoke(ctx context.Context, argsJSON string) (string, error) {
	if strings.TrimSpace(argsJSON) == "" {
		argsJSON = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(argsJSON))
	if err != nil {
		return "", fmt.Errorf("invalid JSON input for tool %s: %w", t.desc.Name, err)
	}
	args, ok := inst.(map[string]any)
	if !ok {
		return "", fmt.Errorf("tool %s expects a JSON object, got %T", t.desc.Name, inst)
	}
	if t.validator != nil {
		if err := t.validator.Validate(inst); err != nil {
			return "", fmt.Errorf("invalid arguments for tool %s: %w", t.desc.Name, err)
		}
	}
	return t.caller.CallTool(ctx, t.desc.Name, args)
}

func runtimeSchema(params map[string]any) *tool.JSONSchema {
	s := &tool.JSONSchema{Type: "object", Properties: map[string]interface{}{}}
	if typ, ok := params["type"].(string); ok && typ != "" {
		s.Type = typ
	}
	if props, ok := params["properties"].(map[string]any); ok {
		s.Properties = props
	}
	switch req := params["required"].(type) {
	case []string:
		s.Required = append([]string(nil), req...)
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("tool.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// strictSchema returns a copy of schema where every object forbids extra
// properties and requires all of its declared properties.
func strictSchema(schema map[string]any) (map[string]any, error) {
	out, err := strictNode(schema, "#")
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	if m["type"] == "object" {
		if _, ok := m["properties"]; !ok {
			m["properties"] = map[string]any{}
		}
		m["additionalProperties"] = false
		if _, ok := m["required"]; !ok {
			m["required"] = []any{}
		}
	}
	return m, nil
}

func strictNode(node any, path string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v)+2)
		for key, val := range v {
			switch key {
			case "properties", "$defs", "definitions":
				children, ok := val.(map[string]any)
				if !ok {
					out[key] = val
					continue
				}
				converted := make(map[string]any, len(children))
				for name, child := range children {
					c, err := strictNode(child, path+"/"+key+"/"+name)
					if err != nil {
						return nil, err
					}
					converted[name] = c
				}
				out[key] = converted
			case "items":
				c, err := strictNode(val, path+"/items")
				if err != nil {
					return nil, err
				}
				out[key] = c
			case "anyOf", "allOf", "oneOf":
				list, ok := val.([]any)
				if !ok {
					out[key] = val
					continue
				}
				converted := make([]any, 0, len(list))
				for i, child := range list {
					c, err := strictNode(child, fmt.Sprintf("%s/%s/%d", path, key, i))
					if err != nil {
						return nil, err
					}
					converted = append(converted, c)
				}
				out[key] = converted
			default:
				out[key] = val
			}
		}
		if out["type"] == "object" {
			if ap, ok := out["additionalProperties"]; ok && ap != false {
				return nil, fmt.Errorf("%s: additionalProperties must be false in strict mode", path)
			}
			out["additionalProperties"] = false
			props, _ := out["properties"].(map[string]any)
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			required := make([]any, 0, len(names))
			for _, name := range names {
				required = append(required, name)
			}
			out["required"] = required
		}
		return out, nil
	default:
		return node, nil
	}
}
