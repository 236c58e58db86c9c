package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCaller struct {
	calls []string
	args  []map[string]any
	reply string
	err   error
}

func (c *recordingCaller) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	c.calls = append(c.calls, name)
	c.args = append(c.args, args)
	return c.reply, c.err
}

var searchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{"type": "string"},
		"limit": map[string]any{"type": "integer"},
	},
	"required": []any{"query"},
}

func TestFunctionTools_BindsEveryDescriptor(t *testing.T) {
	caller := &recordingCaller{reply: "ok"}
	tools, err := FunctionTools(caller, []ToolDescriptor{
		{Name: "search", Description: "search docs", InputSchema: searchSchema},
		{Name: "ping"},
	}, false)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	for _, tool := range tools {
		ft, ok := tool.(*FunctionTool)
		require.True(t, ok)
		assert.Same(t, caller, ft.Caller())
		assert.False(t, ft.Strict())
	}
	assert.Equal(t, "search", tools[0].Name())
	assert.Equal(t, "search docs", tools[0].Description())
	assert.Equal(t, searchSchema, tools[0].(*FunctionTool).Parameters())
}

func TestFunctionTool_Schema(t *testing.T) {
	tool := NewFunctionTool(&recordingCaller{}, ToolDescriptor{Name: "search", InputSchema: searchSchema}, false)
	schema := tool.Schema()
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema.Type)
	assert.Contains(t, schema.Properties, "query")
	assert.Equal(t, []string{"query"}, schema.Required)

	empty := NewFunctionTool(&recordingCaller{}, ToolDescriptor{Name: "ping"}, false).Schema()
	assert.Equal(t, "object", empty.Type)
	assert.Empty(t, empty.Required)
}

func TestFunctionTool_Execute(t *testing.T) {
	caller := &recordingCaller{reply: "3 results"}
	tool := NewFunctionTool(caller, ToolDescriptor{Name: "search", InputSchema: searchSchema}, false)

	res, err := tool.Execute(context.Background(), map[string]interface{}{"query": "gateway", "limit": float64(3)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "3 results", res.Output)
	assert.Equal(t, "gateway", caller.args[0]["query"])

	_, err = tool.Execute(context.Background(), map[string]interface{}{"limit": 1})
	assert.ErrorContains(t, err, "invalid arguments")
	assert.Len(t, caller.calls, 1)
}

func TestFunctionTool_ExecuteServerErrorResult(t *testing.T) {
	caller := &recordingCaller{err: &ToolError{Tool: "ping", Output: `{"detail":"route not found"}`}}
	tool := NewFunctionTool(caller, ToolDescriptor{Name: "ping"}, false)

	res, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, `{"detail":"route not found"}`, res.Output)

	caller.err = errors.New("connection reset")
	_, err = tool.Execute(context.Background(), nil)
	assert.ErrorContains(t, err, "connection reset")
}

func TestFunctionTools_Empty(t *testing.T) {
	tools, err := FunctionTools(&recordingCaller{}, nil, false)
	require.NoError(t, err)
	assert.Empty(t, tools)

	_, err = FunctionTools(nil, nil, false)
	assert.Error(t, err)
}

func TestFunctionTools_RejectsBadNames(t *testing.T) {
	_, err := FunctionTools(&recordingCaller{}, []ToolDescriptor{{Name: " "}}, false)
	assert.Error(t, err)

	_, err = FunctionTools(&recordingCaller{}, []ToolDescriptor{{Name: "a"}, {Name: "a"}}, false)
	assert.Error(t, err)
}

func TestFunctionTool_Invoke(t *testing.T) {
	caller := &recordingCaller{reply: "3 results"}
	tool := NewFunctionTool(caller, ToolDescriptor{Name: "search", InputSchema: searchSchema}, false)

	out, err := tool.Invoke(context.Background(), `{"query":"gateway","limit":3}`)
	require.NoError(t, err)
	assert.Equal(t, "3 results", out)
	require.Equal(t, []string{"search"}, caller.calls)
	assert.Equal(t, "gateway", caller.args[0]["query"])
}

func TestFunctionTool_InvokeValidation(t *testing.T) {
	caller := &recordingCaller{}
	tool := NewFunctionTool(caller, ToolDescriptor{Name: "search", InputSchema: searchSchema}, false)

	_, err := tool.Invoke(context.Background(), `{"limit":3}`)
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = tool.Invoke(context.Background(), `{"query":`)
	assert.ErrorContains(t, err, "invalid JSON")

	_, err = tool.Invoke(context.Background(), `[1,2]`)
	assert.ErrorContains(t, err, "expects a JSON object")

	assert.Empty(t, caller.calls)
}

func TestFunctionTool_EmptyArguments(t *testing.T) {
	caller := &recordingCaller{reply: "pong"}
	tool := NewFunctionTool(caller, ToolDescriptor{Name: "ping"}, false)

	out, err := tool.Invoke(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Equal(t, map[string]any{}, caller.args[0])
}

func TestFunctionTool_CallerError(t *testing.T) {
	caller := &recordingCaller{err: errors.New("remote down")}
	tool := NewFunctionTool(caller, ToolDescriptor{Name: "ping"}, false)

	_, err := tool.Invoke(context.Background(), "{}")
	assert.ErrorContains(t, err, "remote down")
}

func TestFunctionTool_Strict(t *testing.T) {
	tool := NewFunctionTool(&recordingCaller{}, ToolDescriptor{Name: "search", InputSchema: searchSchema}, true)
	require.True(t, tool.Strict())

	params := tool.Parameters()
	assert.Equal(t, false, params["additionalProperties"])
	assert.Equal(t, []any{"limit", "query"}, params["required"])

	// descriptor schema is left untouched
	assert.Equal(t, []any{"query"}, searchSchema["required"])

	_, err := tool.Invoke(context.Background(), `{"query":"x","limit":1,"extra":true}`)
	assert.Error(t, err)
}

func TestFunctionTool_StrictFallback(t *testing.T) {
	schema := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": true,
	}
	tool := NewFunctionTool(&recordingCaller{}, ToolDescriptor{Name: "open", InputSchema: schema}, true)
	assert.False(t, tool.Strict())
	assert.Equal(t, schema, tool.Parameters())
}

func TestStrictSchema_Nested(t *testing.T) {
	got, err := strictSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filter": map[string]any{
				"type":       "object",
				"properties": map[string]any{"tag": map[string]any{"type": "string"}},
			},
			"ids": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object", "properties": map[string]any{"id": map[string]any{"type": "string"}}},
			},
		},
	})
	require.NoError(t, err)

	props := got["properties"].(map[string]any)
	filter := props["filter"].(map[string]any)
	assert.Equal(t, false, filter["additionalProperties"])
	assert.Equal(t, []any{"tag"}, filter["required"])

	items := props["ids"].(map[string]any)["items"].(map[string]any)
	assert.Equal(t, []any{"id"}, items["required"])
}

func TestStrictSchema_EmptyBecomesObject(t *testing.T) {
	got, err := strictSchema(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "object", got["type"])
	assert.Equal(t, map[string]any{}, got["properties"])
	assert.Equal(t, false, got["additionalProperties"])
}
