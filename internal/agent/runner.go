package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/tool"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultMaxTurns     = 10
	DefaultWorkflowName = "Agent workflow"

	tracerName = "github.com/stellarlinkco/mcpagent/internal/agent"

	// previewBytes caps tool arguments and output in logs and span attributes.
	previewBytes = 512
)

// Runner builds a fresh runtime per run and records a root span around it.
type Runner struct {
	Tracer trace.Tracer
	// Logger receives run events when non-nil.
	Logger *log.Logger
}

// NewRunner builds a Runner that records spans on tp.
func NewRunner(tp trace.TracerProvider, logger *log.Logger) *Runner {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Runner{Tracer: tp.Tracer(tracerName), Logger: logger}
}

// Run executes one agent run with input as the user message. The runtime is
// closed before Run returns, whatever the outcome.
func (r *Runner) Run(ctx context.Context, a *Agent, input string, cfg RunConfig) (result *RunResult, err error) {
	if a == nil {
		return nil, ErrNilAgent
	}
	if a.Model == nil {
		return nil, ErrNilModel
	}
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyPrompt
	}
	if ctx == nil {
		ctx = context.Background()
	}

	workflow := strings.TrimSpace(cfg.WorkflowName)
	if workflow == "" {
		workflow = DefaultWorkflowName
	}
	groupID := strings.TrimSpace(cfg.GroupID)
	if groupID == "" {
		groupID = uuid.NewString()
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	attrs := []attribute.KeyValue{
		attribute.String("agent.workflow.name", workflow),
		attribute.String("agent.group_id", groupID),
		attribute.String("agent.name", a.Name),
		attribute.Int("agent.tools", len(a.Tools)),
		attribute.Int("agent.max_turns", maxTurns),
	}
	for k, v := range cfg.TraceMetadata {
		attrs = append(attrs, attribute.String("agent.metadata."+k, v))
	}
	ctx, span := r.tracer().Start(ctx, workflow, trace.WithAttributes(attrs...))
	defer func() { endSpan(span, err) }()

	// The runtime reads CLAUDE.md, .claude/settings.json and rules from its
	// project root. An empty scratch root keeps the working directory out.
	root, err := os.MkdirTemp("", "mcpagent-")
	if err != nil {
		return nil, fmt.Errorf("create runtime root: %w", err)
	}
	defer os.RemoveAll(root)

	rulesEnabled := false
	rt, err := newRuntime(ctx, api.Options{
		ProjectRoot:         root,
		ModelFactory:        a.Model,
		SystemPrompt:        a.Instructions,
		RulesEnabled:        &rulesEnabled,
		MaxIterations:       maxTurns,
		EnabledBuiltinTools: []string{},
		CustomTools:         r.traceTools(a.Tools),
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close()

	result = &RunResult{
		Input:     input,
		LastAgent: a,
		GroupID:   groupID,
		TraceID:   span.SpanContext().TraceID().String(),
	}
	resp, err := rt.Run(ctx, api.Request{Prompt: input, SessionID: groupID})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, err
	}
	if resp != nil && resp.Result != nil {
		result.FinalOutput = resp.Result.Output
		result.StopReason = resp.Result.StopReason
		result.ToolCalls = len(resp.Result.ToolCalls)
	}
	span.SetAttributes(
		attribute.String("agent.stop_reason", result.StopReason),
		attribute.Int("agent.tool_calls", result.ToolCalls),
	)
	r.logf("[agent] %s finished: stop=%s tool_calls=%d", a.Name, result.StopReason, result.ToolCalls)
	return result, nil
}

func (r *Runner) traceTools(tools []tool.Tool) []tool.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]tool.Tool, 0, len(tools))
	for _, t := range tools {
		if t == nil {
			continue
		}
		out = append(out, &tracedTool{Tool: t, runner: r})
	}
	return out
}

// tracedTool records a tool.execute span around each call.
type tracedTool struct {
	tool.Tool
	runner *Runner
}

func (t *tracedTool) Execute(ctx context.Context, params map[string]interface{}) (res *tool.ToolResult, err error) {
	ctx, span := t.runner.tracer().Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", t.Name()),
	))
	defer func() {
		if err == nil && res != nil && !res.Success {
			span.SetStatus(codes.Error, preview(res.Output, previewBytes))
			span.End()
			return
		}
		endSpan(span, err)
	}()

	if raw, mErr := json.Marshal(params); mErr == nil {
		t.runner.logf("[agent] tool call %s(%s)", t.Name(), preview(string(raw), previewBytes))
	}
	res, err = t.Tool.Execute(ctx, params)
	if err != nil {
		t.runner.logf("[agent] tool %s failed: %v", t.Name(), err)
		return res, err
	}
	if res != nil {
		span.SetAttributes(attribute.String("tool.output", preview(res.Output, previewBytes)))
	}
	return res, nil
}

func (r *Runner) tracer() trace.Tracer {
	if r == nil || r.Tracer == nil {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return r.Tracer
}

func (r *Runner) logf(format string, args ...any) {
	if r == nil || r.Logger == nil {
		return
	}
	r.Logger.Printf(format, args...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// preview shortens s to at most n bytes without splitting a UTF-8 sequence.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
