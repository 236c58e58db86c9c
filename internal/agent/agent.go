// Package agent runs a named agent once on the agentsdk-go runtime. The
// runtime gets the caller's tools and nothing else: built-in tools, project
// rules and settings discovery are all switched off.
package agent

import (
	"context"
	"errors"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/tool"
)

var (
	ErrNilAgent    = errors.New("agent: agent is nil")
	ErrNilModel    = errors.New("agent: model is nil")
	ErrEmptyPrompt = errors.New("agent: prompt is empty")
)

// Runtime is the part of the agentsdk-go runtime a run uses.
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeWrapper wraps api.Runtime to implement Runtime
type runtimeWrapper struct {
	rt *api.Runtime
}

func (r *runtimeWrapper) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeWrapper) Close() {
	r.rt.Close()
}

// newRuntime is replaced in tests.
var newRuntime = func(ctx context.Context, opts api.Options) (Runtime, error) {
	rt, err := api.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &runtimeWrapper{rt: rt}, nil
}

// Agent binds a model, a tool set and instructions under a name.
type Agent struct {
	Name         string
	Instructions string
	// Model resolves the chat model when the runtime is built.
	Model api.ModelFactory
	Tools []tool.Tool
}

// RunConfig carries per-run settings that are not part of the Agent.
type RunConfig struct {
	// WorkflowName names the root span so runs can be grouped in a trace backend.
	WorkflowName string
	// GroupID is used as the runtime session ID. Generated when empty.
	GroupID  string
	MaxTurns int
	// TraceMetadata is attached to the root span as agent.metadata.<key>.
	TraceMetadata map[string]string
}

// RunResult is the outcome of Runner.Run.
type RunResult struct {
	Input       string
	FinalOutput string
	StopReason  string
	ToolCalls   int
	LastAgent   *Agent
	GroupID     string
	TraceID     string
}
