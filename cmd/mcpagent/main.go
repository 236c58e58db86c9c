package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/cexll/agentsdk-go/pkg/tool"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/mcpagent/internal/agent"
	"github.com/stellarlinkco/mcpagent/internal/config"
	"github.com/stellarlinkco/mcpagent/internal/mcp"
	"github.com/stellarlinkco/mcpagent/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

// Telemetry is what the command needs from the tracing setup.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	HTTPClient() *http.Client
	Shutdown(ctx context.Context) error
}

// ToolServer is a connected MCP server.
type ToolServer interface {
	mcp.ToolCaller
	ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error)
	Close() error
}

// AgentRunner runs an agent once.
type AgentRunner interface {
	Run(ctx context.Context, a *agent.Agent, input string, cfg agent.RunConfig) (*agent.RunResult, error)
}

type (
	TelemetryFactory func(ctx context.Context) (Telemetry, error)
	ModelFactory     func(cfg *config.Config, tel Telemetry) (api.ModelFactory, error)
	Connector        func(ctx context.Context, cfg *config.Config, tel Telemetry) (ToolServer, error)
	RunnerFactory    func(tel Telemetry) AgentRunner
)

// Options carries the command's dependencies. Nil fields use the defaults.
type Options struct {
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
	TelemetryFactory TelemetryFactory
	ModelFactory     ModelFactory
	Connector        Connector
	Runner           RunnerFactory
}

// DefaultTelemetryFactory sets up OTLP tracing from the OTEL_* environment.
func DefaultTelemetryFactory(ctx context.Context) (Telemetry, error) {
	return telemetry.Setup(ctx, telemetry.Config{ServiceName: "mcpagent"})
}

// DefaultModelFactory picks the agentsdk-go provider for cfg.Provider.Type.
// The model itself is built when the runtime starts.
func DefaultModelFactory(cfg *config.Config, _ Telemetry) (api.ModelFactory, error) {
	if err := cfg.RequireModel(); err != nil {
		return nil, err
	}
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: cfg.Agent.Temperature,
		}
	default:
		provider = &model.OpenAIProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: cfg.Agent.Temperature,
		}
	}
	return provider, nil
}

// DefaultConnector opens the MCP session for cfg.MCPURL. Its HTTP traffic is
// traced.
func DefaultConnector(ctx context.Context, cfg *config.Config, tel Telemetry) (ToolServer, error) {
	return mcp.Connect(ctx, cfg.MCPURL, mcp.Options{
		Name:           cfg.MCP.Name,
		Timeout:        cfg.MCP.Timeout,
		CacheToolsList: cfg.MCP.CacheToolsList,
		HTTPClient:     tel.HTTPClient(),
		ClientName:     "mcpagent",
		ClientVersion:  version,
	})
}

// DefaultRunnerFactory runs agents on the agentsdk-go runtime and records
// spans on tel.
func DefaultRunnerFactory(tel Telemetry) AgentRunner {
	return agent.NewRunner(tel.TracerProvider(), log.Default())
}

func (o Options) withDefaults() Options {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.TelemetryFactory == nil {
		o.TelemetryFactory = DefaultTelemetryFactory
	}
	if o.ModelFactory == nil {
		o.ModelFactory = DefaultModelFactory
	}
	if o.Connector == nil {
		o.Connector = DefaultConnector
	}
	if o.Runner == nil {
		o.Runner = DefaultRunnerFactory
	}
	return o
}

func newRootCommand(opts Options) *cobra.Command {
	opts = opts.withDefaults()
	cmd := &cobra.Command{
		Use:   "mcpagent [prompt-file]",
		Short: "Run one agent turn with tools from an MCP server",
		Long: "mcpagent reads a prompt from a file or stdin, connects to an MCP server over\n" +
			"streamable HTTP when --mcp-url or MCP_URL is set, and runs the Assistant\n" +
			"agent once with the server's tools.",
		Args:          cobra.MaximumNArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, opts)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(Options{}).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string, opts Options) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	flags := cmd.Flags()

	log.SetOutput(io.Discard)
	if verbose, _ := flags.GetBool("verbose"); verbose {
		log.SetOutput(opts.Stderr)
	}

	envFile, _ := flags.GetString("env-file")
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	tel, err := opts.TelemetryFactory(ctx)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("[telemetry] shutdown: %v", shutdownErr)
		}
	}()

	cfg, err := config.Load(config.LoadOptions{Args: args, Flags: flags, Stdin: opts.Stdin})
	if err != nil {
		return err
	}

	fmt.Fprintf(opts.Stdout, "Prompt: %s\n", cfg.Prompt)
	fmt.Fprintf(opts.Stdout, "Using model: %s\n", cfg.Model)
	fmt.Fprintf(opts.Stdout, "Using tool URL: %s\n", cfg.MCPURL)

	mdl, err := opts.ModelFactory(cfg, tel)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}

	var tools []tool.Tool
	if cfg.MCPURL == "" {
		log.Printf("[mcp] no tool URL configured, running without tools")
	} else {
		var server ToolServer
		server, err = opts.Connector(ctx, cfg, tel)
		if err != nil {
			return fmt.Errorf("connect MCP server: %w", err)
		}
		// A failed close after a completed run is logged, not fatal: the
		// answer has already been printed.
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				fmt.Fprintf(opts.Stderr, "Warning: close MCP server: %v\n", closeErr)
			}
		}()

		var descs []mcp.ToolDescriptor
		descs, err = server.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("list MCP tools: %w", err)
		}
		tools, err = mcp.FunctionTools(server, descs, false)
		if err != nil {
			return fmt.Errorf("adapt MCP tools: %w", err)
		}
		log.Printf("[mcp] %d tool(s) available from %s", len(tools), cfg.MCPURL)
	}

	a := &agent.Agent{
		Name:         cfg.Agent.Name,
		Instructions: cfg.Agent.Instructions,
		Model:        mdl,
		Tools:        tools,
	}
	result, err := opts.Runner(tel).Run(ctx, a, cfg.Prompt, agent.RunConfig{
		WorkflowName: cfg.Agent.WorkflowName,
		MaxTurns:     cfg.Agent.MaxTurns,
		TraceMetadata: map[string]string{
			"model":   cfg.Model,
			"mcp.url": cfg.MCPURL,
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[agent] run interrupted")
		}
		return fmt.Errorf("agent run: %w", err)
	}
	fmt.Fprintln(opts.Stdout, result.FinalOutput)
	return nil
}
