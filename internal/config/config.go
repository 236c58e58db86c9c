package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stellarlinkco/mcpagent/internal/profile"
	"github.com/subosito/gotenv"
)

const (
	DefaultAgentName      = "Assistant"
	DefaultWorkflowName   = "envoy-ai-gateway"
	DefaultMaxTurns       = 10
	DefaultMCPName        = "Envoy AI Gateway MCP"
	DefaultMCPTimeout     = 300 * time.Second
	DefaultProvider       = "openai"
	providerAnthropic     = "anthropic"
	keyModel              = "model"
	keyMCPURL             = "mcp_url"
	keyProvider           = "provider"
	keyMaxTurns           = "max_turns"
	keyAgentFile          = "agent_file"
	keyVerbose            = "verbose"
	keyOpenAIAPIKey       = "openai.api_key"
	keyOpenAIBaseURL      = "openai.base_url"
	keyAnthropicAPIKey    = "anthropic.api_key"
	keyAnthropicBaseURL   = "anthropic.base_url"
	keyAnthropicAuthToken = "anthropic.auth_token"
)

// ErrMissingModel is returned by RequireModel when neither --model nor
// CHAT_MODEL is set.
var ErrMissingModel = errors.New("no model configured: pass --model or set CHAT_MODEL")

// Config is everything one run needs, resolved from flags, environment and
// the optional agent profile.
type Config struct {
	Prompt   string
	Model    string
	MCPURL   string
	Provider ProviderConfig
	Agent    AgentConfig
	MCP      MCPConfig
	Verbose  bool
}

// ProviderConfig selects the model backend and its credentials.
type ProviderConfig struct {
	Type    string // "openai" (default) or "anthropic"
	APIKey  string
	BaseURL string
}

// AgentConfig describes the agent that is run.
type AgentConfig struct {
	Name         string
	WorkflowName string
	MaxTurns     int
	Instructions string
	Temperature  *float64
	MaxTokens    int
}

// MCPConfig tunes the MCP connection made when a tool URL is set.
type MCPConfig struct {
	Name           string
	Timeout        time.Duration
	CacheToolsList bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{Type: DefaultProvider},
		Agent: AgentConfig{
			Name:         DefaultAgentName,
			WorkflowName: DefaultWorkflowName,
			MaxTurns:     DefaultMaxTurns,
		},
		MCP: MCPConfig{
			Name:           DefaultMCPName,
			Timeout:        DefaultMCPTimeout,
			CacheToolsList: true,
		},
	}
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("model", "", "model name (env CHAT_MODEL)")
	fs.String("mcp-url", "", "MCP streamable HTTP endpoint (env MCP_URL)")
	fs.String("provider", "", "model provider: openai or anthropic (env MODEL_PROVIDER)")
	fs.String("env-file", "", "load environment variables from this file before starting")
	fs.String("agent-file", "", "Markdown agent profile with optional YAML front matter")
	fs.Int("max-turns", DefaultMaxTurns, "maximum model turns per run")
	fs.BoolP("verbose", "v", false, "log run events to stderr")
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set keep their value. An empty path is a no-op.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadOptions are the inputs to Load.
type LoadOptions struct {
	// Args are the positional arguments; the first, if any, is the prompt file.
	Args []string
	// Flags is the command's flag set, registered with RegisterFlags.
	Flags *pflag.FlagSet
	// Stdin is read for the prompt when no file argument is given.
	Stdin io.Reader
}

// Load builds the configuration. Set flags win over environment variables,
// which win over defaults.
func Load(opts LoadOptions) (*Config, error) {
	cfg := DefaultConfig()

	prompt, err := readPrompt(opts.Args, opts.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read prompt: %w", err)
	}
	cfg.Prompt = prompt

	v, err := newViper(opts.Flags)
	if err != nil {
		return nil, err
	}

	cfg.Model = strings.TrimSpace(v.GetString(keyModel))
	cfg.MCPURL = strings.TrimSpace(v.GetString(keyMCPURL))
	cfg.Verbose = v.GetBool(keyVerbose)

	providerType := strings.ToLower(strings.TrimSpace(v.GetString(keyProvider)))
	switch providerType {
	case "", DefaultProvider:
		cfg.Provider = ProviderConfig{
			Type:    DefaultProvider,
			APIKey:  v.GetString(keyOpenAIAPIKey),
			BaseURL: v.GetString(keyOpenAIBaseURL),
		}
	case providerAnthropic:
		key := v.GetString(keyAnthropicAPIKey)
		if key == "" {
			key = v.GetString(keyAnthropicAuthToken)
		}
		cfg.Provider = ProviderConfig{
			Type:    providerAnthropic,
			APIKey:  key,
			BaseURL: v.GetString(keyAnthropicBaseURL),
		}
	default:
		return nil, fmt.Errorf("unsupported provider %q: want openai or anthropic", providerType)
	}

	p, err := profile.Load(v.GetString(keyAgentFile))
	if err != nil {
		return nil, err
	}
	if p != nil {
		cfg.Agent.Instructions = p.Instructions
		cfg.Agent.Temperature = p.Temperature
		cfg.Agent.MaxTokens = p.MaxTokens
		if p.MaxTurns > 0 {
			cfg.Agent.MaxTurns = p.MaxTurns
		}
	}
	if opts.Flags != nil && opts.Flags.Changed("max-turns") {
		cfg.Agent.MaxTurns = v.GetInt(keyMaxTurns)
	}
	if cfg.Agent.MaxTurns <= 0 {
		return nil, fmt.Errorf("max turns must be positive, got %d", cfg.Agent.MaxTurns)
	}

	return cfg, nil
}

// RequireModel reports ErrMissingModel when no model name was resolved.
func (c *Config) RequireModel() error {
	if strings.TrimSpace(c.Model) == "" {
		return ErrMissingModel
	}
	return nil
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	envs := map[string][]string{
		keyModel:              {"CHAT_MODEL"},
		keyMCPURL:             {"MCP_URL"},
		keyProvider:           {"MODEL_PROVIDER"},
		keyOpenAIAPIKey:       {"OPENAI_API_KEY"},
		keyOpenAIBaseURL:      {"OPENAI_BASE_URL"},
		keyAnthropicAPIKey:    {"ANTHROPIC_API_KEY"},
		keyAnthropicAuthToken: {"ANTHROPIC_AUTH_TOKEN"},
		keyAnthropicBaseURL:   {"ANTHROPIC_BASE_URL"},
	}
	for key, names := range envs {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if flags == nil {
		return v, nil
	}
	for key, name := range map[string]string{
		keyModel:     "model",
		keyMCPURL:    "mcp-url",
		keyProvider:  "provider",
		keyMaxTurns:  "max-turns",
		keyAgentFile: "agent-file",
		keyVerbose:   "verbose",
	} {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return v, nil
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if stdin == nil {
		return "", errors.New("no prompt file given and stdin is unavailable")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
