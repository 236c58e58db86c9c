package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	DefaultTimeout = 300 * time.Second

	defaultClientName    = "mcpagent"
	defaultClientVersion = "dev"
)

var ErrSessionClosed = errors.New("mcp: session closed")

// ToolError is returned by CallTool when the server flags its result as an
// error. Output holds the rendered result content.
type ToolError struct {
	Tool   string
	Output string
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("tool %s reported an error", e.Tool)
	}
	return e.Output
}

// ToolDescriptor describes one tool exposed by an MCP server.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Options configures Connect.
type Options struct {
	// Name identifies the server in logs and spans.
	Name string
	// Timeout bounds connecting, every request made on the session, and the
	// wait for response headers on each HTTP round trip.
	Timeout time.Duration
	// CacheToolsList reuses the first tools/list result until the server
	// announces that its tool list changed.
	CacheToolsList bool
	HTTPClient     *http.Client
	ClientName     string
	ClientVersion  string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(o.ClientName) == "" {
		o.ClientName = defaultClientName
	}
	if strings.TrimSpace(o.ClientVersion) == "" {
		o.ClientVersion = defaultClientVersion
	}
	return o
}

// Server is a connected MCP session over the streamable HTTP transport.
type Server struct {
	name    string
	url     string
	opts    Options
	session *mcpsdk.ClientSession
	cancel  context.CancelFunc

	mu         sync.Mutex
	cached     []ToolDescriptor
	cacheDirty bool
	closed     bool
	closeOnce  sync.Once
	closeErr   error
}

// Connect opens a session with the MCP server at rawURL. The caller owns the
// returned Server and must Close it.
func Connect(ctx context.Context, rawURL string, opts Options) (*Server, error) {
	opts = opts.withDefaults()
	endpoint, err := normalizeHTTPURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MCP endpoint: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Server{
		name:       strings.TrimSpace(opts.Name),
		url:        endpoint,
		opts:       opts,
		cacheDirty: true,
	}
	if s.name == "" {
		s.name = endpoint
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    opts.ClientName,
		Version: opts.ClientVersion,
	}, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcpsdk.ToolListChangedRequest) {
			s.invalidateToolsCache()
		},
	})

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: boundedClient(opts.HTTPClient, opts.Timeout),
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, opts.Timeout)
	defer cancelConnect()

	// The session keeps using the context it was dialed with, so it must
	// outlive connectCtx. Only a cancellation during the dial is forwarded.
	dialCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		select {
		case <-connectCtx.Done():
			cancel()
		case <-done:
		}
	}()

	session, err := client.Connect(dialCtx, transport, nil)
	close(done)
	if err != nil {
		cancel()
		if ctxErr := connectCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connect %s: %w", endpoint, ctxErr)
		}
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	if session.InitializeResult() == nil {
		cancel()
		_ = session.Close()
		return nil, fmt.Errorf("connect %s: session missing initialize result", endpoint)
	}
	s.session = session
	s.cancel = cancel
	return s, nil
}

// Name returns the display name of the server.
func (s *Server) Name() string { return s.name }

// URL returns the normalized endpoint.
func (s *Server) URL() string { return s.url }

// ListTools fetches the server's tools, following pagination.
func (s *Server) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.opts.CacheToolsList && !s.cacheDirty {
		tools := append([]ToolDescriptor(nil), s.cached...)
		s.mu.Unlock()
		return tools, nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(nonNilContext(ctx), s.opts.Timeout)
	defer cancel()

	var tools []ToolDescriptor
	params := &mcpsdk.ListToolsParams{}
	for {
		res, err := s.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list MCP tools: %w", err)
		}
		for _, tool := range res.Tools {
			if tool == nil {
				continue
			}
			desc, err := toDescriptor(tool)
			if err != nil {
				return nil, err
			}
			tools = append(tools, desc)
		}
		if res.NextCursor == "" {
			break
		}
		params = &mcpsdk.ListToolsParams{Cursor: res.NextCursor}
	}

	if s.opts.CacheToolsList {
		s.mu.Lock()
		s.cached = append([]ToolDescriptor(nil), tools...)
		s.cacheDirty = false
		s.mu.Unlock()
	}
	return tools, nil
}

// CallTool invokes a remote tool and renders its content as text. A result
// flagged as an error by the server is returned as a *ToolError carrying the
// rendered content.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}
	if strings.TrimSpace(name) == "" {
		return "", errors.New("tool name is empty")
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(nonNilContext(ctx), s.opts.Timeout)
	defer cancel()

	res, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errors.New("MCP call returned nil result")
	}
	output := renderContent(res)
	if res.IsError {
		return "", &ToolError{Tool: name, Output: output}
	}
	return output, nil
}

// Close ends the session. It is safe to call more than once; only the first
// call reaches the server.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.session != nil {
			s.closeErr = s.session.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
	return s.closeErr
}

func (s *Server) invalidateToolsCache() {
	s.mu.Lock()
	s.cacheDirty = true
	s.mu.Unlock()
}

func toDescriptor(tool *mcpsdk.Tool) (ToolDescriptor, error) {
	if strings.TrimSpace(tool.Name) == "" {
		return ToolDescriptor{}, errors.New("encountered MCP tool with empty name")
	}
	schema, err := convertSchema(tool.InputSchema)
	if err != nil {
		return ToolDescriptor{}, fmt.Errorf("parse schema for %s: %w", tool.Name, err)
	}
	return ToolDescriptor{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}, nil
}

func convertSchema(raw any) (map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// renderContent joins the text parts of a result. Results without text fall
// back to structured content, then to the JSON encoding of the content list.
func renderContent(res *mcpsdk.CallToolResult) string {
	var texts []string
	for _, part := range res.Content {
		if txt, ok := part.(*mcpsdk.TextContent); ok {
			texts = append(texts, txt.Text)
		}
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if res.StructuredContent != nil {
		if payload, err := json.Marshal(res.StructuredContent); err == nil {
			return string(payload)
		}
	}
	if len(res.Content) == 0 {
		return ""
	}
	if payload, err := json.Marshal(res.Content); err == nil {
		return string(payload)
	}
	return ""
}

// boundedClient copies base with a transport that fails a round trip when
// response headers take longer than timeout. The SDK sends some requests,
// such as cancellation notices, on contexts without a deadline.
func boundedClient(base *http.Client, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	c := *base
	c.Transport = &headerTimeoutTransport{base: rt, timeout: timeout}
	return &c
}

type headerTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *headerTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(t.timeout, cancel)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%s %s: no response headers within %s: %w",
			req.Method, req.URL.Redacted(), t.timeout, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	// streamed bodies outlive the header wait; release ctx on close
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func normalizeHTTPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("endpoint is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}

func nonNilContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
