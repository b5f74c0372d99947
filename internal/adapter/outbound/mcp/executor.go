// Package mcp implements the tool executor against remote MCP servers over
// the Streamable HTTP transport.
package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/ctrl-plane/ctrl/internal/config"
	"github.com/ctrl-plane/ctrl/internal/port/outbound"
)

const (
	// maxResponseBodySize caps upstream response bodies. Prevents OOM from
	// a misbehaving server sending unbounded output.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// protocolVersion is the MCP protocol revision sent on initialize.
	protocolVersion = "2025-03-26"
)

// Executor implements outbound.ToolExecutor by speaking JSON-RPC to the
// servers declared in servers.yaml. Sessions are established lazily per
// server and reused.
type Executor struct {
	servers    *config.ServersConfig
	httpClient *http.Client
	logger     *slog.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	sessions map[string]string // server name -> Mcp-Session-Id
}

var _ outbound.ToolExecutor = (*Executor)(nil)

// Option is a functional option for configuring Executor.
type Option func(*Executor)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		e.httpClient = client
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if e.httpClient != nil {
			e.httpClient.Timeout = d
		}
	}
}

// NewExecutor creates an executor over the declared server set.
func NewExecutor(servers *config.ServersConfig, opts ...Option) *Executor {
	e := &Executor{
		servers: servers,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sessions: make(map[string]string),
		logger:   slog.Default().With("component", "executor.mcp"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute initializes a session with the named server if needed, then
// issues a tools/call and returns the decoded result.
func (e *Executor) Execute(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	srv := e.servers.ByName(server)
	if srv == nil {
		return nil, fmt.Errorf("unknown server %q", server)
	}

	sessionID, err := e.ensureSession(ctx, srv)
	if err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	result, err := e.call(ctx, srv, sessionID, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", server, tool, err)
	}

	e.logger.Debug("tool executed", "server", server, "tool", tool)
	return result, nil
}

// ensureSession performs the initialize handshake once per server and
// caches the returned session id.
func (e *Executor) ensureSession(ctx context.Context, srv *config.Server) (string, error) {
	e.mu.Lock()
	if id, ok := e.sessions[srv.Name]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	sessionID, err := e.initialize(ctx, srv)
	if err != nil {
		return "", fmt.Errorf("initialize %s: %w", srv.Name, err)
	}

	e.mu.Lock()
	e.sessions[srv.Name] = sessionID
	e.mu.Unlock()
	return sessionID, nil
}

func (e *Executor) initialize(ctx context.Context, srv *config.Server) (string, error) {
	_, sessionID, err := e.roundTrip(ctx, srv, "", "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "ctrl",
			"version": "0.1.0",
		},
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("session established", "server", srv.Name)
	return sessionID, nil
}

func (e *Executor) call(ctx context.Context, srv *config.Server, sessionID, method string, params map[string]any) (any, error) {
	result, _, err := e.roundTrip(ctx, srv, sessionID, method, params)
	return result, err
}

// rpcEnvelope is the response-side wire shape. Only the fields the
// executor inspects are decoded.
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// roundTrip sends one JSON-RPC request and decodes the response. It
// returns the decoded result plus any Mcp-Session-Id the server issued.
func (e *Executor) roundTrip(ctx context.Context, srv *config.Server, sessionID, method string, params map[string]any) (any, string, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, "", fmt.Errorf("marshal params: %w", err)
	}
	id, err := jsonrpc.MakeID(float64(e.nextID.Add(1)))
	if err != nil {
		return nil, "", fmt.Errorf("make request id: %w", err)
	}
	body, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: method,
		Params: paramsJSON,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%s: upstream returned %d", method, resp.StatusCode)
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, "", envelope.Error
	}

	var result any
	if len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, &result); err != nil {
			return nil, "", fmt.Errorf("decode result: %w", err)
		}
	}
	return result, resp.Header.Get("Mcp-Session-Id"), nil
}
