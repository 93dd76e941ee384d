package acp

import (
	"context"
	"encoding/json"
	"io"
)

// Client is the inbound ACP surface the host implements. Notifications
// arrive in wire order. RequestPermission blocks its own goroutine until
// the host has an answer; the agent waits on the reply.
type Client interface {
	SessionNotification(n *SessionNotification)
	RequestPermission(req *RequestPermissionRequest) *RequestPermissionResponse
}

// ClientConn is the host's typed connection to one agent process.
type ClientConn struct {
	conn *Conn
}

type clientHandler struct {
	client Client
}

func (h *clientHandler) HandleNotification(method string, params json.RawMessage) {
	if method != MethodSessionUpdate {
		return
	}
	var n SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return
	}
	h.client.SessionNotification(&n)
}

func (h *clientHandler) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, *RPCError) {
	if method != MethodRequestPermission {
		return nil, NewRPCError(CodeMethodNotFound, "Method not found", method)
	}
	var req RequestPermissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "Invalid params", err.Error())
	}
	return h.client.RequestPermission(&req), nil
}

// NewClientConn wires a Client over the agent's (stdin, stdout) pair and
// starts the I/O loop. trace may be nil.
func NewClientConn(client Client, agentStdin io.Writer, agentStdout io.Reader, trace func(string)) *ClientConn {
	return &ClientConn{
		conn: NewConn(&clientHandler{client: client}, agentStdin, agentStdout, trace),
	}
}

// Done is closed when the underlying connection dies (agent exit or EOF).
func (c *ClientConn) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close tears down the connection; in-flight calls fail.
func (c *ClientConn) Close() {
	c.conn.Close()
}

// Initialize negotiates the protocol and returns the agent's identity.
func (c *ClientConn) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	var resp InitializeResponse
	if err := c.conn.Call(ctx, MethodInitialize, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NewSession creates an agent session rooted at the given cwd.
func (c *ClientConn) NewSession(ctx context.Context, req *NewSessionRequest) (*NewSessionResponse, error) {
	var resp NewSessionResponse
	if err := c.conn.Call(ctx, MethodSessionNew, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Prompt runs one prompt turn. Long-running: session/update traffic flows
// through the Client while this call is outstanding.
func (c *ClientConn) Prompt(ctx context.Context, req *PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	if err := c.conn.Call(ctx, MethodSessionPrompt, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel asks the agent to interrupt the active prompt. A notification:
// the outstanding Prompt call later resolves with a cancelled stop reason.
func (c *ClientConn) Cancel(sessionID string) error {
	return c.conn.Notify(MethodSessionCancel, &CancelNotification{SessionID: sessionID})
}

// SetSessionMode switches the agent's mode.
func (c *ClientConn) SetSessionMode(ctx context.Context, req *SetSessionModeRequest) error {
	return c.conn.Call(ctx, MethodSessionSetMode, req, nil)
}

// SetSessionConfigOption sets a runtime config option on the session.
func (c *ClientConn) SetSessionConfigOption(ctx context.Context, req *SetSessionConfigOptionRequest) error {
	return c.conn.Call(ctx, MethodSessionSetConfig, req, nil)
}
