// Package mockagent is an ACP echo agent used by the end-to-end tests and
// runnable as a real agent type ("mock"). It speaks the agent side of the
// protocol over stdio and echoes prompt text back as streamed message
// chunks. Prompt prefixes script extra behaviour:
//
//	slow: <text>   delay before echoing; honours session/cancel
//	perm: <text>   request permission first, echo the outcome
//	think: <text>  emit a thought chunk before the message
//	error: <text>  fail the prompt with a JSON-RPC error
//
// A "|" in the echoed text splits it into separate message chunks, which
// exercises the host's fragment assembly.
package mockagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nekocode/agent-team/acp"
)

// Version is the agent version reported during initialize.
const Version = "1.0.0"

// SlowDelay is how long a "slow:" prompt waits before echoing.
const SlowDelay = 2 * time.Second

// Agent is one mock agent instance. Serve drives it until the peer hangs
// up.
type Agent struct {
	conn *acp.Conn

	mu         sync.Mutex
	sessionSeq int
	cancels    map[string]chan struct{}
	// A cancel can outrun its prompt's dispatch goroutine; remember it.
	precancelled map[string]bool
}

// Serve runs the agent over the given stream pair until EOF. It returns
// nil on a clean peer exit (io.EOF) and the terminal read error otherwise.
func Serve(out io.Writer, in io.Reader) error {
	a := &Agent{
		cancels:      make(map[string]chan struct{}),
		precancelled: make(map[string]bool),
	}
	a.conn = acp.NewConn(a, out, in, nil)
	<-a.conn.Done()
	if err := a.conn.Err(); err != io.EOF {
		return err
	}
	return nil
}

// HandleNotification processes session/cancel; everything else is ignored.
func (a *Agent) HandleNotification(method string, params json.RawMessage) {
	if method != acp.MethodSessionCancel {
		return
	}
	var n acp.CancelNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return
	}
	a.mu.Lock()
	ch, ok := a.cancels[n.SessionID]
	if ok {
		delete(a.cancels, n.SessionID)
	} else {
		a.precancelled[n.SessionID] = true
	}
	a.mu.Unlock()
	if ok {
		close(ch)
	}
}

// HandleRequest dispatches the host's requests.
func (a *Agent) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, *acp.RPCError) {
	switch method {
	case acp.MethodInitialize:
		return &acp.InitializeResponse{
			ProtocolVersion: acp.ProtocolVersion,
			AgentInfo:       &acp.Implementation{Name: "mock-agent", Version: Version},
		}, nil

	case acp.MethodSessionNew:
		a.mu.Lock()
		a.sessionSeq++
		id := fmt.Sprintf("mock-session-%d", a.sessionSeq)
		a.mu.Unlock()
		return &acp.NewSessionResponse{SessionID: id}, nil

	case acp.MethodSessionPrompt:
		var req acp.PromptRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, acp.NewRPCError(acp.CodeInvalidParams, "Invalid params", err.Error())
		}
		return a.handlePrompt(&req)

	case acp.MethodSessionSetMode, acp.MethodSessionSetConfig:
		return map[string]any{}, nil
	}
	return nil, acp.NewRPCError(acp.CodeMethodNotFound, "Method not found", method)
}

func (a *Agent) handlePrompt(req *acp.PromptRequest) (any, *acp.RPCError) {
	text := promptText(req.Prompt)

	cancel := make(chan struct{})
	a.mu.Lock()
	if a.precancelled[req.SessionID] {
		delete(a.precancelled, req.SessionID)
		a.mu.Unlock()
		return &acp.PromptResponse{StopReason: acp.StopCancelled}, nil
	}
	a.cancels[req.SessionID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.cancels, req.SessionID)
		a.mu.Unlock()
	}()

	switch {
	case strings.HasPrefix(text, "error:"):
		return nil, acp.NewRPCError(acp.CodeInternalError, strings.TrimSpace(strings.TrimPrefix(text, "error:")), nil)

	case strings.HasPrefix(text, "slow:"):
		select {
		case <-time.After(SlowDelay):
		case <-cancel:
			return &acp.PromptResponse{StopReason: acp.StopCancelled}, nil
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, "slow:"))

	case strings.HasPrefix(text, "perm:"):
		rest := strings.TrimSpace(strings.TrimPrefix(text, "perm:"))
		approved, err := a.requestPermission(req.SessionID, rest)
		if err != nil {
			return nil, acp.NewRPCError(acp.CodeInternalError, "permission request failed", err.Error())
		}
		if approved {
			text = "approved: " + rest
		} else {
			text = "denied: " + rest
		}

	case strings.HasPrefix(text, "think:"):
		rest := strings.TrimSpace(strings.TrimPrefix(text, "think:"))
		a.sendChunk(req.SessionID, acp.UpdateAgentThoughtChunk, "thinking about "+rest)
		text = rest
	}

	// Echo, one chunk per "|"-separated part.
	for _, part := range strings.Split(text, "|") {
		select {
		case <-cancel:
			return &acp.PromptResponse{StopReason: acp.StopCancelled}, nil
		default:
		}
		a.sendChunk(req.SessionID, acp.UpdateAgentMessageChunk, part)
	}
	return &acp.PromptResponse{StopReason: acp.StopEndTurn}, nil
}

// requestPermission round-trips a session/request_permission to the host.
func (a *Agent) requestPermission(sessionID, title string) (bool, error) {
	req := &acp.RequestPermissionRequest{
		SessionID: sessionID,
		ToolCall:  acp.PermissionToolCall{ToolCallID: "tool-1", Title: title, Kind: "execute"},
		Options: []acp.PermissionOption{
			{OptionID: "allow-once", Name: "Allow once", Kind: acp.OptionAllowOnce},
			{OptionID: "allow-always", Name: "Allow always", Kind: acp.OptionAllowAlways},
			{OptionID: "reject-once", Name: "Reject", Kind: acp.OptionRejectOnce},
			{OptionID: "reject-always", Name: "Reject always", Kind: acp.OptionRejectAlways},
		},
	}
	var resp acp.RequestPermissionResponse
	if err := a.conn.Call(context.Background(), acp.MethodRequestPermission, req, &resp); err != nil {
		return false, err
	}
	if resp.Outcome.Outcome != acp.OutcomeSelected {
		return false, nil
	}
	return strings.HasPrefix(resp.Outcome.OptionID, "allow"), nil
}

func (a *Agent) sendChunk(sessionID, kind, text string) {
	content := acp.TextBlock(text)
	_ = a.conn.Notify(acp.MethodSessionUpdate, &acp.SessionNotification{
		SessionID: sessionID,
		Update:    acp.SessionUpdate{Kind: kind, Content: &content},
	})
}

// promptText flattens the content blocks of a prompt into one string, the
// same way a real agent folds attached resources into its context.
func promptText(blocks []acp.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource":
			if b.Resource != nil {
				parts = append(parts, fmt.Sprintf("--- %s ---\n%s", b.Resource.URI, b.Resource.Text))
			}
		}
	}
	return strings.Join(parts, "\n")
}
