package acp_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekocode/agent-team/acp"
	"github.com/nekocode/agent-team/mockagent"
)

// recordingClient collects inbound traffic and answers permission requests
// with a fixed choice.
type recordingClient struct {
	mu            sync.Mutex
	notifications []acp.SessionNotification
	permissions   []acp.RequestPermissionRequest
	answer        *acp.RequestPermissionResponse
}

func (c *recordingClient) SessionNotification(n *acp.SessionNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, *n)
}

func (c *recordingClient) RequestPermission(req *acp.RequestPermissionRequest) *acp.RequestPermissionResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissions = append(c.permissions, *req)
	if c.answer != nil {
		return c.answer
	}
	return acp.CancelledOutcome()
}

func (c *recordingClient) texts(kind string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, n := range c.notifications {
		if n.Update.Kind == kind && n.Update.Content != nil {
			out = append(out, n.Update.Content.Text)
		}
	}
	return out
}

// startAgent wires a ClientConn to an in-process mock agent over pipes.
func startAgent(t *testing.T, client acp.Client) *acp.ClientConn {
	t.Helper()
	hostToAgent, agentStdin := io.Pipe()
	agentToHost, agentStdout := io.Pipe()

	go func() {
		_ = mockagent.Serve(agentStdout, hostToAgent)
	}()

	conn := acp.NewClientConn(client, agentStdin, agentToHost, nil)
	t.Cleanup(func() {
		agentStdin.Close()
		conn.Close()
	})
	return conn
}

func initSession(t *testing.T, conn *acp.ClientConn) string {
	t.Helper()
	ctx := context.Background()

	initResp, err := conn.Initialize(ctx, &acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion,
	})
	require.NoError(t, err)
	require.NotNil(t, initResp.AgentInfo)
	assert.Equal(t, "mock-agent", initResp.AgentInfo.Name)

	sessResp, err := conn.NewSession(ctx, &acp.NewSessionRequest{Cwd: t.TempDir(), McpServers: []any{}})
	require.NoError(t, err)
	require.NotEmpty(t, sessResp.SessionID)
	return sessResp.SessionID
}

func TestPromptEcho(t *testing.T) {
	client := &recordingClient{}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	resp, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, acp.StopEndTurn, resp.StopReason)
	assert.Equal(t, []string{"hello"}, client.texts(acp.UpdateAgentMessageChunk))
}

func TestPromptChunkedEcho(t *testing.T) {
	client := &recordingClient{}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	_, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock("one|two|three")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, client.texts(acp.UpdateAgentMessageChunk))
}

func TestPromptWithResource(t *testing.T) {
	client := &recordingClient{}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	_, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt: []acp.ContentBlock{
			acp.TextBlock("summarize"),
			acp.ResourceBlock("file:///tmp/a.go", "package a"),
		},
	})
	require.NoError(t, err)
	msgs := client.texts(acp.UpdateAgentMessageChunk)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "file:///tmp/a.go")
	assert.Contains(t, msgs[0], "package a")
}

func TestCancelDuringSlowPrompt(t *testing.T) {
	client := &recordingClient{}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	done := make(chan *acp.PromptResponse, 1)
	go func() {
		resp, err := conn.Prompt(context.Background(), &acp.PromptRequest{
			SessionID: sid,
			Prompt:    []acp.ContentBlock{acp.TextBlock("slow: never echoed")},
		})
		if err != nil {
			done <- nil
			return
		}
		done <- resp
	}()

	// Let the prompt land, then cancel while it sleeps.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.Cancel(sid))

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		assert.Equal(t, acp.StopCancelled, resp.StopReason)
	case <-time.After(3 * time.Second):
		t.Fatal("prompt did not resolve after cancel")
	}
	assert.Empty(t, client.texts(acp.UpdateAgentMessageChunk))
}

func TestPermissionApproved(t *testing.T) {
	client := &recordingClient{answer: acp.SelectedOutcome("allow-once")}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	resp, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock("perm: edit main.go")},
	})
	require.NoError(t, err)
	assert.Equal(t, acp.StopEndTurn, resp.StopReason)

	require.Len(t, client.permissions, 1)
	assert.Equal(t, "edit main.go", client.permissions[0].ToolCall.Title)
	assert.Len(t, client.permissions[0].Options, 4)
	assert.Equal(t, []string{"approved: edit main.go"}, client.texts(acp.UpdateAgentMessageChunk))
}

func TestPermissionDenied(t *testing.T) {
	client := &recordingClient{answer: acp.SelectedOutcome("reject-once")}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	_, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock("perm: rm -rf /")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"denied: rm -rf /"}, client.texts(acp.UpdateAgentMessageChunk))
}

func TestPromptError(t *testing.T) {
	client := &recordingClient{}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	_, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock("error: model unavailable")},
	})
	require.Error(t, err)
	rpcErr, ok := err.(*acp.RPCError)
	require.True(t, ok, "expected *acp.RPCError, got %T", err)
	assert.Contains(t, rpcErr.Message, "model unavailable")
}

func TestThoughtChunks(t *testing.T) {
	client := &recordingClient{}
	conn := startAgent(t, client)
	sid := initSession(t, conn)

	_, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock("think: refactor")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"thinking about refactor"}, client.texts(acp.UpdateAgentThoughtChunk))
	assert.Equal(t, []string{"refactor"}, client.texts(acp.UpdateAgentMessageChunk))
}

func TestConnDeathFailsPendingCall(t *testing.T) {
	hostToAgent, agentStdin := io.Pipe()
	agentToHost, _ := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, hostToAgent) }()

	conn := acp.NewClientConn(&recordingClient{}, agentStdin, agentToHost, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Initialize(context.Background(), &acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersion})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after close")
	}
}

func TestCallContextCancel(t *testing.T) {
	// A peer that never answers: raw pipes with no agent attached.
	hostToAgent, agentStdin := io.Pipe()
	agentToHost, _ := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, hostToAgent) }()

	conn := acp.NewClientConn(&recordingClient{}, agentStdin, agentToHost, nil)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.Initialize(ctx, &acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersion})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
