package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekocode/agent-team/acp"
	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/protocol"
)

func newTestClient(policy config.AutoApprovePolicy) (*TeamClient, *StatusCell, *OutputRingBuffer, *PermissionQueue) {
	status := NewStatusCell(StateIdle)
	buffer := NewOutputRingBuffer(100)
	queue := NewPermissionQueue()
	tc := NewTeamClient(status, buffer, queue, policy, nil)
	return tc, status, buffer, queue
}

func chunk(kind, text string) *acp.SessionNotification {
	content := acp.TextBlock(text)
	return &acp.SessionNotification{
		Update: acp.SessionUpdate{Kind: kind, Content: &content},
	}
}

func TestFragmentAssembly(t *testing.T) {
	tc, _, buffer, _ := newTestClient(config.AutoApprovePolicy{Mode: "never"})

	tc.SessionNotification(chunk(acp.UpdateAgentMessageChunk, "Hello, "))
	tc.SessionNotification(chunk(acp.UpdateAgentMessageChunk, "world"))

	// Nothing buffered until the message closes.
	assert.Equal(t, 0, buffer.Len())

	tc.FlushPartial()
	entries := buffer.Tail(0)
	require.Len(t, entries, 1)
	assert.Equal(t, protocol.OutAgentMessage, entries[0].Kind)
	assert.Equal(t, "Hello, world", entries[0].Text)

	// Flushing again is a no-op.
	tc.FlushPartial()
	assert.Equal(t, 1, buffer.Len())
}

func TestFragmentKindChangeCloses(t *testing.T) {
	tc, _, buffer, _ := newTestClient(config.AutoApprovePolicy{Mode: "never"})

	tc.SessionNotification(chunk(acp.UpdateAgentThoughtChunk, "thinking"))
	tc.SessionNotification(chunk(acp.UpdateAgentMessageChunk, "answer"))
	tc.FlushPartial()

	entries := buffer.Tail(0)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.OutAgentThought, entries[0].Kind)
	assert.Equal(t, "thinking", entries[0].Text)
	assert.Equal(t, protocol.OutAgentMessage, entries[1].Kind)
	assert.Equal(t, "answer", entries[1].Text)
}

func TestNonChunkUpdateClosesMessage(t *testing.T) {
	tc, _, buffer, _ := newTestClient(config.AutoApprovePolicy{Mode: "never"})

	tc.SessionNotification(chunk(acp.UpdateAgentMessageChunk, "working"))
	tc.SessionNotification(&acp.SessionNotification{
		Update: acp.SessionUpdate{
			Kind:   acp.UpdateToolCall,
			Title:  "Edit /tmp/a.txt",
			Status: "pending",
		},
	})

	entries := buffer.Tail(0)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.OutAgentMessage, entries[0].Kind)
	assert.Equal(t, "working", entries[0].Text)
	assert.Equal(t, protocol.OutToolCall, entries[1].Kind)
	assert.Equal(t, "Edit /tmp/a.txt", entries[1].ToolName)
	assert.Equal(t, "pending", entries[1].ToolStatus)
}

func TestPlanAndModeUpdates(t *testing.T) {
	tc, _, buffer, _ := newTestClient(config.AutoApprovePolicy{Mode: "never"})

	tc.SessionNotification(&acp.SessionNotification{
		Update: acp.SessionUpdate{
			Kind: acp.UpdatePlan,
			Entries: []acp.PlanEntry{
				{Content: "read files", Status: "pending"},
				{Content: "edit", Status: "pending"},
			},
		},
	})
	tc.SessionNotification(&acp.SessionNotification{
		Update: acp.SessionUpdate{Kind: acp.UpdateCurrentModeUpdate, CurrentModeID: "architect"},
	})

	entries := buffer.Tail(0)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.OutPlan, entries[0].Kind)
	assert.Contains(t, entries[0].Text, "read files")
	assert.Equal(t, protocol.OutInfo, entries[1].Kind)
	assert.Equal(t, "mode: architect", entries[1].Text)
}

func TestRequestPermissionAutoApprove(t *testing.T) {
	tc, _, buffer, queue := newTestClient(config.AutoApprovePolicy{Mode: "always"})

	resp := tc.RequestPermission(&acp.RequestPermissionRequest{
		ToolCall: acp.PermissionToolCall{Title: "Edit /tmp/a.txt"},
		Options:  fullOptions(),
	})
	assert.Equal(t, acp.OutcomeSelected, resp.Outcome.Outcome)
	assert.Equal(t, "allow-once", resp.Outcome.OptionID)
	assert.Equal(t, 0, queue.Len())

	entries := buffer.Tail(0)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Text, "auto-approved")
}

func TestRequestPermissionToolRule(t *testing.T) {
	policy := config.AutoApprovePolicy{Mode: "never", AllowTools: []string{"Read *"}}
	tc, _, _, queue := newTestClient(policy)

	resp := tc.RequestPermission(&acp.RequestPermissionRequest{
		ToolCall: acp.PermissionToolCall{Title: "Read main.go"},
		Options:  fullOptions(),
	})
	assert.Equal(t, acp.OutcomeSelected, resp.Outcome.Outcome)
	assert.Equal(t, 0, queue.Len())
}

func TestRequestPermissionBlocksUntilResolved(t *testing.T) {
	tc, status, buffer, queue := newTestClient(config.AutoApprovePolicy{Mode: "never"})
	status.Set(Status{State: StateRunning, PromptID: 7})

	respCh := make(chan *acp.RequestPermissionResponse, 1)
	go func() {
		respCh <- tc.RequestPermission(&acp.RequestPermissionRequest{
			ToolCall: acp.PermissionToolCall{Title: "rm -rf build"},
			Options:  fullOptions(),
		})
	}()

	// The callback parks: status flips to waiting_permission with the
	// prompt id carried over, and the request lands in the buffer.
	require.Eventually(t, func() bool {
		return status.Get().State == StateWaitingPermission
	}, time.Second, 10*time.Millisecond)
	st := status.Get()
	assert.Equal(t, uint64(7), st.PromptID)
	assert.NotEmpty(t, st.PermissionID)

	require.Eventually(t, func() bool {
		return buffer.LatestOfKinds(protocol.OutPermissionRequest) != nil
	}, time.Second, 10*time.Millisecond)
	entry := buffer.LatestOfKinds(protocol.OutPermissionRequest)
	assert.Equal(t, st.PermissionID, entry.PermissionID)

	count := queue.Resolve("", true, ChooseOption(protocol.ChoiceAllowAlways))
	assert.Equal(t, 1, count)

	select {
	case resp := <-respCh:
		assert.Equal(t, acp.OutcomeSelected, resp.Outcome.Outcome)
		assert.Equal(t, "allow-always", resp.Outcome.OptionID)
	case <-time.After(time.Second):
		t.Fatal("callback not unblocked")
	}

	// Queue drained: the prompt is running again.
	assert.Equal(t, StateRunning, status.Get().State)
	assert.Equal(t, uint64(7), status.Get().PromptID)
}

func TestRequestPermissionClosedQueue(t *testing.T) {
	tc, _, _, queue := newTestClient(config.AutoApprovePolicy{Mode: "never"})
	queue.Close()

	resp := tc.RequestPermission(&acp.RequestPermissionRequest{
		ToolCall: acp.PermissionToolCall{Title: "anything"},
		Options:  fullOptions(),
	})
	assert.Equal(t, acp.OutcomeCancelled, resp.Outcome.Outcome)
}
