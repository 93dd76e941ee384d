package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nekocode/agent-team/acp"
	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/protocol"
)

// TeamClient is the ACP callback adapter: it receives the agent's
// session/update and session/request_permission traffic and turns it into
// ring-buffer entries, printer events, and pending permissions. It holds
// only the three shared slots, never the AgentHandle, so its mutations
// cannot alias the dispatcher's.
type TeamClient struct {
	status      *StatusCell
	buffer      *OutputRingBuffer
	permissions *PermissionQueue
	autoApprove config.AutoApprovePolicy
	events      *emitter

	// Streaming fragments of one logical message accumulate here until the
	// message closes (kind change, non-chunk update, or prompt end).
	partialMu   sync.Mutex
	partialKind protocol.OutputType
	partial     strings.Builder
}

// NewTeamClient wires the adapter to the shared slots.
func NewTeamClient(
	status *StatusCell,
	buffer *OutputRingBuffer,
	permissions *PermissionQueue,
	autoApprove config.AutoApprovePolicy,
	events chan<- Event,
) *TeamClient {
	return &TeamClient{
		status:      status,
		buffer:      buffer,
		permissions: permissions,
		autoApprove: autoApprove,
		events:      &emitter{ch: events},
	}
}

// writeEntry appends to the buffer and forwards to the printer.
func (tc *TeamClient) writeEntry(entry protocol.OutputEntry) {
	tc.events.entry(tc.buffer.Append(entry))
}

// SessionNotification translates one agent update. Fragment kinds stream
// to the printer and accumulate; tool calls, plans and mode changes close
// any open message first, then land in the buffer directly. User-message
// echoes and available-commands updates are dropped and leave an open
// message open.
func (tc *TeamClient) SessionNotification(n *acp.SessionNotification) {
	switch n.Update.Kind {
	case acp.UpdateAgentMessageChunk:
		tc.appendFragment(protocol.OutAgentMessage, contentText(n.Update.Content))
	case acp.UpdateAgentThoughtChunk:
		tc.appendFragment(protocol.OutAgentThought, contentText(n.Update.Content))

	case acp.UpdateToolCall:
		tc.FlushPartial()
		tc.writeEntry(protocol.OutputEntry{
			Kind:       protocol.OutToolCall,
			Text:       n.Update.Title,
			ToolName:   toolName(&n.Update),
			ToolStatus: n.Update.Status,
		})
	case acp.UpdateToolCallUpdate:
		tc.FlushPartial()
		tc.writeEntry(protocol.OutputEntry{
			Kind:       protocol.OutToolCallUpdate,
			Text:       fmtToolCallUpdate(&n.Update),
			ToolName:   toolName(&n.Update),
			ToolStatus: n.Update.Status,
		})

	case acp.UpdatePlan:
		tc.FlushPartial()
		tc.writeEntry(protocol.OutputEntry{
			Kind: protocol.OutPlan,
			Text: fmtPlan(n.Update.Entries),
		})

	case acp.UpdateCurrentModeUpdate:
		tc.FlushPartial()
		tc.writeEntry(protocol.OutputEntry{
			Kind: protocol.OutInfo,
			Text: "mode: " + n.Update.CurrentModeID,
		})

	default:
		// user_message_chunk echoes and available_commands_update are
		// informational; ignore.
	}
}

// appendFragment streams one chunk and grows the open message, closing a
// message of a different kind first.
func (tc *TeamClient) appendFragment(kind protocol.OutputType, text string) {
	if text == "" {
		return
	}
	tc.partialMu.Lock()
	if tc.partial.Len() > 0 && tc.partialKind != kind {
		tc.flushLocked()
	}
	tc.partialKind = kind
	tc.partial.WriteString(text)
	tc.partialMu.Unlock()

	tc.events.fragment(kind, text)
}

// FlushPartial closes the open message, appending whatever accumulated.
// Called on non-chunk updates and whenever status leaves running.
func (tc *TeamClient) FlushPartial() {
	tc.partialMu.Lock()
	defer tc.partialMu.Unlock()
	tc.flushLocked()
}

func (tc *TeamClient) flushLocked() {
	if tc.partial.Len() == 0 {
		return
	}
	// The fragments already streamed to the printer; only the buffer needs
	// the assembled text.
	tc.buffer.Append(protocol.OutputEntry{
		Kind: tc.partialKind,
		Text: tc.partial.String(),
	})
	tc.partial.Reset()
}

// RequestPermission applies the auto-approve policy, else parks the
// request on the pending queue until a client approves or denies it. The
// blocking happens on the connection's dispatch goroutine; notification
// delivery continues meanwhile.
func (tc *TeamClient) RequestPermission(req *acp.RequestPermissionRequest) *acp.RequestPermissionResponse {
	toolInfo := fmtToolInfo(&req.ToolCall)

	if tc.autoApprove.Matches(toolInfo) {
		tc.FlushPartial()
		tc.writeEntry(protocol.OutputEntry{
			Kind: protocol.OutPermissionRequest,
			Text: "Permission auto-approved: " + toolInfo,
		})
		if id := ChooseOption(protocol.ChoiceAllowOnce)(req.Options); id != "" {
			return acp.SelectedOutcome(id)
		}
		return acp.CancelledOutcome()
	}

	tc.FlushPartial()

	pending := &PendingPermission{
		ID:       uuid.NewString(),
		ToolInfo: toolInfo,
		Options:  req.Options,
		reply:    make(chan string, 1),
	}
	if !tc.permissions.Add(pending) {
		// Queue closed: the child is being torn down (restart or shutdown).
		return acp.CancelledOutcome()
	}

	// WaitingPermission is reachable only from Running.
	cur := tc.status.Get()
	tc.status.CompareAndSet(Status{
		State:        StateWaitingPermission,
		PromptID:     cur.PromptID,
		PermissionID: pending.ID,
	}, StateRunning)

	tc.writeEntry(protocol.OutputEntry{
		Kind:         protocol.OutPermissionRequest,
		Text:         fmt.Sprintf("Permission requested: %s (waiting for approval)", toolInfo),
		PermissionID: pending.ID,
	})

	optionID, ok := <-pending.reply

	// When the queue drains, the prompt is running again.
	if tc.permissions.Len() == 0 {
		cur = tc.status.Get()
		tc.status.CompareAndSet(Status{
			State:    StateRunning,
			PromptID: cur.PromptID,
		}, StateWaitingPermission)
	}

	if !ok || optionID == "" {
		return acp.CancelledOutcome()
	}
	return acp.SelectedOutcome(optionID)
}

// ---- formatting helpers ----

func contentText(content *acp.ContentBlock) string {
	if content == nil || content.Type != "text" {
		return ""
	}
	return content.Text
}

func toolName(u *acp.SessionUpdate) string {
	if u.Title != "" {
		return u.Title
	}
	return u.ToolKind
}

// fmtToolInfo prefers the title, falls back to the kind, then a placeholder.
func fmtToolInfo(tc *acp.PermissionToolCall) string {
	if tc.Title != "" {
		return tc.Title
	}
	if tc.Kind != "" {
		return tc.Kind
	}
	return "Unknown tool"
}

func fmtToolCallUpdate(u *acp.SessionUpdate) string {
	var parts []string
	if u.Title != "" {
		parts = append(parts, u.Title)
	}
	if u.Status != "" {
		parts = append(parts, u.Status)
	}
	if len(parts) == 0 {
		return "(no details)"
	}
	return strings.Join(parts, " ")
}

func fmtPlan(entries []acp.PlanEntry) string {
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, "Plan:")
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("  [%s] %s", e.Status, e.Content))
	}
	return strings.Join(lines, "\n")
}
