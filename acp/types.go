package acp

import (
	"encoding/json"
)

// ProtocolVersion is the ACP revision this host speaks.
const ProtocolVersion = 1

// ACP method names.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionSetMode    = "session/set_mode"
	MethodSessionSetConfig  = "session/set_config_option"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// Implementation identifies one side of the connection.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises what the host offers the agent. This host
// offers nothing beyond the protocol itself: no filesystem, no terminal.
type ClientCapabilities struct {
	FS       struct{} `json:"fs"`
	Terminal bool     `json:"terminal"`
}

type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         *Implementation    `json:"clientInfo,omitempty"`
}

type InitializeResponse struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AgentInfo         *Implementation `json:"agentInfo,omitempty"`
}

type NewSessionRequest struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ---- Content blocks ----

// EmbeddedResource carries attached file content inline.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ContentBlock is a prompt or update fragment. Type is "text" or
// "resource"; other block kinds pass through undecoded.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ResourceBlock embeds a file's content under its URI.
func ResourceBlock(uri, text string) ContentBlock {
	return ContentBlock{
		Type:     "resource",
		Resource: &EmbeddedResource{URI: uri, Text: text},
	}
}

type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// Stop reasons reported by session/prompt.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
	StopRefusal   = "refusal"
	StopMaxTokens = "max_tokens"
)

type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

type SetSessionModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type SetSessionConfigOptionRequest struct {
	SessionID string `json:"sessionId"`
	ConfigID  string `json:"configId"`
	Value     string `json:"value"`
}

// ---- Session updates ----

// Session update kinds carried in the sessionUpdate tag.
const (
	UpdateAgentMessageChunk       = "agent_message_chunk"
	UpdateAgentThoughtChunk       = "agent_thought_chunk"
	UpdateUserMessageChunk        = "user_message_chunk"
	UpdateToolCall                = "tool_call"
	UpdateToolCallUpdate          = "tool_call_update"
	UpdatePlan                    = "plan"
	UpdateAvailableCommandsUpdate = "available_commands_update"
	UpdateCurrentModeUpdate       = "current_mode_update"
)

// PlanEntry is one item of a plan update.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// SessionUpdate is the flattened union of all update kinds; Kind selects
// which fields are populated.
type SessionUpdate struct {
	Kind string `json:"sessionUpdate"`

	// Chunk kinds.
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call / tool_call_update.
	ToolCallID string `json:"toolCallId,omitempty"`
	Title      string `json:"title,omitempty"`
	ToolKind   string `json:"kind,omitempty"`
	Status     string `json:"status,omitempty"`

	// plan.
	Entries []PlanEntry `json:"entries,omitempty"`

	// current_mode_update.
	CurrentModeID string `json:"currentModeId,omitempty"`
}

type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// ---- Permission requests ----

// Permission option kinds.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionToolCall names the tool the agent wants to run.
type PermissionToolCall struct {
	ToolCallID string `json:"toolCallId,omitempty"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  PermissionToolCall `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcome tags.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// SelectedOutcome picks a concrete option.
func SelectedOutcome(optionID string) *RequestPermissionResponse {
	return &RequestPermissionResponse{
		Outcome: PermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID},
	}
}

// CancelledOutcome declines without selecting an option.
func CancelledOutcome() *RequestPermissionResponse {
	return &RequestPermissionResponse{
		Outcome: PermissionOutcome{Outcome: OutcomeCancelled},
	}
}
