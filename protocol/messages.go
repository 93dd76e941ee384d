package protocol

import (
	"time"
)

// ---- Session control protocol ----
// One supervisor per agent; requests carry no agent name. A client opens the
// session socket, writes one request line, reads one response line.

// Request kinds. The Type field of SessionRequest holds one of these.
const (
	ReqGetStatus = "GetStatus"
	ReqGetInfo   = "GetInfo"
	ReqGetOutput = "GetOutput"
	ReqPrompt    = "Prompt"
	ReqCancel    = "Cancel"
	ReqApprove   = "Approve"
	ReqDeny      = "Deny"
	ReqSetMode   = "SetMode"
	ReqSetConfig = "SetConfig"
	ReqRestart   = "Restart"
	ReqShutdown  = "Shutdown"
)

// PermissionChoice values accepted by Approve/Deny.
const (
	ChoiceAllowOnce    = "AllowOnce"
	ChoiceAllowAlways  = "AllowAlways"
	ChoiceReject       = "Reject"
	ChoiceRejectAlways = "RejectAlways"
)

// Attachment is a file embedded in a Prompt request. The client resolves the
// path to absolute form and inlines the content before sending; the server
// never re-reads the filesystem.
type Attachment struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// SessionRequest is the single wire type for all request kinds. Type selects
// the kind; the remaining fields are meaningful only for the kinds noted.
type SessionRequest struct {
	Type string `json:"type"`

	// Prompt
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// GetOutput. Last is nil for "everything still buffered".
	Last      *uint32 `json:"last,omitempty"`
	AgentOnly bool    `json:"agent_only,omitempty"`

	// Approve / Deny. PermissionID targets one pending permission; All
	// drains the whole queue. Choice is one of the PermissionChoice values.
	PermissionID string `json:"permission_id,omitempty"`
	All          bool   `json:"all,omitempty"`
	Choice       string `json:"choice,omitempty"`

	// SetMode
	Mode string `json:"mode,omitempty"`

	// SetConfig
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// Label returns the request kind for logging.
func (r *SessionRequest) Label() string {
	if r.Type == "" {
		return "Unknown"
	}
	return r.Type
}

// ---- Error taxonomy ----

// ErrorKind classifies an Error response for clients.
type ErrorKind string

const (
	ErrBadRequest ErrorKind = "BadRequest"
	ErrNotReady   ErrorKind = "NotReady"
	ErrBusy       ErrorKind = "Busy"
	ErrNoSession  ErrorKind = "NoSession"
	ErrNotFound   ErrorKind = "NotFound"
	ErrAgentError ErrorKind = "AgentError"
	ErrInternal   ErrorKind = "Internal"
)

// ErrorInfo is the payload of an Error response.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ---- Response payloads ----

// StatusInfo answers GetStatus.
type StatusInfo struct {
	Name   string `json:"name"`
	Type   string `json:"agent_type"`
	Status string `json:"status"`
	// PromptID is set while status is running/waiting_permission/cancelling.
	PromptID uint64 `json:"prompt_id,omitempty"`
	// PermissionID is the head of the pending queue while waiting_permission.
	PermissionID string `json:"permission_id,omitempty"`
	// Message carries the error text when status is "error".
	Message            string `json:"message,omitempty"`
	Uptime             string `json:"uptime"`
	PromptCount        uint64 `json:"prompt_count"`
	PendingPermissions int    `json:"pending_permissions"`
}

// AgentInfo answers GetInfo.
type AgentInfo struct {
	Name         string            `json:"name"`
	Type         string            `json:"agent_type"`
	PID          int               `json:"pid"`
	StartedAt    time.Time         `json:"started_at"`
	Cwd          string            `json:"cwd"`
	AgentName    string            `json:"agent_name,omitempty"`
	AgentVersion string            `json:"agent_version,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
}

// SessionResponse mirrors SessionRequest: Type selects the kind
// ("Ok" | "Error" | "Status" | "Info" | "Output").
type SessionResponse struct {
	Type string `json:"type"`

	// Ok
	Message string `json:"message,omitempty"`
	// Count of permissions affected by Approve/Deny.
	Count int `json:"count,omitempty"`

	Error  *ErrorInfo  `json:"error,omitempty"`
	Status *StatusInfo `json:"status,omitempty"`
	Info   *AgentInfo  `json:"info,omitempty"`

	// Output
	AgentName string        `json:"agent_name,omitempty"`
	Entries   []OutputEntry `json:"entries,omitempty"`
}

// Ok builds a success response.
func Ok(message string) *SessionResponse {
	return &SessionResponse{Type: "Ok", Message: message}
}

// Errorf builds an Error response of the given kind.
func Errorf(kind ErrorKind, message string) *SessionResponse {
	return &SessionResponse{
		Type:  "Error",
		Error: &ErrorInfo{Kind: kind, Message: message},
	}
}

// IsOk reports whether the response is a plain Ok.
func (r *SessionResponse) IsOk() bool {
	return r.Type == "Ok"
}

// ---- Output entries ----

// OutputType tags a ring-buffer entry.
type OutputType string

const (
	OutUserPrompt        OutputType = "user_prompt"
	OutAgentMessage      OutputType = "agent_message"
	OutAgentThought      OutputType = "agent_thought"
	OutToolCall          OutputType = "tool_call"
	OutToolCallUpdate    OutputType = "tool_call_update"
	OutPlan              OutputType = "plan"
	OutPermissionRequest OutputType = "permission_request"
	OutInfo              OutputType = "info"
	OutError             OutputType = "error"
)

// Label returns the short tag used when rendering an entry to a terminal.
func (t OutputType) Label() string {
	switch t {
	case OutUserPrompt:
		return "prompt"
	case OutAgentMessage:
		return "message"
	case OutAgentThought:
		return "thought"
	case OutToolCall:
		return "tool"
	case OutToolCallUpdate:
		return "tool_update"
	case OutPlan:
		return "plan"
	case OutPermissionRequest:
		return "permission"
	case OutInfo:
		return "info"
	case OutError:
		return "error"
	}
	return string(t)
}

// IsAgentText reports whether the entry kind carries agent prose
// (the agent_only filter of GetOutput).
func (t OutputType) IsAgentText() bool {
	return t == OutAgentMessage || t == OutAgentThought
}

// OutputEntry is one tagged line of session history. Seq is assigned by the
// ring buffer, strictly increasing and never reset.
type OutputEntry struct {
	Seq       uint64     `json:"seq"`
	Kind      OutputType `json:"kind"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`

	// Tool call payload, set for tool_call / tool_call_update.
	ToolName   string `json:"tool_name,omitempty"`
	ToolStatus string `json:"tool_status,omitempty"`

	// Permission payload, set for permission_request.
	PermissionID string `json:"permission_id,omitempty"`
}
