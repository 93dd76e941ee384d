package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nekocode/agent-team/acp"
	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/errors"
	"github.com/nekocode/agent-team/protocol"
)

// ShutdownGrace is how long a child gets after SIGTERM before SIGKILL.
const ShutdownGrace = 3 * time.Second

// initTimeout bounds the ACP initialize + new_session handshake at spawn.
const initTimeout = 30 * time.Second

// TraceEnv enables ACP wire tracing to <name>.trace when set. The path is
// relative to the supervisor's working directory, not the socket directory.
const TraceEnv = "AGENT_TEAM_ACP_TRACE"

// AgentHandle owns one ACP child process: the process itself, the shared
// connection, the three shared state slots, and the prompt lifecycle. The
// Session Server is its only owner; the callback adapter sees just the
// shared slots.
type AgentHandle struct {
	Name      string
	Type      string
	Cwd       string
	ExtraArgs []string
	StartedAt time.Time

	Status      *StatusCell
	Buffer      *OutputRingBuffer
	Permissions *PermissionQueue

	typeConfig config.AgentTypeConfig
	client     *TeamClient
	events     *emitter
	tracePath  string

	// mu guards the replaceable half: connection, child, session identity,
	// and runtime settings. Never held across an ACP call.
	mu          sync.Mutex
	conn        *acp.ClientConn
	child       *exec.Cmd
	childWait   chan error
	sessionID   string
	agentInfo   *acp.Implementation
	mode        string
	configMap   map[string]string
	promptSeq   uint64
	promptCount uint64
}

// SpawnAgent launches the child, performs the ACP handshake, and returns
// an idle handle. The executable is checked on PATH first so a missing
// adapter fails fast with its install hint.
func SpawnAgent(
	name, agentType string,
	typeConfig config.AgentTypeConfig,
	cwd string,
	extraArgs []string,
	bufferSize int,
	autoApprove config.AutoApprovePolicy,
	events chan<- Event,
) (*AgentHandle, error) {
	if !config.CommandExists(typeConfig.Command) {
		if hint := config.LookupAdapterHint(agentType); hint != nil {
			return nil, errors.New(
				"adapter '%s' not found in PATH; install it with: %s",
				hint.Adapter, hint.Install,
			)
		}
		return nil, errors.New("'%s' not found in PATH", typeConfig.Command)
	}

	h := &AgentHandle{
		Name:        name,
		Type:        agentType,
		Cwd:         cwd,
		ExtraArgs:   extraArgs,
		StartedAt:   time.Now(),
		Status:      NewStatusCell(StateStarting),
		Buffer:      NewOutputRingBuffer(bufferSize),
		Permissions: NewPermissionQueue(),
		typeConfig:  typeConfig,
		events:      &emitter{ch: events},
		configMap:   make(map[string]string),
	}
	h.client = NewTeamClient(h.Status, h.Buffer, h.Permissions, autoApprove, events)

	if err := h.startChild(); err != nil {
		h.Status.Set(Status{State: StateError, Message: err.Error()})
		return nil, err
	}
	return h, nil
}

// startChild runs steps 3-7 of the spawn protocol: fork, connect, ACP
// initialize, new_session. Shared with Restart.
func (h *AgentHandle) startChild() error {
	cmd := exec.Command(h.typeConfig.Command, append(append([]string{}, h.typeConfig.DefaultArgs...), h.ExtraArgs...)...)
	cmd.Dir = h.Cwd
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "failed to open stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to spawn '%s'", h.typeConfig.Command)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	conn := acp.NewClientConn(h.client, stdin, stdout, h.traceFunc())
	go h.watchConn(conn)

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	initResp, err := conn.Initialize(ctx, &acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion,
		// No filesystem or terminal capabilities: the agent brings its own.
		ClientCapabilities: acp.ClientCapabilities{},
		ClientInfo:         &acp.Implementation{Name: "agent-team"},
	})
	if err != nil {
		conn.Close()
		h.reapChild(cmd, waitCh)
		return errors.Wrapf(err, "ACP initialize failed")
	}

	sessResp, err := conn.NewSession(ctx, &acp.NewSessionRequest{Cwd: h.Cwd, McpServers: []any{}})
	if err != nil {
		conn.Close()
		h.reapChild(cmd, waitCh)
		return errors.Wrapf(err, "ACP new_session failed")
	}

	h.mu.Lock()
	h.conn = conn
	h.child = cmd
	h.childWait = waitCh
	h.sessionID = sessResp.SessionID
	h.agentInfo = initResp.AgentInfo
	h.mu.Unlock()

	h.Status.Set(Status{State: StateIdle})
	return nil
}

// watchConn surfaces an unexpected connection death as an error entry.
// Deliberate teardown (restart, shutdown) passes through silently.
func (h *AgentHandle) watchConn(conn *acp.ClientConn) {
	<-conn.Done()

	h.mu.Lock()
	current := h.conn == conn
	h.mu.Unlock()
	if !current {
		return
	}
	st := h.Status.Get().State
	if st == StateShuttingDown || st == StateTerminated || st == StateStarting {
		return
	}
	h.client.writeEntry(protocol.OutputEntry{
		Kind: protocol.OutError,
		Text: "ACP connection lost",
	})
}

// traceFunc returns the wire trace hook, or nil unless TraceEnv is set.
func (h *AgentHandle) traceFunc() func(string) {
	if os.Getenv(TraceEnv) == "" {
		return nil
	}
	if h.tracePath == "" {
		h.tracePath = fmt.Sprintf("%s.trace", h.Name)
	}
	f, err := os.OpenFile(h.tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	var mu sync.Mutex
	return func(msg string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(f, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
	}
}

// connection snapshots the shared connection slot.
func (h *AgentHandle) connection() (*acp.ClientConn, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn, h.sessionID
}

// ---- request operations ----

// Prompt accepts a prompt when the agent is idle and detaches the ACP call
// into a background goroutine; the reply acks immediately.
func (h *AgentHandle) Prompt(text string, attachments []protocol.Attachment) *protocol.SessionResponse {
	st := h.Status.Get()
	switch st.State {
	case StateStarting, StateShuttingDown, StateTerminated:
		return protocol.Errorf(protocol.ErrNotReady, fmt.Sprintf("agent is %s", st.State))
	case StateRunning, StateWaitingPermission, StateCancelling:
		return protocol.Errorf(protocol.ErrBusy, "a prompt is already in flight")
	}

	conn, sid := h.connection()
	if conn == nil || sid == "" {
		return protocol.Errorf(protocol.ErrNoSession, "no active ACP session")
	}

	h.mu.Lock()
	h.promptSeq++
	promptID := h.promptSeq
	h.promptCount++
	h.mu.Unlock()

	h.client.writeEntry(protocol.OutputEntry{Kind: protocol.OutUserPrompt, Text: text})
	h.Status.Set(Status{State: StateRunning, PromptID: promptID})
	h.events.info("running", "Processing")

	blocks := make([]acp.ContentBlock, 0, len(attachments)+1)
	blocks = append(blocks, acp.TextBlock(text))
	for _, a := range attachments {
		blocks = append(blocks, acp.ResourceBlock("file://"+a.Path, a.Content))
	}

	go h.runPrompt(conn, sid, blocks)
	return protocol.Ok("Prompt submitted")
}

// runPrompt awaits the long-running ACP prompt call. Callback traffic
// lands in the buffer concurrently; this only writes the terminal marker
// and the final state.
func (h *AgentHandle) runPrompt(conn *acp.ClientConn, sid string, blocks []acp.ContentBlock) {
	resp, err := conn.Prompt(context.Background(), &acp.PromptRequest{
		SessionID: sid,
		Prompt:    blocks,
	})

	// Close any half-assembled message regardless of outcome.
	h.client.FlushPartial()

	st := h.Status.Get().State
	if st == StateShuttingDown || st == StateTerminated {
		return
	}

	switch {
	case err != nil:
		h.client.writeEntry(protocol.OutputEntry{
			Kind: protocol.OutError,
			Text: "Prompt failed: " + err.Error(),
		})
		h.Status.Set(Status{State: StateError, Message: err.Error()})
		h.Status.Set(Status{State: StateIdle})
	case resp.StopReason == acp.StopCancelled:
		h.client.writeEntry(protocol.OutputEntry{Kind: protocol.OutInfo, Text: "cancelled"})
		h.Status.Set(Status{State: StateIdle})
	default:
		h.client.writeEntry(protocol.OutputEntry{Kind: protocol.OutInfo, Text: resp.StopReason})
		h.Status.Set(Status{State: StateIdle})
	}
	h.events.info("idle", "Ready")
}

// Cancel records cancellation intent and sends the ACP cancel
// notification. Non-blocking: the prompt goroutine observes the cancelled
// stop reason and finishes the transition to idle. A cancel with nothing
// running is a no-op.
func (h *AgentHandle) Cancel() *protocol.SessionResponse {
	st := h.Status.Get()
	if !st.Busy() {
		return protocol.Ok("Nothing to cancel")
	}

	conn, sid := h.connection()
	if conn == nil || sid == "" {
		return protocol.Errorf(protocol.ErrNoSession, "no active ACP session")
	}

	h.Status.CompareAndSet(
		Status{State: StateCancelling, PromptID: st.PromptID},
		StateRunning, StateWaitingPermission,
	)

	// Unblock any callback parked on a permission; it returns a rejection.
	h.Permissions.Resolve("", true, func([]acp.PermissionOption) string { return "" })

	if err := conn.Cancel(sid); err != nil {
		return protocol.Errorf(protocol.ErrAgentError, err.Error())
	}
	h.events.info("cancelled", "Cancel sent")
	return protocol.Ok("Cancel sent")
}

// ResolvePermissions answers pending permission requests. An empty
// permissionID with all=false targets the head of the queue.
func (h *AgentHandle) ResolvePermissions(permissionID string, all bool, choice string, approve bool) *protocol.SessionResponse {
	if h.Permissions.Len() == 0 {
		return protocol.Errorf(protocol.ErrNotFound, "no pending permissions")
	}
	count := h.Permissions.Resolve(permissionID, all, ChooseOption(choice))
	if count == 0 {
		return protocol.Errorf(protocol.ErrNotFound, fmt.Sprintf("unknown permission id: %s", permissionID))
	}

	word := "Approved"
	tag := "approved"
	if !approve {
		word = "Denied"
		tag = "denied"
	}
	h.events.info(tag, fmt.Sprintf("%d permission(s)", count))
	return &protocol.SessionResponse{
		Type:    "Ok",
		Message: fmt.Sprintf("%s %d permission(s)", word, count),
		Count:   count,
	}
}

// SetMode forwards to ACP session/set_mode and records the mode on
// success.
func (h *AgentHandle) SetMode(ctx context.Context, mode string) *protocol.SessionResponse {
	conn, sid := h.connection()
	if conn == nil || sid == "" {
		return protocol.Errorf(protocol.ErrNoSession, "no active ACP session")
	}
	if err := conn.SetSessionMode(ctx, &acp.SetSessionModeRequest{SessionID: sid, ModeID: mode}); err != nil {
		return protocol.Errorf(protocol.ErrAgentError, err.Error())
	}
	h.mu.Lock()
	h.mode = mode
	h.mu.Unlock()
	h.events.info("mode", mode)
	return protocol.Ok("Mode: " + mode)
}

// SetConfig forwards to ACP session/set_config_option and records the
// key/value on success.
func (h *AgentHandle) SetConfig(ctx context.Context, key, value string) *protocol.SessionResponse {
	conn, sid := h.connection()
	if conn == nil || sid == "" {
		return protocol.Errorf(protocol.ErrNoSession, "no active ACP session")
	}
	if err := conn.SetSessionConfigOption(ctx, &acp.SetSessionConfigOptionRequest{
		SessionID: sid, ConfigID: key, Value: value,
	}); err != nil {
		return protocol.Errorf(protocol.ErrAgentError, err.Error())
	}
	h.mu.Lock()
	h.configMap[key] = value
	h.mu.Unlock()
	h.events.info("config", fmt.Sprintf("%s = %s", key, value))
	return protocol.Ok(fmt.Sprintf("Config: %s = %s", key, value))
}

// Restart tears the child down and re-runs the spawn protocol. The ring
// buffer, mode, and config map survive; the connection, child, and ACP
// session are replaced. The control listener is untouched.
func (h *AgentHandle) Restart() *protocol.SessionResponse {
	h.teardownChild()

	h.Permissions.Reopen()
	h.Status.Set(Status{State: StateStarting})
	if err := h.startChild(); err != nil {
		h.Status.Set(Status{State: StateError, Message: err.Error()})
		return protocol.Errorf(protocol.ErrInternal, "restart failed: "+err.Error())
	}

	h.client.writeEntry(protocol.OutputEntry{Kind: protocol.OutInfo, Text: "restarted"})
	h.events.info("restarted", "Agent restarted, idle")
	return protocol.Ok("Agent restarted")
}

// Close shuts the child down for good. Safe to call twice.
func (h *AgentHandle) Close() {
	if h.Status.Get().State == StateTerminated {
		return
	}
	h.teardownChild()
	h.Status.Set(Status{State: StateTerminated})
}

// teardownChild cancels outstanding work, drops the connection, and stops
// the process under the shutdown grace period.
func (h *AgentHandle) teardownChild() {
	h.Status.Set(Status{State: StateShuttingDown})
	h.client.FlushPartial()
	h.Permissions.Close()

	h.mu.Lock()
	conn := h.conn
	sid := h.sessionID
	child := h.child
	waitCh := h.childWait
	h.conn = nil
	h.child = nil
	h.childWait = nil
	h.sessionID = ""
	h.mu.Unlock()

	if conn != nil {
		if sid != "" {
			_ = conn.Cancel(sid)
		}
		conn.Close()
	}
	if child != nil {
		h.reapChild(child, waitCh)
	}
}

// reapChild stops a child: SIGTERM, the grace period, then SIGKILL.
func (h *AgentHandle) reapChild(child *exec.Cmd, waitCh chan error) {
	if child.Process == nil {
		return
	}
	_ = child.Process.Signal(syscall.SIGTERM)

	select {
	case err := <-waitCh:
		h.events.info("exited", exitMessage(err))
	case <-time.After(ShutdownGrace):
		_ = child.Process.Kill()
		err := <-waitCh
		h.events.info("exited", "timeout, killed: "+exitMessage(err))
	}
}

func exitMessage(err error) string {
	if err == nil {
		return "exit code 0"
	}
	return err.Error()
}

// ---- status snapshots ----

// StatusInfo builds the GetStatus reply.
func (h *AgentHandle) StatusInfo() *protocol.StatusInfo {
	st := h.Status.Get()
	h.mu.Lock()
	promptCount := h.promptCount
	h.mu.Unlock()

	uptime := time.Since(h.StartedAt)
	info := &protocol.StatusInfo{
		Name:               h.Name,
		Type:               h.Type,
		Status:             string(st.State),
		Uptime:             fmt.Sprintf("%dm %ds", int(uptime.Minutes()), int(uptime.Seconds())%60),
		PromptCount:        promptCount,
		PendingPermissions: h.Permissions.Len(),
	}
	if st.Busy() {
		info.PromptID = st.PromptID
	}
	if st.State == StateWaitingPermission {
		info.PermissionID = h.Permissions.HeadID()
	}
	if st.State == StateError {
		info.Message = st.Message
	}
	return info
}

// AgentInfo builds the GetInfo reply.
func (h *AgentHandle) AgentInfo() *protocol.AgentInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := &protocol.AgentInfo{
		Name:      h.Name,
		Type:      h.Type,
		StartedAt: h.StartedAt,
		Cwd:       h.Cwd,
		SessionID: h.sessionID,
		Mode:      h.mode,
	}
	if h.child != nil && h.child.Process != nil {
		info.PID = h.child.Process.Pid
	}
	if h.agentInfo != nil {
		info.AgentName = h.agentInfo.Name
		info.AgentVersion = h.agentInfo.Version
	}
	if len(h.configMap) > 0 {
		info.Config = make(map[string]string, len(h.configMap))
		for k, v := range h.configMap {
			info.Config[k] = v
		}
	}
	return info
}

// Output answers GetOutput. last == nil returns everything buffered.
func (h *AgentHandle) Output(last *uint32, agentOnly bool) *protocol.SessionResponse {
	resp := &protocol.SessionResponse{Type: "Output", AgentName: h.Name}

	// "What was the last agent reply?" is a point lookup.
	if agentOnly && last != nil && *last == 1 {
		if e := h.Buffer.LatestOfKinds(protocol.OutAgentMessage, protocol.OutAgentThought); e != nil {
			resp.Entries = []protocol.OutputEntry{*e}
		}
		return resp
	}

	n := 0
	if last != nil {
		n = int(*last)
	}
	resp.Entries = h.Buffer.TailFiltered(n, agentOnly)
	return resp
}
