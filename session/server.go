package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/errors"
	"github.com/nekocode/agent-team/protocol"
)

// Run is the session supervisor: it binds the control socket, spawns the
// agent, and serves client requests until Shutdown or a signal. It blocks
// for the session's lifetime and returns nil on a clean shutdown.
//
// The listener is bound before the agent is spawned so a client waiting on
// socket existence only ever observes a socket that will be served.
func Run(name, agentType string, cfg *config.TeamConfig, extraArgs []string, cwd string) error {
	typeConfig, ok := cfg.AgentTypes[agentType]
	if !ok {
		return errors.New("unknown agent type: %s (supported: %s)",
			agentType, strings.Join(cfg.KnownAgentTypes(), ", "))
	}

	sockPath := cfg.SessionSocket(name)
	if err := cfg.EnsureSocketDir(); err != nil {
		return errors.Wrapf(err, "failed to create socket directory")
	}
	removeStaleSocket(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", sockPath)
	}
	// The scope guard: the socket file disappears on every exit path,
	// including a panic unwinding through here.
	defer func() {
		listener.Close()
		os.Remove(sockPath)
	}()

	// The channel is never closed: late emitters (a prompt goroutine dying
	// during teardown) must not panic. The printer exits on a stop event
	// and anything after that is dropped by the non-blocking sends.
	events := make(chan Event, 1024)
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		printEvents(os.Stdout, events)
	}()
	defer func() {
		events <- Event{Kind: eventStop}
		<-printerDone
	}()

	em := &emitter{ch: events}
	em.info("started", fmt.Sprintf("Listening on %s (type: %s)", sockPath, agentType))

	handle, err := SpawnAgent(name, agentType, typeConfig, cwd, extraArgs,
		cfg.OutputBufferSize, cfg.AutoApprove, events)
	if err != nil {
		em.info("error", err.Error())
		return err
	}
	em.info("initialized", "ACP protocol ready")
	em.info("idle", "Ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	conns := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			conns <- conn
		}
	}()

	// Connections are served one at a time: a single agent cannot usefully
	// service parallel prompts, and every request is short.
	shutdown := false
	for !shutdown {
		select {
		case conn := <-conns:
			shutdown = serveConnection(conn, handle, em)
			if shutdown {
				em.info("shutdown", "Remote request")
			}
		case sig := <-sigCh:
			em.info("shutdown", "Signal received: "+sig.String())
			shutdown = true
		case err := <-acceptErr:
			em.info("error", "Accept failed: "+err.Error())
			shutdown = true
		}
	}

	handle.Close()
	em.info("stopped", "Socket cleaned")
	return nil
}

// removeStaleSocket unlinks a leftover socket from a dead supervisor. A
// live one would make the bind fail, which is the correct outcome for a
// name collision.
func removeStaleSocket(path string) {
	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
		if err != nil {
			os.Remove(path)
			return
		}
		conn.Close()
	}
}

// serveConnection reads one request, dispatches it, writes one reply, and
// closes. Reports whether the request was an acknowledged Shutdown.
func serveConnection(conn net.Conn, handle *AgentHandle, em *emitter) bool {
	defer conn.Close()
	reader := protocol.NewLineReader(conn)
	writer := protocol.NewLineWriter(conn)

	req, err := protocol.Read[protocol.SessionRequest](reader)
	if err != nil {
		_ = protocol.Write(writer, protocol.Errorf(protocol.ErrBadRequest, err.Error()))
		return false
	}
	if req == nil {
		return false
	}

	// GetStatus and GetOutput are polling noise; Prompt surfaces through
	// its own UserPrompt entry.
	switch req.Type {
	case protocol.ReqGetStatus, protocol.ReqGetOutput, protocol.ReqGetInfo, protocol.ReqPrompt:
	default:
		em.info("request", req.Label())
	}

	resp := dispatch(handle, req)
	if err := protocol.Write(writer, resp); err != nil {
		em.info("disconnected", "Client disconnected")
		return false
	}
	return req.Type == protocol.ReqShutdown
}

// dispatch routes one request to the handle. Every failure becomes an
// Error reply; the session itself continues.
func dispatch(handle *AgentHandle, req *protocol.SessionRequest) *protocol.SessionResponse {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch req.Type {
	case protocol.ReqGetStatus:
		return &protocol.SessionResponse{Type: "Status", Status: handle.StatusInfo()}

	case protocol.ReqGetInfo:
		return &protocol.SessionResponse{Type: "Info", Info: handle.AgentInfo()}

	case protocol.ReqGetOutput:
		return handle.Output(req.Last, req.AgentOnly)

	case protocol.ReqPrompt:
		return handle.Prompt(req.Text, req.Attachments)

	case protocol.ReqCancel:
		return handle.Cancel()

	case protocol.ReqApprove:
		choice := req.Choice
		if choice == "" {
			choice = protocol.ChoiceAllowOnce
		}
		return handle.ResolvePermissions(req.PermissionID, req.All, choice, true)

	case protocol.ReqDeny:
		choice := req.Choice
		if choice == "" {
			choice = protocol.ChoiceReject
		}
		return handle.ResolvePermissions(req.PermissionID, req.All, choice, false)

	case protocol.ReqSetMode:
		return handle.SetMode(ctx, req.Mode)

	case protocol.ReqSetConfig:
		return handle.SetConfig(ctx, req.Key, req.Value)

	case protocol.ReqRestart:
		return handle.Restart()

	case protocol.ReqShutdown:
		return protocol.Ok("Session shutting down")
	}
	return protocol.Errorf(protocol.ErrBadRequest, "unknown request: "+req.Type)
}

// printEvents renders the event stream. Streaming fragments print in
// place; everything else gets its own timestamped line.
func printEvents(w *os.File, events <-chan Event) {
	needsNewline := false
	inMessage := false
	now := func() string { return time.Now().Format("2006-01-02 15:04:05") }

	breakMessage := func() {
		inMessage = false
		if needsNewline {
			fmt.Fprintln(w)
			needsNewline = false
		}
	}

	for ev := range events {
		switch ev.Kind {
		case eventStop:
			breakMessage()
			return

		case EventFragment:
			text := ev.FragmentText
			if !inMessage {
				text = strings.TrimLeft(text, " \t\n")
			}
			if text == "" {
				continue
			}
			fmt.Fprint(w, text)
			needsNewline = !strings.HasSuffix(text, "\n")
			inMessage = true

		case EventEntry:
			// Agent prose arrived via fragments already.
			if ev.Entry.Kind.IsAgentText() {
				continue
			}
			breakMessage()
			if ev.Entry.Kind == protocol.OutUserPrompt {
				fmt.Fprintf(w, "%s [request] Prompt:\n%s\n", now(), strings.TrimSpace(ev.Entry.Text))
				continue
			}
			fmt.Fprintf(w, "%s [%s] %s\n", now(), ev.Entry.Kind.Label(), ev.Entry.Text)

		case EventInfo:
			breakMessage()
			fmt.Fprintf(w, "%s [%s] %s\n", now(), ev.Tag, ev.Message)
		}
	}
}
