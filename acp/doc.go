// Package acp implements the host side of the Agent Client Protocol (ACP):
// JSON-RPC 2.0 over an agent child process's stdio, with newline-delimited
// JSON framing.
//
// The outbound half issues the host's requests:
// - initialize: negotiates the protocol and reports agent identity
// - session/new: creates a session in the agent
// - session/prompt: runs a prompt turn (long-running)
// - session/set_mode, session/set_config_option: runtime reconfiguration
// - session/cancel: a notification interrupting the active prompt
//
// The inbound half dispatches the agent's traffic to a Client:
// - session/update notifications (message/thought chunks, tool calls, plans)
// - session/request_permission requests, which block the agent until the
//   host answers
//
// Conn is the symmetric JSON-RPC core; ClientConn layers the typed ACP
// surface on top of it.
package acp
