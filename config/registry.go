package config

import (
	"os/exec"
	"sort"
)

// ---- Agent registry ----
// Static table of known ACP-capable agents. Three launch shapes exist in the
// wild: a flag on the agent's own CLI, an "acp" subcommand, and a standalone
// adapter binary that must be installed separately.

type agentDef struct {
	name    string
	command string
	args    []string
	// installHint names the package providing the adapter binary when the
	// command is not the agent itself.
	installHint string
}

var agentRegistry = []agentDef{
	// Native ACP via --acp flag.
	{name: "copilot", command: "copilot", args: []string{"--acp"}},
	{name: "auggie", command: "auggie", args: []string{"--acp"}},
	{name: "cline", command: "cline", args: []string{"--acp"}},
	{name: "qoder", command: "qodercli", args: []string{"--acp"}},
	{name: "qwen", command: "qwen", args: []string{"--acp"}},
	// Native ACP via --experimental-acp flag.
	{name: "gemini", command: "gemini", args: []string{"--experimental-acp"}},
	{name: "blackbox", command: "blackbox", args: []string{"--experimental-acp"}},
	// Native ACP via acp subcommand.
	{name: "goose", command: "goose", args: []string{"acp"}},
	{name: "kiro", command: "kiro-cli", args: []string{"acp"}},
	{name: "openhands", command: "openhands", args: []string{"acp"}},
	{name: "opencode", command: "opencode", args: []string{"acp"}},
	{name: "kimi", command: "kimi", args: []string{"acp"}},
	{name: "cagent", command: "cagent", args: []string{"acp"}},
	{name: "stakpak", command: "stakpak", args: []string{"acp"}},
	{name: "vtcode", command: "vtcode", args: []string{"acp"}},
	// Standalone ACP binaries.
	{name: "vibe", command: "vibe-acp"},
	{name: "fast-agent", command: "fast-agent-acp"},
	// Adapter binaries that bridge a non-ACP agent.
	{name: "claude", command: "claude-code-acp", installHint: "npm install -g @zed-industries/claude-code-acp"},
	{name: "codex", command: "codex-acp", installHint: "npm install -g @zed-industries/codex-acp"},
	{name: "pi", command: "pi-acp", installHint: "npm install -g pi-acp"},
	// The bundled echo agent, for tests and smoke runs.
	{name: "mock", command: "mock-agent"},
}

func registryAgentTypes() map[string]AgentTypeConfig {
	types := make(map[string]AgentTypeConfig, len(agentRegistry))
	for _, def := range agentRegistry {
		types[def.name] = AgentTypeConfig{
			Command:     def.command,
			DefaultArgs: append([]string(nil), def.args...),
		}
	}
	return types
}

// AdapterHint describes the missing adapter binary for an agent type.
type AdapterHint struct {
	Adapter string
	Install string
}

// LookupAdapterHint returns the install hint for agent types that need an
// external adapter binary, or nil for native agents and unknown types.
func LookupAdapterHint(agentType string) *AdapterHint {
	for _, def := range agentRegistry {
		if def.name == agentType && def.installHint != "" {
			return &AdapterHint{Adapter: def.command, Install: def.installHint}
		}
	}
	return nil
}

// CommandExists reports whether the executable resolves on PATH.
func CommandExists(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

// KnownAgentTypes returns the sorted list of registered type names,
// for error messages.
func (c *TeamConfig) KnownAgentTypes() []string {
	names := make([]string, 0, len(c.AgentTypes))
	for name := range c.AgentTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
