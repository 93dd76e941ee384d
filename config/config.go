package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/nekocode/agent-team/errors"
)

// RuntimeDirEnv overrides the root under which the per-user socket
// directory is created.
const RuntimeDirEnv = "AGENT_TEAM_RUNTIME_DIR"

// DefaultBufferSize is the output ring buffer capacity unless overridden.
const DefaultBufferSize = 1000

// AutoApprovePolicy decides permission requests without operator input.
// Mode "always" approves everything, "never" defers everything to the
// operator. AllowTools holds glob patterns matched against the tool title;
// a match approves that request even in "never" mode.
type AutoApprovePolicy struct {
	Mode       string   `yaml:"mode"`
	AllowTools []string `yaml:"allow_tools"`
}

// Matches reports whether the policy approves the given tool title
// without asking.
func (p *AutoApprovePolicy) Matches(toolTitle string) bool {
	if p.Mode == "always" {
		return true
	}
	for _, pattern := range p.AllowTools {
		if ok, err := doublestar.Match(pattern, toolTitle); err == nil && ok {
			return true
		}
	}
	return false
}

// AgentTypeConfig describes how to launch one agent type.
type AgentTypeConfig struct {
	Command     string   `yaml:"command"`
	DefaultArgs []string `yaml:"default_args"`
}

// TeamConfig is the full supervisor configuration: built-in defaults,
// overlaid by the user-level and then project-level config files.
type TeamConfig struct {
	AutoApprove      AutoApprovePolicy          `yaml:"auto_approve"`
	OutputBufferSize int                        `yaml:"output_buffer_size"`
	AgentTypes       map[string]AgentTypeConfig `yaml:"agent_types"`
	DefaultCwd       string                     `yaml:"-"`
	SocketDir        string                     `yaml:"-"`
}

// Default returns the built-in configuration: the full agent registry, a
// 1000-entry buffer, approvals deferred to the operator, and the per-user
// socket directory.
func Default() *TeamConfig {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &TeamConfig{
		AutoApprove:      AutoApprovePolicy{Mode: "never"},
		OutputBufferSize: DefaultBufferSize,
		AgentTypes:       registryAgentTypes(),
		DefaultCwd:       cwd,
		SocketDir:        defaultSocketDir(),
	}
}

// Load builds the effective configuration. The user-level file
// (~/.agent-team/config.yaml) is applied first, then the project-level file
// (./.agent-team/config.yaml), each overriding what came before.
func Load() (*TeamConfig, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".agent-team", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			if err := loadFromFile(userPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	projectPath := filepath.Join(cfg.DefaultCwd, ".agent-team", "config.yaml")
	if _, err := os.Stat(projectPath); err == nil {
		if err := loadFromFile(projectPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if cfg.OutputBufferSize <= 0 {
		cfg.OutputBufferSize = DefaultBufferSize
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *TeamConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives the
	// project-over-user precedence without an explicit merge. agent_types
	// entries are merged per-key below so a partial map does not wipe the
	// registry.
	var overlay struct {
		AutoApprove      *AutoApprovePolicy         `yaml:"auto_approve"`
		OutputBufferSize *int                       `yaml:"output_buffer_size"`
		AgentTypes       map[string]AgentTypeConfig `yaml:"agent_types"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	if overlay.AutoApprove != nil {
		cfg.AutoApprove = *overlay.AutoApprove
	}
	if overlay.OutputBufferSize != nil {
		cfg.OutputBufferSize = *overlay.OutputBufferSize
	}
	for name, tc := range overlay.AgentTypes {
		cfg.AgentTypes[name] = tc
	}
	return nil
}

// defaultSocketDir resolves <runtime-dir>/agent-team-<uid>. The runtime dir
// is AGENT_TEAM_RUNTIME_DIR if set, else XDG_RUNTIME_DIR, else the system
// temp directory. The uid suffix keeps users on a shared host apart.
func defaultSocketDir() string {
	root := os.Getenv(RuntimeDirEnv)
	if root == "" {
		root = os.Getenv("XDG_RUNTIME_DIR")
	}
	if root == "" {
		root = os.TempDir()
	}
	return filepath.Join(root, fmt.Sprintf("agent-team-%d", os.Getuid()))
}

// SessionSocket returns the control socket path for a session name.
func (c *TeamConfig) SessionSocket(name string) string {
	return filepath.Join(c.SocketDir, name+".sock")
}

// SessionLog returns the stdout/stderr log path for a background session.
func (c *TeamConfig) SessionLog(name string) string {
	return filepath.Join(c.SocketDir, name+".log")
}

// EnsureSocketDir creates the socket directory, user-only.
func (c *TeamConfig) EnsureSocketDir() error {
	return os.MkdirAll(c.SocketDir, 0o700)
}

// ScanSessions lists session names with a socket file present, sorted.
// Liveness is not checked here; callers probe each socket.
func (c *TeamConfig) ScanSessions() []string {
	entries, err := os.ReadDir(c.SocketDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".sock"); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GenName picks the next free session name for a type: <type>-<n> with the
// smallest n above every existing numbered session of that type.
func (c *TeamConfig) GenName(agentType string) string {
	prefix := agentType + "-"
	max := 0
	for _, name := range c.ScanSessions() {
		suffix, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%d", agentType, max+1)
}
