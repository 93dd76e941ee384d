package cli

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/errors"
)

// launchBackground re-executes this binary as `add` without the background
// flag, with stdout/stderr appended to the session log and the child in
// its own process group. It then waits for the control socket to appear.
func launchBackground(cfg *config.TeamConfig, agentType, name, cwd, extraArgs string) error {
	if err := cfg.EnsureSocketDir(); err != nil {
		return errors.Wrapf(err, "failed to create socket directory")
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrapf(err, "cannot resolve executable path")
	}

	args := []string{"add", agentType, "--name", name}
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	if extraArgs != "" {
		args = append(args, "--args", extraArgs)
	}

	logPath := cfg.SessionLog(name)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "cannot open log %s", logPath)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to spawn background session")
	}
	// The child outlives us; the process table reaps it via its own group.
	go func() { _ = cmd.Wait() }()

	// Bounded wait for the listener: the server binds the socket before
	// spawning the agent, so existence means it is accepting.
	sockPath := cfg.SessionSocket(name)
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(sockPath); err == nil {
			fmt.Printf("Agent '%s' started (pid: %d, log: %s)\n", name, cmd.Process.Pid, logPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintf(os.Stderr, "Warning: agent '%s' may not have started (check %s)\n", name, logPath)
	return nil
}
