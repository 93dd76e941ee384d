package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/nekocode/agent-team/config"
	"github.com/nekocode/agent-team/errors"
	"github.com/nekocode/agent-team/protocol"
	"github.com/nekocode/agent-team/session"
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent-team",
		Short:         "Multi-agent orchestrator via ACP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newAddCmd(),
		newRmCmd(),
		newLsCmd(),
		newAskCmd(),
		newLogCmd(),
		newCancelCmd(),
		newAllowCmd(),
		newDenyCmd(),
		newInfoCmd(),
		newRestartCmd(),
		newModeCmd(),
		newSetCmd(),
		newUpdateCmd(),
	)
	return root
}

func loadConfig() (*config.TeamConfig, error) {
	return config.Load()
}

// sendAndPrint is the short-lived client shape shared by most commands.
func sendAndPrint(name string, req *protocol.SessionRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp, err := Send(cfg, name, req)
	if err != nil {
		return err
	}
	printSessionResponse(resp)
	return nil
}

func newAddCmd() *cobra.Command {
	var name, cwd, extraArgs string
	var background bool

	cmd := &cobra.Command{
		Use:   "add <type>",
		Short: "Start a new agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentType := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			typeConfig, ok := cfg.AgentTypes[agentType]
			if !ok {
				return errors.New("unknown agent type '%s'. Supported: %s",
					agentType, strings.Join(cfg.KnownAgentTypes(), ", "))
			}

			// Fail fast on a missing adapter, naming the install package.
			if hint := config.LookupAdapterHint(agentType); hint != nil {
				if !config.CommandExists(typeConfig.Command) {
					return errors.New("adapter '%s' not found in PATH.\nInstall: %s",
						hint.Adapter, hint.Install)
				}
			}

			if name == "" {
				name = cfg.GenName(agentType)
			}

			if background {
				return launchBackground(cfg, agentType, name, cwd, extraArgs)
			}

			if cwd == "" {
				cwd = cfg.DefaultCwd
			}
			var extra []string
			if extraArgs != "" {
				extra = strings.Fields(extraArgs)
			}
			return session.Run(name, agentType, cfg, extra, cwd)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "custom agent name")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the agent")
	cmd.Flags().StringVar(&extraArgs, "args", "", "extra arguments passed to the agent process")
	cmd.Flags().BoolVarP(&background, "background", "b", false, "run in background (detach from terminal)")
	return cmd
}

func newRmCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "rm [name]",
		Short: "Shut down an agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shutdown := &protocol.SessionRequest{Type: protocol.ReqShutdown}

			if all {
				names := cfg.ScanSessions()
				if len(names) == 0 {
					fmt.Println("No agents running")
					return nil
				}
				count := 0
				for _, n := range names {
					if resp, err := Send(cfg, n, shutdown); err == nil {
						printSessionResponse(resp)
						count++
					} else {
						fmt.Fprintf(os.Stderr, "Error: failed to shut down %s\n", n)
					}
				}
				fmt.Printf("Shut down %d agent(s)\n", count)
				return nil
			}

			if len(args) == 0 {
				return errors.New("specify an agent name or use --all")
			}
			resp, err := Send(cfg, args[0], shutdown)
			if err != nil {
				return err
			}
			printSessionResponse(resp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "shut down all agents")
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List running agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			alive, stale := Discover(cfg)
			for _, name := range stale {
				fmt.Fprintf(os.Stderr, "Error: %s unreachable (socket cleaned)\n", name)
			}
			printAgentList(alive)
			return nil
		},
	}
}

func newAskCmd() *cobra.Command {
	var files []string
	var agentOnly bool

	cmd := &cobra.Command{
		Use:   "ask <name> [text]",
		Short: "Send a prompt and wait for the reply (reads stdin if text omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			text := ""
			if len(args) > 1 {
				text = args[1]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return errors.Wrapf(err, "failed to read from stdin")
				}
				text = strings.TrimSpace(string(data))
			}
			if text == "" {
				return errors.New("no prompt text provided")
			}

			attachments, err := resolveAttachments(files)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return promptAndWait(cfg, name, text, attachments, agentOnly)
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "attach file content (glob patterns allowed)")
	cmd.Flags().BoolVarP(&agentOnly, "agent-only", "a", true, "print only agent prose from the reply")
	return cmd
}

func newLogCmd() *cobra.Command {
	var last uint32
	var agentOnly, everything bool

	cmd := &cobra.Command{
		Use:   "log <name>",
		Short: "View agent output history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.SessionRequest{Type: protocol.ReqGetOutput, AgentOnly: agentOnly}
			if !everything {
				req.Last = &last
			}
			return sendAndPrint(args[0], req)
		},
	}
	cmd.Flags().Uint32VarP(&last, "last", "n", 20, "show last N entries")
	cmd.Flags().BoolVar(&everything, "all", false, "show everything still buffered")
	cmd.Flags().BoolVarP(&agentOnly, "agent-only", "a", false, "show only agent messages and thoughts")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <name>",
		Short: "Cancel the current task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(args[0], &protocol.SessionRequest{Type: protocol.ReqCancel})
		},
	}
}

func permissionCmd(use, short, reqType, onceChoice, alwaysChoice string) *cobra.Command {
	var all, always bool
	var permissionID string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice := onceChoice
			if always {
				choice = alwaysChoice
			}
			return sendAndPrint(args[0], &protocol.SessionRequest{
				Type:         reqType,
				PermissionID: permissionID,
				All:          all,
				Choice:       choice,
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "apply to every pending permission")
	cmd.Flags().BoolVar(&always, "always", false, "remember the decision for this tool")
	cmd.Flags().StringVar(&permissionID, "id", "", "target a specific permission id")
	return cmd
}

func newAllowCmd() *cobra.Command {
	return permissionCmd("allow <name>", "Allow pending permission",
		protocol.ReqApprove, protocol.ChoiceAllowOnce, protocol.ChoiceAllowAlways)
}

func newDenyCmd() *cobra.Command {
	return permissionCmd("deny <name>", "Deny pending permission",
		protocol.ReqDeny, protocol.ChoiceReject, protocol.ChoiceRejectAlways)
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show agent details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(args[0], &protocol.SessionRequest{Type: protocol.ReqGetInfo})
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart the agent process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(args[0], &protocol.SessionRequest{Type: protocol.ReqRestart})
		},
	}
}

func newModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <name> <mode>",
		Short: "Switch agent mode (e.g. ask, code, architect)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(args[0], &protocol.SessionRequest{
				Type: protocol.ReqSetMode,
				Mode: args[1],
			})
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <key> <value>",
		Short: "Set agent config at runtime",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(args[0], &protocol.SessionRequest{
				Type:  protocol.ReqSetConfig,
				Key:   args[1],
				Value: args[2],
			})
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update agent-team to the latest version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate()
		},
	}
}

// promptAndWait implements `ask`: fire the prompt, poll to terminal, fetch
// the reply.
func promptAndWait(cfg *config.TeamConfig, name, text string, attachments []protocol.Attachment, agentOnly bool) error {
	resp, err := Send(cfg, name, &protocol.SessionRequest{
		Type:        protocol.ReqPrompt,
		Text:        text,
		Attachments: attachments,
	})
	if err != nil {
		return err
	}
	if !resp.IsOk() {
		printSessionResponse(resp)
		return nil
	}

	status, err := AwaitTerminal(cfg, name)
	if err != nil {
		return err
	}

	one := uint32(1)
	req := &protocol.SessionRequest{Type: protocol.ReqGetOutput, Last: &one, AgentOnly: agentOnly}
	if status.Status == "waiting_permission" {
		// The newest entry is the permission request itself.
		req.AgentOnly = false
	}
	out, err := Send(cfg, name, req)
	if err != nil {
		return err
	}
	printSessionResponse(out)
	return nil
}

// resolveAttachments expands glob patterns, resolves absolute paths, and
// inlines file contents. The server never re-reads paths.
func resolveAttachments(patterns []string) ([]protocol.Attachment, error) {
	var attachments []protocol.Attachment
	for _, pattern := range patterns {
		paths := []string{pattern}
		if strings.ContainsAny(pattern, "*?[{") {
			matches, err := doublestar.FilepathGlob(pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "bad file pattern %q", pattern)
			}
			if len(matches) == 0 {
				return nil, errors.New("no files match %q", pattern)
			}
			paths = matches
		}
		for _, path := range paths {
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot resolve %s", path)
			}
			content, err := os.ReadFile(abs)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot read %s", abs)
			}
			attachments = append(attachments, protocol.Attachment{
				Path:    abs,
				Content: string(content),
			})
		}
	}
	return attachments, nil
}
