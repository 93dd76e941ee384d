package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/nekocode/agent-team/protocol"
)

// ---- terminal rendering ----
// All output is written for agents as much as humans: plain text, no
// colour, stable structure.

// printSessionResponse renders one reply.
func printSessionResponse(resp *protocol.SessionResponse) {
	switch resp.Type {
	case "Ok":
		fmt.Println(resp.Message)

	case "Error":
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "Error (%s): %s\n", resp.Error.Kind, resp.Error.Message)
		} else {
			fmt.Fprintln(os.Stderr, "Error")
		}

	case "Status":
		printStatus(resp.Status)

	case "Info":
		printInfo(resp.Info)

	case "Output":
		printEntries(resp.Entries)

	default:
		fmt.Printf("%+v\n", resp)
	}
}

func printStatus(s *protocol.StatusInfo) {
	if s == nil {
		return
	}
	fmt.Printf("Name: %s\n", s.Name)
	fmt.Printf("Type: %s\n", s.Type)
	fmt.Printf("Status: %s\n", s.Status)
	if s.PromptID != 0 {
		fmt.Printf("Prompt: #%d\n", s.PromptID)
	}
	if s.PermissionID != "" {
		fmt.Printf("Permission: %s\n", s.PermissionID)
	}
	if s.Message != "" {
		fmt.Printf("Message: %s\n", s.Message)
	}
	fmt.Printf("Uptime: %s\n", s.Uptime)
	fmt.Printf("Prompts: %d\n", s.PromptCount)
	fmt.Printf("Pending: %d\n", s.PendingPermissions)
}

func printInfo(info *protocol.AgentInfo) {
	if info == nil {
		return
	}
	fmt.Printf("Name: %s\n", info.Name)
	fmt.Printf("Type: %s\n", info.Type)
	fmt.Printf("PID: %d\n", info.PID)
	fmt.Printf("Started: %s\n", info.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Cwd: %s\n", info.Cwd)
	if info.AgentName != "" {
		fmt.Printf("Agent: %s v%s\n", info.AgentName, info.AgentVersion)
	}
	if info.SessionID != "" {
		fmt.Printf("Session: %s\n", info.SessionID)
	}
	if info.Mode != "" {
		fmt.Printf("Mode: %s\n", info.Mode)
	}
	for k, v := range info.Config {
		fmt.Printf("Config: %s = %s\n", k, v)
	}
}

// printEntries renders history as a conversation flow: agent prose is
// printed raw, everything else as a tagged line.
func printEntries(entries []protocol.OutputEntry) {
	prevProse := false
	for _, e := range entries {
		switch {
		case e.Kind == protocol.OutUserPrompt:
			if prevProse {
				fmt.Println()
			}
			fmt.Printf("[prompt] %s\n", strings.TrimSpace(e.Text))
			prevProse = false
		case e.Kind.IsAgentText():
			fmt.Println(strings.TrimRight(e.Text, "\n"))
			prevProse = true
		default:
			if prevProse {
				fmt.Println()
			}
			fmt.Printf("[%s] %s\n", e.Kind.Label(), e.Text)
			prevProse = false
		}
	}
}

// printAgentList renders the `ls` table with computed column widths.
func printAgentList(agents []protocol.StatusInfo) {
	if len(agents) == 0 {
		fmt.Println("No agents running")
		return
	}

	headers := []string{"NAME", "TYPE", "STATUS", "UPTIME", "PROMPTS", "PENDING"}
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, []string{
			a.Name,
			a.Type,
			a.Status,
			a.Uptime,
			fmt.Sprintf("%d", a.PromptCount),
			fmt.Sprintf("%d", a.PendingPermissions),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		fmt.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}

	// Point at anything waiting on an approval.
	for _, a := range agents {
		if a.PendingPermissions > 0 {
			fmt.Printf("\nTip: %s has %d pending — allow %s / deny %s\n",
				a.Name, a.PendingPermissions, a.Name, a.Name)
		}
	}
}
