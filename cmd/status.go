package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/names"
	"github.com/overstory/overstory/internal/picker"
	"github.com/overstory/overstory/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report live agents",
	RunE:  statusRun,
}

func init() {
	statusCmd.Flags().Bool("tree", false, "Render the spawn hierarchy instead of a table")
	statusCmd.Flags().Bool("pick", false, "Pick an agent interactively and print its details")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(cmd *cobra.Command, args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	agents, err := s.ListAgents(cmd.Context())
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		ui.Info("no live agents")
		return nil
	}

	sessions, err := newSessionManager().ListSessions(cmd.Context())
	if err != nil {
		// Status should still render when no tmux server is up.
		sessions = nil
	}
	alive := map[string]bool{}
	for _, sess := range sessions {
		alive[sess.Name] = true
	}

	if pick, _ := cmd.Flags().GetBool("pick"); pick {
		lines := make([]string, len(agents))
		byLine := map[string]*models.Agent{}
		for i, a := range agents {
			lines[i] = a.Name
			byLine[a.Name] = a
		}
		selected, err := picker.Pick(lines, "agent> ")
		if err != nil {
			return err
		}
		printAgent(cmd, s, byLine[selected], alive)
		return nil
	}

	if tree, _ := cmd.Flags().GetBool("tree"); tree {
		for _, line := range names.Tree(agents) {
			ui.Info("%s", line)
		}
		return nil
	}

	table := ui.Table([]string{"NAME", "CAPABILITY", "TASK", "PARENT", "DEPTH", "BRANCH", "SESSION", "UNREAD"})
	for _, a := range agents {
		session := "dead"
		if alive[a.SessionName] {
			session = "alive"
		}
		unread, _ := s.ListMessages(cmd.Context(), store.MessageFilter{To: a.Name, UnreadOnly: true})
		table.Append([]string{
			a.Name,
			string(a.Capability),
			a.TaskID,
			a.ParentName,
			strconv.Itoa(a.Depth),
			a.Branch,
			session,
			strconv.Itoa(len(unread)),
		})
	}
	return table.Render()
}

func printAgent(cmd *cobra.Command, s store.Store, a *models.Agent, alive map[string]bool) {
	ui.Info("name       %s", a.Name)
	ui.Info("capability %s", a.Capability)
	ui.Info("task       %s", a.TaskID)
	if a.ParentName != "" {
		ui.Info("parent     %s", a.ParentName)
	}
	ui.Info("depth      %d", a.Depth)
	ui.Info("branch     %s", a.Branch)
	ui.Info("worktree   %s", a.WorktreePath)
	state := "dead"
	if alive[a.SessionName] {
		state = "alive"
	}
	ui.Info("session    %s (%s, pid %d)", a.SessionName, state, a.PID)
	if last, err := s.LastMessageTime(cmd.Context(), a.Name); err == nil && !last.IsZero() {
		ui.Info("last mail  %s ago", age(last))
	}
}

