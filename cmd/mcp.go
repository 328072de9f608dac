package cmd

import (
	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the mailbox and swarm status as MCP tools over stdio",
	Long: `mcp runs an MCP server on stdin/stdout. Agents whose runtime speaks MCP
get overstory_mail_send, overstory_mail_list, overstory_mail_read,
overstory_mail_reply, and overstory_status without shelling out.`,
	RunE: mcpRun,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(cmd *cobra.Command, args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	mc, err := getMailClient()
	if err != nil {
		return err
	}

	return mcp.NewServer(s, mc).ServeStdio(cmd.Context())
}
