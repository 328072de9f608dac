package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var hookCmd = &cobra.Command{
	Use:    "hook",
	Short:  "Entry points invoked by the assistant runtime's hooks",
	Hidden: true,
}

// hook check is what the pre-prompt hook actually calls; it is `mail check
// --inject` with a stable, script-friendly name.
var hookCheckCmd = &cobra.Command{
	Use:   "check <agent>",
	Short: "Emit injection text for an agent's next prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  hookCheckRun,
}

func init() {
	hookCmd.AddCommand(hookCheckCmd)
	rootCmd.AddCommand(hookCmd)
}

func hookCheckRun(cmd *cobra.Command, args []string) error {
	mc, err := getMailClient()
	if err != nil {
		return err
	}
	defer closeStore()

	text, err := mc.CheckInject(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
