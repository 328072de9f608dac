package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/output"
	"github.com/overstory/overstory/internal/picker"
	"github.com/overstory/overstory/internal/store"
)

var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "Send, list, read, and reply to agent mail",
}

var mailSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message",
	RunE:  mailSendRun,
}

var mailListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages, newest first",
	RunE:  mailListRun,
}

var mailReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Show a message and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE:  mailReadRun,
}

var mailReplyCmd = &cobra.Command{
	Use:   "reply <id>",
	Short: "Reply to a message; the recipient is computed from the thread",
	Args:  cobra.ExactArgs(1),
	RunE:  mailReplyRun,
}

var mailCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report (or inject) pending mail for an agent",
	Long: `check reports an agent's pending nudge and unread count. With --inject it
emits the hook injection text instead: the nudge banner (clearing the marker)
followed by unread messages oldest-first. Injection never marks messages
read; only 'mail read' does.`,
	RunE: mailCheckRun,
}

func init() {
	mailSendCmd.Flags().String("to", "", "Recipient agent name (required)")
	mailSendCmd.Flags().String("from", "", "Sender (default orchestrator)")
	mailSendCmd.Flags().String("subject", "", "Subject (required)")
	mailSendCmd.Flags().String("body", "", "Body")
	mailSendCmd.Flags().String("type", "status", "Message type")
	mailSendCmd.Flags().String("priority", "normal", "Priority: normal, high, urgent")
	mailSendCmd.Flags().Bool("json", false, "Print the sent message as JSON")
	_ = mailSendCmd.MarkFlagRequired("to")
	_ = mailSendCmd.MarkFlagRequired("subject")

	mailListCmd.Flags().String("to", "", "Filter by recipient")
	mailListCmd.Flags().String("agent", "", "Alias for --to (--to wins if both given)")
	mailListCmd.Flags().String("from", "", "Filter by sender")
	mailListCmd.Flags().Bool("unread", false, "Only unread messages")
	mailListCmd.Flags().Int("limit", 0, "Maximum number of messages")
	mailListCmd.Flags().Bool("pick", false, "Pick a message interactively and print it")

	mailReplyCmd.Flags().String("body", "", "Reply body (required)")
	mailReplyCmd.Flags().String("agent", "", "Replying agent (default orchestrator)")
	_ = mailReplyCmd.MarkFlagRequired("body")

	mailCheckCmd.Flags().Bool("inject", false, "Emit hook injection text and drain the nudge marker")
	mailCheckCmd.Flags().String("agent", "", "Agent to check (required)")
	_ = mailCheckCmd.MarkFlagRequired("agent")

	mailCmd.AddCommand(mailSendCmd, mailListCmd, mailReadCmd, mailReplyCmd, mailCheckCmd)
	rootCmd.AddCommand(mailCmd)
}

func mailSendRun(cmd *cobra.Command, args []string) error {
	mc, err := getMailClient()
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := mc.Send(cmd.Context(), sendRequestFromFlags(cmd))
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printMessageJSON(cmd, m)
	}
	ui.Success("sent %s → %s: %s", m.From, m.To, m.ID)
	return nil
}

func sendRequestFromFlags(cmd *cobra.Command) (req mail.SendRequest) {
	req.To, _ = cmd.Flags().GetString("to")
	req.From, _ = cmd.Flags().GetString("from")
	req.Subject, _ = cmd.Flags().GetString("subject")
	req.Body, _ = cmd.Flags().GetString("body")
	msgType, _ := cmd.Flags().GetString("type")
	priority, _ := cmd.Flags().GetString("priority")
	req.Type = models.MessageType(msgType)
	req.Priority = models.Priority(priority)
	return req
}

func mailListRun(cmd *cobra.Command, args []string) error {
	mc, err := getMailClient()
	if err != nil {
		return err
	}
	defer closeStore()

	to, _ := cmd.Flags().GetString("to")
	agent, _ := cmd.Flags().GetString("agent")
	if to == "" {
		to = agent
	}
	from, _ := cmd.Flags().GetString("from")
	unread, _ := cmd.Flags().GetBool("unread")
	limit, _ := cmd.Flags().GetInt("limit")

	msgs, err := mc.List(cmd.Context(), store.MessageFilter{
		To: to, From: from, UnreadOnly: unread, Limit: limit,
	})
	if err != nil {
		return err
	}

	if pick, _ := cmd.Flags().GetBool("pick"); pick {
		return mailPickRun(cmd, msgs)
	}

	if len(msgs) == 0 {
		ui.Info("no messages")
		return nil
	}

	table := ui.Table([]string{"ID", "FROM", "TO", "TYPE", "PRIORITY", "SUBJECT", "AGE", "READ"})
	for _, m := range msgs {
		read := ""
		if m.Unread() {
			read = output.Yellow("unread")
		}
		table.Append([]string{
			m.ID,
			m.From,
			m.To,
			output.TypeColor(string(m.Type)),
			output.PriorityColor(string(m.Priority)),
			m.Subject,
			age(m.CreatedAt),
			read,
		})
	}
	return table.Render()
}

func mailPickRun(cmd *cobra.Command, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: no messages to pick from", errs.ErrValidation)
	}
	lines := make([]string, len(msgs))
	byLine := make(map[string]*models.Message, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("%s  %s → %s  [%s] %s", m.ID, m.From, m.To, m.Type, m.Subject)
		byLine[lines[i]] = m
	}
	selected, err := picker.Pick(lines, "mail> ")
	if err != nil {
		return err
	}
	printMessage(byLine[selected])
	return nil
}

func mailReadRun(cmd *cobra.Command, args []string) error {
	mc, err := getMailClient()
	if err != nil {
		return err
	}
	defer closeStore()

	already, err := mc.Read(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	m, err := mc.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printMessage(m)
	if already {
		ui.Info("already read")
	}
	return nil
}

func mailReplyRun(cmd *cobra.Command, args []string) error {
	mc, err := getMailClient()
	if err != nil {
		return err
	}
	defer closeStore()

	body, _ := cmd.Flags().GetString("body")
	from, _ := cmd.Flags().GetString("agent")

	m, err := mc.Reply(cmd.Context(), args[0], from, body)
	if err != nil {
		return err
	}
	ui.Success("replied %s → %s: %s", m.From, m.To, m.ID)
	return nil
}

func mailCheckRun(cmd *cobra.Command, args []string) error {
	mc, err := getMailClient()
	if err != nil {
		return err
	}
	defer closeStore()

	agentName, _ := cmd.Flags().GetString("agent")

	if inject, _ := cmd.Flags().GetBool("inject"); inject {
		text, err := mc.CheckInject(cmd.Context(), agentName)
		if err != nil {
			return err
		}
		// The hook prepends this verbatim; nothing extra, not even a
		// trailing banner when empty.
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	}

	marker, unread, err := mc.Check(cmd.Context(), agentName)
	if err != nil {
		return err
	}
	if marker != nil {
		ui.Warning("pending nudge: %s from %s (%s)", marker.Reason, marker.Sender, marker.MessageID)
	}
	ui.Info("%d unread message(s) for %s", unread, agentName)
	return nil
}

func printMessage(m *models.Message) {
	ui.Info("From:     %s", m.From)
	ui.Info("To:       %s", m.To)
	ui.Info("Subject:  %s", m.Subject)
	ui.Info("Type:     %s  Priority: %s", output.TypeColor(string(m.Type)), output.PriorityColor(string(m.Priority)))
	ui.Info("Date:     %s", m.CreatedAt.Format(time.RFC3339))
	if m.InReplyTo != "" {
		ui.Info("In-Reply-To: %s", m.InReplyTo)
	}
	fmt.Println()
	fmt.Println(m.Body)
}

func printMessageJSON(cmd *cobra.Command, m *models.Message) error {
	out := map[string]any{
		"id":         m.ID,
		"from":       m.From,
		"to":         m.To,
		"subject":    m.Subject,
		"body":       m.Body,
		"type":       m.Type,
		"priority":   m.Priority,
		"created_at": m.CreatedAt.Format(time.RFC3339),
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// age formats how long ago t was, compactly.
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
