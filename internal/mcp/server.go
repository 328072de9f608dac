// Package mcp exposes the mailbox and swarm status as MCP tools, so agents
// whose runtime speaks MCP can send and read mail without shelling out.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/store"
)

// Server wraps the mail client and store behind MCP tools.
type Server struct {
	store store.Store
	mail  *mail.Client
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, mc *mail.Client) *Server {
	return &Server{store: s, mail: mc}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("overstory", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.mailSendTool())
	srv.AddTool(s.mailListTool())
	srv.AddTool(s.mailReadTool())
	srv.AddTool(s.mailReplyTool())
	srv.AddTool(s.statusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

type messageOut struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body,omitempty"`
	Type      string `json:"type"`
	Priority  string `json:"priority"`
	CreatedAt string `json:"created_at"`
	Unread    bool   `json:"unread"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

func toMessageOut(m *models.Message, withBody bool) messageOut {
	out := messageOut{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Subject:   m.Subject,
		Type:      string(m.Type),
		Priority:  string(m.Priority),
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
		Unread:    m.Unread(),
		InReplyTo: m.InReplyTo,
	}
	if withBody {
		out.Body = m.Body
	}
	return out
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// overstory_mail_send
func (s *Server) mailSendTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overstory_mail_send",
		mcp.WithDescription("Send a mail message to another agent or the orchestrator. High/urgent priority and worker_done messages queue a nudge for the recipient."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Your agent name")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Recipient agent name, or 'orchestrator'")),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Message subject")),
		mcp.WithString("body", mcp.Description("Message body")),
		mcp.WithString("type", mcp.Description("Message type: status, question, result, error, worker_done, merge_ready, merged, escalation")),
		mcp.WithString("priority", mcp.Description("Priority: normal, high, urgent")),
	)
	return tool, s.handleMailSend
}

func (s *Server) handleMailSend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := request.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: from"), nil
	}
	to, err := request.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: to"), nil
	}
	subject, err := request.RequireString("subject")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: subject"), nil
	}

	m, err := s.mail.Send(ctx, mail.SendRequest{
		From:     from,
		To:       to,
		Subject:  subject,
		Body:     request.GetString("body", ""),
		Type:     models.MessageType(request.GetString("type", string(models.TypeStatus))),
		Priority: models.Priority(request.GetString("priority", string(models.PriorityNormal))),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send: %v", err)), nil
	}

	data, _ := json.Marshal(toMessageOut(m, false))
	return mcp.NewToolResultText(string(data)), nil
}

// overstory_mail_list
func (s *Server) mailListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overstory_mail_list",
		mcp.WithDescription("List mail messages, newest first. Returns a JSON array."),
		mcp.WithString("to", mcp.Description("Filter by recipient agent name")),
		mcp.WithString("from", mcp.Description("Filter by sender agent name")),
		mcp.WithBoolean("unread", mcp.Description("Only unread messages")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages")),
	)
	return tool, s.handleMailList
}

func (s *Server) handleMailList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msgs, err := s.mail.List(ctx, store.MessageFilter{
		To:         request.GetString("to", ""),
		From:       request.GetString("from", ""),
		UnreadOnly: request.GetBool("unread", false),
		Limit:      request.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list mail: %v", err)), nil
	}

	out := make([]messageOut, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageOut(m, false)
	}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

// overstory_mail_read
func (s *Server) mailReadTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overstory_mail_read",
		mcp.WithDescription("Fetch a message by id (including body) and mark it read."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Message id")),
	)
	return tool, s.handleMailRead
}

func (s *Server) handleMailRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}

	already, err := s.mail.Read(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read: %v", err)), nil
	}

	m, err := s.mail.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to fetch: %v", err)), nil
	}

	result := struct {
		messageOut
		AlreadyRead bool `json:"already_read"`
	}{toMessageOut(m, true), already}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// overstory_mail_reply
func (s *Server) mailReplyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overstory_mail_reply",
		mcp.WithDescription("Reply to a message. The recipient is computed from the thread: replying to someone else's message goes to its sender."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Original message id")),
		mcp.WithString("from", mcp.Required(), mcp.Description("Your agent name")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Reply body")),
	)
	return tool, s.handleMailReply
}

func (s *Server) handleMailReply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	from, err := request.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: from"), nil
	}
	body, err := request.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: body"), nil
	}

	m, err := s.mail.Reply(ctx, id, from, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reply: %v", err)), nil
	}

	data, _ := json.Marshal(toMessageOut(m, true))
	return mcp.NewToolResultText(string(data)), nil
}

// overstory_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("overstory_status",
		mcp.WithDescription("List live agents: name, capability, task, parent, depth, branch."),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list agents: %v", err)), nil
	}

	type agentOut struct {
		Name       string `json:"name"`
		Capability string `json:"capability"`
		TaskID     string `json:"task_id"`
		Parent     string `json:"parent,omitempty"`
		Depth      int    `json:"depth"`
		Branch     string `json:"branch"`
		SpawnedAt  string `json:"spawned_at"`
	}

	out := make([]agentOut, len(agents))
	for i, a := range agents {
		out[i] = agentOut{
			Name:       a.Name,
			Capability: string(a.Capability),
			TaskID:     a.TaskID,
			Parent:     a.ParentName,
			Depth:      a.Depth,
			Branch:     a.Branch,
			SpawnedAt:  a.SpawnedAt.Format(time.RFC3339),
		}
	}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}
