package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// TriageAction is the watchdog's level-2 decision for an unresponsive agent.
type TriageAction string

const (
	TriageRetry     TriageAction = "retry"
	TriageTerminate TriageAction = "terminate"
	TriageExtend    TriageAction = "extend"
)

// TriageDecision is the structured verdict for one stale agent.
type TriageDecision struct {
	Action TriageAction `json:"action"`
	Reason string       `json:"reason"`
}

// Triager classifies a stale agent from its recent session output.
type Triager interface {
	Triage(ctx context.Context, agentName, sessionTail string) (*TriageDecision, error)
}

// Client wraps the Anthropic API for watchdog triage.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates a triage client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

const triageSystem = `You triage an unresponsive AI coding agent from the tail of its terminal session. Return ONLY a JSON object with these fields:
- "action": one of "retry" (agent looks wedged on a transient problem; a nudge should unstick it), "terminate" (agent is looping, off the rails, or its process is dead), "extend" (agent is legitimately mid-work, e.g. a long build or test run; leave it alone)
- "reason": one sentence justifying the action

Rules:
- A shell prompt with no running command and no recent progress means retry or terminate, not extend
- Repeated identical output blocks mean a loop: terminate
- Compiler/test output still scrolling means extend
- Return valid JSON only, no markdown fencing or explanation`

// Triage sends the session tail to the model and returns its decision.
func (c *Client) Triage(ctx context.Context, agentName, sessionTail string) (*TriageDecision, error) {
	var sb strings.Builder
	sb.WriteString("Agent: ")
	sb.WriteString(agentName)
	sb.WriteString("\n\nSession tail:\n\n")
	sb.WriteString(sessionTail)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: triageSystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	text = stripFence(text)

	var decision TriageDecision
	if err := json.Unmarshal([]byte(text), &decision); err != nil {
		return nil, fmt.Errorf("parse triage response as JSON: %w\nraw response: %s", err, text)
	}
	switch decision.Action {
	case TriageRetry, TriageTerminate, TriageExtend:
	default:
		return nil, fmt.Errorf("unknown triage action: %q", decision.Action)
	}
	return &decision, nil
}

// stripFence removes markdown fencing if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
