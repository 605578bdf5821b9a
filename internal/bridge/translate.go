package bridge

import (
	"fmt"
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/cjenaro/opencode-acp/internal/convert"
	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/internal/logging"
	"github.com/cjenaro/opencode-acp/pkg/types"
)

const defaultToolTitle = "Running tool"

// Translate maps a stream event to the session update it produces. It
// reports false for events that have no ACP counterpart, and for any event
// whose translation panics.
func Translate(ev gateway.StreamEvent) (update acp.SessionUpdate, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("event", fmt.Sprintf("%T", ev)).
				Interface("panic", r).
				Msg("Event translation failed")
			update, ok = acp.SessionUpdate{}, false
		}
	}()

	switch e := ev.(type) {
	case *gateway.ToolStart:
		title := e.Name
		if title == "" {
			title = defaultToolTitle
		}
		opts := []acp.ToolCallStartOpt{
			acp.WithStartStatus(acp.ToolCallStatusPending),
			acp.WithStartKind(toolKind(e.Name)),
		}
		if e.Input != nil {
			opts = append(opts, acp.WithStartRawInput(e.Input))
		}
		return acp.StartToolCall(acp.ToolCallId(toolCallID(e.ToolCallID, e.ID)), title, opts...), true

	case *gateway.ToolUpdate:
		opts := []acp.ToolCallUpdateOpt{acp.WithUpdateStatus(acp.ToolCallStatusInProgress)}
		if e.Output != nil {
			opts = append(opts, acp.WithUpdateRawOutput(e.Output))
		}
		return acp.UpdateToolCall(acp.ToolCallId(toolCallID(e.ToolCallID, e.ID)), opts...), true

	case *gateway.ToolComplete:
		status := acp.ToolCallStatusCompleted
		if e.Failed {
			status = acp.ToolCallStatusFailed
		}
		opts := []acp.ToolCallUpdateOpt{acp.WithUpdateStatus(status)}
		if e.Output != nil {
			opts = append(opts, acp.WithUpdateRawOutput(e.Output))
		}
		return acp.UpdateToolCall(acp.ToolCallId(toolCallID(e.ToolCallID, e.ID)), opts...), true

	case *gateway.TextDelta:
		return acp.UpdateAgentMessageText(e.Text), true

	case *gateway.ReasoningDelta:
		return acp.UpdateAgentThoughtText(e.Text), true

	case *gateway.PlanUpdate:
		entries := make([]acp.PlanEntry, 0, len(e.Items))
		for _, item := range e.Items {
			entries = append(entries, planEntry(item))
		}
		return acp.UpdatePlan(entries...), true

	case *gateway.SessionIdle:
		return acp.SessionUpdate{}, false

	case *gateway.Unknown:
		logging.Debug().Str("type", e.Type).Str("sessionID", e.SessionID).Msg("Dropping unrecognized event")
		return acp.SessionUpdate{}, false
	}

	if ev != nil {
		logging.Debug().Str("type", ev.EventType()).Msg("Dropping unrecognized event")
	}
	return acp.SessionUpdate{}, false
}

func toolCallID(callID, id string) string {
	if callID != "" {
		return callID
	}
	return id
}

func planEntry(item gateway.PlanItem) acp.PlanEntry {
	content := item.Step
	if content == "" {
		content = item.Description
	}

	status := acp.PlanEntryStatusPending
	switch item.Status {
	case "completed":
		status = acp.PlanEntryStatusCompleted
	case "in_progress":
		status = acp.PlanEntryStatusInProgress
	}

	return acp.PlanEntry{
		Content:  content,
		Priority: acp.PlanEntryPriorityMedium,
		Status:   status,
	}
}

// toolKind classifies opencode's built-in tools for client display.
func toolKind(name string) acp.ToolKind {
	switch strings.ToLower(name) {
	case "read":
		return acp.ToolKindRead
	case "edit", "write", "patch", "multiedit":
		return acp.ToolKindEdit
	case "bash":
		return acp.ToolKindExecute
	case "grep", "glob", "list", "ls", "codesearch":
		return acp.ToolKindSearch
	case "webfetch", "websearch":
		return acp.ToolKindFetch
	case "todowrite", "todoread":
		return acp.ToolKindThink
	default:
		return acp.ToolKindOther
	}
}

// resultUpdates maps the parts of a finished reply to session updates, in
// part order.
func resultUpdates(parts []types.Part) []acp.SessionUpdate {
	updates := make([]acp.SessionUpdate, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case *types.TextPart:
			updates = append(updates, acp.UpdateAgentMessageText(p.Text))
		case *types.ReasoningPart:
			updates = append(updates, acp.UpdateAgentThoughtText(p.Text))
		case *types.ToolPart:
			updates = append(updates, toolResultUpdate(p))
		case *types.FilePart:
			updates = append(updates, acp.UpdateAgentMessageText(fileLink(p)))
		}
	}
	return updates
}

func toolResultUpdate(p *types.ToolPart) acp.SessionUpdate {
	status := acp.ToolCallStatusInProgress
	var output any
	switch p.State {
	case types.ToolStateCompleted:
		status = acp.ToolCallStatusCompleted
		if p.Output != nil {
			output = *p.Output
		}
	case types.ToolStateError:
		status = acp.ToolCallStatusFailed
		if p.Error != nil {
			output = *p.Error
		}
	default:
		if p.Output != nil {
			output = *p.Output
		}
	}

	opts := []acp.ToolCallUpdateOpt{acp.WithUpdateStatus(status)}
	if output != nil {
		opts = append(opts, acp.WithUpdateRawOutput(output))
	}
	return acp.UpdateToolCall(acp.ToolCallId(p.CallID()), opts...)
}

func fileLink(p *types.FilePart) string {
	name := p.Filename
	if name == "" {
		name = "file"
	}
	if strings.HasPrefix(p.URL, "file://") {
		return convert.FormatURIAsLink(p.URL)
	}
	return fmt.Sprintf("[%s](%s)", name, p.URL)
}

// historyUpdates maps a stored message to the updates that replay it.
// User text becomes user chunks; assistant text, reasoning and tool calls
// replay as agent output.
func historyUpdates(msg types.MessageWithParts) []acp.SessionUpdate {
	var updates []acp.SessionUpdate
	user := msg.Info.Role == types.RoleUser

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case *types.TextPart:
			if user {
				if p.Synthetic {
					continue
				}
				updates = append(updates, acp.UpdateUserMessageText(p.Text))
			} else {
				updates = append(updates, acp.UpdateAgentMessageText(p.Text))
			}
		case *types.ReasoningPart:
			if !user {
				updates = append(updates, acp.UpdateAgentThoughtText(p.Text))
			}
		case *types.FilePart:
			if user {
				updates = append(updates, acp.UpdateUserMessageText(fileLink(p)))
			} else {
				updates = append(updates, acp.UpdateAgentMessageText(fileLink(p)))
			}
		case *types.ToolPart:
			if user {
				continue
			}
			title := p.ToolName
			if p.Title != nil && *p.Title != "" {
				title = *p.Title
			}
			if title == "" {
				title = defaultToolTitle
			}
			opts := []acp.ToolCallStartOpt{
				acp.WithStartStatus(acp.ToolCallStatusPending),
				acp.WithStartKind(toolKind(p.ToolName)),
			}
			if p.Input != nil {
				opts = append(opts, acp.WithStartRawInput(p.Input))
			}
			updates = append(updates,
				acp.StartToolCall(acp.ToolCallId(p.CallID()), title, opts...),
				toolResultUpdate(p),
			)
		}
	}
	return updates
}
