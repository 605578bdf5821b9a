package gateway

import (
	"encoding/json"

	"github.com/cjenaro/opencode-acp/pkg/types"
	"github.com/tidwall/gjson"
)

// Stream event type strings.
const (
	EventToolStart      = "tool_start"
	EventToolUpdate     = "tool_update"
	EventToolComplete   = "tool_complete"
	EventTextDelta      = "text_delta"
	EventReasoningDelta = "reasoning_delta"
	EventPlanUpdate     = "plan_update"
	EventSessionIdle    = "session.idle"
)

// StreamEvent is one decoded event of the /event feed. The set of
// implementations is closed; anything the bridge does not understand
// arrives as *Unknown.
type StreamEvent interface {
	EventType() string
	Session() string
	streamEvent()
}

// ToolStart announces a new tool call.
type ToolStart struct {
	SessionID  string
	ID         string
	ToolCallID string
	Name       string
	Input      any
}

// ToolUpdate reports progress of a running tool call.
type ToolUpdate struct {
	SessionID  string
	ID         string
	ToolCallID string
	Output     any
}

// ToolComplete reports the end of a tool call.
type ToolComplete struct {
	SessionID  string
	ID         string
	ToolCallID string
	Output     any
	Failed     bool
}

// TextDelta is a chunk of assistant text.
type TextDelta struct {
	SessionID string
	PartID    string
	Text      string
}

// ReasoningDelta is a chunk of assistant reasoning.
type ReasoningDelta struct {
	SessionID string
	PartID    string
	Text      string
}

// PlanUpdate replaces the session's plan.
type PlanUpdate struct {
	SessionID string
	Items     []PlanItem
}

// PlanItem is one entry of a plan.
type PlanItem struct {
	ID          string
	Step        string
	Description string
	Status      string
	Priority    string
}

// SessionIdle marks the end of a session's processing.
type SessionIdle struct {
	SessionID string
}

// Unknown carries an event the bridge does not translate.
type Unknown struct {
	SessionID string
	Type      string
	Raw       json.RawMessage
}

func (e *ToolStart) EventType() string      { return EventToolStart }
func (e *ToolUpdate) EventType() string     { return EventToolUpdate }
func (e *ToolComplete) EventType() string   { return EventToolComplete }
func (e *TextDelta) EventType() string      { return EventTextDelta }
func (e *ReasoningDelta) EventType() string { return EventReasoningDelta }
func (e *PlanUpdate) EventType() string     { return EventPlanUpdate }
func (e *SessionIdle) EventType() string    { return EventSessionIdle }
func (e *Unknown) EventType() string        { return e.Type }

func (e *ToolStart) Session() string      { return e.SessionID }
func (e *ToolUpdate) Session() string     { return e.SessionID }
func (e *ToolComplete) Session() string   { return e.SessionID }
func (e *TextDelta) Session() string      { return e.SessionID }
func (e *ReasoningDelta) Session() string { return e.SessionID }
func (e *PlanUpdate) Session() string     { return e.SessionID }
func (e *SessionIdle) Session() string    { return e.SessionID }
func (e *Unknown) Session() string        { return e.SessionID }

func (*ToolStart) streamEvent()      {}
func (*ToolUpdate) streamEvent()     {}
func (*ToolComplete) streamEvent()   {}
func (*TextDelta) streamEvent()      {}
func (*ReasoningDelta) streamEvent() {}
func (*PlanUpdate) streamEvent()     {}
func (*SessionIdle) streamEvent()    {}
func (*Unknown) streamEvent()        {}

// DecodeEvent decodes one event payload. It accepts the flat
// {"type":"text_delta",...} vocabulary as well as opencode's native
// message.part.updated and todo.updated events, with fields either at the
// top level or under "properties". It never fails: malformed input becomes
// *Unknown.
func DecodeEvent(data []byte) StreamEvent {
	if !gjson.ValidBytes(data) {
		return &Unknown{Type: "invalid", Raw: append(json.RawMessage{}, data...)}
	}
	root := gjson.ParseBytes(data)
	props := root.Get("properties")
	field := func(paths ...string) gjson.Result {
		for _, p := range paths {
			if props.Exists() {
				if r := props.Get(p); r.Exists() {
					return r
				}
			}
			if r := root.Get(p); r.Exists() {
				return r
			}
		}
		return gjson.Result{}
	}

	typ := root.Get("type").String()
	sessionID := field("sessionID", "sessionId", "session_id", "part.sessionID", "info.sessionID").String()

	switch typ {
	case EventToolStart:
		return &ToolStart{
			SessionID:  sessionID,
			ID:         field("id").String(),
			ToolCallID: field("toolCallId", "toolCallID").String(),
			Name:       field("name", "tool").String(),
			Input:      field("input").Value(),
		}
	case EventToolUpdate:
		return &ToolUpdate{
			SessionID:  sessionID,
			ID:         field("id").String(),
			ToolCallID: field("toolCallId", "toolCallID").String(),
			Output:     field("output").Value(),
		}
	case EventToolComplete:
		return &ToolComplete{
			SessionID:  sessionID,
			ID:         field("id").String(),
			ToolCallID: field("toolCallId", "toolCallID").String(),
			Output:     field("output").Value(),
			Failed:     field("error").Exists() && field("error").Type != gjson.Null,
		}
	case EventTextDelta:
		return &TextDelta{SessionID: sessionID, PartID: field("partID", "id").String(), Text: field("text", "delta").String()}
	case EventReasoningDelta:
		return &ReasoningDelta{SessionID: sessionID, PartID: field("partID", "id").String(), Text: field("text", "delta").String()}
	case EventPlanUpdate:
		return &PlanUpdate{SessionID: sessionID, Items: decodePlan(field("entries", "plan", "items"))}
	case "todo.updated":
		return &PlanUpdate{SessionID: sessionID, Items: decodePlan(field("todos"))}
	case EventSessionIdle:
		return &SessionIdle{SessionID: sessionID}
	case "message.part.updated", "part.updated":
		if ev := decodePartUpdate(field("part"), field("delta").String(), sessionID); ev != nil {
			return ev
		}
	}
	return &Unknown{SessionID: sessionID, Type: typ, Raw: append(json.RawMessage{}, data...)}
}

// decodePartUpdate maps a part snapshot to a stream event. Text and
// reasoning snapshots without a delta carry nothing new and map to nil.
func decodePartUpdate(part gjson.Result, delta, sessionID string) StreamEvent {
	if !part.Exists() {
		return nil
	}
	partID := part.Get("id").String()

	switch part.Get("type").String() {
	case types.PartTypeText:
		if delta == "" {
			return nil
		}
		return &TextDelta{SessionID: sessionID, PartID: partID, Text: delta}
	case types.PartTypeReasoning:
		if delta == "" {
			return nil
		}
		return &ReasoningDelta{SessionID: sessionID, PartID: partID, Text: delta}
	case types.PartTypeTool:
		p, err := types.UnmarshalPart([]byte(part.Raw))
		if err != nil {
			return nil
		}
		tool, ok := p.(*types.ToolPart)
		if !ok {
			return nil
		}
		switch tool.State {
		case types.ToolStatePending:
			return &ToolStart{SessionID: sessionID, ID: tool.ID, ToolCallID: tool.ToolCallID, Name: toolTitle(tool), Input: tool.Input}
		case types.ToolStateRunning:
			return &ToolUpdate{SessionID: sessionID, ID: tool.ID, ToolCallID: tool.ToolCallID, Output: derefOrNil(tool.Output)}
		case types.ToolStateCompleted:
			return &ToolComplete{SessionID: sessionID, ID: tool.ID, ToolCallID: tool.ToolCallID, Output: derefOrNil(tool.Output)}
		case types.ToolStateError:
			return &ToolComplete{SessionID: sessionID, ID: tool.ID, ToolCallID: tool.ToolCallID, Output: derefOrNil(tool.Error), Failed: true}
		}
	}
	return nil
}

func decodePlan(list gjson.Result) []PlanItem {
	var items []PlanItem
	list.ForEach(func(_, v gjson.Result) bool {
		items = append(items, PlanItem{
			ID:          v.Get("id").String(),
			Step:        firstString(v, "step", "content"),
			Description: v.Get("description").String(),
			Status:      v.Get("status").String(),
			Priority:    v.Get("priority").String(),
		})
		return true
	})
	return items
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func toolTitle(tool *types.ToolPart) string {
	if tool.Title != nil && *tool.Title != "" {
		return *tool.Title
	}
	return tool.ToolName
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
