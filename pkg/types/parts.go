package types

import (
	"encoding/json"
	"fmt"
)

// Part types.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
	PartTypeFile      = "file"
)

// Tool states as reported by the server.
const (
	ToolStatePending   = "pending"
	ToolStateRunning   = "running"
	ToolStateCompleted = "completed"
	ToolStateError     = "error"
)

// Part represents a component of a message.
type Part interface {
	PartType() string
	PartID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part.
type TextPart struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Synthetic bool           `json:"synthetic,omitempty"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) PartType() string { return PartTypeText }
func (p *TextPart) PartID() string   { return p.ID }

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Text string   `json:"text"`
	Time PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string { return PartTypeReasoning }
func (p *ReasoningPart) PartID() string   { return p.ID }

// ToolPart represents a tool call and its result.
//
// Two server shapes are accepted: a flat one with "toolName" and a string
// "state", and a nested one with "tool", "callID" and a state object
// carrying status, input and output.
type ToolPart struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ToolCallID string         `json:"toolCallID"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input"`
	State      string         `json:"state"`
	Output     *string        `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Title      *string        `json:"title,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Time       PartTime       `json:"time,omitempty"`
}

func (p *ToolPart) PartType() string { return PartTypeTool }
func (p *ToolPart) PartID() string   { return p.ID }

// CallID returns the tool call id, falling back to the part id.
func (p *ToolPart) CallID() string {
	if p.ToolCallID != "" {
		return p.ToolCallID
	}
	return p.ID
}

type toolState struct {
	Status   string         `json:"status"`
	Input    map[string]any `json:"input"`
	Output   *string        `json:"output"`
	Error    *string        `json:"error"`
	Title    *string        `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

// UnmarshalJSON accepts both the flat and the nested tool part shape.
func (p *ToolPart) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID         string          `json:"id"`
		Type       string          `json:"type"`
		ToolCallID string          `json:"toolCallID"`
		CallID     string          `json:"callID"`
		ToolName   string          `json:"toolName"`
		Tool       string          `json:"tool"`
		Input      map[string]any  `json:"input"`
		State      json.RawMessage `json:"state"`
		Output     *string         `json:"output"`
		Error      *string         `json:"error"`
		Title      *string         `json:"title"`
		Metadata   map[string]any  `json:"metadata"`
		Time       PartTime        `json:"time"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*p = ToolPart{
		ID:         aux.ID,
		Type:       aux.Type,
		ToolCallID: firstNonEmpty(aux.ToolCallID, aux.CallID),
		ToolName:   firstNonEmpty(aux.ToolName, aux.Tool),
		Input:      aux.Input,
		Output:     aux.Output,
		Error:      aux.Error,
		Title:      aux.Title,
		Metadata:   aux.Metadata,
		Time:       aux.Time,
	}

	if len(aux.State) == 0 || string(aux.State) == "null" {
		return nil
	}
	if aux.State[0] == '"' {
		return json.Unmarshal(aux.State, &p.State)
	}

	var st toolState
	if err := json.Unmarshal(aux.State, &st); err != nil {
		return fmt.Errorf("tool part state: %w", err)
	}
	p.State = st.Status
	if st.Input != nil {
		p.Input = st.Input
	}
	if st.Output != nil {
		p.Output = st.Output
	}
	if st.Error != nil {
		p.Error = st.Error
	}
	if st.Title != nil {
		p.Title = st.Title
	}
	if st.Metadata != nil {
		p.Metadata = st.Metadata
	}
	return nil
}

// FilePart represents a file attachment.
type FilePart struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Filename  string `json:"filename"`
	MediaType string `json:"mime"`
	URL       string `json:"url"`
}

func (p *FilePart) PartType() string { return PartTypeFile }
func (p *FilePart) PartID() string   { return p.ID }

// UnknownPart holds a part type the bridge does not translate
// (step markers, snapshots, patches, agent switches).
type UnknownPart struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

func (p *UnknownPart) PartType() string { return p.Type }
func (p *UnknownPart) PartID() string   { return p.ID }

// UnmarshalPart unmarshals a JSON part into the appropriate type.
func UnmarshalPart(data []byte) (Part, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var p Part
	switch head.Type {
	case PartTypeText:
		p = &TextPart{}
	case PartTypeReasoning:
		p = &ReasoningPart{}
	case PartTypeTool:
		p = &ToolPart{}
	case PartTypeFile:
		p = &FilePart{}
	case "":
		return nil, fmt.Errorf("part: %w: type", ErrMissingField)
	default:
		return &UnknownPart{ID: head.ID, Type: head.Type, Raw: append(json.RawMessage{}, data...)}, nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s part: %w", head.Type, err)
	}
	return p, nil
}

// PartInput is an outgoing message part for POST /session/{id}/message.
type PartInput struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TextInput builds a text part.
func TextInput(text string) PartInput {
	return PartInput{Type: PartTypeText, Text: text}
}

// FileInput builds a file part.
func FileInput(mime, url, filename string) PartInput {
	return PartInput{Type: PartTypeFile, Mime: mime, URL: url, Filename: filename}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
