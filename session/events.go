package session

import (
	"encoding/json"
	"strings"
)

// Sentinel is the reserved out-of-band marker the agent emits when it
// has finished producing output for a turn. It is scanned for on every
// line regardless of whether the line decodes as a structured record,
// because the agent's shell environment may print it outside any record.
const Sentinel = "<<HARVEST_TURN_DONE>>"

// EventType discriminates the structured records the agent emits on its
// output stream.
type EventType string

const (
	EventInit           EventType = "init"
	EventTextChunk      EventType = "text_chunk"
	EventToolInvocation EventType = "tool_invocation"
	EventToolResult     EventType = "tool_result"
	EventError          EventType = "error"
	// EventUnrecognized marks a well-formed record whose type we don't
	// know. Kept explicit rather than coerced into one of the known
	// kinds so callers can count and log them.
	EventUnrecognized EventType = "unrecognized"
)

// Event is one structured record from the agent stream. The fields
// populated depend on Type; Raw always carries the original line.
type Event struct {
	Type EventType

	// Init fields
	SessionToken string
	Capabilities []string

	// Text fields (text_chunk, error)
	Text string

	// Tool fields (tool_invocation, tool_result)
	ToolID    string
	ToolName  string
	ToolInput map[string]json.RawMessage
	ToolOut   string

	Raw string
}

// wireEvent is the JSON shape of a structured record on the stream.
type wireEvent struct {
	Type         string                     `json:"type"`
	SessionToken string                     `json:"session_token,omitempty"`
	Capabilities []string                   `json:"capabilities,omitempty"`
	Text         string                     `json:"text,omitempty"`
	// Older agent builds emit text under a delta wrapper.
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	ToolID   string                     `json:"tool_id,omitempty"`
	ToolName string                     `json:"tool_name,omitempty"`
	Input    map[string]json.RawMessage `json:"input,omitempty"`
	Output   string                     `json:"output,omitempty"`
	Message  string                     `json:"message,omitempty"`
}

// DecodeEvent attempts to decode a single line as a structured record.
// Returns (event, true) on success. A well-formed record with an
// unknown type decodes to EventUnrecognized; a line that is not a JSON
// object returns false and is treated as incidental output.
func DecodeEvent(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Event{}, false
	}

	var w wireEvent
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Event{}, false
	}

	ev := Event{Raw: line}
	switch w.Type {
	case "init":
		ev.Type = EventInit
		ev.SessionToken = w.SessionToken
		ev.Capabilities = w.Capabilities
	case "text_chunk", "content_block_delta":
		ev.Type = EventTextChunk
		ev.Text = w.Text
		if ev.Text == "" && w.Delta != nil {
			ev.Text = w.Delta.Text
		}
	case "tool_invocation", "tool_use":
		ev.Type = EventToolInvocation
		ev.ToolID = w.ToolID
		ev.ToolName = w.ToolName
		ev.ToolInput = w.Input
	case "tool_result":
		ev.Type = EventToolResult
		ev.ToolID = w.ToolID
		ev.ToolOut = w.Output
	case "error":
		ev.Type = EventError
		ev.Text = w.Message
		if ev.Text == "" {
			ev.Text = w.Text
		}
	case "":
		// A JSON object with no type discriminator is not one of ours.
		return Event{}, false
	default:
		ev.Type = EventUnrecognized
	}
	return ev, true
}

// FilePath extracts the file path from a tool invocation's input, if
// the tool operates on a file. Used to derive a turn's touched files.
func (e Event) FilePath() string {
	if e.Type != EventToolInvocation || e.ToolInput == nil {
		return ""
	}
	raw, ok := e.ToolInput["file_path"]
	if !ok {
		if raw, ok = e.ToolInput["path"]; !ok {
			return ""
		}
	}
	var path string
	if err := json.Unmarshal(raw, &path); err != nil {
		return ""
	}
	return path
}
