package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/cinechat/internal/tools"
)

// Event is one message from the model side of a dialogue turn. The set of
// kinds is closed; anything unrecognised parses to Unknown.
type Event interface {
	Kind() string
}

// UserTurnStarted marks the start of a new user utterance.
type UserTurnStarted struct {
	Text string
}

// SearchCall is a search_video_clips tool call.
type SearchCall struct {
	CallID      string
	Description string
	Limit       int
}

// PlayCall is a play_video_by_params tool call.
type PlayCall struct {
	CallID    string
	VideoID   int
	File      string
	Start     float64
	End       float64
	Reasoning string
}

// ToolCall is a call to any other tool. Arguments are passed through as-is.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// InvalidCall is a tool call whose arguments could not be accepted.
type InvalidCall struct {
	CallID string
	Name   string
	Reason string
}

// PlainText is model output that is not a tool call.
type PlainText struct {
	Text string
}

// Unknown is any message kind this version does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (UserTurnStarted) Kind() string { return "user_turn" }
func (SearchCall) Kind() string      { return "search" }
func (PlayCall) Kind() string        { return "play" }
func (ToolCall) Kind() string        { return "tool_call" }
func (InvalidCall) Kind() string     { return "invalid_call" }
func (PlainText) Kind() string       { return "text" }
func (Unknown) Kind() string         { return "unknown" }

// ErrMalformed is returned by ParseEvent for lines that are not JSON objects.
var ErrMalformed = errors.New("dialogue: malformed event")

// Wire type tags.
const (
	TypeUserTurn = "user_turn"
	TypeToolCall = "tool_call"
	TypeText     = "text"
)

type envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Text      string          `json:"text,omitempty"`
}

type playArgs struct {
	VideoID   int      `json:"video_id"`
	File      string   `json:"file"`
	Start     *float64 `json:"start"`
	End       *float64 `json:"end"`
	Reasoning string   `json:"reasoning"`
}

// ParseEvent decodes one JSON line into an Event.
func ParseEvent(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeUserTurn:
		return UserTurnStarted{Text: env.Text}, nil
	case TypeText:
		return PlainText{Text: env.Text}, nil
	case TypeToolCall:
		return parseToolCall(env), nil
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), line...)}, nil
	}
}

func parseToolCall(env envelope) Event {
	args := env.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	invalid := func(format string, a ...interface{}) Event {
		return InvalidCall{CallID: env.ID, Name: env.Name, Reason: fmt.Sprintf(format, a...)}
	}

	switch env.Name {
	case tools.SearchVideoClips:
		var a tools.SearchArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return invalid("bad arguments: %v", err)
		}
		a.Description = strings.TrimSpace(a.Description)
		if a.Description == "" {
			return invalid("description is required")
		}
		if a.Limit < 0 {
			return invalid("limit must not be negative")
		}
		return SearchCall{CallID: env.ID, Description: a.Description, Limit: a.Limit}

	case tools.PlayVideoByParams:
		var a playArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return invalid("bad arguments: %v", err)
		}
		if a.File == "" || a.Start == nil || a.End == nil {
			return invalid("Missing file, start, or end parameters")
		}
		return PlayCall{
			CallID:    env.ID,
			VideoID:   a.VideoID,
			File:      a.File,
			Start:     *a.Start,
			End:       *a.End,
			Reasoning: a.Reasoning,
		}

	case "":
		return invalid("tool name is required")
	}
	return ToolCall{CallID: env.ID, Name: env.Name, Arguments: args}
}
