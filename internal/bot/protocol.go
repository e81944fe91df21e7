// Package bot runs one room's dialogue: it reads the model's event stream as
// JSON lines, drives the dialogue controller and writes tool results and
// injected instructions back.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/zulandar/cinechat/internal/dialogue"
)

// Output message types.
const (
	TypeReady      = "ready"
	TypeToolResult = "tool_result"
	TypeInject     = "inject"
)

// Message is one JSON line written by the bot.
type Message struct {
	Type          string `json:"type"`
	ID            string `json:"id,omitempty"`
	Content       string `json:"content,omitempty"`
	Error         string `json:"error,omitempty"`
	Role          string `json:"role,omitempty"`
	Reason        string `json:"reason,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// Emitter writes Messages as JSON lines. It is safe for concurrent use and
// implements dialogue.Injector.
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEmitter returns an Emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w)}
}

// Emit writes one message.
func (e *Emitter) Emit(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("bot: write %s: %w", m.Type, err)
	}
	return nil
}

// Inject implements dialogue.Injector.
func (e *Emitter) Inject(_ context.Context, in dialogue.Instruction) error {
	return e.Emit(Message{Type: TypeInject, Role: "system", Content: in.Content, Reason: in.Reason})
}

// Reply writes a tool result.
func (e *Emitter) Reply(r *dialogue.Reply) error {
	m := Message{Type: TypeToolResult, ID: r.CallID}
	if r.Err != nil {
		m.Error = r.Err.Error()
	} else {
		m.Content = r.Content
	}
	return e.Emit(m)
}
