package registry

import (
	"time"

	"github.com/zulandar/cinechat/internal/supervisor"
)

// Role identifies what a process does for a session.
type Role string

const (
	RoleBot            Role = "bot"
	RoleRemoteClient   Role = "remote_client"
	RoleRemotePlayback Role = "remote_playback"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBot, RoleRemoteClient, RoleRemotePlayback:
		return true
	}
	return false
}

// Status is the coarse lifecycle state of a session.
type Status string

const (
	StatusStarted         Status = "started"
	StatusClientConnected Status = "client_connected"
	StatusEnded           Status = "ended"
)

// HostLocal marks a handle for a process on this machine.
const HostLocal = "local"

// Handle is one process attached to a session.
type Handle struct {
	Role Role   `json:"role"`
	PID  int    `json:"pid"`
	Host string `json:"host"`

	proc supervisor.Process
}

// Local reports whether the process runs on this machine.
func (h Handle) Local() bool { return h.Host == "" || h.Host == HostLocal }

// Alive reports whether a local process is still running. Remote handles
// are assumed alive; the registry has no way to check them.
func (h Handle) Alive() bool {
	if h.proc == nil {
		return !h.Local()
	}
	return h.proc.Alive()
}

// Session is a snapshot of one room's registry entry.
type Session struct {
	RoomID        string    `json:"room_id"`
	ParticipantID string    `json:"participant_id"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	Handles       []Handle  `json:"handles"`
	BotRunning    bool      `json:"bot_running"`
}

// HandleResult is the termination outcome for one handle.
type HandleResult struct {
	Role  Role   `json:"role"`
	PID   int    `json:"pid"`
	Host  string `json:"host"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TerminationReport enumerates what happened to each handle of a session.
type TerminationReport struct {
	RoomID        string         `json:"room_id"`
	ParticipantID string         `json:"participant_id,omitempty"`
	Found         bool           `json:"found"`
	Results       []HandleResult `json:"results"`
}

// OK reports whether every handle terminated cleanly.
func (r TerminationReport) OK() bool {
	for _, res := range r.Results {
		if !res.OK {
			return false
		}
	}
	return true
}

type session struct {
	roomID        string
	participantID string
	status        Status
	createdAt     time.Time
	handles       []*Handle
	spawningBot   bool
}

func (s *session) bot() *Handle {
	for _, h := range s.handles {
		if h.Role == RoleBot {
			return h
		}
	}
	return nil
}

func (s *session) liveBot() bool {
	if s.spawningBot {
		return true
	}
	b := s.bot()
	return b != nil && b.Alive()
}

func (s *session) snapshot() Session {
	out := Session{
		RoomID:        s.roomID,
		ParticipantID: s.participantID,
		Status:        s.status,
		CreatedAt:     s.createdAt,
		Handles:       make([]Handle, 0, len(s.handles)),
	}
	for _, h := range s.handles {
		out.Handles = append(out.Handles, Handle{Role: h.Role, PID: h.PID, Host: h.Host})
	}
	if b := s.bot(); b != nil {
		out.BotRunning = b.Alive()
	}
	return out
}
