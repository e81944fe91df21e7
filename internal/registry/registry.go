// Package registry tracks one session per room, the processes attached to
// it, and tears all of them down when the participant leaves.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/metrics"
	"github.com/zulandar/cinechat/internal/statuslog"
	"github.com/zulandar/cinechat/internal/supervisor"
)

var (
	// ErrDuplicateActiveBot is returned when a room already has a live bot.
	ErrDuplicateActiveBot = errors.New("registry: room already has an active bot")
	// ErrSessionNotFound is returned for operations on an unknown room.
	ErrSessionNotFound = errors.New("registry: session not found")
	// ErrInvalidRole is returned for a role the operation does not accept.
	ErrInvalidRole = errors.New("registry: invalid role")
)

// End reasons recorded in the archive.
const (
	ReasonCleanup  = "cleanup"
	ReasonSweep    = "sweep"
	ReasonReplaced = "replaced"
	ReasonShutdown = "shutdown"
)

// Archiver records session history. Failures are logged and ignored.
type Archiver interface {
	SessionStarted(roomID, participantID string) error
	SessionStatus(participantID, status string) error
	SessionEnded(participantID, reason string, processes interface{}) error
}

// Options configures a Registry.
type Options struct {
	Spawner  supervisor.Spawner
	Remote   supervisor.RemoteTerminator // nil: remote handles fail termination
	Statuses *statuslog.Store
	Archive  Archiver

	// Commands maps a spawnable role to its executable.
	Commands map[Role]string
	WorkDir  string

	Grace         time.Duration
	KillTimeout   time.Duration
	RemoteTimeout time.Duration

	// NewID generates participant identifiers. Defaults to uuid.NewString.
	NewID func() string
}

// Registry is the in-memory directory of sessions. All methods are safe for
// concurrent use.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session // room id -> session
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Spawner == nil {
		opts.Spawner = supervisor.ExecSpawner{}
	}
	if opts.Statuses == nil {
		opts.Statuses = statuslog.New()
	}
	if opts.Grace == 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.KillTimeout == 0 {
		opts.KillTimeout = 2 * time.Second
	}
	if opts.RemoteTimeout == 0 {
		opts.RemoteTimeout = 10 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		opts:     opts,
		logger:   log.WithComponent("registry"),
		sessions: make(map[string]*session),
	}
}

// Statuses returns the status log store backing this registry.
func (r *Registry) Statuses() *statuslog.Store { return r.opts.Statuses }

// CreateSession registers a new session for roomID and returns its
// participant identifier. A room whose previous session has no live bot is
// replaced after tearing that session down.
func (r *Registry) CreateSession(ctx context.Context, roomID string) (string, error) {
	s, err := r.create(ctx, roomID, false)
	if err != nil {
		return "", err
	}
	return s.participantID, nil
}

// Connect creates roomID's session and spawns its bot as one operation. The
// bot slot is reserved when the session is created, so a concurrent join
// for the same room gets ErrDuplicateActiveBot instead of replacing this
// session before its bot starts. args receives the new participant id. If
// the bot cannot be spawned the session is torn down.
func (r *Registry) Connect(ctx context.Context, roomID string, args func(participantID string) []string) (string, Handle, error) {
	name, ok := r.opts.Commands[RoleBot]
	if !ok || name == "" {
		return "", Handle{}, fmt.Errorf("%w: no command for %q", ErrInvalidRole, RoleBot)
	}
	s, err := r.create(ctx, roomID, true)
	if err != nil {
		return "", Handle{}, err
	}
	h, err := r.spawnInto(ctx, s, RoleBot, name, args(s.participantID))
	if err != nil {
		r.mu.Lock()
		current := r.sessions[roomID] == s
		if current {
			delete(r.sessions, roomID)
			metrics.SessionsActive.Set(float64(len(r.sessions)))
		}
		r.mu.Unlock()
		if current {
			r.teardown(ctx, s, ReasonCleanup)
		}
		return "", Handle{}, err
	}
	return s.participantID, h, nil
}

// create inserts a fresh session for roomID. With reserveBot the session
// counts as having a live bot until the spawn completes.
func (r *Registry) create(ctx context.Context, roomID string, reserveBot bool) (*session, error) {
	r.mu.Lock()
	stale, exists := r.sessions[roomID]
	if exists && stale.liveBot() {
		r.mu.Unlock()
		metrics.SessionEventsTotal.WithLabelValues("duplicate").Inc()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateActiveBot, roomID)
	}
	if exists {
		delete(r.sessions, roomID)
	}
	s := &session{
		roomID:        roomID,
		participantID: r.opts.NewID(),
		status:        StatusStarted,
		createdAt:     time.Now(),
		spawningBot:   reserveBot,
	}
	r.sessions[roomID] = s
	r.opts.Statuses.Open(s.participantID)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if exists {
		r.logger.Info().Str(log.FieldRoomID, roomID).Str(log.FieldParticipantID, stale.participantID).
			Msg("replacing session without live bot")
		r.teardown(ctx, stale, ReasonReplaced)
	}

	metrics.SessionEventsTotal.WithLabelValues("created").Inc()
	r.logger.Info().Str(log.FieldRoomID, roomID).Str(log.FieldParticipantID, s.participantID).Msg("session created")
	if r.opts.Archive != nil {
		if err := r.opts.Archive.SessionStarted(roomID, s.participantID); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("archive session start")
		}
	}
	return s, nil
}

// Spawn launches a process for role under roomID's session. Only one bot
// may be alive per room. On failure the session is left without the handle.
// If the session is replaced while the process starts, the process is
// terminated and ErrSessionNotFound is returned.
func (r *Registry) Spawn(ctx context.Context, role Role, roomID string, args []string) (Handle, error) {
	name, ok := r.opts.Commands[role]
	if !ok || name == "" {
		return Handle{}, fmt.Errorf("%w: no command for %q", ErrInvalidRole, role)
	}

	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if !ok {
		r.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s", ErrSessionNotFound, roomID)
	}
	if role == RoleBot {
		if s.liveBot() {
			r.mu.Unlock()
			return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateActiveBot, roomID)
		}
		s.spawningBot = true
	}
	r.mu.Unlock()

	return r.spawnInto(ctx, s, role, name, args)
}

// spawnInto starts the process and attaches it to s. For bots the caller
// has set s.spawningBot.
func (r *Registry) spawnInto(ctx context.Context, s *session, role Role, name string, args []string) (Handle, error) {
	proc, err := r.opts.Spawner.Spawn(ctx, supervisor.Spec{Name: name, Args: args, Dir: r.opts.WorkDir})

	r.mu.Lock()
	if role == RoleBot {
		s.spawningBot = false
	}
	if err != nil {
		r.mu.Unlock()
		metrics.SessionEventsTotal.WithLabelValues("spawn_error").Inc()
		r.logger.Error().Err(err).Str(log.FieldRoomID, s.roomID).Str(log.FieldRole, string(role)).Msg("spawn failed")
		var spawnErr *supervisor.SpawnError
		if errors.As(err, &spawnErr) {
			return Handle{}, err
		}
		return Handle{}, &supervisor.SpawnError{Name: name, Err: err}
	}
	if cur, ok := r.sessions[s.roomID]; !ok || cur != s {
		// Session was torn down while the process was starting.
		r.mu.Unlock()
		_ = supervisor.Terminate(proc, r.opts.Grace, r.opts.KillTimeout)
		return Handle{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.roomID)
	}
	h := &Handle{Role: role, PID: proc.PID(), Host: HostLocal, proc: proc}
	if role == RoleBot {
		s.handles = removeRole(s.handles, RoleBot)
	}
	s.handles = append(s.handles, h)
	r.mu.Unlock()

	metrics.SessionEventsTotal.WithLabelValues("spawned").Inc()
	r.logger.Info().Str(log.FieldRoomID, s.roomID).Str(log.FieldRole, string(role)).
		Int(log.FieldPID, h.PID).Msg("process spawned")
	return Handle{Role: h.Role, PID: h.PID, Host: h.Host}, nil
}

// RegisterRemote attaches a process the registry did not start. An empty or
// "local" host is terminated locally by pid; anything else goes through the
// remote terminator. Registering a remote client marks the session
// client_connected.
func (r *Registry) RegisterRemote(roomID string, role Role, pid int, host string) error {
	if role != RoleRemoteClient && role != RoleRemotePlayback {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if pid <= 0 {
		return fmt.Errorf("registry: invalid pid %d", pid)
	}
	if host == "" {
		host = HostLocal
	}
	h := &Handle{Role: role, PID: pid, Host: host}
	if h.Local() {
		h.proc = supervisor.Adopt(pid)
	}

	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, roomID)
	}
	s.handles = append(removeHandle(s.handles, role, pid, host), h)
	statusChanged := false
	if role == RoleRemoteClient && s.status != StatusClientConnected {
		s.status = StatusClientConnected
		statusChanged = true
	}
	participantID := s.participantID
	r.mu.Unlock()

	metrics.SessionEventsTotal.WithLabelValues("registered").Inc()
	r.logger.Info().Str(log.FieldRoomID, roomID).Str(log.FieldRole, string(role)).
		Int(log.FieldPID, pid).Str(log.FieldHost, host).Msg("remote process registered")
	if statusChanged && r.opts.Archive != nil {
		if err := r.opts.Archive.SessionStatus(participantID, string(StatusClientConnected)); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("archive session status")
		}
	}
	return nil
}

// TerminateSession removes roomID's session and terminates every handle.
// It never fails; per-handle outcomes are in the report.
func (r *Registry) TerminateSession(ctx context.Context, roomID string) TerminationReport {
	return r.terminate(ctx, roomID, ReasonCleanup)
}

func (r *Registry) terminate(ctx context.Context, roomID, reason string) TerminationReport {
	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if ok {
		delete(r.sessions, roomID)
		metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return TerminationReport{RoomID: roomID, Results: []HandleResult{}}
	}
	return r.teardown(ctx, s, reason)
}

// teardown terminates the handles of a session already removed from the map.
func (r *Registry) teardown(ctx context.Context, s *session, reason string) TerminationReport {
	r.mu.Lock()
	handles := append([]*Handle(nil), s.handles...)
	s.status = StatusEnded
	r.mu.Unlock()

	r.opts.Statuses.Close(s.participantID)

	results := make([]HandleResult, len(handles))
	var g errgroup.Group
	for i, h := range handles {
		g.Go(func() error {
			results[i] = r.terminateHandle(ctx, h)
			return nil
		})
	}
	_ = g.Wait()

	report := TerminationReport{
		RoomID:        s.roomID,
		ParticipantID: s.participantID,
		Found:         true,
		Results:       results,
	}
	metrics.SessionEventsTotal.WithLabelValues("terminated_" + reason).Inc()
	ev := r.logger.Info()
	if !report.OK() {
		ev = r.logger.Warn()
	}
	ev.Str(log.FieldRoomID, s.roomID).Str(log.FieldParticipantID, s.participantID).
		Str("reason", reason).Int("handles", len(results)).Bool("clean", report.OK()).
		Msg("session terminated")

	if r.opts.Archive != nil {
		if err := r.opts.Archive.SessionEnded(s.participantID, reason, results); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldRoomID, s.roomID).Msg("archive session end")
		}
	}
	return report
}

func (r *Registry) terminateHandle(ctx context.Context, h *Handle) HandleResult {
	res := HandleResult{Role: h.Role, PID: h.PID, Host: h.Host}
	var err error
	switch {
	case h.Local():
		err = supervisor.Terminate(h.proc, r.opts.Grace, r.opts.KillTimeout)
	case r.opts.Remote == nil:
		err = errors.New("registry: no remote terminator configured")
	default:
		rctx, cancel := context.WithTimeout(ctx, r.opts.RemoteTimeout)
		err = r.opts.Remote.TerminateRemote(rctx, h.Host, h.PID)
		cancel()
	}
	if err != nil {
		res.Error = err.Error()
		r.logger.Warn().Err(err).Str(log.FieldRole, string(h.Role)).Int(log.FieldPID, h.PID).
			Str(log.FieldHost, h.Host).Msg("handle termination failed")
		return res
	}
	res.OK = true
	return res
}

// SweepDead removes sessions whose bot process has exited without an
// explicit cleanup and terminates their remaining handles. It returns the
// room ids that were removed.
func (r *Registry) SweepDead(ctx context.Context) []string {
	r.mu.Lock()
	var dead []*session
	for roomID, s := range r.sessions {
		if s.spawningBot {
			continue
		}
		if b := s.bot(); b != nil && !b.Alive() {
			dead = append(dead, s)
			delete(r.sessions, roomID)
		}
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	rooms := make([]string, 0, len(dead))
	for _, s := range dead {
		b := s.bot()
		ev := r.logger.Warn().Str(log.FieldRoomID, s.roomID).Int(log.FieldPID, b.PID)
		if err := b.proc.ExitErr(); err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("bot exited without cleanup")
		r.teardown(ctx, s, ReasonSweep)
		rooms = append(rooms, s.roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// TerminateAll tears down every session, used at shutdown.
func (r *Registry) TerminateAll(ctx context.Context) []TerminationReport {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.sessions))
	for roomID := range r.sessions {
		rooms = append(rooms, roomID)
	}
	r.mu.Unlock()
	sort.Strings(rooms)

	reports := make([]TerminationReport, len(rooms))
	var g errgroup.Group
	for i, roomID := range rooms {
		g.Go(func() error {
			reports[i] = r.terminate(ctx, roomID, ReasonShutdown)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// Get returns a snapshot of roomID's session.
func (r *Registry) Get(roomID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[roomID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// ByParticipant returns the session owning participantID.
func (r *Registry) ByParticipant(participantID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.participantID == participantID {
			return s.snapshot(), true
		}
	}
	return Session{}, false
}

// List returns snapshots of all sessions ordered by room id.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func removeRole(hs []*Handle, role Role) []*Handle {
	out := hs[:0]
	for _, h := range hs {
		if h.Role != role {
			out = append(out, h)
		}
	}
	return out
}

func removeHandle(hs []*Handle, role Role, pid int, host string) []*Handle {
	out := hs[:0]
	for _, h := range hs {
		if h.Role == role && h.PID == pid && h.Host == host {
			continue
		}
		out = append(out, h)
	}
	return out
}
