// Package dialogue enforces the search, play, wait sequence on a model's tool
// call stream and owns everything the model makes user-visible.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/metrics"
	"github.com/zulandar/cinechat/internal/playback"
	"github.com/zulandar/cinechat/internal/tools"
)

// State is the per-session dialogue state.
type State string

const (
	WaitingForUser State = "WAITING_FOR_USER"
	Searched       State = "SEARCHED"
	Played         State = "PLAYED"
)

// ErrProtocolViolation is returned for tool calls made after a clip was
// already played this turn.
var ErrProtocolViolation = errors.New("dialogue: protocol violation")

// Instructions injected into the model's working context.
const (
	NextStepInstruction = "Now analyze these options and call play_video_by_params with the best choice. " +
		"Use the 'reasoning' parameter to explain your choice."
	StopAndWaitInstruction = "Video played successfully. YOU MUST NOW STOP AND WAIT. " +
		"Do NOT call any more functions. Do NOT search for videos. " +
		"Wait silently for the user's next message. " +
		"Only after the user speaks should you search for a response video."
	MissingSearchInstruction = "ERROR: You did not call the search_video_clips function. " +
		"You MUST call search_video_clips with a description of the clip you want, " +
		"then call play_video_by_params with your choice. Do not respond with text."
)

// Injection reasons.
const (
	ReasonNextStep      = "next_step"
	ReasonStopAndWait   = "stop_and_wait"
	ReasonMissingSearch = "missing_search"
)

// Instruction is a system message for the model's working context.
type Instruction struct {
	Content string
	Reason  string
}

// ToolCaller invokes tools on the worker.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args interface{}) (string, error)
}

// StatusSink receives user-visible status entries.
type StatusSink interface {
	AppendStatus(ctx context.Context, text string) error
}

// Injector adds a system instruction to the model's working context.
type Injector interface {
	Inject(ctx context.Context, in Instruction) error
}

// Player renders clips on the display.
type Player interface {
	Play(ctx context.Context, clip playback.Clip) (int, error)
}

// Config wires a Controller to its collaborators.
type Config struct {
	ParticipantID string
	Tools         ToolCaller
	Status        StatusSink
	Injector      Injector
	Player        Player
	DefaultLimit  int // default 5
}

// Reply is the result of a tool call event, to be returned to the model.
// Exactly one of Content or Err is meaningful.
type Reply struct {
	CallID  string
	Content string
	Err     error
}

// Controller is the per-session dialogue state machine.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	candidates []tools.Candidate
}

// New returns a Controller in WaitingForUser.
func New(cfg Config) *Controller {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	return &Controller{
		cfg:    cfg,
		logger: log.WithComponent("dialogue").With().Str(log.FieldParticipantID, cfg.ParticipantID).Logger(),
		state:  WaitingForUser,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle dispatches one event. Tool call events always produce a Reply;
// other events return nil.
func (c *Controller) Handle(ctx context.Context, ev Event) *Reply {
	metrics.DialogueEventsTotal.WithLabelValues(ev.Kind(), string(c.State())).Inc()

	switch e := ev.(type) {
	case UserTurnStarted:
		c.OnUserTurnStart()
	case SearchCall:
		res, err := c.OnSearchCall(ctx, e.Description, e.Limit)
		if err != nil {
			return &Reply{CallID: e.CallID, Err: err}
		}
		return &Reply{CallID: e.CallID, Content: tools.Encode(res)}
	case PlayCall:
		content, err := c.OnPlayCall(ctx, e)
		return &Reply{CallID: e.CallID, Content: content, Err: err}
	case ToolCall:
		content, err := c.onToolCall(ctx, e)
		return &Reply{CallID: e.CallID, Content: content, Err: err}
	case InvalidCall:
		c.logger.Warn().Str(log.FieldTool, e.Name).Str("reason", e.Reason).Msg("rejected tool call")
		return &Reply{CallID: e.CallID, Err: fmt.Errorf("invalid %s call: %s", e.Name, e.Reason)}
	case PlainText:
		c.OnPlainText(ctx, e.Text)
	case Unknown:
		c.logger.Debug().Str("type", e.Type).Msg("ignoring unknown event")
	}
	return nil
}

// OnUserTurnStart resets the state to WaitingForUser.
func (c *Controller) OnUserTurnStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = nil
	c.transition(WaitingForUser)
}

// OnSearchCall runs a search on the worker. The candidate summary goes to
// the status log only; the model receives the raw result as its tool result.
func (c *Controller) OnSearchCall(ctx context.Context, description string, limit int) (*tools.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Played {
		return nil, c.playedViolation(ctx, "search_after_play")
	}
	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}

	text, err := c.cfg.Tools.CallTool(ctx, tools.SearchVideoClips, tools.SearchArgs{Description: description, Limit: limit})
	if err != nil {
		c.logger.Warn().Err(err).Str("description", description).Msg("search failed")
		return nil, err
	}
	var res tools.SearchResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, fmt.Errorf("dialogue: decode search result: %w", err)
	}
	if res.Count == 0 {
		res.Count = len(res.Videos)
	}

	c.status(ctx, fmt.Sprintf("[REASONING] Searching for: '%s'", description))
	c.status(ctx, res.Summary())
	c.candidates = res.Videos
	c.transition(Searched)
	if len(res.Videos) > 0 {
		c.inject(ctx, Instruction{Content: NextStepInstruction, Reason: ReasonNextStep})
	}
	return &res, nil
}

// OnPlayCall acknowledges the clip with the worker, starts it on the player
// and orders the model to stop until the next user turn. On any failure the
// state is unchanged and nothing is written to the status log.
func (c *Controller) OnPlayCall(ctx context.Context, call PlayCall) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Played:
		return "", c.playedViolation(ctx, "play_after_play")
	case WaitingForUser:
		metrics.ProtocolViolationsTotal.WithLabelValues("play_without_search").Inc()
		c.logger.Warn().Str(log.FieldClip, call.File).Msg("play called without a search")
	}

	text, err := c.cfg.Tools.CallTool(ctx, tools.PlayVideoByParams, tools.PlayArgs{
		VideoID:   call.VideoID,
		File:      call.File,
		Start:     call.Start,
		End:       call.End,
		Reasoning: call.Reasoning,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldClip, call.File).Msg("play call failed")
		return "", err
	}
	var ack tools.PlayResult
	if err := json.Unmarshal([]byte(text), &ack); err != nil {
		return "", fmt.Errorf("dialogue: decode play result: %w", err)
	}
	if ack.Status != tools.StatusSuccess {
		msg := ack.Message
		if msg == "" {
			msg = "play rejected"
		}
		return "", errors.New(msg)
	}
	played := c.describe(call, ack.Played)

	clip := playback.Clip{File: played.File, Start: played.Start, End: played.End}
	pid, err := c.cfg.Player.Play(ctx, clip)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldClip, clip.File).Msg("playback failed")
		return "", err
	}
	c.logger.Info().Str(log.FieldClip, clip.File).Float64("start", clip.Start).Float64("end", clip.End).
		Int(log.FieldPID, pid).Msg("clip playing")

	if played.Reasoning != "" {
		c.status(ctx, "[REASONING] "+played.Reasoning)
	}
	c.status(ctx, played.Label())
	c.inject(ctx, Instruction{Content: StopAndWaitInstruction, Reason: ReasonStopAndWait})
	c.transition(Played)
	return text, nil
}

// OnPlainText handles model text that is not a tool call. It never reaches
// the user. In WaitingForUser it is a violation and the model is told to
// search. It reports whether a violation was recorded.
func (c *Controller) OnPlainText(ctx context.Context, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return false
	}
	if c.state != WaitingForUser {
		c.logger.Debug().Str("state", string(c.state)).Msg("suppressed model text")
		return false
	}
	metrics.ProtocolViolationsTotal.WithLabelValues("text_without_search").Inc()
	c.logger.Warn().Msg("model answered with text instead of searching")
	c.inject(ctx, Instruction{Content: MissingSearchInstruction, Reason: ReasonMissingSearch})
	return true
}

func (c *Controller) onToolCall(ctx context.Context, call ToolCall) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Played {
		return "", c.playedViolation(ctx, "call_after_play")
	}
	return c.cfg.Tools.CallTool(ctx, call.Name, call.Arguments)
}

// playedViolation re-issues the stop instruction. Nothing is sent to the
// worker.
func (c *Controller) playedViolation(ctx context.Context, reason string) error {
	metrics.ProtocolViolationsTotal.WithLabelValues(reason).Inc()
	c.logger.Warn().Str("reason", reason).Msg("tool call after play")
	c.inject(ctx, Instruction{Content: StopAndWaitInstruction, Reason: ReasonStopAndWait})
	return fmt.Errorf("%w: a clip was already played this turn; wait for the user", ErrProtocolViolation)
}

// describe fills in clip metadata the worker left out, preferring the
// matching search candidate.
func (c *Controller) describe(call PlayCall, p *tools.Played) tools.Played {
	out := tools.Played{
		VideoID:   call.VideoID,
		File:      call.File,
		Start:     call.Start,
		End:       call.End,
		Duration:  call.End - call.Start,
		Reasoning: call.Reasoning,
	}
	if p != nil {
		out = *p
		if out.Reasoning == "" {
			out.Reasoning = call.Reasoning
		}
	}
	if out.Description == "" {
		for _, cand := range c.candidates {
			if cand.File == out.File && cand.Start == out.Start {
				out.Description = cand.Description
				out.Caption = cand.Caption
				break
			}
		}
	}
	return out
}

func (c *Controller) status(ctx context.Context, text string) {
	if c.cfg.Status == nil {
		return
	}
	if err := c.cfg.Status.AppendStatus(ctx, text); err != nil {
		c.logger.Warn().Err(err).Msg("status append failed")
	}
}

func (c *Controller) inject(ctx context.Context, in Instruction) {
	if c.cfg.Injector == nil {
		return
	}
	if err := c.cfg.Injector.Inject(ctx, in); err != nil {
		c.logger.Warn().Err(err).Str("reason", in.Reason).Msg("instruction injection failed")
	}
}

func (c *Controller) transition(to State) {
	if c.state == to {
		return
	}
	c.logger.Debug().Str(log.FieldOldState, string(c.state)).Str(log.FieldNewState, string(to)).Msg("state change")
	c.state = to
}
