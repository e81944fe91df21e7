package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/search"
	"github.com/zulandar/cinechat/internal/toolrpc"
	"github.com/zulandar/cinechat/internal/tools"
)

// Searcher is the clip search API.
type Searcher interface {
	Semantic(ctx context.Context, query string, limit int, videoIDs ...int) ([]search.Scene, error)
	VideoPath(ctx context.Context, videoID int) (string, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// Stopper stops playback on the display.
type Stopper interface {
	Stop(ctx context.Context) error
}

// ToolboxConfig wires the tools to their backends.
type ToolboxConfig struct {
	Search       Searcher
	Playback     Stopper // stop_video reports an error when nil
	DefaultLimit int     // default 5
	MaxLimit     int     // default 20
}

// Toolbox implements the worker's tools.
type Toolbox struct {
	cfg    ToolboxConfig
	logger zerolog.Logger

	mu     sync.Mutex
	recent []tools.Candidate
}

// NewToolbox returns a Toolbox.
func NewToolbox(cfg ToolboxConfig) *Toolbox {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 20
	}
	return &Toolbox{cfg: cfg, logger: log.WithComponent("tools")}
}

var toolDefs = []toolrpc.Tool{
	{
		Name: tools.SearchVideoClips,
		Description: "Search for video clips matching a semantic description WITHOUT playing them. " +
			"Returns ranked candidates with file, start, end, description and caption.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{` +
			`"description":{"type":"string","description":"Semantic description of the scene, emotion or action to search for"},` +
			`"limit":{"type":"integer","description":"Maximum number of results to return","default":5}},` +
			`"required":["description"]}`),
	},
	{
		Name: tools.PlayVideoByParams,
		Description: "Play a specific clip chosen from search_video_clips results. " +
			"Use the reasoning parameter to explain the choice.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{` +
			`"video_id":{"type":"integer"},` +
			`"file":{"type":"string","description":"Video file from the search result"},` +
			`"start":{"type":"number","description":"Start time in seconds"},` +
			`"end":{"type":"number","description":"End time in seconds"},` +
			`"reasoning":{"type":"string","description":"Why this clip answers the user"}},` +
			`"required":["file","start","end"]}`),
	},
	{
		Name:        tools.StopVideo,
		Description: "Stop the currently playing video clip.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        tools.GetAPIStats,
		Description: "Get statistics about the video database (number of videos, scenes, etc.)",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
}

// List returns the tool definitions.
func (tb *Toolbox) List() []toolrpc.Tool {
	return append([]toolrpc.Tool(nil), toolDefs...)
}

// Has reports whether name is a known tool.
func (tb *Toolbox) Has(name string) bool {
	for _, t := range toolDefs {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Call runs a tool and returns its text result. A returned error is sent to
// the model as a failed tool result.
func (tb *Toolbox) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch name {
	case tools.SearchVideoClips:
		var a tools.SearchArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("invalid arguments: %v", err)
		}
		return tb.searchClips(ctx, a)
	case tools.PlayVideoByParams:
		var a tools.PlayArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("invalid arguments: %v", err)
		}
		return tb.playByParams(a), nil
	case tools.StopVideo:
		return tb.stopVideo(ctx)
	case tools.GetAPIStats:
		stats, err := tb.cfg.Search.Stats(ctx)
		if err != nil {
			return "", fmt.Errorf("get stats: %v", err)
		}
		return tools.Encode(stats), nil
	}
	return "", fmt.Errorf("unknown tool: %s", name)
}

func (tb *Toolbox) searchClips(ctx context.Context, a tools.SearchArgs) (string, error) {
	a.Description = strings.TrimSpace(a.Description)
	if a.Description == "" {
		return "", errors.New("description is required")
	}
	limit := a.Limit
	if limit <= 0 {
		limit = tb.cfg.DefaultLimit
	}
	if limit > tb.cfg.MaxLimit {
		limit = tb.cfg.MaxLimit
	}

	scenes, err := tb.cfg.Search.Semantic(ctx, a.Description, limit)
	if err != nil {
		return "", fmt.Errorf("search failed: %v", err)
	}
	res := tools.SearchResult{Query: a.Description, Videos: make([]tools.Candidate, 0, len(scenes))}
	for _, sc := range scenes {
		path, err := tb.cfg.Search.VideoPath(ctx, sc.VideoID)
		if err != nil {
			tb.logger.Warn().Err(err).Int("video_id", sc.VideoID).Msg("skipping scene without a file")
			continue
		}
		desc := sc.Description
		if desc == "" {
			desc = fmt.Sprintf("Scene %d of video %d", sc.SceneIndex, sc.VideoID)
		}
		res.Videos = append(res.Videos, tools.Candidate{
			VideoID:     sc.VideoID,
			File:        path,
			Start:       sc.StartTime,
			End:         sc.EndTime,
			Duration:    sc.Duration,
			Description: desc,
			Caption:     sc.Caption,
			Similarity:  sc.Similarity(),
		})
	}
	res.Count = len(res.Videos)

	tb.mu.Lock()
	tb.recent = res.Videos
	tb.mu.Unlock()
	tb.logger.Info().Str("query", a.Description).Int("count", res.Count).Msg("search complete")
	return tools.Encode(res), nil
}

// playByParams validates and acknowledges a clip choice. Rendering is done
// by the playback service, not here.
func (tb *Toolbox) playByParams(a tools.PlayArgs) string {
	if a.File == "" {
		return tools.Encode(tools.PlayResult{Status: tools.StatusError, Message: "Missing file, start, or end parameters"})
	}
	if a.End <= a.Start {
		return tools.Encode(tools.PlayResult{Status: tools.StatusError, Message: fmt.Sprintf("end (%.2f) must be after start (%.2f)", a.End, a.Start)})
	}
	played := tools.Played{
		VideoID:   a.VideoID,
		File:      a.File,
		Start:     a.Start,
		End:       a.End,
		Duration:  a.End - a.Start,
		Reasoning: a.Reasoning,
	}
	tb.mu.Lock()
	for _, c := range tb.recent {
		if c.File == a.File && c.Start == a.Start && c.End == a.End {
			played.Description = c.Description
			played.Caption = c.Caption
			if played.VideoID == 0 {
				played.VideoID = c.VideoID
			}
			break
		}
	}
	tb.mu.Unlock()
	tb.logger.Info().Str(log.FieldClip, a.File).Float64("start", a.Start).Float64("end", a.End).Msg("clip acknowledged")
	return tools.Encode(tools.PlayResult{Status: tools.StatusSuccess, Played: &played})
}

func (tb *Toolbox) stopVideo(ctx context.Context) (string, error) {
	if tb.cfg.Playback == nil {
		return "", errors.New("playback service is not configured")
	}
	if err := tb.cfg.Playback.Stop(ctx); err != nil {
		return "", fmt.Errorf("stop video: %v", err)
	}
	return tools.Encode(map[string]string{"status": tools.StatusSuccess, "message": "Playback stopped"}), nil
}
