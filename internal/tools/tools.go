// Package tools defines the tool names and JSON payloads exchanged between
// the bot and the tool worker.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool names exposed by the worker.
const (
	SearchVideoClips  = "search_video_clips"
	PlayVideoByParams = "play_video_by_params"
	StopVideo         = "stop_video"
	GetAPIStats       = "get_api_stats"
)

// SearchArgs are the arguments of search_video_clips.
type SearchArgs struct {
	Description string `json:"description"`
	Limit       int    `json:"limit,omitempty"`
}

// Candidate is one ranked clip returned by a search.
type Candidate struct {
	VideoID     int     `json:"video_id"`
	File        string  `json:"file"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description"`
	Caption     string  `json:"caption,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// SearchResult is the text payload of a search_video_clips result.
type SearchResult struct {
	Query  string      `json:"query"`
	Count  int         `json:"count"`
	Videos []Candidate `json:"videos"`
}

// Summary renders the result for the status log, one line per candidate.
func (r SearchResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SEARCH RESULTS] Found %d options:\n", r.Count)
	for i, v := range r.Videos {
		fmt.Fprintf(&b, "%d. %s - %q\n", i+1, v.Description, v.Caption)
	}
	return b.String()
}

// PlayArgs are the arguments of play_video_by_params.
type PlayArgs struct {
	VideoID   int     `json:"video_id,omitempty"`
	File      string  `json:"file"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Played describes the clip acknowledged by play_video_by_params.
type Played struct {
	VideoID     int     `json:"video_id,omitempty"`
	File        string  `json:"file"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description"`
	Caption     string  `json:"caption,omitempty"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// Label renders the clip for the status log.
func (p Played) Label() string {
	desc := p.Description
	if desc == "" {
		desc = "Video clip"
	}
	if p.Caption != "" {
		return fmt.Sprintf("[VIDEO: %s | %q]", desc, p.Caption)
	}
	return fmt.Sprintf("[VIDEO: %s]", desc)
}

// PlayResult is the text payload of a play_video_by_params result.
type PlayResult struct {
	Status  string  `json:"status"` // "success" or "error"
	Played  *Played `json:"video_played,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Status values of PlayResult.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Encode marshals v as a tool result text.
func Encode(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","message":%q}`, err.Error())
	}
	return string(data)
}
