package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{"user turn", `{"type":"user_turn","text":"hi"}`, UserTurnStarted{Text: "hi"}},
		{"text", `{"type":"text","text":"hmm"}`, PlainText{Text: "hmm"}},
		{
			"search",
			`{"type":"tool_call","id":"c1","name":"search_video_clips","arguments":{"description":" rain ","limit":3}}`,
			SearchCall{CallID: "c1", Description: "rain", Limit: 3},
		},
		{
			"play",
			`{"type":"tool_call","id":"c2","name":"play_video_by_params","arguments":{"file":"a.mp4","start":0,"end":2.5,"reasoning":"fits"}}`,
			PlayCall{CallID: "c2", File: "a.mp4", Start: 0, End: 2.5, Reasoning: "fits"},
		},
		{
			"play missing end",
			`{"type":"tool_call","id":"c3","name":"play_video_by_params","arguments":{"file":"a.mp4","start":0}}`,
			InvalidCall{CallID: "c3", Name: "play_video_by_params", Reason: "Missing file, start, or end parameters"},
		},
		{
			"search without description",
			`{"type":"tool_call","id":"c4","name":"search_video_clips","arguments":{}}`,
			InvalidCall{CallID: "c4", Name: "search_video_clips", Reason: "description is required"},
		},
		{
			"search negative limit",
			`{"type":"tool_call","id":"c5","name":"search_video_clips","arguments":{"description":"x","limit":-1}}`,
			InvalidCall{CallID: "c5", Name: "search_video_clips", Reason: "limit must not be negative"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEventOtherTool(t *testing.T) {
	got, err := ParseEvent([]byte(`{"type":"tool_call","id":"c9","name":"get_api_stats"}`))
	require.NoError(t, err)
	call, ok := got.(ToolCall)
	require.True(t, ok)
	assert.Equal(t, "get_api_stats", call.Name)
	assert.JSONEq(t, `{}`, string(call.Arguments))
}

func TestParseEventUnknownAndMalformed(t *testing.T) {
	got, err := ParseEvent([]byte(`{"type":"vad_level","level":0.3}`))
	require.NoError(t, err)
	u, ok := got.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "vad_level", u.Type)
	assert.Equal(t, "unknown", u.Kind())

	_, err = ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}
