package bot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zulandar/cinechat/internal/dialogue"
	"github.com/zulandar/cinechat/internal/playback"
	"github.com/zulandar/cinechat/internal/search"
	"github.com/zulandar/cinechat/internal/toolrpc"
	"github.com/zulandar/cinechat/internal/tools"
	"github.com/zulandar/cinechat/internal/worker"
)

const workerEnv = "CINECHAT_BOT_TEST_WORKER"

// TestMain doubles as the tool worker when re-executed by Run.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		tb := worker.NewToolbox(worker.ToolboxConfig{Search: cannedSearch{}})
		if err := worker.NewServer("test-worker", "0", tb).Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type cannedSearch struct{}

func (cannedSearch) Semantic(context.Context, string, int, ...int) ([]search.Scene, error) {
	return []search.Scene{{VideoID: 1, StartTime: 1, EndTime: 3, Duration: 2, Description: "a wave", Caption: "hello there", Distance: 0.2}}, nil
}

func (cannedSearch) VideoPath(context.Context, int) (string, error) { return "/v/wave.mp4", nil }

func (cannedSearch) Stats(context.Context) (map[string]interface{}, error) { return nil, nil }

type recordStatus struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordStatus) AppendStatus(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, text)
	return nil
}

func (r *recordStatus) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

type recordPlayer struct {
	mu    sync.Mutex
	clips []playback.Clip
}

func (r *recordPlayer) Play(_ context.Context, clip playback.Clip) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clips = append(r.clips, clip)
	return 77, nil
}

type scriptedTools struct{}

func (scriptedTools) CallTool(_ context.Context, name string, _ interface{}) (string, error) {
	switch name {
	case tools.SearchVideoClips:
		return `{"query":"q","count":1,"videos":[{"video_id":1,"file":"a.mp4","start":0,"end":2,"description":"d"}]}`, nil
	case tools.PlayVideoByParams:
		return `{"status":"success"}`, nil
	}
	return "", fmt.Errorf("unknown tool: %s", name)
}

func decodeMessages(t *testing.T, r io.Reader) []Message {
	t.Helper()
	var out []Message
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var m Message
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestServeTurn(t *testing.T) {
	defer goleak.VerifyNone(t)

	status := &recordStatus{}
	player := &recordPlayer{}
	var buf bytes.Buffer
	out := NewEmitter(&buf)
	ctrl := dialogue.New(dialogue.Config{ParticipantID: "p", Tools: scriptedTools{}, Status: status, Player: player, Injector: out})

	in := strings.NewReader(strings.Join([]string{
		`{"type":"user_turn","text":"show me something"}`,
		`{"type":"text","text":"Sure! Here is a clip."}`,
		`not json`,
		`{"type":"tool_call","id":"1","name":"search_video_clips","arguments":{"description":"something"}}`,
		``,
		`{"type":"tool_call","id":"2","name":"play_video_by_params","arguments":{"file":"a.mp4","start":0,"end":2}}`,
		`{"type":"tool_call","id":"3","name":"search_video_clips","arguments":{"description":"more"}}`,
		`{"type":"heartbeat"}`,
	}, "\n"))

	require.NoError(t, Serve(context.Background(), ctrl, in, out, nil))

	msgs := decodeMessages(t, &buf)
	require.Len(t, msgs, 7)
	assert.Equal(t, Message{Type: TypeInject, Role: "system", Content: dialogue.MissingSearchInstruction, Reason: dialogue.ReasonMissingSearch}, msgs[0])
	assert.Equal(t, TypeInject, msgs[1].Type)
	assert.Equal(t, dialogue.ReasonNextStep, msgs[1].Reason)
	assert.Equal(t, TypeToolResult, msgs[2].Type)
	assert.Equal(t, "1", msgs[2].ID)
	assert.Contains(t, msgs[2].Content, `"file":"a.mp4"`)
	assert.Equal(t, dialogue.ReasonStopAndWait, msgs[3].Reason)
	assert.Equal(t, Message{Type: TypeToolResult, ID: "2", Content: `{"status":"success"}`}, msgs[4])
	assert.Equal(t, dialogue.ReasonStopAndWait, msgs[5].Reason)
	assert.Equal(t, "3", msgs[6].ID)
	assert.Contains(t, msgs[6].Error, "protocol violation")

	assert.Equal(t, []playback.Clip{{File: "a.mp4", Start: 0, End: 2}}, player.clips)
	assert.Equal(t, "[VIDEO: d]", status.all()[len(status.all())-1])
}

func TestServeStopsOnWorkerExit(t *testing.T) {
	defer goleak.VerifyNone(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	ctrl := dialogue.New(dialogue.Config{Tools: scriptedTools{}, Player: &recordPlayer{}})

	done := make(chan struct{})
	close(done)
	err := Serve(context.Background(), ctrl, pr, NewEmitter(io.Discard), done)
	assert.ErrorIs(t, err, toolrpc.ErrWorkerExited)
}

func TestServeStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	ctrl := dialogue.New(dialogue.Config{Tools: scriptedTools{}, Player: &recordPlayer{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Serve(ctx, ctrl, pr, NewEmitter(io.Discard), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunWithWorkerProcess(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	status := &recordStatus{}
	player := &recordPlayer{}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	cfg := Config{
		RoomID:        "room-1",
		ParticipantID: "p-1",
		Worker: toolrpc.WorkerConfig{
			Command:        exe,
			Env:            map[string]string{workerEnv: "1"},
			StartupTimeout: 10 * time.Second,
			Grace:          time.Second,
			KillTimeout:    time.Second,
		},
		Status:    status,
		Player:    player,
		In:        inR,
		Out:       outW,
		ExitOnEOF: true,
	}

	ran := make(chan error, 1)
	go func() {
		ran <- Run(context.Background(), cfg)
		outW.Close()
	}()

	dec := json.NewDecoder(outR)
	next := func() Message {
		t.Helper()
		var m Message
		require.NoError(t, dec.Decode(&m))
		return m
	}

	ready := next()
	assert.Equal(t, TypeReady, ready.Type)
	assert.Equal(t, "p-1", ready.ParticipantID)

	fmt.Fprintln(inW, `{"type":"user_turn"}`)
	fmt.Fprintln(inW, `{"type":"tool_call","id":"s1","name":"search_video_clips","arguments":{"description":"greeting"}}`)
	assert.Equal(t, dialogue.ReasonNextStep, next().Reason)
	res := next()
	assert.Equal(t, "s1", res.ID)
	assert.Contains(t, res.Content, "/v/wave.mp4")

	fmt.Fprintln(inW, `{"type":"tool_call","id":"p1","name":"play_video_by_params","arguments":{"file":"/v/wave.mp4","start":1,"end":3,"reasoning":"a greeting"}}`)
	assert.Equal(t, dialogue.ReasonStopAndWait, next().Reason)
	res = next()
	assert.Equal(t, "p1", res.ID)
	assert.Empty(t, res.Error)

	inW.Close()
	select {
	case err := <-ran:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after input closed")
	}
	io.Copy(io.Discard, outR)

	assert.Equal(t, []playback.Clip{{File: "/v/wave.mp4", Start: 1, End: 3}}, player.clips)
	assert.Equal(t, []string{
		"[REASONING] Searching for: 'greeting'",
		"[SEARCH RESULTS] Found 1 options:\n1. a wave - \"hello there\"\n",
		"[REASONING] a greeting",
		`[VIDEO: a wave | "hello there"]`,
	}, status.all())
}

func TestRunWithoutInputStaysUpUntilCancelled(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outR, outW := io.Pipe()
	cfg := Config{
		RoomID:        "room-1",
		ParticipantID: "p-1",
		Worker: toolrpc.WorkerConfig{
			Command:        exe,
			Env:            map[string]string{workerEnv: "1"},
			StartupTimeout: 10 * time.Second,
			Grace:          time.Second,
			KillTimeout:    time.Second,
		},
		Player: &recordPlayer{},
		In:     strings.NewReader(""),
		Out:    outW,
	}

	ran := make(chan error, 1)
	go func() {
		ran <- Run(ctx, cfg)
		outW.Close()
	}()

	var ready Message
	require.NoError(t, json.NewDecoder(outR).Decode(&ready))
	assert.Equal(t, TypeReady, ready.Type)

	select {
	case err := <-ran:
		t.Fatalf("Run returned after empty input: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
