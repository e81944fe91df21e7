package playback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerCommand(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PlayerConfig
		clip    Clip
		loop    bool
		bin     string
		want    []string
		wantErr bool
	}{
		{
			name: "mpv clip",
			cfg:  PlayerConfig{Player: PlayerMPV, Fullscreen: true},
			clip: Clip{File: "/v/a.mp4", Start: 1.5, End: 4},
			bin:  "mpv",
			want: []string{"--no-terminal", "--no-osc", "--no-osd-bar", "--force-seekable=yes", "--start=1.5", "--end=4", "--fullscreen", "/v/a.mp4"},
		},
		{
			name: "mpv idle loop with custom binary",
			cfg:  PlayerConfig{Binary: "/opt/mpv", AudioDevice: "alsa/hdmi"},
			clip: Clip{File: "static.mp4"},
			loop: true,
			bin:  "/opt/mpv",
			want: []string{"--no-terminal", "--no-osc", "--no-osd-bar", "--force-seekable=yes", "--loop=inf", "--audio-device=alsa/hdmi", "static.mp4"},
		},
		{
			name: "vlc clip",
			cfg:  PlayerConfig{Player: PlayerVLC, Fullscreen: true},
			clip: Clip{File: "a.mp4", Start: 2, End: 3},
			bin:  "cvlc",
			want: []string{"--intf", "dummy", "--no-video-title-show", "--start-time=2", "--stop-time=3", "--fullscreen", "--play-and-exit", "a.mp4"},
		},
		{
			name: "ffplay clip",
			cfg:  PlayerConfig{Player: PlayerFFPlay, ExtraArgs: []string{"-an"}},
			clip: Clip{File: "a.mp4", Start: 10, End: 12.5},
			bin:  "ffplay",
			want: []string{"-hide_banner", "-loglevel", "error", "-ss", "10", "-t", "2.5", "-autoexit", "-an", "a.mp4"},
		},
		{name: "end before start", cfg: PlayerConfig{}, clip: Clip{File: "a.mp4", Start: 5, End: 2}, wantErr: true},
		{name: "missing file", cfg: PlayerConfig{}, clip: Clip{End: 2}, wantErr: true},
		{name: "unknown player", cfg: PlayerConfig{Player: "xine"}, clip: Clip{File: "a.mp4"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, args, err := tt.cfg.Command(tt.clip, tt.loop)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bin, bin)
			assert.Equal(t, tt.want, args)
		})
	}
}

func newTestService(t *testing.T) (*httptest.Server, *fakeLauncher, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("x"), 0o644))
	l := &fakeLauncher{}
	ctrl := newTestController(l)
	require.NoError(t, ctrl.Start(context.Background()))
	srv := httptest.NewServer(NewRouter(ctrl, dir))
	t.Cleanup(func() {
		srv.Close()
		ctrl.Close()
	})
	return srv, l, dir
}

func TestServicePlayResolvesRelativePath(t *testing.T) {
	srv, l, dir := newTestService(t)

	resp, err := http.Post(srv.URL+"/play", "application/json", strings.NewReader(`{"video_path":"a.mp4","start":1,"end":3}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body PlayResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "playing", body.Status)
	assert.Equal(t, "a.mp4", body.Video)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), l.last().clip.File)
	assert.Equal(t, l.last().proc.PID(), body.PID)
}

func TestServicePlayMissingFileKeepsIdle(t *testing.T) {
	srv, l, _ := newTestService(t)

	resp, err := http.Post(srv.URL+"/play", "application/json", strings.NewReader(`{"video_path":"nope.mp4","start":0,"end":3}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Len(t, l.all(), 1)
	assert.True(t, l.last().proc.Alive())
}

func TestServicePlayValidation(t *testing.T) {
	srv, _, _ := newTestService(t)
	for _, body := range []string{`not json`, `{"start":0,"end":3}`, `{"video_path":"a.mp4"}`} {
		resp, err := http.Post(srv.URL+"/play", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestClientAgainstService(t *testing.T) {
	srv, l, _ := newTestService(t)
	client := NewClient(srv.URL+"/", true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pid, err := client.Play(ctx, Clip{File: "a.mp4", Start: 0, End: 2})
	require.NoError(t, err)
	assert.Equal(t, l.last().proc.PID(), pid)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModePlaying, st.Mode)
	assert.Equal(t, pid, st.PID)

	require.NoError(t, client.Stop(ctx))
	st, err = client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, st.Mode)

	_, err = client.Play(ctx, Clip{File: "missing.mp4", End: 2})
	require.ErrorIs(t, err, ErrPlaybackStart)
	assert.Contains(t, err.Error(), "not found")
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestService(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["playing"])
}
