package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
server:
  host: 127.0.0.1
  port: 9000
  public_url: http://jukebox.local:9000

store:
  driver: sqlite
  dsn: /var/lib/cinechat/archive.db

bot:
  binary: /usr/local/bin/cinechat
  args: ["--config", "/etc/cinechat.yaml"]
  exit_on_eof: true

worker:
  command: /usr/local/bin/cinechat
  args: ["worker"]
  call_timeout: 12s
  lock_timeout: 20s

supervisor:
  grace: 3s
  kill_timeout: 1s

remote:
  user: pi
  key_path: /home/pi/.ssh/id_ed25519
  known_hosts: /home/pi/.ssh/known_hosts

playback:
  player: cvlc
  video_dir: /srv/videos
  idle_clip: static.mp4
  fullscreen: true
  port: 5050

search:
  api_url: http://search.local:8080
  api_key: secret
  default_limit: 4
  max_limit: 10

sweep:
  schedule: "@every 1m"

log:
  level: debug
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.PublicURL != "http://jukebox.local:9000" {
		t.Errorf("Server.PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if len(cfg.Bot.Args) != 2 {
		t.Errorf("len(Bot.Args) = %d, want 2", len(cfg.Bot.Args))
	}
	if !cfg.Bot.ExitOnEOF {
		t.Error("Bot.ExitOnEOF = false, want true")
	}
	if cfg.Worker.CallTimeout.Std() != 12*time.Second {
		t.Errorf("Worker.CallTimeout = %v, want 12s", cfg.Worker.CallTimeout.Std())
	}
	if cfg.Worker.LockTimeout.Std() != 20*time.Second {
		t.Errorf("Worker.LockTimeout = %v, want 20s", cfg.Worker.LockTimeout.Std())
	}
	if cfg.Supervisor.Grace.Std() != 3*time.Second {
		t.Errorf("Supervisor.Grace = %v, want 3s", cfg.Supervisor.Grace.Std())
	}
	if cfg.Remote.User != "pi" {
		t.Errorf("Remote.User = %q, want pi", cfg.Remote.User)
	}
	if cfg.Playback.Player != "cvlc" || cfg.Playback.Binary != "cvlc" {
		t.Errorf("Playback player/binary = %q/%q, want cvlc/cvlc", cfg.Playback.Player, cfg.Playback.Binary)
	}
	if cfg.Playback.ServiceURL != "http://127.0.0.1:5050" {
		t.Errorf("Playback.ServiceURL = %q, want derived from port", cfg.Playback.ServiceURL)
	}
	if !cfg.Playback.Fullscreen {
		t.Error("Playback.Fullscreen = false, want true")
	}
	if cfg.Search.DefaultLimit != 4 || cfg.Search.MaxLimit != 10 {
		t.Errorf("Search limits = %d/%d, want 4/10", cfg.Search.DefaultLimit, cfg.Search.MaxLimit)
	}
	if cfg.Sweep.Schedule != "@every 1m" {
		t.Errorf("Sweep.Schedule = %q", cfg.Sweep.Schedule)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestParse_EmptyAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want 8765", cfg.Server.Port)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:8765" {
		t.Errorf("Server.PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Worker.Command != "cinechat" || len(cfg.Worker.Args) != 1 || cfg.Worker.Args[0] != "worker" {
		t.Errorf("Worker = %q %v, want cinechat [worker]", cfg.Worker.Command, cfg.Worker.Args)
	}
	if cfg.Worker.CallTimeout.Std() != 10*time.Second {
		t.Errorf("Worker.CallTimeout = %v, want 10s", cfg.Worker.CallTimeout.Std())
	}
	if cfg.Worker.LockTimeout.Std() != 15*time.Second {
		t.Errorf("Worker.LockTimeout = %v, want 15s", cfg.Worker.LockTimeout.Std())
	}
	if cfg.Supervisor.Grace.Std() != 5*time.Second {
		t.Errorf("Supervisor.Grace = %v, want 5s", cfg.Supervisor.Grace.Std())
	}
	if cfg.Remote.Port != 22 {
		t.Errorf("Remote.Port = %d, want 22", cfg.Remote.Port)
	}
	if cfg.Playback.Player != "mpv" {
		t.Errorf("Playback.Player = %q, want mpv", cfg.Playback.Player)
	}
	if cfg.Search.DefaultLimit != 5 || cfg.Search.MaxLimit != 20 {
		t.Errorf("Search limits = %d/%d, want 5/20", cfg.Search.DefaultLimit, cfg.Search.MaxLimit)
	}
	if cfg.Sweep.Schedule != "@every 30s" {
		t.Errorf("Sweep.Schedule = %q", cfg.Sweep.Schedule)
	}
	if cfg.Store.Driver != "" {
		t.Errorf("Store.Driver = %q, want empty", cfg.Store.Driver)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown player",
			yaml: "playback:\n  player: vlc\n",
			want: "playback.player",
		},
		{
			name: "store without dsn",
			yaml: "store:\n  driver: mysql\n",
			want: "store.dsn",
		},
		{
			name: "unknown store driver",
			yaml: "store:\n  driver: postgres\n  dsn: x\n",
			want: "store.driver",
		},
		{
			name: "default limit above max",
			yaml: "search:\n  default_limit: 30\n  max_limit: 10\n",
			want: "search.default_limit",
		},
		{
			name: "bad port",
			yaml: "server:\n  port: 70000\n",
			want: "server.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("playback:\n  player: vlc\nstore:\n  driver: mysql\n"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"playback.player", "store.dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, missing %q", err, want)
		}
	}
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("worker:\n  call_timeout: soon\n"))
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
	if !strings.Contains(err.Error(), "soon") {
		t.Errorf("error = %q, want it to mention the bad value", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unterminated"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cinechat.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want read prefix", err)
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}
