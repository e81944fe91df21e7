// Package config provides YAML-based configuration loading for cinechat.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level cinechat configuration, loaded from cinechat.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Bot        BotConfig        `yaml:"bot"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Remote     RemoteConfig     `yaml:"remote"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Search     SearchConfig     `yaml:"search"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the session server listen address and the URL bots use
// to reach it.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
}

// StoreConfig selects the optional archive database. An empty driver
// disables archiving.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn"`
}

// BotConfig describes how the registry launches a bot process.
type BotConfig struct {
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`

	// ExitOnEOF stops the bot when its event input ends. Bots spawned by
	// the server read a closed stdin and must leave this off; they run
	// until the registry terminates them.
	ExitOnEOF bool `yaml:"exit_on_eof"`
}

// WorkerConfig describes the long-lived tool worker and call timeouts.
type WorkerConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	StartupTimeout Duration          `yaml:"startup_timeout"`
	CallTimeout    Duration          `yaml:"call_timeout"`
	LockTimeout    Duration          `yaml:"lock_timeout"`
}

// SupervisorConfig holds the graceful termination window.
type SupervisorConfig struct {
	Grace       Duration `yaml:"grace"`
	KillTimeout Duration `yaml:"kill_timeout"`
}

// RemoteConfig holds SSH settings for terminating processes on the display
// device.
type RemoteConfig struct {
	User           string   `yaml:"user"`
	Port           int      `yaml:"port"`
	KeyPath        string   `yaml:"key_path"`
	KnownHostsPath string   `yaml:"known_hosts"`
	Timeout        Duration `yaml:"timeout"`
}

// PlaybackConfig configures the player and the playback service.
type PlaybackConfig struct {
	Player      string   `yaml:"player"` // mpv, cvlc or ffplay
	Binary      string   `yaml:"binary"`
	VideoDir    string   `yaml:"video_dir"`
	IdleClip    string   `yaml:"idle_clip"`
	Fullscreen  bool     `yaml:"fullscreen"`
	AudioDevice string   `yaml:"audio_device"`
	ExtraArgs   []string `yaml:"extra_args"`
	Port        int      `yaml:"port"`
	ServiceURL  string   `yaml:"service_url"`
	StopGrace   Duration `yaml:"stop_grace"`

	// IdleRestarts caps consecutive restarts of a failing idle loop; a
	// negative value disables them. Zero keeps the player default.
	IdleRestarts int      `yaml:"idle_restarts"`
	IdleBackoff  Duration `yaml:"idle_backoff"`
}

// SearchConfig points the tool worker at the clip search API.
type SearchConfig struct {
	APIURL       string   `yaml:"api_url"`
	APIKey       string   `yaml:"api_key"`
	DefaultLimit int      `yaml:"default_limit"`
	MaxLimit     int      `yaml:"max_limit"`
	Timeout      Duration `yaml:"timeout"`
}

// SweepConfig schedules the registry liveness sweep.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration is a time.Duration that unmarshals from strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var validPlayers = map[string]bool{"mpv": true, "cvlc": true, "ffplay": true}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, used when no file is
// given to commands that can run without one.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8765
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	if c.Bot.Binary == "" {
		c.Bot.Binary = "cinechat"
	}
	if c.Worker.Command == "" {
		c.Worker.Command = "cinechat"
		if len(c.Worker.Args) == 0 {
			c.Worker.Args = []string{"worker"}
		}
	}
	if c.Worker.StartupTimeout == 0 {
		c.Worker.StartupTimeout = Duration(10 * time.Second)
	}
	if c.Worker.CallTimeout == 0 {
		c.Worker.CallTimeout = Duration(10 * time.Second)
	}
	if c.Worker.LockTimeout == 0 {
		c.Worker.LockTimeout = Duration(15 * time.Second)
	}
	if c.Supervisor.Grace == 0 {
		c.Supervisor.Grace = Duration(5 * time.Second)
	}
	if c.Supervisor.KillTimeout == 0 {
		c.Supervisor.KillTimeout = Duration(2 * time.Second)
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = Duration(5 * time.Second)
	}
	if c.Playback.Player == "" {
		c.Playback.Player = "mpv"
	}
	if c.Playback.Binary == "" {
		c.Playback.Binary = c.Playback.Player
	}
	if c.Playback.Port == 0 {
		c.Playback.Port = 5000
	}
	if c.Playback.ServiceURL == "" {
		c.Playback.ServiceURL = fmt.Sprintf("http://127.0.0.1:%d", c.Playback.Port)
	}
	if c.Playback.StopGrace == 0 {
		c.Playback.StopGrace = Duration(time.Second)
	}
	if c.Search.APIURL == "" {
		c.Search.APIURL = "http://localhost:8080"
	}
	if c.Search.DefaultLimit == 0 {
		c.Search.DefaultLimit = 5
	}
	if c.Search.MaxLimit == 0 {
		c.Search.MaxLimit = 20
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = Duration(30 * time.Second)
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 30s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if _, err := url.ParseRequestURI(c.Server.PublicURL); err != nil {
		errs = append(errs, fmt.Sprintf("server.public_url: %v", err))
	}
	switch c.Store.Driver {
	case "":
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required when store.driver is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	if !validPlayers[c.Playback.Player] {
		errs = append(errs, fmt.Sprintf("playback.player %q must be mpv, cvlc or ffplay", c.Playback.Player))
	}
	if c.Playback.Port < 0 || c.Playback.Port > 65535 {
		errs = append(errs, fmt.Sprintf("playback.port %d out of range", c.Playback.Port))
	}
	if _, err := url.ParseRequestURI(c.Playback.ServiceURL); err != nil {
		errs = append(errs, fmt.Sprintf("playback.service_url: %v", err))
	}
	if _, err := url.ParseRequestURI(c.Search.APIURL); err != nil {
		errs = append(errs, fmt.Sprintf("search.api_url: %v", err))
	}
	if c.Search.DefaultLimit > c.Search.MaxLimit {
		errs = append(errs, fmt.Sprintf("search.default_limit %d exceeds search.max_limit %d",
			c.Search.DefaultLimit, c.Search.MaxLimit))
	}
	if c.Worker.CallTimeout < 0 || c.Worker.LockTimeout < 0 || c.Worker.StartupTimeout < 0 {
		errs = append(errs, "worker timeouts must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
