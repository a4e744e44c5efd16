package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"parley/internal/util"
)

type Config struct {
	Hub      Hub      `json:"hub"`
	Paths    Paths    `json:"paths"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
}

type Hub struct {
	// Websocket URL of the meeting hub, e.g. ws://localhost:5020/meetinghub.
	URL string `json:"url"`

	// Room joined on connect and after every reconnect.
	Room string `json:"room"`
}

type Paths struct {
	// DataDir holds the session store (identity, settings).
	DataDir string `json:"data_dir"`
}

type Presence struct {
	// SweepSec is the roster sweep interval.
	SweepSec int `json:"sweep_seconds"`

	// TimeoutSec is the inactivity threshold after which a participant is
	// evicted by the sweep.
	TimeoutSec int `json:"timeout_seconds"`

	// BurstDelaysMs are the delays of the presence re-announcement burst
	// sent after a reconnect, to tolerate best-effort message loss.
	BurstDelaysMs []int `json:"burst_delays_ms"`
}

// Sweep returns the sweep interval as a duration.
func (p Presence) Sweep() time.Duration {
	return time.Duration(p.SweepSec) * time.Second
}

// Timeout returns the eviction threshold as a duration.
func (p Presence) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

// Burst returns the re-announcement delays as durations.
func (p Presence) Burst() []time.Duration {
	out := make([]time.Duration, len(p.BurstDelaysMs))
	for i, ms := range p.BurstDelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

type Call struct {
	// Disabled turns off video calling entirely (no media capture attempted).
	Disabled bool `json:"disabled"`

	STUNURLs []string `json:"stun_urls"`

	VideoMaxWidth  int `json:"video_max_width"`
	VideoMaxHeight int `json:"video_max_height"`
	VideoBitRate   int `json:"video_bitrate"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`

	// AutoAcceptCalls skips the incoming-call prompt. Intended for kiosk
	// setups; the prompt is the default.
	AutoAcceptCalls bool `json:"auto_accept_calls"`

	Theme string `json:"theme"`
}

func Default() Config {
	return Config{
		Hub: Hub{
			URL:  "ws://localhost:5020/meetinghub",
			Room: "test-meeting",
		},
		Paths: Paths{
			DataDir: "data",
		},
		Presence: Presence{
			SweepSec:      30,
			TimeoutSec:    120,
			BurstDelaysMs: []int{100, 500, 1500, 3000},
		},
		Call: Call{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			VideoMaxWidth:  640,
			VideoMaxHeight: 480,
			VideoBitRate:   1_500_000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7780",
			Theme:    "dark",
		},
	}
}

func (c *Config) Validate() error {
	// Hub
	hu := strings.TrimSpace(c.Hub.URL)
	if hu == "" {
		return errors.New("hub.url is required")
	}
	u, err := url.Parse(hu)
	if err != nil {
		return fmt.Errorf("hub.url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("hub.url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("hub.url is missing a host")
	}
	if strings.TrimSpace(c.Hub.Room) == "" {
		return errors.New("hub.room is required")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Presence
	if c.Presence.SweepSec <= 0 {
		return errors.New("presence.sweep_seconds must be > 0")
	}
	if c.Presence.TimeoutSec <= 0 {
		return errors.New("presence.timeout_seconds must be > 0")
	}
	if c.Presence.SweepSec >= c.Presence.TimeoutSec {
		return errors.New("presence.sweep_seconds must be < presence.timeout_seconds")
	}
	for _, d := range c.Presence.BurstDelaysMs {
		if d < 0 {
			return errors.New("presence.burst_delays_ms must be >= 0")
		}
	}

	// Call
	if !c.Call.Disabled {
		if c.Call.VideoMaxWidth <= 0 || c.Call.VideoMaxHeight <= 0 {
			return errors.New("call.video_max_width and call.video_max_height must be > 0")
		}
		if c.Call.VideoBitRate <= 0 {
			return errors.New("call.video_bitrate must be > 0")
		}
		for _, s := range c.Call.STUNURLs {
			if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
				return fmt.Errorf("call.stun_urls entry %q must start with stun: or turn:", s)
			}
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
