package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadHubURL(t *testing.T) {
	req := require.New(t)

	cfg := Default()
	cfg.Hub.URL = "http://localhost:5020/meetinghub"
	req.ErrorContains(cfg.Validate(), "ws or wss")

	cfg = Default()
	cfg.Hub.URL = ""
	req.ErrorContains(cfg.Validate(), "hub.url is required")

	cfg = Default()
	cfg.Hub.Room = " "
	req.ErrorContains(cfg.Validate(), "hub.room")
}

func TestValidateSweepMustBeBelowTimeout(t *testing.T) {
	cfg := Default()
	cfg.Presence.SweepSec = 120
	cfg.Presence.TimeoutSec = 120
	require.ErrorContains(t, cfg.Validate(), "sweep_seconds")
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "parley.json")

	cfg, created, err := Ensure(path)
	req.NoError(err)
	req.True(created)
	req.Equal(Default().Hub.Room, cfg.Hub.Room)

	cfg2, created2, err := Ensure(path)
	req.NoError(err)
	req.False(created2)
	req.Equal(cfg, cfg2)
}

func TestLiveValuesSwap(t *testing.T) {
	req := require.New(t)

	cfg := Default()
	live := NewLive(cfg)
	req.Equal("dark", live.Get().Theme)
	req.False(live.Get().AutoAcceptCalls)

	live.Set(LiveValues{AutoAcceptCalls: true, Theme: "light"})
	req.Equal("light", live.Get().Theme)
	req.True(live.Get().AutoAcceptCalls)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "parley.json")

	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"hub":{"url":"wss://hub.example.org/meet","room":"standup"}}`)...)
	req.NoError(os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	req.NoError(err)
	req.Equal("wss://hub.example.org/meet", cfg.Hub.URL)
	req.Equal("standup", cfg.Hub.Room)
	// Unset sections keep their defaults.
	req.Equal(30, cfg.Presence.SweepSec)
	req.Equal(640, cfg.Call.VideoMaxWidth)
}
