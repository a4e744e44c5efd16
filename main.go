// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"parley/internal/config"
	"parley/internal/hub"
	"parley/internal/identity"
	"parley/internal/session"
	"parley/internal/util"
	"parley/internal/viewer"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "parley.json", "Path to the config file")
	hubFlag  = flag.String("hub", "", "Override hub.url from the config")
	roomFlag = flag.String("room", "", "Override hub.room from the config")
	addrFlag = flag.String("addr", "", "Override viewer.http_addr from the config")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfgPath, err := filepath.Abs(*cfgFlag)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("CONFIG: wrote default config to %s", cfgPath)
	}
	applyOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config after overrides: %v", err)
	}

	// Session store keeps the identity stable across restarts. A relative
	// data dir lives next to the config file, not the working directory.
	dataDir := util.ResolvePath(filepath.Dir(cfgPath), cfg.Paths.DataDir)
	store, err := identity.Open(dataDir)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer store.Close()

	selfID, err := store.UserID()
	if err != nil {
		log.Fatalf("Failed to resolve identity: %v", err)
	}

	// Capture logs for the viewer's log tab while keeping stderr output.
	logs := viewer.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	printBanner(cfgPath, cfg, selfID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sess := session.New(&cfg, selfID, hub.NewClient(cfg.Hub.URL))
	live := config.NewLive(cfg)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		sess.Close()
		cancel()
	}()

	// Live-reload the mutable parts of the config. Connection-level settings
	// (hub url, room, data dir) still need a restart.
	watcher, err := config.Watch(cfgPath, func(next config.Config) {
		sess.Calls().SetDisabled(next.Call.Disabled)
		live.Set(config.LiveValues{
			AutoAcceptCalls: next.Viewer.AutoAcceptCalls,
			Theme:           next.Viewer.Theme,
		})
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Start(cfg.Viewer.HTTPAddr, viewer.Viewer{
			Session: sess,
			Live:    live,
			Logs:    logs,
			Store:   store,
		})
	}()

	if err := sess.Start(ctx); err != nil && ctx.Err() == nil {
		log.Printf("HUB: %v — reconnect from the viewer once the hub is reachable", err)
	}

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Fatalf("Viewer failed: %v", err)
		}
	case <-ctx.Done():
	}
}

func applyOverrides(cfg *config.Config) {
	if *hubFlag != "" {
		cfg.Hub.URL = *hubFlag
	}
	if *roomFlag != "" {
		cfg.Hub.Room = *roomFlag
	}
	if *addrFlag != "" {
		cfg.Viewer.HTTPAddr = *addrFlag
	}
}

func showUsage() {
	fmt.Println("parley - meeting room client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <file>  Config file path (default parley.json, created if missing)")
	fmt.Println("  -hub <url>      Override the hub websocket URL")
	fmt.Println("  -room <name>    Override the meeting room")
	fmt.Println("  -addr <addr>    Override the viewer listen address")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Join the default room on a local hub")
	fmt.Println("  parley")
	fmt.Println()
	fmt.Println("  # Join a specific room on a remote hub")
	fmt.Println("  parley -hub wss://meet.example.com/meetinghub -room standup")
}

func printBanner(cfgPath string, cfg config.Config, selfID string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     parley client                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Config File:  %s\n", cfgPath)
	fmt.Printf("Identity:     %s\n", selfID)
	fmt.Printf("Hub:          %s\n", cfg.Hub.URL)
	fmt.Printf("Room:         %s\n", cfg.Hub.Room)
	fmt.Println()

	viewerURL := cfg.Viewer.HTTPAddr
	if viewerURL != "" && viewerURL[0] == ':' {
		viewerURL = "127.0.0.1" + viewerURL
	}
	fmt.Printf("🌐 Viewer:     http://%s\n", viewerURL)
	fmt.Println()

	if cfg.Call.Disabled {
		fmt.Println("Mode: chat only (calls disabled)")
		fmt.Println()
	}

	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
