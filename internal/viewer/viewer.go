// Package viewer is the local HTTP surface of the client: a small embedded
// UI, a JSON API over the session, SSE for live updates and websockets for
// call media. It binds to loopback; it is a control surface, not a public
// site.
package viewer

import (
	"log"
	"net/http"

	"parley/internal/config"
	"parley/internal/identity"
	"parley/internal/session"
)

// Viewer bundles everything the HTTP routes need.
type Viewer struct {
	Session *session.Session
	Live    *config.Live
	Logs    *LogBuffer
	Store   *identity.Store
}

// confirmGate builds the negotiator's confirm func. The auto-accept flag is
// read per offer, so a config reload applies to the next incoming call.
func confirmGate(live *config.Live, gate *promptGate) func(peer string) bool {
	return func(peer string) bool {
		if live.Get().AutoAcceptCalls {
			return true
		}
		return gate.Confirm(peer)
	}
}

// Start wires the routes and serves until the listener fails. The incoming
// call gate is installed here: auto-accept when configured, otherwise the
// UI prompt with a timeout.
func Start(addr string, v Viewer) error {
	gate := newPromptGate()
	v.Session.Calls().SetConfirm(confirmGate(v.Live, gate))

	mux := http.NewServeMux()
	mux.Handle("/assets/", http.StripPrefix("/assets/", noCache(assetHandler())))
	mux.HandleFunc("/", serveIndex)
	registerHelp(mux)
	registerRoutes(mux, v, gate)

	log.Printf("viewer listening on http://%s", addr)
	return http.ListenAndServe(addr, mux)
}
