package viewer

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The viewer binds to loopback only; browser pages load from it too.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerMedia serves live WebM over websocket: /ws/media?peer=<id> for a
// call's remote stream, peer=self for the local preview.
func registerMedia(mux *http.ServeMux, v Viewer) {
	mux.HandleFunc("/ws/media", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}

		sink, ok := v.Session.Calls().SinkFor(peer)
		if peer == "self" {
			sink, ok = v.Session.Calls().SelfSink()
		}
		if !ok {
			http.Error(w, "no media for peer", http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch, cancel := sink.Subscribe()
		defer cancel()

		// Drain client frames so close handshakes and pings are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Printf("viewer: media socket for %s closed: %v", peer, err)
				return
			}
		}
	})
}
