package viewer

import (
	"errors"
	"net/http"

	"parley/internal/call"
	"parley/internal/session"
	"parley/internal/textcase"
)

// statusVM is the /api/status and SSE payload.
type statusVM struct {
	session.Snapshot
	Ringing []string `json:"ringing"`
	Theme   string   `json:"theme"`
}

func registerRoutes(mux *http.ServeMux, v Viewer, gate *promptGate) {
	status := func() statusVM {
		return statusVM{
			Snapshot: v.Session.Snapshot(),
			Ringing:  gate.Pending(),
			Theme:    v.Live.Get().Theme,
		}
	}

	// GET /api/status — the full view model.
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status())
	})

	// GET /api/users — just the roster.
	handleGet(mux, "/api/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.Session.Snapshot().Roster)
	})

	// POST /api/reconnect — manual retry from the error state.
	handlePost(mux, "/api/reconnect", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := v.Session.Reconnect(); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, map[string]string{"status": "connected"})
	})

	// POST /api/chat/group
	handlePost(mux, "/api/chat/group", func(w http.ResponseWriter, r *http.Request, req struct {
		Body string `json:"body"`
	}) {
		if err := v.Session.SendGroup(req.Body); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	})

	// POST /api/chat/private
	handlePost(mux, "/api/chat/private", func(w http.ResponseWriter, r *http.Request, req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}) {
		err := v.Session.SendPrivate(req.To, req.Body)
		switch {
		case errors.Is(err, session.ErrPeerNotPresent):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusBadGateway, err)
		default:
			writeJSON(w, map[string]string{"status": "sent"})
		}
	})

	// POST /api/select — empty peer returns to the group view.
	handlePost(mux, "/api/select", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		if req.Peer == "" {
			v.Session.SelectGroup()
			writeJSON(w, map[string]string{"mode": "group"})
			return
		}
		if err := v.Session.SelectPeer(req.Peer); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, map[string]string{"mode": "private", "peer": req.Peer})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		err := v.Session.StartCall(req.Peer)
		switch {
		case errors.Is(err, call.ErrAlreadyInCall):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, call.ErrCallsDisabled):
			writeError(w, http.StatusForbidden, err)
		case errors.Is(err, session.ErrPeerNotPresent):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, map[string]string{"status": "calling"})
		}
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		if err := v.Session.EndCall(req.Peer); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/answer — resolves a ringing prompt.
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer   string `json:"peer"`
		Accept bool   `json:"accept"`
	}) {
		if !gate.Answer(req.Peer, req.Accept) {
			writeError(w, http.StatusNotFound, errors.New("no ringing call from this peer"))
			return
		}
		writeJSON(w, map[string]bool{"accepted": req.Accept})
	})

	// POST /api/call/toggle
	handlePost(mux, "/api/call/toggle", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
		Kind string `json:"kind"` // "audio" or "video"
	}) {
		var (
			state bool
			err   error
		)
		switch req.Kind {
		case "audio":
			state, err = v.Session.Calls().ToggleAudio(req.Peer)
		case "video":
			state, err = v.Session.Calls().ToggleVideo(req.Peer)
		default:
			writeError(w, http.StatusBadRequest, errors.New("kind must be audio or video"))
			return
		}
		switch {
		case errors.Is(err, call.ErrNoSession):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, call.ErrNoLocalTrack):
			writeError(w, http.StatusConflict, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, map[string]bool{"off": state})
		}
	})

	// POST /api/video/start, /api/video/stop — the standalone camera
	// preview, capture held open without a call.
	handlePost(mux, "/api/video/start", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		err := v.Session.StartPreview()
		switch {
		case errors.Is(err, call.ErrCallsDisabled):
			writeError(w, http.StatusForbidden, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, map[string]bool{"preview": true})
		}
	})
	handlePost(mux, "/api/video/stop", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		v.Session.StopPreview()
		writeJSON(w, map[string]bool{"preview": false})
	})

	// POST /api/textcase — the converter tool.
	handlePost(mux, "/api/textcase", func(w http.ResponseWriter, r *http.Request, req struct {
		Text string `json:"text"`
		Mode string `json:"mode"`
	}) {
		var out string
		switch req.Mode {
		case "sentence":
			out = textcase.Sentence(req.Text)
		case "lower":
			out = textcase.Lower(req.Text)
		case "upper":
			out = textcase.Upper(req.Text)
		case "capitalize":
			out = textcase.Capitalize(req.Text)
		case "title":
			out = textcase.Title(req.Text)
		default:
			writeError(w, http.StatusBadRequest, errors.New("unknown mode"))
			return
		}
		writeJSON(w, map[string]string{"text": out})
	})

	// GET /api/settings, POST /api/settings — viewer preferences persisted
	// in the session store.
	handleGet(mux, "/api/settings", func(w http.ResponseWriter, r *http.Request) {
		theme, _ := v.Store.Setting("theme")
		if theme == "" {
			theme = v.Live.Get().Theme
		}
		writeJSON(w, map[string]string{"theme": theme, "user_id": v.Session.SelfID()})
	})
	handlePost(mux, "/api/settings", func(w http.ResponseWriter, r *http.Request, req struct {
		Theme string `json:"theme"`
	}) {
		if req.Theme != "" {
			if err := v.Store.SetSetting("theme", req.Theme); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		writeJSON(w, map[string]string{"status": "saved"})
	})

	// GET /api/events — SSE stream of status snapshots.
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher := sseHeaders(w)
		if flusher == nil {
			return
		}
		ch := v.Session.Subscribe()
		defer v.Session.Unsubscribe(ch)

		writeSSE(w, status())
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, status())
				flusher.Flush()
			}
		}
	})

	// GET /api/logs, /api/logs/stream
	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.Logs.Snapshot())
	})
	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher := sseHeaders(w)
		if flusher == nil {
			return
		}
		ch, cancel := v.Logs.Subscribe()
		defer cancel()
		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, e)
				flusher.Flush()
			}
		}
	})

	registerMedia(mux, v)
}
