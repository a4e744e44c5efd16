package session

import (
	"parley/internal/call"
	"parley/internal/chat"
	"parley/internal/presence"
)

// Snapshot is the immutable view the viewer renders from.
type Snapshot struct {
	Connection   string                 `json:"connection"`
	Self         string                 `json:"self"`
	Room         string                 `json:"room"`
	Mode         Mode                   `json:"mode"`
	SelectedPeer string                 `json:"selected_peer,omitempty"`
	Roster       []presence.Participant `json:"roster"`
	Transcript   []*chat.Entry          `json:"transcript"`
	Calls        map[string]call.State  `json:"calls"`
	Preview      bool                   `json:"preview"`
}

// Snapshot assembles the current view: the transcript slice matches the
// selected mode.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	mode := s.mode
	selected := s.selected
	s.mu.Unlock()

	var transcript []*chat.Entry
	if mode == ModePrivate {
		transcript = s.transcript.PrivateView(s.selfID, selected)
	} else {
		transcript = s.transcript.GroupView()
	}

	return Snapshot{
		Connection:   s.client.State().String(),
		Self:         s.selfID,
		Room:         s.cfg.Hub.Room,
		Mode:         mode,
		SelectedPeer: selected,
		Roster:       s.tracker.Roster(),
		Transcript:   transcript,
		Calls:        s.calls.Sessions(),
		Preview:      s.calls.PreviewOn(),
	}
}
