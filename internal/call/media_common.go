package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaConfig carries the call-related configuration the negotiator needs.
type MediaConfig struct {
	Disabled       bool
	STUNURLs       []string
	VideoMaxWidth  int
	VideoMaxHeight int
	VideoBitRate   int
}

func (c MediaConfig) iceServers() []webrtc.ICEServer {
	urls := c.STUNURLs
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// senderTrack pairs an RTP sender with the local track it was built from, so
// a session can pause the outbound media by swapping the track off the sender
// and resume it later without renegotiation.
type senderTrack struct {
	kind   webrtc.RTPCodecType
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials, even without local capture.
func addRecvOnlyTransceivers(peer string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", peer, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", peer, err)
	}
}

// mediaPool refcounts the shared local capture. Every session holds one
// reference; camera and microphone close when the last session ends.
type mediaPool struct {
	cfg MediaConfig

	mu    sync.Mutex
	refs  int
	media *localMedia
}

func newMediaPool(cfg MediaConfig) *mediaPool {
	return &mediaPool{cfg: cfg}
}

// acquire returns the shared local media, opening the devices on the first
// reference.
func (p *mediaPool) acquire() (*localMedia, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.media == nil {
		m, err := openLocalMedia(p.cfg)
		if err != nil {
			return nil, err
		}
		p.media = m
	}
	p.refs++
	return p.media, nil
}

// release drops one reference, closing the devices at zero.
func (p *mediaPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return
	}
	p.refs--
	if p.refs == 0 && p.media != nil {
		p.media.close()
		p.media = nil
		log.Printf("CALL: local media released")
	}
}

// selfSink returns the self-preview sink of the open media, if any.
func (p *mediaPool) selfSink() *Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.media == nil {
		return nil
	}
	return p.media.selfView()
}
