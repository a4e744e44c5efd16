//go:build linux && cgo

package call

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// localMedia is the shared camera/microphone capture plus the codec
// selector every peer connection of the process is built from.
type localMedia struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track

	self       *Sink
	selfReader mediadevices.EncodedReadCloser
}

// openLocalMedia captures camera and microphone via pion/mediadevices
// (V4L2 + malgo on Linux). GetUserMedia fails as a unit if either track
// cannot be opened, so it tries video+audio, then video-only, then
// audio-only. All attempts failing is not an error: the call proceeds
// receive-only.
func openLocalMedia(cfg MediaConfig) (*localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitRate
	if vpxParams.BitRate <= 0 {
		vpxParams.BitRate = 1_500_000
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	m := &localMedia{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Printf("CALL: media device — kind=%v label=%q", d.Kind, d.Label)
	}

	maxW, maxH := cfg.VideoMaxWidth, cfg.VideoMaxHeight
	if maxW <= 0 {
		maxW = 640
	}
	if maxH <= 0 {
		maxH = 480
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: maxW}
				c.Height = prop.IntRanged{Max: maxH}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		broken := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			if track.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			// A second VP8 encoder feeds the self-preview; mediadevices
			// broadcasts raw frames to multiple consumers.
			r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				// A poisoned encoder would also break SDP negotiation for the
				// track Pion sends, so skip this attempt entirely.
				log.Printf("CALL: video track broken, skipping attempt (%s): %v", a.label, err)
				broken = true
				break
			}
			m.selfReader = r
		}
		if broken {
			for _, t := range tracks {
				t.Close()
			}
			m.selfReader = nil
			continue
		}

		m.tracks = tracks
		if m.selfReader != nil {
			m.self = newSink("self")
			go m.pumpSelfView()
		}
		log.Printf("CALL: local media captured (%s) — %d tracks", a.label, len(tracks))
		return m, nil
	}

	log.Printf("CALL: all media capture attempts failed — proceeding receive-only")
	return m, nil
}

// pumpSelfView feeds encoded local frames into the self-preview sink until
// the reader closes.
func (m *localMedia) pumpSelfView() {
	start := time.Now()
	for {
		buf, release, err := m.selfReader.Read()
		if err != nil {
			return
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		if release != nil {
			release()
		}
		keyframe := len(data) > 0 && data[0]&0x01 == 0
		m.self.HandleVideoFrame(time.Since(start).Milliseconds(), keyframe, data)
	}
}

// newPeerConnection builds a peer connection whose media engine matches the
// local capture codecs.
func (m *localMedia) newPeerConnection(cfg MediaConfig) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if len(m.tracks) > 0 {
		m.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
}

// attach adds the captured tracks to pc, falling back to recvonly
// transceivers when nothing was captured. The returned pairs let the session
// mute by replacing the sender's track.
func (m *localMedia) attach(peer string, pc *webrtc.PeerConnection) []senderTrack {
	if len(m.tracks) == 0 {
		addRecvOnlyTransceivers(peer, pc)
		return nil
	}
	var out []senderTrack
	for _, track := range m.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack error: %v", peer, err)
			continue
		}
		out = append(out, senderTrack{kind: track.Kind(), sender: sender, track: track})
	}
	return out
}

func (m *localMedia) selfView() *Sink { return m.self }

func (m *localMedia) close() {
	if m.selfReader != nil {
		m.selfReader.Close()
		m.selfReader = nil
	}
	if m.self != nil {
		m.self.close()
		m.self = nil
	}
	for _, t := range m.tracks {
		t.Close()
	}
	m.tracks = nil
}
