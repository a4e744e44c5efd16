//go:build !linux || !cgo

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// localMedia is receive-only on non-Linux platforms. Camera/mic capture via
// pion/mediadevices needs platform drivers (V4L2/malgo on Linux); elsewhere
// the session still receives remote media.
type localMedia struct{}

func openLocalMedia(_ MediaConfig) (*localMedia, error) {
	return &localMedia{}, nil
}

func (m *localMedia) newPeerConnection(cfg MediaConfig) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
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

func (m *localMedia) attach(peer string, pc *webrtc.PeerConnection) []senderTrack {
	addRecvOnlyTransceivers(peer, pc)
	return nil
}

func (m *localMedia) selfView() *Sink { return nil }

func (m *localMedia) close() {}
