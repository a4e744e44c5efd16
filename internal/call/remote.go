package call

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const (
	vp8ClockRate  = 90000
	opusClockRate = 48000

	// How many out-of-order packets the video sample builder absorbs before
	// giving up on a frame.
	videoSampleBufferSize = 128

	pliInterval = 3 * time.Second
)

// consumeRemoteTrack depacketizes an inbound RTP track into the session's
// WebM sink. Runs on the OnTrack callback goroutine; returns when the track
// or the session closes.
func (s *Session) consumeRemoteTrack(track *webrtc.TrackRemote) {
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		log.Printf("CALL [%s]: remote video track %s", s.peer, track.Codec().MimeType)
		go s.requestKeyframes(track)
		s.consumeVideo(track)
	case webrtc.RTPCodecTypeAudio:
		log.Printf("CALL [%s]: remote audio track %s", s.peer, track.Codec().MimeType)
		s.sink.EnableAudio()
		s.consumeAudio(track)
	}
}

// requestKeyframes sends periodic PLIs so late media subscribers get a
// clean VP8 reference frame without waiting for the encoder's own cadence.
func (s *Session) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		pc := s.pc
		hung := s.hung
		s.mu.Unlock()
		if hung || pc == nil {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// consumeVideo reassembles VP8 frames from RTP packets and muxes them.
func (s *Session) consumeVideo(track *webrtc.TrackRemote) {
	builder := samplebuilder.New(videoSampleBufferSize, &codecs.VP8Packet{}, vp8ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: video track read: %v", s.peer, err)
			}
			return
		}
		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			// VP8 frame header: lowest bit of the first byte is the
			// inverse keyframe flag.
			keyframe := sample.Data[0]&0x01 == 0
			tsMs := int64(sample.PacketTimestamp) * 1000 / vp8ClockRate
			s.sink.HandleVideoFrame(tsMs, keyframe, sample.Data)
		}
	}
}

// consumeAudio forwards Opus frames; each RTP payload is one Opus frame.
func (s *Session) consumeAudio(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: audio track read: %v", s.peer, err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		data := make([]byte, len(pkt.Payload))
		copy(data, pkt.Payload)
		tsMs := int64(pkt.Timestamp) * 1000 / opusClockRate
		s.sink.HandleAudioFrame(tsMs, data)
	}
}
