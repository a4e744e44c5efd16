package call

// Live WebM/EBML muxing for remote (and self-preview) media. The viewer
// plays calls through MSE, which wants an init segment (EBML header +
// Segment + Info + Tracks) followed by self-contained clusters. Each
// cluster is one binary websocket message. Pure Go EBML encoding, no
// external muxer.

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
	"sync"
)

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize marks a streaming Segment whose length is unknown at write time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data for mono 48 kHz Opus,
// required by WebM for Opus audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain
	0x00, // channel mapping family
}

// webmInitSegment builds the initialisation segment. Track 1 is VP8 video;
// withAudio adds Opus as track 2.
func webmInitSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	header := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, header))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	info := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("parley")),
		ebmlElem(idWrtApp, []byte("parley")),
	)
	buf.Write(ebmlElem(idInfo, info))

	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)),
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, ebmlConcat(
			ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
			ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
		)),
	)
	tracks := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, ebmlConcat(
				ebmlElem(idSampFreq, freq),
				ebmlElem(idChannels, ebmlUint(1)),
			)),
		)
		tracks = ebmlConcat(tracks, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracks))
	return buf.Bytes()
}

// webmCluster builds a Cluster with a known size so MSE does not have to
// scan for the next cluster start.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	body := ebmlConcat(ebmlElem(idTimecode, ebmlUint(uint64(clusterMs))), blocks)
	return ebmlElem(idCluster, body)
}

// webmSimpleBlock encodes one SimpleBlock. relMs is relative to the cluster
// timecode; keyframe sets the 0x80 flag.
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+3+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// Sink turns decoded VP8/Opus frames into a live WebM stream fanned out to
// websocket subscribers. One sink per call session (plus one for the
// self-preview).
type Sink struct {
	mu   sync.Mutex
	name string

	dimKnown bool
	width    uint16
	height   uint16
	hasAudio bool

	initSeg []byte

	// Last keyframe cluster, replayed to new subscribers so their VP8
	// decoder starts from a clean reference frame instead of garbling
	// P-frames picked up mid-stream.
	lastKeyCluster []byte
	clusterIsKey   bool

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	// Audio queued between video frames; drained into the next cluster so
	// subscribers always receive well-formed audio+video clusters.
	audioQ []queuedAudio

	subs map[chan []byte]struct{}

	// First frame of each track becomes t=0. VP8 and Opus RTP clocks start
	// at independent random values; without normalization cluster timecodes
	// are hours off and MSE silently rejects everything.
	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool
}

type queuedAudio struct {
	timecodeMs int64
	data       []byte
}

func newSink(name string) *Sink {
	return &Sink{
		name: name,
		subs: make(map[chan []byte]struct{}),
	}
}

// EnableAudio announces an Opus track. Must precede the first video frame.
func (s *Sink) EnableAudio() {
	s.mu.Lock()
	s.hasAudio = true
	s.mu.Unlock()
}

// Ready reports whether the init segment exists, i.e. a first keyframe with
// known dimensions has arrived.
func (s *Sink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initSeg != nil
}

// Subscribe returns a channel of binary WebM messages and a cancel func.
// The init segment and the last keyframe cluster are replayed first when
// available.
func (s *Sink) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	s.mu.Lock()
	if s.subs == nil {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if s.initSeg != nil {
		select {
		case ch <- s.initSeg:
		default:
		}
		if s.lastKeyCluster != nil {
			select {
			case ch <- s.lastKeyCluster:
			default:
			}
		}
	}
	s.subs[ch] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	log.Printf("CALL [%s]: media subscriber added (total=%d)", s.name, n)

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// HandleVideoFrame muxes one encoded VP8 frame. One cluster per frame,
// flushed immediately, with queued audio drained in first.
func (s *Sink) HandleVideoFrame(timecodeMs int64, keyframe bool, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return
	}

	if !s.baseVideoSet {
		s.baseVideoMs = timecodeMs
		s.baseVideoSet = true
	}
	tsMs := timecodeMs - s.baseVideoMs

	// Dimensions come from the first keyframe's VP8 header.
	if !s.dimKnown && keyframe && len(data) >= 10 {
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			s.width = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			s.height = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			s.width, s.height = 640, 480
		}
		s.dimKnown = true
	}

	if s.initSeg == nil {
		if !s.dimKnown || !keyframe {
			// MSE cannot start from a delta frame.
			return
		}
		s.initSeg = webmInitSegment(s.width, s.height, s.hasAudio)
		log.Printf("CALL [%s]: WebM init segment — VP8 %dx%d audio=%v",
			s.name, s.width, s.height, s.hasAudio)
		s.broadcastLocked(s.initSeg)
	}

	if keyframe && s.clusterOpen {
		s.flushClusterLocked()
	}

	if !s.clusterOpen {
		// Anchor to the earliest queued audio frame so audio blocks get
		// non-negative relative timecodes.
		s.clusterStartMs = tsMs
		if len(s.audioQ) > 0 && s.audioQ[0].timecodeMs < tsMs {
			s.clusterStartMs = s.audioQ[0].timecodeMs
		}
		s.clusterOpen = true
		s.clusterIsKey = keyframe
		s.clusterBlocks.Reset()

		for _, af := range s.audioQ {
			rel := af.timecodeMs - s.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			s.clusterBlocks.Write(webmSimpleBlock(2, int16(rel), false, af.data))
		}
		s.audioQ = s.audioQ[:0]
	}

	s.clusterBlocks.Write(webmSimpleBlock(1, int16(tsMs-s.clusterStartMs), keyframe, data))
	s.flushClusterLocked()
}

// HandleAudioFrame queues one encoded Opus frame until the next video frame
// opens a cluster. Unbounded so no audio drops regardless of frame rate.
func (s *Sink) HandleAudioFrame(timecodeMs int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return
	}
	if !s.baseAudioSet {
		s.baseAudioMs = timecodeMs
		s.baseAudioSet = true
	}
	s.audioQ = append(s.audioQ, queuedAudio{timecodeMs - s.baseAudioMs, data})
}

func (s *Sink) flushClusterLocked() {
	if !s.clusterOpen || s.clusterBlocks.Len() == 0 {
		s.clusterOpen = false
		return
	}
	cluster := webmCluster(s.clusterStartMs, s.clusterBlocks.Bytes())
	if s.clusterIsKey {
		s.lastKeyCluster = cluster
	}
	s.clusterOpen = false
	s.clusterIsKey = false
	s.clusterBlocks.Reset()
	s.broadcastLocked(cluster)
}

// broadcastLocked fans data out, dropping slow subscribers' frames rather
// than blocking the media path.
func (s *Sink) broadcastLocked(data []byte) {
	for ch := range s.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// close shuts the sink; further frames are discarded.
func (s *Sink) close() {
	s.mu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
}
