package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Stream is an acquired local media stream
type Stream interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}

// Source acquires local media, e.g. camera and microphone
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Sink receives remote media
type Sink interface {
	Attach(track *webrtc.TrackRemote)
}

const streamID = "telecall"

// NullSource provides an opus and a vp8 track that never carry samples.
// Capture is left to the embedding application.
type NullSource struct{}

func (NullSource) Acquire(context.Context) (Stream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	s := &nullStream{audio: audio, video: video}
	s.audioOn.Store(true)
	s.videoOn.Store(true)
	return s, nil
}

type nullStream struct {
	audio   *webrtc.TrackLocalStaticSample
	video   *webrtc.TrackLocalStaticSample
	audioOn atomic.Bool
	videoOn atomic.Bool
}

func (s *nullStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *nullStream) SetAudioEnabled(enabled bool) { s.audioOn.Store(enabled) }

func (s *nullStream) SetVideoEnabled(enabled bool) { s.videoOn.Store(enabled) }

func (s *nullStream) Close() error { return nil }

// DrainSink reads and discards remote RTP so the receive interceptors keep
// running. It counts packets per track kind.
type DrainSink struct {
	log     logging.LeveledLogger
	mu      sync.Mutex
	packets map[webrtc.RTPCodecType]uint64
}

// NewDrainSink creates a DrainSink
func NewDrainSink(loggerFactory logging.LoggerFactory) *DrainSink {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &DrainSink{
		log:     loggerFactory.NewLogger("media"),
		packets: make(map[webrtc.RTPCodecType]uint64),
	}
}

func (d *DrainSink) Attach(track *webrtc.TrackRemote) {
	kind := track.Kind()
	d.log.Infof("remote %s track %s (%s)", kind, track.ID(), track.Codec().MimeType)

	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				d.log.Debugf("remote %s track ended: %v", kind, err)
				return
			}
			d.mu.Lock()
			d.packets[kind]++
			d.mu.Unlock()
		}
	}()
}

// Packets returns the number of packets drained for kind
func (d *DrainSink) Packets(kind webrtc.RTPCodecType) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.packets[kind]
}
