package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// localSource publishes one local track of a session.
type localSource interface {
	Kind() webrtc.RTPCodecType
	Track() webrtc.TrackLocal
	// Attach hands over the sender the track was added with.
	Attach(sender *webrtc.RTPSender)
	// SetEnabled starts or pauses sending.
	SetEnabled(on bool)
	Run(ctx context.Context)
	Close() error
}

// errNoCapture reports a build without device capture support.
var errNoCapture = errors.New("device capture not built in")

// captureFailure maps a failed device open to a media error reason. found
// tells whether enumeration listed a device of that kind at all.
func captureFailure(device string, found bool, err error) error {
	if !found {
		cause := fmt.Errorf("no %s found", device)
		if err != nil {
			cause = fmt.Errorf("%s unavailable: %w", device, err)
		}
		return &domain.MediaSessionError{Reason: domain.MediaUnsupported, Err: cause}
	}
	return &domain.MediaSessionError{Reason: domain.MediaPermissionDenied, Err: fmt.Errorf("open %s: %w", device, err)}
}

// synthSource feeds a local track with paced placeholder frames while it is
// enabled. It stands in for a capture device.
type synthSource struct {
	kind     webrtc.RTPCodecType
	track    *webrtc.TrackLocalStaticRTP
	clock    clock.Clock
	interval time.Duration
	step     uint32
	payload  []byte
	enabled  atomic.Bool
}

var (
	// opus silence frame
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Filler   = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
)

func newSynthSource(kind webrtc.RTPCodecType, owner string, clk clock.Clock) (*synthSource, error) {
	src := &synthSource{kind: kind, clock: clk}
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		src.interval = 20 * time.Millisecond
		src.step = 960
		src.payload = opusSilence
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		src.interval = 33 * time.Millisecond
		src.step = 3000
		src.payload = vp8Filler
	default:
		return nil, errors.New("unsupported track kind")
	}
	track, err := webrtc.NewTrackLocalStaticRTP(capability, owner+":"+kind.String(), owner)
	if err != nil {
		return nil, err
	}
	src.track = track
	return src, nil
}

func (s *synthSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *synthSource) Track() webrtc.TrackLocal { return s.track }

func (s *synthSource) Attach(*webrtc.RTPSender) {}

func (s *synthSource) SetEnabled(on bool) { s.enabled.Store(on) }

func (s *synthSource) Close() error { return nil }

func (s *synthSource) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: uint16(rand.Intn(1 << 16)),
			Timestamp:      rand.Uint32(),
			Marker:         s.kind == webrtc.RTPCodecTypeVideo,
		},
		Payload: s.payload,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pkt.SequenceNumber++
		pkt.Timestamp += s.step
		if !s.enabled.Load() {
			continue
		}
		if err := s.track.WriteRTP(pkt); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Str("module", "engine").Str("kind", s.kind.String()).Msg("write rtp")
			}
			return
		}
	}
}
