//go:build linux && capture

package engine

import (
	"context"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// captureSource publishes a camera or microphone track. Pausing detaches
// the track from its sender and keeps the device open.
type captureSource struct {
	track mediadevices.Track

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
}

func (s *captureSource) Kind() webrtc.RTPCodecType { return s.track.Kind() }

func (s *captureSource) Track() webrtc.TrackLocal { return s.track }

func (s *captureSource) Attach(sender *webrtc.RTPSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
	if !s.enabled {
		s.replace(nil)
	}
}

func (s *captureSource) SetEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == on {
		return
	}
	s.enabled = on
	if on {
		s.replace(s.track)
	} else {
		s.replace(nil)
	}
}

func (s *captureSource) replace(t webrtc.TrackLocal) {
	if s.sender == nil {
		return
	}
	if err := s.sender.ReplaceTrack(t); err != nil {
		log.Debug().Err(err).Str("module", "engine").Str("kind", s.track.Kind().String()).Msg("replace track")
	}
}

func (s *captureSource) Run(ctx context.Context) { <-ctx.Done() }

func (s *captureSource) Close() error { return s.track.Close() }

// openCapture opens the microphone and camera through pion/mediadevices.
// A kind that is not wanted comes back nil.
func openCapture(audio, video bool) (mic, cam localSource, err error) {
	var hasMic, hasCam bool
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.AudioInput:
			hasMic = true
		case mediadevices.VideoInput:
			hasCam = true
		}
		log.Debug().Str("module", "engine").Str("label", d.Label).Str("device", d.DeviceID).Msg("media device")
	}

	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, captureFailure("video encoder", false, err)
	}
	vp8.BitRate = 1_000_000
	op, err := opus.NewParams()
	if err != nil {
		return nil, nil, captureFailure("audio encoder", false, err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&op),
	)

	if audio {
		mic, err = openDevice("microphone", hasMic, mediadevices.MediaStreamConstraints{
			Codec: selector,
			Audio: func(*mediadevices.MediaTrackConstraints) {},
		})
		if err != nil {
			return nil, nil, err
		}
	}
	if video {
		cam, err = openDevice("camera", hasCam, mediadevices.MediaStreamConstraints{
			Codec: selector,
			Video: func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes of some cameras yield frames the VP8 encoder rejects
				c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			},
		})
		if err != nil {
			if mic != nil {
				_ = mic.Close()
			}
			return nil, nil, err
		}
	}
	return mic, cam, nil
}

func openDevice(device string, found bool, c mediadevices.MediaStreamConstraints) (localSource, error) {
	if !found {
		return nil, captureFailure(device, false, nil)
	}
	stream, err := mediadevices.GetUserMedia(c)
	if err != nil {
		return nil, captureFailure(device, true, err)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, captureFailure(device, false, nil)
	}
	for _, t := range tracks[1:] {
		_ = t.Close()
	}
	t := tracks[0]
	t.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "engine").Str("device", device).Msg("capture ended")
		}
	})
	return &captureSource{track: t}, nil
}
