package tools

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/lingopeer/voicetutor/shared"
)

// Constraints describes the requested capture settings. The DSP flags are
// forwarded to the capture backend where the driver supports them.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	FrameMs          int
}

// DefaultConstraints matches what the tutor endpoint expects.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       48000,
		ChannelCount:     1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		FrameMs:          20,
	}
}

// Capture bundles an open microphone stream with its primary audio track.
type Capture struct {
	stream mediadevices.MediaStream
	track  mediadevices.Track
	frame  time.Duration
}

func (c *Capture) Track() mediadevices.Track {
	return c.track
}

func (c *Capture) FrameDuration() time.Duration {
	return c.frame
}

// Stop closes every track of the underlying stream.
func (c *Capture) Stop() error {
	var firstErr error
	for _, t := range c.stream.GetTracks() {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenMicrophone acquires an audio-only capture stream encoded as Opus.
func OpenMicrophone(logger shared.LoggerAdapter, c Constraints) (*Capture, error) {
	if c.SampleRate == 0 || c.ChannelCount == 0 {
		c = DefaultConstraints()
	}
	logger.Debug("opening microphone",
		zap.Int("sampleRate", c.SampleRate),
		zap.Int("channels", c.ChannelCount),
		zap.Bool("echoCancellation", c.EchoCancellation),
		zap.Bool("noiseSuppression", c.NoiseSuppression),
		zap.Bool("autoGainControl", c.AutoGainControl),
	)
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mtc *mediadevices.MediaTrackConstraints) {
			mtc.SampleRate = prop.Int(c.SampleRate)
			mtc.ChannelCount = prop.Int(c.ChannelCount)
			mtc.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", shared.ErrMicUnavailable, err)
	}
	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, errors.New("no audio track found in microphone stream")
	}
	frame := time.Duration(c.FrameMs) * time.Millisecond
	if frame == 0 {
		frame = 20 * time.Millisecond
	}
	return &Capture{stream: stream, track: audioTracks[0], frame: frame}, nil
}

// CheckMicrophone reports whether any audio input device is visible. The chat
// layer uses this as its permission probe before initializing a session.
func CheckMicrophone() error {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			return nil
		}
	}
	return shared.ErrMicUnavailable
}
