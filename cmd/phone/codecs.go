package main

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// newCodecSelector encodes camera and screen as VP8 and the microphone
// as Opus, matching the codecs the devices adapter packetizes for.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 50 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	log.Debug().
		Int("video_bitrate", vpxParams.BitRate).
		Int("audio_bitrate", opusParams.BitRate).
		Msg("Codec selector configured")

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// populate registers the selector's codecs on a transport media engine.
func populate(selector *mediadevices.CodecSelector) func(*webrtc.MediaEngine) error {
	return func(m *webrtc.MediaEngine) error {
		selector.Populate(m)
		return nil
	}
}
