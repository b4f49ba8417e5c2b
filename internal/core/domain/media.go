package domain

import "context"

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a local or remote media track. Disabling a track keeps the
// device open and the sender attached, so it never renegotiates.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying device. It does not fire OnEnded.
	Stop() error
	// OnEnded registers fn to run when the source ends on its own, e.g.
	// the user stopped a screen share from the OS.
	OnEnded(fn func())
}

// AudioSampler is implemented by audio tracks that expose raw samples
// for level analysis. Samples are normalized to [-1, 1].
type AudioSampler interface {
	ReadSamples(ctx context.Context) (samples []float64, sampleRate int, err error)
}

// Stream is a set of tracks captured together.
type Stream struct {
	ID     string
	Tracks []Track
}

func (s *Stream) TracksOf(kind TrackKind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// FirstOf returns the first track of kind, or nil.
func (s *Stream) FirstOf(kind TrackKind) Track {
	if tracks := s.TracksOf(kind); len(tracks) > 0 {
		return tracks[0]
	}
	return nil
}

type AudioConstraints struct {
	DeviceID         string
	EchoCancellation *bool
	NoiseSuppression *bool
	AutoGainControl  *bool
	SampleRate       int
	ChannelCount     int
}

type VideoConstraints struct {
	DeviceID   string
	Width      int
	Height     int
	FrameRate  float64
	FacingMode string
}

// CaptureConstraints selects which kinds to capture. A nil member is
// not captured.
type CaptureConstraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

type ScreenOptions struct {
	DisplayID string
	Width     int
	Height    int
	FrameRate float64
	Audio     bool
}

type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

type DeviceInfo struct {
	ID      string     `json:"id"`
	Kind    DeviceKind `json:"kind"`
	Label   string     `json:"label"`
	GroupID string     `json:"group_id,omitempty"`
}

type PermissionStatus string

const (
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionPrompt  PermissionStatus = "prompt"
	PermissionUnknown PermissionStatus = "unknown"
)

func Bool(b bool) *bool {
	return &b
}
