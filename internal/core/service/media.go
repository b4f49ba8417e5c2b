package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MediaDefaults are merged under caller supplied constraints.
type MediaDefaults struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
	Width            int
	Height           int
	FrameRate        float64
}

func DefaultMediaDefaults() MediaDefaults {
	return MediaDefaults{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
	}
}

const levelFrameSize = 2048

// MediaSession owns local capture: one camera/microphone stream and one
// independent screen stream.
type MediaSession struct {
	devices  port.CaptureDevices
	defaults MediaDefaults

	mu           sync.Mutex
	capture      *domain.Stream
	screen       *domain.Stream
	constraints  domain.CaptureConstraints
	audioEnabled bool
	videoEnabled bool

	// deviceList is replaced wholesale on every refresh and read without
	// holding mu.
	deviceList atomic.Pointer[[]domain.DeviceInfo]
}

func NewMediaSession(devices port.CaptureDevices, defaults MediaDefaults) *MediaSession {
	m := &MediaSession{
		devices:      devices,
		defaults:     defaults,
		audioEnabled: true,
		videoEnabled: true,
	}
	empty := []domain.DeviceInfo{}
	m.deviceList.Store(&empty)
	return m
}

// Acquire opens the camera and/or microphone for kind. Any existing
// capture stream is stopped first.
func (m *MediaSession) Acquire(ctx context.Context, kind domain.MediaKind, overrides domain.CaptureConstraints) (*domain.Stream, error) {
	if !kind.Valid() {
		return nil, domain.ErrInvalidMediaKind
	}
	constraints := m.withDefaults(kind, overrides)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(ctx, constraints)
}

func (m *MediaSession) acquireLocked(ctx context.Context, constraints domain.CaptureConstraints) (*domain.Stream, error) {
	m.stopCaptureLocked()

	tracks, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		mediaErr := domain.NewMediaAcquisitionError(err)
		log.Warn().Err(err).Str("code", string(mediaErr.Code)).Msg("Capture acquisition failed")
		return nil, mediaErr
	}
	if len(tracks) == 0 {
		return nil, &domain.MediaAcquisitionError{Code: domain.MediaNoDevice}
	}

	for _, t := range tracks {
		switch t.Kind() {
		case domain.TrackAudio:
			t.SetEnabled(m.audioEnabled)
		case domain.TrackVideo:
			t.SetEnabled(m.videoEnabled)
		}
	}

	m.capture = &domain.Stream{ID: uuid.New().String(), Tracks: tracks}
	m.constraints = constraints
	log.Debug().Str("stream_id", m.capture.ID).Int("tracks", len(tracks)).Msg("Capture stream acquired")

	// Labels are only populated once a device has been opened.
	m.refreshDevices(ctx)
	return m.capture, nil
}

// AcquireScreen opens a screen capture stream, replacing any previous one.
func (m *MediaSession) AcquireScreen(ctx context.Context, opts domain.ScreenOptions) (*domain.Stream, error) {
	if opts.FrameRate == 0 {
		opts.FrameRate = m.defaults.FrameRate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopScreenLocked()

	tracks, err := m.devices.GetDisplayMedia(ctx, opts)
	if err != nil {
		return nil, domain.NewMediaAcquisitionError(err)
	}
	if len(tracks) == 0 {
		return nil, &domain.MediaAcquisitionError{Code: domain.MediaNoDevice}
	}

	m.screen = &domain.Stream{ID: uuid.New().String(), Tracks: tracks}
	return m.screen, nil
}

// SwitchDevice re-acquires the capture stream with a different device
// for kind. The other kind keeps its current constraints.
func (m *MediaSession) SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) (*domain.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	constraints := cloneConstraints(m.constraints)
	switch kind {
	case domain.TrackAudio:
		if constraints.Audio == nil {
			constraints.Audio = m.defaultAudio()
		}
		constraints.Audio.DeviceID = deviceID
	case domain.TrackVideo:
		if constraints.Video == nil {
			constraints.Video = m.defaultVideo()
		}
		constraints.Video.DeviceID = deviceID
	default:
		return nil, domain.ErrInvalidMediaKind
	}

	log.Info().Str("kind", string(kind)).Str("device_id", deviceID).Msg("Switching capture device")
	return m.acquireLocked(ctx, constraints)
}

// SetEnabled toggles every capture track of kind without stopping it.
// The flag is remembered and applied to tracks acquired later. Without a
// track of kind the flag is left untouched.
func (m *MediaSession) SetEnabled(kind domain.TrackKind, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracks := m.capture.TracksOf(kind)
	switch {
	case kind != domain.TrackAudio && kind != domain.TrackVideo:
		return domain.ErrInvalidMediaKind
	case len(tracks) == 0 && kind == domain.TrackAudio:
		return domain.ErrNoAudioTrack
	case len(tracks) == 0:
		return domain.ErrNoVideoTrack
	}

	if kind == domain.TrackAudio {
		m.audioEnabled = enabled
	} else {
		m.videoEnabled = enabled
	}
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return nil
}

func (m *MediaSession) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *MediaSession) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *MediaSession) CaptureStream() *domain.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture
}

func (m *MediaSession) ScreenStream() *domain.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

// EnumerateDevices refreshes and returns the device list. A failure is
// logged and yields an empty list.
func (m *MediaSession) EnumerateDevices(ctx context.Context) []domain.DeviceInfo {
	return m.refreshDevices(ctx)
}

// Devices returns the last enumerated device list.
func (m *MediaSession) Devices() []domain.DeviceInfo {
	return *m.deviceList.Load()
}

func (m *MediaSession) refreshDevices(ctx context.Context) []domain.DeviceInfo {
	list, err := m.devices.EnumerateDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Device enumeration failed")
		return []domain.DeviceInfo{}
	}
	if list == nil {
		list = []domain.DeviceInfo{}
	}
	m.deviceList.Store(&list)
	return list
}

// WatchDevices refreshes the device list on every device change until
// ctx is done.
func (m *MediaSession) WatchDevices(ctx context.Context) {
	cancel := m.devices.OnDeviceChange(func() {
		log.Debug().Msg("Device change detected")
		m.refreshDevices(ctx)
	})
	go func() {
		<-ctx.Done()
		cancel()
	}()
}

// CheckPermission reports the capture permission status. Platforms
// without a query primitive are checked by opening and releasing the
// microphone, unless a capture stream is already live.
func (m *MediaSession) CheckPermission(ctx context.Context) domain.PermissionStatus {
	status, err := m.devices.QueryPermission(ctx)
	if err == nil {
		return status
	}
	if !errors.Is(err, domain.ErrPermissionQueryUnsupported) {
		log.Warn().Err(err).Msg("Permission query failed")
		return domain.PermissionUnknown
	}

	m.mu.Lock()
	live := m.capture != nil
	m.mu.Unlock()
	if live {
		return domain.PermissionGranted
	}

	status, _ = m.trialOpen(ctx, domain.MediaAudio)
	return status
}

// RequestPermission opens and immediately releases the devices for kind
// so the platform prompts the user, then refreshes device labels.
func (m *MediaSession) RequestPermission(ctx context.Context, kind domain.MediaKind) (domain.PermissionStatus, error) {
	if !kind.Valid() {
		return domain.PermissionUnknown, domain.ErrInvalidMediaKind
	}
	status, err := m.trialOpen(ctx, kind)
	if err == nil {
		m.refreshDevices(ctx)
	}
	return status, err
}

func (m *MediaSession) trialOpen(ctx context.Context, kind domain.MediaKind) (domain.PermissionStatus, error) {
	tracks, err := m.devices.GetUserMedia(ctx, m.withDefaults(kind, domain.CaptureConstraints{}))
	if err != nil {
		mediaErr := domain.NewMediaAcquisitionError(err)
		if mediaErr.Code == domain.MediaPermissionDenied {
			return domain.PermissionDenied, mediaErr
		}
		return domain.PermissionUnknown, mediaErr
	}
	stopTracks(tracks)
	return domain.PermissionGranted, nil
}

// AnalyzeAudioLevel returns a meter over the active microphone track.
// The caller must Release it.
func (m *MediaSession) AnalyzeAudioLevel() (*AudioLevelMeter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	track := m.capture.FirstOf(domain.TrackAudio)
	if track == nil {
		return nil, domain.ErrNoAudioTrack
	}
	sampler, ok := track.(domain.AudioSampler)
	if !ok {
		return nil, domain.ErrNoAudioTrack
	}
	return NewAudioLevelMeter(sampler, levelFrameSize), nil
}

func (m *MediaSession) StopCapture() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCaptureLocked()
}

func (m *MediaSession) StopScreen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScreenLocked()
}

// Stop releases both streams and resets the enabled flags for the next
// call.
func (m *MediaSession) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCaptureLocked()
	m.stopScreenLocked()
	m.constraints = domain.CaptureConstraints{}
	m.audioEnabled = true
	m.videoEnabled = true
}

func (m *MediaSession) stopCaptureLocked() {
	if m.capture == nil {
		return
	}
	stopTracks(m.capture.Tracks)
	log.Debug().Str("stream_id", m.capture.ID).Msg("Capture stream stopped")
	m.capture = nil
}

func (m *MediaSession) stopScreenLocked() {
	if m.screen == nil {
		return
	}
	stopTracks(m.screen.Tracks)
	m.screen = nil
}

func stopTracks(tracks []domain.Track) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Error().Err(err).Str("track_id", t.ID()).Msg("Error stopping track")
		}
	}
}

func (m *MediaSession) withDefaults(kind domain.MediaKind, overrides domain.CaptureConstraints) domain.CaptureConstraints {
	audio := m.defaultAudio()
	if o := overrides.Audio; o != nil {
		audio.DeviceID = o.DeviceID
		if o.EchoCancellation != nil {
			audio.EchoCancellation = o.EchoCancellation
		}
		if o.NoiseSuppression != nil {
			audio.NoiseSuppression = o.NoiseSuppression
		}
		if o.AutoGainControl != nil {
			audio.AutoGainControl = o.AutoGainControl
		}
		if o.SampleRate > 0 {
			audio.SampleRate = o.SampleRate
		}
		if o.ChannelCount > 0 {
			audio.ChannelCount = o.ChannelCount
		}
	}
	out := domain.CaptureConstraints{Audio: audio}
	if kind != domain.MediaVideo {
		return out
	}

	video := m.defaultVideo()
	if o := overrides.Video; o != nil {
		video.DeviceID = o.DeviceID
		video.FacingMode = o.FacingMode
		if o.Width > 0 {
			video.Width = o.Width
		}
		if o.Height > 0 {
			video.Height = o.Height
		}
		if o.FrameRate > 0 {
			video.FrameRate = o.FrameRate
		}
	}
	out.Video = video
	return out
}

func (m *MediaSession) defaultAudio() *domain.AudioConstraints {
	return &domain.AudioConstraints{
		EchoCancellation: domain.Bool(m.defaults.EchoCancellation),
		NoiseSuppression: domain.Bool(m.defaults.NoiseSuppression),
		AutoGainControl:  domain.Bool(m.defaults.AutoGainControl),
		SampleRate:       m.defaults.SampleRate,
		ChannelCount:     m.defaults.ChannelCount,
	}
}

func (m *MediaSession) defaultVideo() *domain.VideoConstraints {
	return &domain.VideoConstraints{
		Width:     m.defaults.Width,
		Height:    m.defaults.Height,
		FrameRate: m.defaults.FrameRate,
	}
}

func cloneConstraints(c domain.CaptureConstraints) domain.CaptureConstraints {
	var out domain.CaptureConstraints
	if c.Audio != nil {
		a := *c.Audio
		out.Audio = &a
	}
	if c.Video != nil {
		v := *c.Video
		out.Video = &v
	}
	return out
}
