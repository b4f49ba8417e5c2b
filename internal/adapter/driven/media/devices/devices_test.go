package devices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enumerator struct {
	mu      sync.Mutex
	devices []mediadevices.MediaDeviceInfo
}

func (e *enumerator) set(devices ...mediadevices.MediaDeviceInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = devices
}

func (e *enumerator) list() []mediadevices.MediaDeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]mediadevices.MediaDeviceInfo(nil), e.devices...)
}

var (
	mic    = mediadevices.MediaDeviceInfo{DeviceID: "mic-1", Kind: mediadevices.AudioInput, Label: "Built-in Microphone"}
	camera = mediadevices.MediaDeviceInfo{DeviceID: "cam-1", Kind: mediadevices.VideoInput, Label: "FaceTime HD"}
)

func TestConvertDevices(t *testing.T) {
	speaker := mediadevices.MediaDeviceInfo{DeviceID: "spk-1", Kind: mediadevices.AudioOutput, Label: "Speakers"}

	got := convertDevices([]mediadevices.MediaDeviceInfo{mic, camera, speaker})

	assert.Equal(t, []domain.DeviceInfo{
		{ID: "mic-1", Kind: domain.DeviceAudioInput, Label: "Built-in Microphone"},
		{ID: "cam-1", Kind: domain.DeviceVideoInput, Label: "FaceTime HD"},
		{ID: "spk-1", Kind: domain.DeviceAudioOutput, Label: "Speakers"},
	}, got)
}

func TestEnumerateDevices(t *testing.T) {
	e := &enumerator{}
	e.set(mic)
	d := New(nil, WithEnumerator(e.list))

	got, err := d.EnumerateDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.EnumerateDevices(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetUserMediaWithoutDevice(t *testing.T) {
	e := &enumerator{}
	e.set(mic)
	d := New(nil, WithEnumerator(e.list))

	_, err := d.GetUserMedia(context.Background(), domain.CaptureConstraints{Video: &domain.VideoConstraints{}})
	assert.ErrorIs(t, err, domain.ErrNoDevice)

	_, err = d.GetUserMedia(context.Background(), domain.CaptureConstraints{})
	assert.ErrorIs(t, err, domain.ErrNoDevice)

	var mediaErr *domain.MediaAcquisitionError
	_, err = d.GetUserMedia(context.Background(), domain.CaptureConstraints{Audio: &domain.AudioConstraints{}, Video: &domain.VideoConstraints{}})
	require.True(t, errors.As(domain.NewMediaAcquisitionError(err), &mediaErr))
	assert.Equal(t, domain.MediaNoDevice, mediaErr.Code)
}

func TestQueryPermissionUnsupported(t *testing.T) {
	status, err := New(nil).QueryPermission(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionQueryUnsupported)
	assert.Equal(t, domain.PermissionUnknown, status)
}

func TestOnDeviceChangePolls(t *testing.T) {
	e := &enumerator{}
	e.set(mic)
	d := New(nil, WithEnumerator(e.list), WithPollInterval(5*time.Millisecond))

	var calls atomic.Int32
	cancel := d.OnDeviceChange(func() { calls.Add(1) })

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load(), "no change, no notification")

	e.set(mic, camera)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	cancel()
	d.mu.Lock()
	assert.Nil(t, d.stopPoll, "polling stops with the last listener")
	d.mu.Unlock()

	e.set(mic)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	assert.Equal(t,
		fingerprint([]mediadevices.MediaDeviceInfo{mic, camera}),
		fingerprint([]mediadevices.MediaDeviceInfo{camera, mic}))
	assert.NotEqual(t, fingerprint([]mediadevices.MediaDeviceInfo{mic}), fingerprint(nil))
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(fmt.Errorf("open /dev/video0: %w", os.ErrPermission)), domain.ErrPermissionDenied)
	assert.ErrorIs(t, mapError(errors.New("failed to find the best driver that fits the constraints")), domain.ErrNoDevice)

	other := errors.New("device busy")
	assert.Same(t, other, mapError(other))
}

func TestConstraintOptions(t *testing.T) {
	var c mediadevices.MediaTrackConstraints
	videoOption(domain.VideoConstraints{DeviceID: "cam-1", Width: 1280, Height: 720, FrameRate: 30})(&c)
	assert.Equal(t, prop.StringExact("cam-1"), c.DeviceID)
	assert.Equal(t, prop.Int(1280), c.Width)
	assert.Equal(t, prop.Int(720), c.Height)
	assert.Equal(t, prop.Float(30), c.FrameRate)

	var a mediadevices.MediaTrackConstraints
	audioOption(domain.AudioConstraints{SampleRate: 48000, ChannelCount: 1})(&a)
	assert.Nil(t, a.DeviceID)
	assert.Equal(t, prop.Int(48000), a.SampleRate)
	assert.Equal(t, prop.Int(1), a.ChannelCount)

	var s mediadevices.MediaTrackConstraints
	screenOption(domain.ScreenOptions{FrameRate: 15})(&s)
	assert.Nil(t, s.Width)
	assert.Equal(t, prop.Float(15), s.FrameRate)
}

func TestCodecName(t *testing.T) {
	name, ok := codecName("video/VP8")
	assert.True(t, ok)
	assert.Equal(t, "VP8", name)

	_, ok = codecName("opus")
	assert.False(t, ok)
}

func TestAppendChunkNormalizes(t *testing.T) {
	chunk := wave.NewInt16Interleaved(wave.ChunkInfo{Len: 3, Channels: 1, SamplingRate: 48000})
	chunk.SetInt16(0, 0, wave.Int16Sample(0))
	chunk.SetInt16(1, 0, wave.Int16Sample(16384))
	chunk.SetInt16(2, 0, wave.Int16Sample(-32768))

	samples, rate := appendChunk(nil, chunk)

	require.Len(t, samples, 3)
	assert.Equal(t, 48000, rate)
	assert.Zero(t, samples[0])
	assert.InDelta(t, 0.5, samples[1], 1e-3)
	assert.Equal(t, -1.0, samples[2])
}
