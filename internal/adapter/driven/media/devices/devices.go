// Package devices implements capture over pion/mediadevices. Drivers
// (camera, microphone, screen) register themselves through blank imports
// in the binary.
package devices

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

const defaultPollInterval = 2 * time.Second

type Option func(*Devices)

// WithPollInterval sets how often enumeration is polled for hotplug.
func WithPollInterval(d time.Duration) Option {
	return func(dv *Devices) {
		dv.pollInterval = d
	}
}

// WithEnumerator replaces mediadevices.EnumerateDevices.
func WithEnumerator(fn func() []mediadevices.MediaDeviceInfo) Option {
	return func(dv *Devices) {
		dv.enumerate = fn
	}
}

// Devices implements port.CaptureDevices.
type Devices struct {
	codecs       *mediadevices.CodecSelector
	enumerate    func() []mediadevices.MediaDeviceInfo
	pollInterval time.Duration

	mu        sync.Mutex
	listeners map[int]func()
	nextID    int
	stopPoll  chan struct{}
}

// New creates the capture adapter. codecs encodes captured tracks and
// must be the selector whose codecs were registered on the transport's
// media engine.
func New(codecs *mediadevices.CodecSelector, opts ...Option) *Devices {
	d := &Devices{
		codecs:       codecs,
		enumerate:    mediadevices.EnumerateDevices,
		pollInterval: defaultPollInterval,
		listeners:    make(map[int]func()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Devices) GetUserMedia(ctx context.Context, c domain.CaptureConstraints) ([]domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Audio == nil && c.Video == nil {
		return nil, fmt.Errorf("%w: nothing requested", domain.ErrNoDevice)
	}
	if err := d.checkAvailable(c); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if c.Audio != nil {
		constraints.Audio = audioOption(*c.Audio)
	}
	if c.Video != nil {
		constraints.Video = videoOption(*c.Video)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapError(err)
	}
	return wrapTracks(stream.GetTracks())
}

func (d *Devices) GetDisplayMedia(ctx context.Context, opts domain.ScreenOptions) ([]domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: screenOption(opts),
		Codec: d.codecs,
	})
	if err != nil {
		return nil, mapError(err)
	}
	if opts.Audio {
		log.Debug().Msg("System audio capture is not available, sharing video only")
	}
	return wrapTracks(stream.GetTracks())
}

func (d *Devices) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return convertDevices(d.enumerate()), nil
}

// QueryPermission is unsupported: desktop capture has no permission
// prompt that can be queried without opening a device.
func (d *Devices) QueryPermission(context.Context) (domain.PermissionStatus, error) {
	return domain.PermissionUnknown, domain.ErrPermissionQueryUnsupported
}

// OnDeviceChange polls enumeration while at least one listener is
// registered.
func (d *Devices) OnDeviceChange(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	if d.stopPoll == nil {
		d.stopPoll = make(chan struct{})
		go d.poll(d.stopPoll)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.listeners, id)
			if len(d.listeners) == 0 && d.stopPoll != nil {
				close(d.stopPoll)
				d.stopPoll = nil
			}
		})
	}
}

func (d *Devices) poll(stop <-chan struct{}) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	last := fingerprint(d.enumerate())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := fingerprint(d.enumerate())
			if current == last {
				continue
			}
			last = current
			log.Info().Msg("Capture devices changed")

			d.mu.Lock()
			fns := make([]func(), 0, len(d.listeners))
			for _, fn := range d.listeners {
				fns = append(fns, fn)
			}
			d.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}
	}
}

func (d *Devices) checkAvailable(c domain.CaptureConstraints) error {
	devices := d.enumerate()
	if c.Audio != nil && !hasKind(devices, mediadevices.AudioInput) {
		return fmt.Errorf("%w: no microphone", domain.ErrNoDevice)
	}
	if c.Video != nil && !hasKind(devices, mediadevices.VideoInput) {
		return fmt.Errorf("%w: no camera", domain.ErrNoDevice)
	}
	return nil
}

func hasKind(devices []mediadevices.MediaDeviceInfo, kind mediadevices.MediaDeviceType) bool {
	for _, dev := range devices {
		if dev.Kind == kind {
			return true
		}
	}
	return false
}

func audioOption(a domain.AudioConstraints) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if a.DeviceID != "" {
			c.DeviceID = prop.StringExact(a.DeviceID)
		}
		if a.SampleRate > 0 {
			c.SampleRate = prop.Int(a.SampleRate)
		}
		if a.ChannelCount > 0 {
			c.ChannelCount = prop.Int(a.ChannelCount)
		}
		c.SampleSize = prop.Int(16)
		c.IsFloat = prop.BoolExact(false)
		c.IsInterleaved = prop.BoolExact(true)
		c.Latency = prop.Duration(20 * time.Millisecond)
	}
}

func videoOption(v domain.VideoConstraints) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if v.DeviceID != "" {
			c.DeviceID = prop.StringExact(v.DeviceID)
		}
		if v.Width > 0 {
			c.Width = prop.Int(v.Width)
		}
		if v.Height > 0 {
			c.Height = prop.Int(v.Height)
		}
		if v.FrameRate > 0 {
			c.FrameRate = prop.Float(v.FrameRate)
		}
	}
}

func screenOption(s domain.ScreenOptions) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if s.DisplayID != "" {
			c.DeviceID = prop.StringExact(s.DisplayID)
		}
		if s.Width > 0 {
			c.Width = prop.Int(s.Width)
		}
		if s.Height > 0 {
			c.Height = prop.Int(s.Height)
		}
		if s.FrameRate > 0 {
			c.FrameRate = prop.Float(s.FrameRate)
		}
	}
}

func convertDevices(in []mediadevices.MediaDeviceInfo) []domain.DeviceInfo {
	out := make([]domain.DeviceInfo, 0, len(in))
	for _, dev := range in {
		var kind domain.DeviceKind
		switch dev.Kind {
		case mediadevices.AudioInput:
			kind = domain.DeviceAudioInput
		case mediadevices.VideoInput:
			kind = domain.DeviceVideoInput
		case mediadevices.AudioOutput:
			kind = domain.DeviceAudioOutput
		default:
			continue
		}
		out = append(out, domain.DeviceInfo{ID: dev.DeviceID, Kind: kind, Label: dev.Label})
	}
	return out
}

func fingerprint(in []mediadevices.MediaDeviceInfo) string {
	ids := make([]string, 0, len(in))
	for _, dev := range in {
		ids = append(ids, dev.DeviceID)
	}
	sort.Strings(ids)
	return strings.Join(ids, "\x00")
}

// mapError turns driver failures into domain errors. mediadevices does
// not export its "not found" error, so it is matched on the message.
func mapError(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case strings.Contains(err.Error(), "failed to find"):
		return fmt.Errorf("%w: %v", domain.ErrNoDevice, err)
	default:
		return err
	}
}

func wrapTracks(src []mediadevices.Track) ([]domain.Track, error) {
	out := make([]domain.Track, 0, len(src))
	for _, s := range src {
		t, err := newTrack(s)
		if err != nil {
			for _, tr := range out {
				_ = tr.Stop()
			}
			for _, rest := range src {
				_ = rest.Close()
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
