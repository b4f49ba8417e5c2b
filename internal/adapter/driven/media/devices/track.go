package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	mtu          = 1200
	sampleWindow = 2048
)

var errNotAudio = errors.New("track does not carry audio")

// Track is a captured device track. Packets from the encoder are pumped
// into a static RTP track so a disabled track keeps its sender and
// simply stops producing media.
type Track struct {
	src   mediadevices.Track
	local *webrtc.TrackLocalStaticRTP
	kind  domain.TrackKind

	enabled  atomic.Bool
	stopped  atomic.Bool
	pumpOnce sync.Once

	mu      sync.Mutex
	onEnded []func()
	ended   bool

	readerMu sync.Mutex
	reader   audio.Reader
}

func newTrack(src mediadevices.Track) (*Track, error) {
	kind := domain.TrackAudio
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, src.ID(), "yacall-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create local %s track: %w", kind, err)
	}

	t := &Track{src: src, local: local, kind: kind}
	t.enabled.Store(true)
	src.OnEnded(func(err error) {
		if t.stopped.Load() {
			return
		}
		log.Info().Err(err).Str("track_id", src.ID()).Msg("Capture track ended")
		t.end()
	})
	return t, nil
}

func (t *Track) ID() string {
	return t.src.ID()
}

func (t *Track) Kind() domain.TrackKind {
	return t.kind
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// TrackLocal returns the track to attach to a peer connection. The
// first call starts pumping encoded packets.
func (t *Track) TrackLocal() webrtc.TrackLocal {
	t.pumpOnce.Do(func() {
		go t.pump()
	})
	return t.local
}

func (t *Track) Stop() error {
	if t.stopped.Swap(true) {
		return nil
	}
	return t.src.Close()
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if !t.ended {
		t.onEnded = append(t.onEnded, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

func (t *Track) end() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *Track) pump() {
	codec, ok := codecName(t.local.Codec().MimeType)
	if !ok {
		log.Error().Str("mime", t.local.Codec().MimeType).Msg("Invalid codec mime type")
		return
	}
	reader, err := t.src.NewRTPReader(codec, 0, mtu)
	if err != nil {
		log.Error().Err(err).Str("track_id", t.ID()).Msg("Failed to create RTP reader")
		return
	}
	defer reader.Close()

	for {
		pkts, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.stopped.Load() {
				log.Warn().Err(err).Str("track_id", t.ID()).Msg("RTP read error")
			}
			return
		}
		if t.enabled.Load() {
			for _, pkt := range pkts {
				if err := t.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					log.Debug().Err(err).Msg("WriteRTP failed")
				}
			}
		}
		if release != nil {
			release()
		}
	}
}

// ReadSamples reads about sampleWindow mono samples normalized to
// [-1, 1]. Only the first channel is used.
func (t *Track) ReadSamples(ctx context.Context) ([]float64, int, error) {
	at, ok := t.src.(*mediadevices.AudioTrack)
	if !ok {
		return nil, 0, errNotAudio
	}

	t.readerMu.Lock()
	defer t.readerMu.Unlock()
	if t.reader == nil {
		t.reader = at.NewReader(false)
	}

	samples := make([]float64, 0, sampleWindow)
	rate := 0
	for len(samples) < sampleWindow {
		if err := ctx.Err(); err != nil {
			return samples, rate, err
		}
		chunk, release, err := t.reader.Read()
		if err != nil {
			return samples, rate, err
		}
		samples, rate = appendChunk(samples, chunk)
		if release != nil {
			release()
		}
	}
	return samples, rate, nil
}

func appendChunk(dst []float64, chunk wave.Audio) ([]float64, int) {
	info := chunk.ChunkInfo()
	for i := 0; i < info.Len; i++ {
		dst = append(dst, normalize(chunk.At(i, 0)))
	}
	return dst, info.SamplingRate
}

func normalize(s wave.Sample) float64 {
	v := float64(s.Int()) / math.MaxInt32
	return math.Max(-1, math.Min(1, v))
}

func codecName(mime string) (string, bool) {
	parts := strings.SplitN(mime, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
