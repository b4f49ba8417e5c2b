package pion

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const keyframeInterval = 3 * time.Second

// RemoteTrack is a track received from the remote party. Packets are
// read continuously and handed to the sink, if one is set, while the
// track is enabled.
type RemoteTrack struct {
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	enabled  atomic.Bool

	mu      sync.Mutex
	sink    func(*rtp.Packet)
	onEnded []func()
	ended   bool
	stopped bool
}

func newRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *RemoteTrack {
	t := &RemoteTrack{remote: remote, receiver: receiver}
	t.enabled.Store(true)
	go t.readLoop()
	return t
}

func (t *RemoteTrack) ID() string {
	return t.remote.ID()
}

func (t *RemoteTrack) Kind() domain.TrackKind {
	return trackKind(t.remote.Kind())
}

// Codec is the negotiated codec mime type, e.g. video/VP8.
func (t *RemoteTrack) Codec() string {
	return t.remote.Codec().MimeType
}

func (t *RemoteTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *RemoteTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// SetSink sets where received packets go. A nil sink discards them.
func (t *RemoteTrack) SetSink(fn func(*rtp.Packet)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = fn
}

func (t *RemoteTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	return t.receiver.Stop()
}

func (t *RemoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if !t.ended {
		t.onEnded = append(t.onEnded, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

func (t *RemoteTrack) readLoop() {
	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("track_id", t.remote.ID()).Msg("Remote track ended")
			t.end()
			return
		}
		if !t.enabled.Load() {
			continue
		}
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink(pkt)
		}
	}
}

func (t *RemoteTrack) end() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	stopped := t.stopped
	t.mu.Unlock()

	// Stop is a local release, not an end reported by the source.
	if stopped {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

// requestKeyframes sends a picture loss indication right away and then
// periodically so a decoder joining late gets a keyframe.
func (t *RemoteTrack) requestKeyframes(pc *webrtc.PeerConnection, done <-chan struct{}) {
	sendPLI := func() bool {
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(t.remote.SSRC())},
		})
		return err == nil
	}
	if !sendPLI() {
		return
	}

	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !sendPLI() {
				return
			}
		}
	}
}
