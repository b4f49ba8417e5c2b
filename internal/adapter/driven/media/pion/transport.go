package pion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedTrack  = errors.New("track has no pion local track")
	ErrNothingToRollback = errors.New("no local offer to roll back")
	ErrOfferCollision    = errors.New("remote offer while a local offer is pending")
)

// LocalTrack is a capture track that can be sent on a peer connection.
type LocalTrack interface {
	domain.Track
	TrackLocal() webrtc.TrackLocal
}

// Transport implements port.Transport on a pion PeerConnection.
type Transport struct {
	pc *webrtc.PeerConnection

	mu      sync.RWMutex
	onConn  func(domain.ConnectionState)
	onNeg   func(domain.NegotiationState)
	onCand  func(domain.Candidate)
	onTrack func(domain.Track)

	// heldOffer is a renegotiation offer not yet applied to pc. Pion has
	// no local rollback, so the offer is applied when its answer arrives
	// and rolling it back just forgets it.
	sdpMu     sync.Mutex
	heldOffer *webrtc.SessionDescription

	closeOnce sync.Once
	done      chan struct{}
}

func newTransport(pc *webrtc.PeerConnection) *Transport {
	t := &Transport{pc: pc, done: make(chan struct{})}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("state", s.String()).Msg("Peer connection state changed")
		t.mu.RLock()
		fn := t.onConn
		t.mu.RUnlock()
		if fn != nil {
			fn(connectionState(s))
		}
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		t.mu.RLock()
		fn := t.onNeg
		t.mu.RUnlock()
		if fn != nil {
			fn(negotiationState(s))
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.RLock()
		fn := t.onCand
		t.mu.RUnlock()
		if fn != nil {
			fn(fromCandidateInit(c.ToJSON()))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Debug().Str("kind", remote.Kind().String()).Str("track_id", remote.ID()).Msg("Received remote track")
		track := newRemoteTrack(remote, receiver)
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			go track.requestKeyframes(pc, t.done)
		}
		t.mu.RLock()
		fn := t.onTrack
		t.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})

	return t
}

func (t *Transport) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromSessionDescription(offer), nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromSessionDescription(answer), nil
}

func (t *Transport) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.sdpMu.Lock()

	switch {
	case desc.Type == domain.SDPRollback:
		if t.heldOffer == nil {
			t.sdpMu.Unlock()
			return ErrNothingToRollback
		}
		t.heldOffer = nil
		t.sdpMu.Unlock()
		t.notifyNegotiation(domain.NegotiationStable)
		return nil
	case desc.Type == domain.SDPOffer && t.pc.CurrentLocalDescription() != nil:
		offer := toSessionDescription(desc)
		t.heldOffer = &offer
		t.sdpMu.Unlock()
		t.notifyNegotiation(domain.NegotiationHaveLocalOffer)
		return nil
	}

	defer t.sdpMu.Unlock()
	return t.pc.SetLocalDescription(toSessionDescription(desc))
}

func (t *Transport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.sdpMu.Lock()
	defer t.sdpMu.Unlock()

	if t.heldOffer != nil {
		if desc.Type == domain.SDPOffer {
			return ErrOfferCollision
		}
		if err := t.pc.SetLocalDescription(*t.heldOffer); err != nil {
			return err
		}
		t.heldOffer = nil
	}
	return t.pc.SetRemoteDescription(toSessionDescription(desc))
}

func (t *Transport) AddICECandidate(c domain.Candidate) error {
	return t.pc.AddICECandidate(toCandidateInit(c))
}

func (t *Transport) AddTrack(track domain.Track) (port.Sender, error) {
	lt, ok := track.(LocalTrack)
	if !ok {
		return nil, ErrUnsupportedTrack
	}
	rtpSender, err := t.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return nil, err
	}

	// Interceptors only see RTCP that is read.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &sender{rtp: rtpSender, track: track}, nil
}

func (t *Transport) RemoveTrack(s port.Sender) error {
	ps, ok := s.(*sender)
	if !ok {
		return domain.ErrTrackNotFound
	}
	return t.pc.RemoveTrack(ps.rtp)
}

// Stats sums transport byte counters and inbound packet loss, and
// reports the round trip time of the nominated candidate pair.
func (t *Transport) Stats(ctx context.Context) (domain.TransportStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransportStats{}, err
	}
	return aggregateStats(t.pc.GetStats(), time.Now()), nil
}

func aggregateStats(report webrtc.StatsReport, now time.Time) domain.TransportStats {
	out := domain.TransportStats{Timestamp: now}
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.TransportStats:
			out.BytesSent += st.BytesSent
			out.BytesReceived += st.BytesReceived
		case webrtc.InboundRTPStreamStats:
			out.PacketsLost += int64(st.PacketsLost)
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return out
}

func (t *Transport) ConnectionState() domain.ConnectionState {
	return connectionState(t.pc.ConnectionState())
}

func (t *Transport) NegotiationState() domain.NegotiationState {
	t.sdpMu.Lock()
	held := t.heldOffer != nil
	t.sdpMu.Unlock()
	if held {
		return domain.NegotiationHaveLocalOffer
	}
	return negotiationState(t.pc.SignalingState())
}

func (t *Transport) notifyNegotiation(s domain.NegotiationState) {
	t.mu.RLock()
	fn := t.onNeg
	t.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (t *Transport) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConn = fn
}

func (t *Transport) OnNegotiationStateChange(fn func(domain.NegotiationState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNeg = fn
}

func (t *Transport) OnICECandidate(fn func(domain.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

func (t *Transport) OnTrack(fn func(domain.Track)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()
	})
	return err
}

type sender struct {
	rtp *webrtc.RTPSender

	mu    sync.Mutex
	track domain.Track
}

func (s *sender) Track() domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *sender) ReplaceTrack(track domain.Track) error {
	lt, ok := track.(LocalTrack)
	if !ok {
		return ErrUnsupportedTrack
	}
	if err := s.rtp.ReplaceTrack(lt.TrackLocal()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}
