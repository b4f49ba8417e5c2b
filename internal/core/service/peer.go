package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// PeerCallbacks are invoked in the order the transport reported the
// underlying events, one at a time, on a goroutine owned by the
// session. Reports from a closed session are discarded.
type PeerCallbacks struct {
	OnConnectionState  func(domain.ConnectionState)
	OnNegotiationState func(domain.NegotiationState)
	OnLocalCandidate   func(domain.Candidate)
	OnRemoteTrack      func(domain.Track)
}

type localTrack struct {
	track  domain.Track
	sender port.Sender
}

// PeerSession wraps one transport session and buffers remote candidates
// until a remote description has been applied.
type PeerSession struct {
	factory   port.TransportFactory
	callbacks PeerCallbacks

	mu                sync.Mutex
	transport         port.Transport
	dispatch          *dispatcher
	localTracks       map[string]*localTrack
	remoteTracks      map[string]domain.Track
	pendingCandidates []domain.Candidate
	remoteApplied     bool
	localOffer        bool

	generation atomic.Uint64

	stateMu   sync.RWMutex
	connState domain.ConnectionState
	negState  domain.NegotiationState
}

func NewPeerSession(factory port.TransportFactory, callbacks PeerCallbacks) *PeerSession {
	return &PeerSession{
		factory:      factory,
		callbacks:    callbacks,
		localTracks:  make(map[string]*localTrack),
		remoteTracks: make(map[string]domain.Track),
		connState:    domain.ConnClosed,
		negState:     domain.NegotiationClosed,
	}
}

// Open creates the transport session. An already open session is
// closed first.
func (p *PeerSession) Open(cfg domain.ICEConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport != nil {
		log.Debug().Msg("Peer session already open, closing prior transport")
		if err := p.closeLocked(); err != nil {
			log.Warn().Err(err).Msg("Error closing prior transport")
		}
	}

	t, err := p.factory.NewTransport(cfg)
	if err != nil {
		return &domain.TransportError{Op: "open", Err: err}
	}

	gen := p.generation.Add(1)
	d := newDispatcher()
	p.transport = t
	p.dispatch = d
	p.remoteApplied = false
	p.localOffer = false
	p.pendingCandidates = nil
	p.setStates(domain.ConnNew, domain.NegotiationStable)

	t.OnConnectionStateChange(func(s domain.ConnectionState) {
		d.post(func() {
			if p.generation.Load() != gen {
				return
			}
			p.stateMu.Lock()
			p.connState = s
			p.stateMu.Unlock()
			if p.callbacks.OnConnectionState != nil {
				p.callbacks.OnConnectionState(s)
			}
		})
	})
	t.OnNegotiationStateChange(func(s domain.NegotiationState) {
		d.post(func() {
			if p.generation.Load() != gen {
				return
			}
			p.stateMu.Lock()
			p.negState = s
			p.stateMu.Unlock()
			if p.callbacks.OnNegotiationState != nil {
				p.callbacks.OnNegotiationState(s)
			}
		})
	})
	t.OnICECandidate(func(c domain.Candidate) {
		d.post(func() {
			if p.generation.Load() != gen {
				return
			}
			if p.callbacks.OnLocalCandidate != nil {
				p.callbacks.OnLocalCandidate(c)
			}
		})
	})
	t.OnTrack(func(track domain.Track) {
		d.post(func() {
			if p.generation.Load() != gen {
				return
			}
			p.mu.Lock()
			p.remoteTracks[track.ID()] = track
			p.mu.Unlock()
			track.OnEnded(func() {
				p.mu.Lock()
				delete(p.remoteTracks, track.ID())
				p.mu.Unlock()
			})
			if p.callbacks.OnRemoteTrack != nil {
				p.callbacks.OnRemoteTrack(track)
			}
		})
	})

	log.Debug().Int("ice_servers", len(cfg.Servers)).Bool("relay_only", cfg.RelayOnly).Msg("Peer session opened")
	return nil
}

// CreateOffer generates an offer and applies it locally as one step.
func (p *PeerSession) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.SessionDescription{}, domain.ErrSessionNotOpen
	}
	return p.offerLocked(ctx, false)
}

// CreateAnswer generates an answer and applies it locally as one step.
func (p *PeerSession) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.SessionDescription{}, domain.ErrSessionNotOpen
	}

	desc, err := p.transport.CreateAnswer(ctx)
	if err != nil {
		return domain.SessionDescription{}, &domain.TransportError{Op: "create answer", Err: err}
	}
	if err := p.transport.SetLocalDescription(ctx, desc); err != nil {
		return domain.SessionDescription{}, &domain.TransportError{Op: "set local answer", Err: err}
	}
	return desc, nil
}

// RestartConnectivity produces an ICE restart offer on the existing
// session, to be relayed as a renegotiation request.
func (p *PeerSession) RestartConnectivity(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.SessionDescription{}, domain.ErrSessionNotOpen
	}
	return p.offerLocked(ctx, true)
}

func (p *PeerSession) offerLocked(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	desc, err := p.transport.CreateOffer(ctx, iceRestart)
	if err != nil {
		return domain.SessionDescription{}, &domain.TransportError{Op: "create offer", Err: err}
	}
	if err := p.transport.SetLocalDescription(ctx, desc); err != nil {
		return domain.SessionDescription{}, &domain.TransportError{Op: "set local offer", Err: err}
	}
	p.localOffer = true
	return desc, nil
}

// HasLocalOffer reports whether an offer made here still awaits its
// answer.
func (p *PeerSession) HasLocalOffer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localOffer
}

// Rollback withdraws the unanswered local offer so a remote offer can be
// applied. Without a pending offer it does nothing.
func (p *PeerSession) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.ErrSessionNotOpen
	}
	if !p.localOffer {
		return nil
	}

	if err := p.transport.SetLocalDescription(ctx, domain.SessionDescription{Type: domain.SDPRollback}); err != nil {
		return &domain.TransportError{Op: "rollback", Err: err}
	}
	p.localOffer = false
	p.stateMu.Lock()
	p.negState = domain.NegotiationStable
	p.stateMu.Unlock()
	return nil
}

// ApplyRemoteDescription applies desc and then flushes buffered
// candidates in arrival order. A candidate that fails is logged and
// skipped.
func (p *PeerSession) ApplyRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.ErrSessionNotOpen
	}

	if err := p.transport.SetRemoteDescription(ctx, desc); err != nil {
		return &domain.TransportError{Op: "set remote " + string(desc.Type), Err: err}
	}
	p.remoteApplied = true
	if desc.Type == domain.SDPAnswer {
		p.localOffer = false
	}

	pending := p.pendingCandidates
	p.pendingCandidates = nil
	for i, c := range pending {
		if err := p.transport.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Int("index", i).Str("candidate", c.Candidate).Msg("Failed to apply buffered candidate")
		}
	}
	if len(pending) > 0 {
		log.Debug().Int("count", len(pending)).Msg("Flushed buffered candidates")
	}
	return nil
}

// AddRemoteCandidate applies c, or buffers it while no remote
// description is present.
func (p *PeerSession) AddRemoteCandidate(c domain.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.ErrSessionNotOpen
	}

	if !p.remoteApplied {
		p.pendingCandidates = append(p.pendingCandidates, c)
		return nil
	}
	if err := p.transport.AddICECandidate(c); err != nil {
		return &domain.TransportError{Op: "add candidate", Err: err}
	}
	return nil
}

func (p *PeerSession) AddTrack(track domain.Track) (port.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return nil, domain.ErrSessionNotOpen
	}
	if _, ok := p.localTracks[track.ID()]; ok {
		return nil, domain.ErrTrackExists
	}

	sender, err := p.transport.AddTrack(track)
	if err != nil {
		return nil, &domain.TransportError{Op: "add track", Err: err}
	}
	p.localTracks[track.ID()] = &localTrack{track: track, sender: sender}
	return sender, nil
}

// RemoveTrack detaches the local track. The track itself keeps running.
func (p *PeerSession) RemoveTrack(trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.ErrSessionNotOpen
	}
	lt, ok := p.localTracks[trackID]
	if !ok {
		return domain.ErrTrackNotFound
	}

	if err := p.transport.RemoveTrack(lt.sender); err != nil {
		return &domain.TransportError{Op: "remove track", Err: err}
	}
	delete(p.localTracks, trackID)
	return nil
}

// ReplaceTrack swaps the track on the sender currently carrying
// oldTrackID, without renegotiation.
func (p *PeerSession) ReplaceTrack(oldTrackID string, track domain.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.ErrSessionNotOpen
	}
	lt, ok := p.localTracks[oldTrackID]
	if !ok {
		return domain.ErrTrackNotFound
	}

	if err := lt.sender.ReplaceTrack(track); err != nil {
		return &domain.TransportError{Op: "replace track", Err: err}
	}
	delete(p.localTracks, oldTrackID)
	p.localTracks[track.ID()] = &localTrack{track: track, sender: lt.sender}
	return nil
}

// HasLocalTrack reports whether trackID is attached to a sender.
func (p *PeerSession) HasLocalTrack(trackID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.localTracks[trackID]
	return ok
}

func (p *PeerSession) LocalTrackIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.localTracks))
	for id := range p.localTracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *PeerSession) RemoteTracks() []domain.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Track, 0, len(p.remoteTracks))
	for _, t := range p.remoteTracks {
		out = append(out, t)
	}
	return out
}

// PendingCandidates returns how many remote candidates are buffered.
func (p *PeerSession) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingCandidates)
}

func (p *PeerSession) Stats(ctx context.Context) (domain.TransportStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return domain.TransportStats{}, domain.ErrSessionNotOpen
	}
	return p.transport.Stats(ctx)
}

func (p *PeerSession) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport != nil
}

func (p *PeerSession) ConnectionState() domain.ConnectionState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.connState
}

func (p *PeerSession) NegotiationState() domain.NegotiationState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.negState
}

// Close stops all owned tracks, drops buffered candidates and releases
// the transport. Closing a closed session is a no-op.
func (p *PeerSession) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *PeerSession) closeLocked() error {
	if p.transport == nil {
		return nil
	}

	p.generation.Add(1)
	p.dispatch.close()
	p.dispatch = nil

	for id, lt := range p.localTracks {
		if err := lt.track.Stop(); err != nil {
			log.Warn().Err(err).Str("track_id", id).Msg("Error stopping local track")
		}
	}
	for id, t := range p.remoteTracks {
		if err := t.Stop(); err != nil {
			log.Warn().Err(err).Str("track_id", id).Msg("Error stopping remote track")
		}
	}
	p.localTracks = make(map[string]*localTrack)
	p.remoteTracks = make(map[string]domain.Track)
	p.pendingCandidates = nil
	p.remoteApplied = false
	p.localOffer = false

	err := p.transport.Close()
	p.transport = nil
	p.setStates(domain.ConnClosed, domain.NegotiationClosed)
	if err != nil {
		return &domain.TransportError{Op: "close", Err: err}
	}
	log.Debug().Msg("Peer session closed")
	return nil
}

func (p *PeerSession) setStates(conn domain.ConnectionState, neg domain.NegotiationState) {
	p.stateMu.Lock()
	p.connState = conn
	p.negState = neg
	p.stateMu.Unlock()
}

// dispatcher runs posted functions one at a time in post order. Posting
// never blocks the caller.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			fn := d.next()
			if fn == nil {
				break
			}
			fn()
		}
	}
}

func (d *dispatcher) next() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.queue) == 0 {
		return nil
	}
	fn := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return fn
}

// close discards anything not yet run. It does not wait for a running
// function to return.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
}
