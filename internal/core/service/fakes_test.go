package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

type fakeTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped int
	onEnded func()
	samples []float64
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
	return nil
}

func (t *fakeTrack) Stopped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// end simulates the source going away on its own.
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) ReadSamples(ctx context.Context) ([]float64, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples, 48000, nil
}

type fakeDevices struct {
	mu          sync.Mutex
	userErr     error
	displayErr  error
	enumErr     error
	permission  domain.PermissionStatus
	permErr     error
	devices     []domain.DeviceInfo
	constraints []domain.CaptureConstraints
	tracks      []*fakeTrack
	screens     []*fakeTrack
	seq         int
	onChange    func()
	cancelled   bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		permErr: domain.ErrPermissionQueryUnsupported,
		devices: []domain.DeviceInfo{
			{ID: "mic-1", Kind: domain.DeviceAudioInput, Label: "Built-in Microphone"},
			{ID: "cam-1", Kind: domain.DeviceVideoInput, Label: "Built-in Camera"},
		},
	}
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c domain.CaptureConstraints) ([]domain.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constraints = append(d.constraints, c)
	if d.userErr != nil {
		return nil, d.userErr
	}
	d.seq++
	var out []domain.Track
	if c.Audio != nil {
		t := newFakeTrack(fmt.Sprintf("audio-%d", d.seq), domain.TrackAudio)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	if c.Video != nil {
		t := newFakeTrack(fmt.Sprintf("video-%d", d.seq), domain.TrackVideo)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context, opts domain.ScreenOptions) ([]domain.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	d.seq++
	t := newFakeTrack(fmt.Sprintf("screen-%d", d.seq), domain.TrackVideo)
	d.screens = append(d.screens, t)
	return []domain.Track{t}, nil
}

func (d *fakeDevices) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enumErr != nil {
		return nil, d.enumErr
	}
	return append([]domain.DeviceInfo(nil), d.devices...), nil
}

func (d *fakeDevices) QueryPermission(ctx context.Context) (domain.PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission, d.permErr
}

func (d *fakeDevices) OnDeviceChange(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.cancelled = true
		d.onChange = nil
	}
}

func (d *fakeDevices) lastConstraints() domain.CaptureConstraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.constraints[len(d.constraints)-1]
}

func (d *fakeDevices) lastScreen() *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screens[len(d.screens)-1]
}

func (d *fakeDevices) allTracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.tracks...)
}

type fakeSender struct {
	mu       sync.Mutex
	track    domain.Track
	replaced int
}

func (s *fakeSender) Track() domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t domain.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

type fakeTransport struct {
	mu              sync.Mutex
	local           []domain.SessionDescription
	remote          []domain.SessionDescription
	offers          int
	restarts        int
	answers         int
	applied         []domain.Candidate
	earlyCandidates int
	failCandidates  map[string]bool
	senders         []*fakeSender
	removed         []port.Sender
	closed          int
	remoteErr       error
	offerPending    bool

	onConn  func(domain.ConnectionState)
	onNeg   func(domain.NegotiationState)
	onCand  func(domain.Candidate)
	onTrack func(domain.Track)
}

func (t *fakeTransport) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	if iceRestart {
		t.restarts++
	}
	return domain.NewOffer(fmt.Sprintf("offer-%d", t.offers)), nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.remote) == 0 {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	t.answers++
	return domain.NewAnswer(fmt.Sprintf("answer-%d", t.answers)), nil
}

func (t *fakeTransport) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch desc.Type {
	case domain.SDPOffer:
		t.offerPending = true
	case domain.SDPRollback:
		if !t.offerPending {
			return errors.New("no local offer to roll back")
		}
		t.offerPending = false
	}
	t.local = append(t.local, desc)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteErr != nil {
		return t.remoteErr
	}
	switch {
	case desc.Type == domain.SDPOffer && t.offerPending:
		return errors.New("remote offer in have-local-offer")
	case desc.Type == domain.SDPAnswer:
		t.offerPending = false
	}
	t.remote = append(t.remote, desc)
	return nil
}

func (t *fakeTransport) AddICECandidate(c domain.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.remote) == 0 {
		t.earlyCandidates++
		return errors.New("remote description not set")
	}
	if t.failCandidates[c.Candidate] {
		return errors.New("malformed candidate")
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *fakeTransport) AddTrack(track domain.Track) (port.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &fakeSender{track: track}
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *fakeTransport) RemoveTrack(sender port.Sender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, sender)
	return nil
}

func (t *fakeTransport) Stats(ctx context.Context) (domain.TransportStats, error) {
	return domain.TransportStats{BytesSent: 1200, BytesReceived: 3400, PacketsLost: 2, RoundTripTime: 40 * time.Millisecond}, nil
}

func (t *fakeTransport) ConnectionState() domain.ConnectionState   { return domain.ConnNew }
func (t *fakeTransport) NegotiationState() domain.NegotiationState { return domain.NegotiationStable }

func (t *fakeTransport) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConn = fn
}

func (t *fakeTransport) OnNegotiationStateChange(fn func(domain.NegotiationState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNeg = fn
}

func (t *fakeTransport) OnICECandidate(fn func(domain.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

func (t *fakeTransport) OnTrack(fn func(domain.Track)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) fireConnection(s domain.ConnectionState) {
	t.mu.Lock()
	fn := t.onConn
	t.mu.Unlock()
	fn(s)
}

func (t *fakeTransport) fireNegotiation(s domain.NegotiationState) {
	t.mu.Lock()
	fn := t.onNeg
	t.mu.Unlock()
	fn(s)
}

func (t *fakeTransport) fireCandidate(c domain.Candidate) {
	t.mu.Lock()
	fn := t.onCand
	t.mu.Unlock()
	fn(c)
}

func (t *fakeTransport) fireTrack(track domain.Track) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	fn(track)
}

func (t *fakeTransport) appliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.applied))
	for _, c := range t.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (t *fakeTransport) sendersSnapshot() []*fakeSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeSender(nil), t.senders...)
}

func (t *fakeTransport) counts() (offers, restarts, closed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers, t.restarts, t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (f *fakeFactory) NewTransport(cfg domain.ICEConfig) (port.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{failCandidates: map[string]bool{}}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) latest() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

type sentMessage struct {
	op        string
	callID    domain.CallID
	target    domain.UserID
	kind      domain.MediaKind
	reason    string
	duration  int
	sdp       domain.SessionDescription
	candidate domain.Candidate
	flag      bool
}

type fakeSignaling struct {
	mu        sync.Mutex
	handler   port.SignalHandler
	sent      []sentMessage
	seq       int
	inviteErr error
}

func (s *fakeSignaling) record(m sentMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
}

func (s *fakeSignaling) Connect(ctx context.Context) error { return nil }
func (s *fakeSignaling) Disconnect() error                 { return nil }

func (s *fakeSignaling) SetHandler(h port.SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *fakeSignaling) GenerateCallID() domain.CallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return domain.CallID(fmt.Sprintf("call-%d", s.seq))
}

func (s *fakeSignaling) Invite(ctx context.Context, callID domain.CallID, target domain.UserID, kind domain.MediaKind) error {
	s.mu.Lock()
	err := s.inviteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.record(sentMessage{op: "invite", callID: callID, target: target, kind: kind})
	return nil
}

func (s *fakeSignaling) Accept(ctx context.Context, callID domain.CallID, kind domain.MediaKind) error {
	s.record(sentMessage{op: "accept", callID: callID, kind: kind})
	return nil
}

func (s *fakeSignaling) Decline(ctx context.Context, callID domain.CallID, reason string) error {
	s.record(sentMessage{op: "decline", callID: callID, reason: reason})
	return nil
}

func (s *fakeSignaling) End(ctx context.Context, callID domain.CallID, reason domain.EndReason, duration int) error {
	s.record(sentMessage{op: "end", callID: callID, reason: string(reason), duration: duration})
	return nil
}

func (s *fakeSignaling) SendOffer(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error {
	s.record(sentMessage{op: "offer", callID: callID, sdp: sdp})
	return nil
}

func (s *fakeSignaling) SendAnswer(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error {
	s.record(sentMessage{op: "answer", callID: callID, sdp: sdp})
	return nil
}

func (s *fakeSignaling) SendCandidate(ctx context.Context, callID domain.CallID, c domain.Candidate) error {
	s.record(sentMessage{op: "candidate", callID: callID, candidate: c})
	return nil
}

func (s *fakeSignaling) RequestRenegotiation(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error {
	s.record(sentMessage{op: "renegotiate", callID: callID, sdp: sdp})
	return nil
}

func (s *fakeSignaling) NotifyMuteChange(ctx context.Context, callID domain.CallID, muted bool) error {
	s.record(sentMessage{op: "mute_change", callID: callID, flag: muted})
	return nil
}

func (s *fakeSignaling) NotifyVideoChange(ctx context.Context, callID domain.CallID, enabled bool) error {
	s.record(sentMessage{op: "video_change", callID: callID, flag: enabled})
	return nil
}

func (s *fakeSignaling) NotifyScreenShareStarted(ctx context.Context, callID domain.CallID) error {
	s.record(sentMessage{op: "screen_share_started", callID: callID})
	return nil
}

func (s *fakeSignaling) NotifyScreenShareStopped(ctx context.Context, callID domain.CallID) error {
	s.record(sentMessage{op: "screen_share_stopped", callID: callID})
	return nil
}

func (s *fakeSignaling) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.op)
	}
	return out
}

func (s *fakeSignaling) find(op string) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sent {
		if m.op == op {
			out = append(out, m)
		}
	}
	return out
}

type fakeInvitations struct {
	mu        sync.Mutex
	presented []domain.Invitation
	dismissed []domain.CallID
	onPresent func(domain.Invitation)
}

func (f *fakeInvitations) Present(inv domain.Invitation, listener port.InvitationListener) {
	f.mu.Lock()
	f.presented = append(f.presented, inv)
	hook := f.onPresent
	f.mu.Unlock()
	if hook != nil {
		hook(inv)
	}
}

func (f *fakeInvitations) dismissedIDs() []domain.CallID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CallID(nil), f.dismissed...)
}

func (f *fakeInvitations) Dismiss(callID domain.CallID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, callID)
}

func (f *fakeInvitations) presentedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.presented)
}
