package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

type CallConfig struct {
	Local domain.Party
	ICE   domain.ICEConfig

	// MaxReconnectAttempts is the number of consecutive disconnections
	// after which the call ends with a network reason.
	MaxReconnectAttempts int
	// ReconnectBackoff delays each connectivity restart. Zero restarts
	// immediately.
	ReconnectBackoff time.Duration
	// AttemptTimeout counts a restart that has not recovered within the
	// duration as another disconnection. Zero disables it.
	AttemptTimeout time.Duration
	EventBuffer    int
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		MaxReconnectAttempts: 5,
		AttemptTimeout:       10 * time.Second,
		EventBuffer:          64,
	}
}

// CallService owns the current call. Every state transition, and every
// resource the call owns, is guarded by one mutex.
type CallService struct {
	signaling   port.Signaling
	invitations port.Invitations
	media       *MediaSession
	transports  port.TransportFactory
	cfg         CallConfig
	now         func() time.Time

	events chan domain.Event

	mu              sync.Mutex
	call            *domain.Call
	last            *domain.Call
	peer            *PeerSession
	heldOffer       *domain.SessionDescription
	earlyCandidates []domain.Candidate
	acceptedEmitted bool
	pendingUpgrade  bool

	muted         bool
	videoEnabled  bool
	screenSharing bool
	screenAdded   bool
	cameraTrackID string
	screenTrackID string

	attempts        int
	attemptSeq      int
	attemptTimer    *time.Timer
	reconnectCancel context.CancelFunc
}

func NewCallService(
	signaling port.Signaling,
	invitations port.Invitations,
	media *MediaSession,
	transports port.TransportFactory,
	cfg CallConfig,
) *CallService {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultCallConfig().MaxReconnectAttempts
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultCallConfig().EventBuffer
	}
	s := &CallService{
		signaling:   signaling,
		invitations: invitations,
		media:       media,
		transports:  transports,
		cfg:         cfg,
		now:         time.Now,
		events:      make(chan domain.Event, cfg.EventBuffer),
	}
	signaling.SetHandler(s)
	return s
}

// Events is the single outbound event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (s *CallService) Events() <-chan domain.Event {
	return s.events
}

func (s *CallService) InitiateCall(ctx context.Context, remote domain.UserID, kind domain.MediaKind) (domain.CallID, error) {
	if !kind.Valid() {
		return "", domain.ErrInvalidMediaKind
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call.IsActive() {
		return "", domain.ErrCallActive
	}

	id := s.signaling.GenerateCallID()
	s.resetLocked(domain.NewCall(id, kind, domain.RoleInitiator, s.cfg.Local, domain.Party{ID: remote}, s.now()))
	logger := log.With().Str("call_id", id.String()).Str("remote", remote.String()).Logger()
	logger.Info().Str("kind", string(kind)).Msg("Initiating call")

	if err := s.transitionLocked(domain.StateInitiating); err != nil {
		return "", err
	}

	stream, err := s.media.Acquire(ctx, kind, domain.CaptureConstraints{})
	if err != nil {
		s.abortLocked(ctx, err, false)
		return "", err
	}
	s.emit(domain.LocalStreamEvent{CallID: id, Stream: stream})

	if err := s.openPeerLocked(id); err != nil {
		s.abortLocked(ctx, err, false)
		return "", err
	}
	if err := s.attachLocked(stream); err != nil {
		s.abortLocked(ctx, err, false)
		return "", err
	}

	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		s.abortLocked(ctx, err, false)
		return "", err
	}

	if err := s.signaling.Invite(ctx, id, remote, kind); err != nil {
		err = &domain.SignalingError{Op: "invite", CallID: id, Err: err}
		s.abortLocked(ctx, err, false)
		return "", err
	}
	if err := s.signaling.SendOffer(ctx, id, offer); err != nil {
		err = &domain.SignalingError{Op: "offer", CallID: id, Err: err}
		s.abortLocked(ctx, err, true)
		return "", err
	}

	if err := s.transitionLocked(domain.StateRinging); err != nil {
		return "", err
	}
	logger.Debug().Msg("Invitation and offer sent")
	return id, nil
}

// AcceptCall answers the ringing invitation. With upgradeToVideo an
// audio call is answered with camera and microphone.
func (s *CallService) AcceptCall(ctx context.Context, callID domain.CallID, upgradeToVideo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.activeLocked(callID)
	if err != nil {
		return err
	}
	if call.Role != domain.RoleReceiver {
		return domain.ErrNotReceiver
	}
	if call.State != domain.StateRinging {
		return fmt.Errorf("%w: accept in state %s", domain.ErrInvalidTransition, call.State)
	}

	if upgradeToVideo && call.Kind == domain.MediaAudio {
		call.Kind = domain.MediaVideo
		s.videoEnabled = true
		s.pendingUpgrade = true
	}
	s.invitations.Dismiss(callID)
	log.Info().Str("call_id", callID.String()).Str("kind", string(call.Kind)).Msg("Accepting call")

	if err := s.transitionLocked(domain.StateConnecting); err != nil {
		return err
	}

	stream, err := s.media.Acquire(ctx, call.Kind, domain.CaptureConstraints{})
	if err != nil {
		s.abortLocked(ctx, err, true)
		return err
	}
	s.emit(domain.LocalStreamEvent{CallID: callID, Stream: stream})

	if err := s.openPeerLocked(callID); err != nil {
		s.abortLocked(ctx, err, true)
		return err
	}
	if err := s.attachLocked(stream); err != nil {
		s.abortLocked(ctx, err, true)
		return err
	}

	early := s.earlyCandidates
	s.earlyCandidates = nil
	for _, c := range early {
		if err := s.peer.AddRemoteCandidate(c); err != nil {
			log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to queue early candidate")
		}
	}

	if err := s.signaling.Accept(ctx, callID, call.Kind); err != nil {
		err = &domain.SignalingError{Op: "accept", CallID: callID, Err: err}
		s.abortLocked(ctx, err, true)
		return err
	}
	s.emitAcceptedLocked()

	if held := s.heldOffer; held != nil {
		s.heldOffer = nil
		if err := s.answerLocked(ctx, *held); err != nil {
			s.abortLocked(ctx, err, true)
			return err
		}
	}
	return nil
}

// DeclineCall refuses the ringing invitation. An empty reason is sent
// as "declined".
func (s *CallService) DeclineCall(ctx context.Context, callID domain.CallID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.activeLocked(callID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = string(domain.EndDeclined)
	}

	log.Info().Str("call_id", callID.String()).Str("reason", reason).Msg("Declining call")
	if err := s.signaling.Decline(ctx, call.ID, reason); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to relay decline")
	}
	s.finishLocked(ctx, domain.EndDeclined, false)
	return nil
}

// InvitationTimedOut ends a ringing invitation nobody answered.
func (s *CallService) InvitationTimedOut(ctx context.Context, callID domain.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.activeLocked(callID)
	if err != nil || call.State != domain.StateRinging {
		return
	}

	log.Info().Str("call_id", callID.String()).Msg("Invitation timed out")
	if err := s.signaling.Decline(ctx, callID, "timeout"); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to relay timeout")
	}
	s.finishLocked(ctx, domain.EndDeclined, false)
}

// EndCall hangs up. Calling it with no active call is a no-op.
func (s *CallService) EndCall(ctx context.Context, reason domain.EndReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.call.IsActive() {
		return nil
	}
	if reason == "" {
		reason = domain.EndCompleted
	}
	s.finishLocked(ctx, reason, true)
	return nil
}

// ToggleMute flips the microphone and returns the new muted state.
func (s *CallService) ToggleMute(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.call.IsActive() {
		return s.muted, domain.ErrNoActiveCall
	}

	muted := !s.muted
	if err := s.media.SetEnabled(domain.TrackAudio, !muted); err != nil {
		return s.muted, err
	}
	s.muted = muted

	if err := s.signaling.NotifyMuteChange(ctx, s.call.ID, muted); err != nil {
		log.Warn().Err(err).Str("call_id", s.call.ID.String()).Msg("Failed to notify mute change")
	}
	return muted, nil
}

// ToggleVideo flips the camera and returns whether it is now enabled.
func (s *CallService) ToggleVideo(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.call.IsActive() {
		return s.videoEnabled, domain.ErrNoActiveCall
	}

	enabled := !s.videoEnabled
	if err := s.media.SetEnabled(domain.TrackVideo, enabled); err != nil {
		return s.videoEnabled, err
	}
	s.videoEnabled = enabled

	if err := s.signaling.NotifyVideoChange(ctx, s.call.ID, enabled); err != nil {
		log.Warn().Err(err).Str("call_id", s.call.ID.String()).Msg("Failed to notify video change")
	}
	return enabled, nil
}

// StartScreenShare sends the screen instead of the camera. Without a
// camera sender the screen is added as a new track and renegotiated.
func (s *CallService) StartScreenShare(ctx context.Context, opts domain.ScreenOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.call.IsActive() || s.peer == nil {
		return domain.ErrNoActiveCall
	}
	if s.screenSharing {
		return nil
	}
	callID := s.call.ID

	stream, err := s.media.AcquireScreen(ctx, opts)
	if err != nil {
		s.emit(domain.ErrorEvent{CallID: callID, Err: err})
		return err
	}
	screen := stream.FirstOf(domain.TrackVideo)
	if screen == nil {
		s.media.StopScreen()
		return domain.ErrNoVideoTrack
	}

	if s.cameraTrackID != "" && s.peer.HasLocalTrack(s.cameraTrackID) {
		if err := s.peer.ReplaceTrack(s.cameraTrackID, screen); err != nil {
			s.media.StopScreen()
			return err
		}
		s.screenAdded = false
	} else {
		if _, err := s.peer.AddTrack(screen); err != nil {
			s.media.StopScreen()
			return err
		}
		s.screenAdded = true
		s.renegotiateLocked(ctx)
	}

	s.screenSharing = true
	s.screenTrackID = screen.ID()
	trackID := screen.ID()
	screen.OnEnded(func() {
		go s.screenTrackEnded(callID, trackID)
	})

	s.emit(domain.LocalStreamEvent{CallID: callID, Stream: stream, Screen: true})
	if err := s.signaling.NotifyScreenShareStarted(ctx, callID); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to notify screen share start")
	}
	log.Info().Str("call_id", callID.String()).Bool("replaced_camera", !s.screenAdded).Msg("Screen share started")
	return nil
}

func (s *CallService) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopScreenShareLocked(ctx)
}

func (s *CallService) screenTrackEnded(callID domain.CallID, trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID || s.screenTrackID != trackID {
		return
	}
	log.Info().Str("call_id", callID.String()).Msg("Screen source ended")
	if err := s.stopScreenShareLocked(context.Background()); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to stop screen share")
	}
}

func (s *CallService) stopScreenShareLocked(ctx context.Context) error {
	if !s.screenSharing {
		return domain.ErrNotScreenSharing
	}
	callID := s.call.ID

	if s.screenAdded {
		if err := s.peer.RemoveTrack(s.screenTrackID); err != nil {
			return err
		}
		s.renegotiateLocked(ctx)
	} else {
		camera := s.media.CaptureStream().FirstOf(domain.TrackVideo)
		if camera == nil {
			return domain.ErrNoVideoTrack
		}
		if err := s.peer.ReplaceTrack(s.screenTrackID, camera); err != nil {
			return err
		}
	}

	s.media.StopScreen()
	s.screenSharing = false
	s.screenAdded = false
	s.screenTrackID = ""
	if camera := s.media.CaptureStream().FirstOf(domain.TrackVideo); camera != nil {
		s.cameraTrackID = camera.ID()
	}

	if err := s.signaling.NotifyScreenShareStopped(ctx, callID); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to notify screen share stop")
	}
	log.Info().Str("call_id", callID.String()).Msg("Screen share stopped")
	return nil
}

// SwitchDevice moves capture of kind to deviceID. During a call the
// re-acquired tracks take over the existing senders. A sender carrying
// the screen keeps it, and the new camera is sent once sharing stops.
func (s *CallService) SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) (*domain.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.call.IsActive() || s.peer == nil {
		return s.media.SwitchDevice(ctx, kind, deviceID)
	}
	callID := s.call.ID

	senders := map[domain.TrackKind]string{domain.TrackVideo: s.cameraTrackID}
	if mic := s.media.CaptureStream().FirstOf(domain.TrackAudio); mic != nil {
		senders[domain.TrackAudio] = mic.ID()
	}

	stream, err := s.media.SwitchDevice(ctx, kind, deviceID)
	if err != nil {
		s.emit(domain.ErrorEvent{CallID: callID, Err: err})
		return nil, err
	}

	added := false
	for _, k := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo} {
		track := stream.FirstOf(k)
		if track == nil {
			continue
		}
		if k == domain.TrackVideo {
			s.cameraTrackID = track.ID()
			if s.screenSharing && !s.screenAdded {
				// The camera sender is carrying the screen.
				continue
			}
		}
		if old := senders[k]; old != "" && s.peer.HasLocalTrack(old) {
			err = s.peer.ReplaceTrack(old, track)
		} else {
			_, err = s.peer.AddTrack(track)
			added = true
		}
		if err != nil {
			s.emit(domain.ErrorEvent{CallID: callID, Err: err})
			return nil, err
		}
	}
	if added {
		s.renegotiateLocked(ctx)
	}

	s.emit(domain.LocalStreamEvent{CallID: callID, Stream: stream})
	log.Info().
		Str("call_id", callID.String()).
		Str("kind", string(kind)).
		Str("device_id", deviceID).
		Bool("renegotiated", added).
		Msg("Capture device switched")
	return stream, nil
}

// CurrentCall returns a copy of the active call, or nil.
func (s *CallService) CurrentCall() *domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return nil
	}
	c := *s.call
	return &c
}

// LastCall returns a copy of the most recently ended call, or nil.
func (s *CallService) LastCall() *domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	c := *s.last
	return &c
}

func (s *CallService) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return domain.StateIdle
	}
	return s.call.State
}

func (s *CallService) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *CallService) IsVideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

func (s *CallService) IsScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenSharing
}

func (s *CallService) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *CallService) CallDurationSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return 0
	}
	return int(s.call.Duration(s.now()).Seconds())
}

func (s *CallService) Stats(ctx context.Context) (domain.TransportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return domain.TransportStats{}, domain.ErrNoActiveCall
	}
	return s.peer.Stats(ctx)
}

// OnRing handles an incoming invitation. While another call is active
// the caller is told we are busy and the active call is untouched.
func (s *CallService) OnRing(inv domain.Invitation) {
	ctx := context.Background()
	s.mu.Lock()

	if s.call.IsActive() {
		active := s.call.ID
		s.mu.Unlock()
		if active == inv.CallID {
			log.Debug().Str("call_id", inv.CallID.String()).Msg("Duplicate invitation ignored")
			return
		}
		log.Info().Str("call_id", inv.CallID.String()).Str("active", active.String()).Msg("Busy, declining invitation")
		if err := s.signaling.Decline(ctx, inv.CallID, string(domain.EndBusy)); err != nil {
			log.Warn().Err(err).Str("call_id", inv.CallID.String()).Msg("Failed to relay busy")
		}
		return
	}

	if !inv.Kind.Valid() {
		inv.Kind = domain.MediaAudio
	}
	s.resetLocked(domain.NewCall(inv.CallID, inv.Kind, domain.RoleReceiver, s.cfg.Local, inv.From, s.now()))
	if err := s.transitionLocked(domain.StateRinging); err != nil {
		s.mu.Unlock()
		return
	}
	log.Info().Str("call_id", inv.CallID.String()).Str("from", inv.From.ID.String()).Str("kind", string(inv.Kind)).Msg("Incoming call")
	s.emit(domain.IncomingCallEvent{Invitation: inv})
	s.mu.Unlock()

	s.invitations.Present(inv, s)

	// The call can end while the invitation is being presented, and the
	// dismissal issued then found nothing to stop.
	s.mu.Lock()
	gone := !s.call.IsActive() || s.call.ID != inv.CallID
	s.mu.Unlock()
	if gone {
		log.Debug().Str("call_id", inv.CallID.String()).Msg("Call ended while ringing, dismissing invitation")
		s.invitations.Dismiss(inv.CallID)
	}
}

func (s *CallService) OnAccepted(callID domain.CallID, kind domain.MediaKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "accept") || s.call.Role != domain.RoleInitiator {
		return
	}
	if kind.Valid() {
		s.call.Kind = kind
	}
	if s.call.State == domain.StateRinging {
		if err := s.transitionLocked(domain.StateConnecting); err != nil {
			return
		}
	}
	s.emitAcceptedLocked()
}

func (s *CallService) OnDeclined(callID domain.CallID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "decline") {
		return
	}
	endReason := domain.ParseEndReason(reason)
	if endReason == domain.EndCompleted {
		endReason = domain.EndDeclined
	}
	log.Info().Str("call_id", callID.String()).Str("reason", reason).Msg("Call declined by remote")
	s.emit(domain.CallDeclinedEvent{CallID: callID, Reason: endReason})
	s.finishLocked(context.Background(), endReason, false)
}

func (s *CallService) OnEnded(callID domain.CallID, reason domain.EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "end") {
		return
	}
	log.Info().Str("call_id", callID.String()).Str("reason", string(reason)).Msg("Call ended by remote")
	s.finishLocked(context.Background(), reason, false)
}

// OnOffer answers the remote offer, or holds it until this side has
// accepted and opened its session.
func (s *CallService) OnOffer(callID domain.CallID, sdp domain.SessionDescription) {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "offer") {
		return
	}
	if s.peer == nil {
		log.Debug().Str("call_id", callID.String()).Msg("Holding offer until session opens")
		s.heldOffer = &sdp
		return
	}
	if err := s.answerLocked(ctx, sdp); err != nil {
		s.failLocked(ctx, err)
	}
}

func (s *CallService) OnAnswer(callID domain.CallID, sdp domain.SessionDescription) {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "answer") {
		return
	}
	if s.peer == nil {
		log.Warn().Str("call_id", callID.String()).Msg("Answer received with no open session")
		return
	}

	// An answer proves the remote side accepted even if the accept
	// message has not arrived yet.
	if s.call.State == domain.StateRinging && s.call.Role == domain.RoleInitiator {
		if err := s.transitionLocked(domain.StateConnecting); err != nil {
			return
		}
		s.emitAcceptedLocked()
	}

	if err := s.peer.ApplyRemoteDescription(ctx, sdp); err != nil {
		s.failLocked(ctx, err)
	}
}

func (s *CallService) OnCandidate(callID domain.CallID, candidate domain.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "candidate") {
		return
	}
	if s.peer == nil {
		s.earlyCandidates = append(s.earlyCandidates, candidate)
		return
	}
	if err := s.peer.AddRemoteCandidate(candidate); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to add remote candidate")
	}
}

// OnRenegotiate answers an offer sent on an established session, e.g.
// a connectivity restart or a track change.
func (s *CallService) OnRenegotiate(callID domain.CallID, sdp domain.SessionDescription) {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "renegotiate") {
		return
	}
	if s.peer == nil {
		s.heldOffer = &sdp
		return
	}

	// On an offer collision the initiator keeps its offer and the
	// receiver withdraws its own, answers, then offers again.
	collided := s.peer.HasLocalOffer()
	if collided {
		if s.call.Role == domain.RoleInitiator {
			log.Debug().Str("call_id", callID.String()).Msg("Ignoring renegotiation offer while own offer is pending")
			return
		}
		log.Info().Str("call_id", callID.String()).Msg("Offer collision, withdrawing own offer")
		if err := s.peer.Rollback(ctx); err != nil {
			s.failLocked(ctx, err)
			return
		}
	}
	if err := s.answerLocked(ctx, sdp); err != nil {
		s.failLocked(ctx, err)
		return
	}
	if collided && s.call.IsActive() {
		s.renegotiateLocked(ctx)
	}
}

func (s *CallService) OnPeerMediaChange(callID domain.CallID, change domain.RemoteMediaChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.matchesLocked(callID, "media change") {
		return
	}
	s.emit(domain.RemoteMediaEvent{CallID: callID, Change: change})
}

// OnError reports a signaling failure. It only ends the call when the
// failure belongs to the active call and that call is still being set
// up.
func (s *CallService) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active domain.CallID
	if s.call != nil {
		active = s.call.ID
	}
	log.Error().Err(err).Str("call_id", active.String()).Msg("Signaling error")
	s.emit(domain.ErrorEvent{CallID: active, Err: err})

	var sigErr *domain.SignalingError
	if errors.As(err, &sigErr) && s.call.IsActive() && sigErr.CallID == active && inSetup(s.call.State) {
		s.finishLocked(context.Background(), domain.EndError, true)
	}
}

type connReaction int

const (
	reactNone connReaction = iota
	reactConnect
	reactRecover
	reactRetry
	reactFail
)

// connectionReaction is the only place a transport report is turned
// into a call lifecycle decision.
func connectionReaction(call domain.CallState, conn domain.ConnectionState) connReaction {
	switch conn {
	case domain.ConnConnected:
		switch call {
		case domain.StateConnecting:
			return reactConnect
		case domain.StateReconnecting:
			return reactRecover
		}
	case domain.ConnDisconnected:
		if call == domain.StateConnected || call == domain.StateReconnecting {
			return reactRetry
		}
	case domain.ConnFailed:
		if call != domain.StateIdle && call != domain.StateEnding && call != domain.StateEnded {
			return reactFail
		}
	}
	return reactNone
}

func (s *CallService) onConnectionState(callID domain.CallID, peer *PeerSession, state domain.ConnectionState) {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID || s.peer != peer {
		return
	}
	s.emit(domain.ConnectionStateEvent{CallID: callID, State: state})

	logger := log.With().Str("call_id", callID.String()).Str("transport", string(state)).Logger()
	switch connectionReaction(s.call.State, state) {
	case reactConnect:
		if err := s.transitionLocked(domain.StateConnected); err != nil {
			return
		}
		s.attempts = 0
		s.emitAcceptedLocked()
		logger.Info().Msg("Call connected")
	case reactRecover:
		s.cancelReconnectLocked()
		if err := s.transitionLocked(domain.StateConnected); err != nil {
			return
		}
		logger.Info().Int("attempts", s.attempts).Msg("Call reconnected")
		s.attempts = 0
	case reactRetry:
		s.retryLocked(ctx)
	case reactFail:
		logger.Warn().Msg("Transport failed, ending call")
		s.finishLocked(ctx, domain.EndNetwork, true)
	}
}

// retryLocked counts one disconnection and either restarts
// connectivity or gives up.
func (s *CallService) retryLocked(ctx context.Context) {
	s.cancelReconnectLocked()
	s.attempts++
	logger := log.With().Str("call_id", s.call.ID.String()).Int("attempt", s.attempts).Logger()

	if s.attempts >= s.cfg.MaxReconnectAttempts {
		logger.Warn().Msg("Reconnection attempts exhausted")
		s.finishLocked(ctx, domain.EndNetwork, true)
		return
	}
	if s.call.State == domain.StateConnected {
		if err := s.transitionLocked(domain.StateReconnecting); err != nil {
			return
		}
	}

	// Only the initiator restarts connectivity so both sides never
	// offer at once; the receiver answers the renegotiation.
	if s.call.Role != domain.RoleInitiator {
		logger.Info().Msg("Waiting for remote to restart connectivity")
		s.armAttemptTimerLocked()
		return
	}

	if s.cfg.ReconnectBackoff <= 0 {
		logger.Info().Msg("Restarting connectivity")
		s.restartLocked(ctx)
		return
	}

	logger.Info().Dur("backoff", s.cfg.ReconnectBackoff).Msg("Scheduling connectivity restart")
	rctx, cancel := context.WithCancel(context.Background())
	s.reconnectCancel = cancel
	callID, seq := s.call.ID, s.attemptSeq
	go func() {
		timer := time.NewTimer(s.cfg.ReconnectBackoff)
		defer timer.Stop()
		select {
		case <-rctx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if rctx.Err() != nil || s.call == nil || s.call.ID != callID || s.attemptSeq != seq {
			return
		}
		s.restartLocked(rctx)
	}()
}

func (s *CallService) restartLocked(ctx context.Context) {
	callID := s.call.ID
	offer, err := s.peer.RestartConnectivity(ctx)
	if err != nil {
		log.Error().Err(err).Str("call_id", callID.String()).Msg("Connectivity restart failed")
		s.emit(domain.ErrorEvent{CallID: callID, Err: err})
	} else if err := s.signaling.RequestRenegotiation(ctx, callID, offer); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to relay renegotiation")
	}
	s.armAttemptTimerLocked()
}

func (s *CallService) armAttemptTimerLocked() {
	if s.cfg.AttemptTimeout <= 0 {
		return
	}
	callID, seq := s.call.ID, s.attemptSeq
	s.attemptTimer = time.AfterFunc(s.cfg.AttemptTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.call == nil || s.call.ID != callID || s.attemptSeq != seq || s.call.State != domain.StateReconnecting {
			return
		}
		log.Warn().Str("call_id", callID.String()).Msg("Reconnection attempt timed out")
		s.retryLocked(context.Background())
	})
}

// cancelReconnectLocked abandons any scheduled restart or attempt
// timer.
func (s *CallService) cancelReconnectLocked() {
	s.attemptSeq++
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	if s.attemptTimer != nil {
		s.attemptTimer.Stop()
		s.attemptTimer = nil
	}
}

func (s *CallService) onLocalCandidate(callID domain.CallID, peer *PeerSession, c domain.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID || s.peer != peer {
		return
	}
	if err := s.signaling.SendCandidate(context.Background(), callID, c); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to send candidate")
	}
}

func (s *CallService) onRemoteTrack(callID domain.CallID, peer *PeerSession, track domain.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call == nil || s.call.ID != callID || s.peer != peer {
		return
	}
	log.Debug().Str("call_id", callID.String()).Str("track_id", track.ID()).Str("kind", string(track.Kind())).Msg("Remote track received")
	s.emit(domain.RemoteStreamEvent{CallID: callID, Track: track})
}

func (s *CallService) openPeerLocked(callID domain.CallID) error {
	var peer *PeerSession
	peer = NewPeerSession(s.transports, PeerCallbacks{
		OnConnectionState: func(state domain.ConnectionState) {
			s.onConnectionState(callID, peer, state)
		},
		OnLocalCandidate: func(c domain.Candidate) {
			s.onLocalCandidate(callID, peer, c)
		},
		OnRemoteTrack: func(track domain.Track) {
			s.onRemoteTrack(callID, peer, track)
		},
		OnNegotiationState: func(state domain.NegotiationState) {
			log.Debug().Str("call_id", callID.String()).Str("negotiation", string(state)).Msg("Negotiation state changed")
		},
	})
	if err := peer.Open(s.cfg.ICE); err != nil {
		return err
	}
	s.peer = peer
	return nil
}

func (s *CallService) attachLocked(stream *domain.Stream) error {
	for _, t := range stream.Tracks {
		if _, err := s.peer.AddTrack(t); err != nil {
			return err
		}
		if t.Kind() == domain.TrackVideo && s.cameraTrackID == "" {
			s.cameraTrackID = t.ID()
		}
	}
	return nil
}

// answerLocked applies a remote offer and relays the answer. A pending
// video upgrade is offered right after.
func (s *CallService) answerLocked(ctx context.Context, offer domain.SessionDescription) error {
	callID := s.call.ID
	if err := s.peer.ApplyRemoteDescription(ctx, offer); err != nil {
		return err
	}
	answer, err := s.peer.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err := s.signaling.SendAnswer(ctx, callID, answer); err != nil {
		return &domain.SignalingError{Op: "answer", CallID: callID, Err: err}
	}

	if s.pendingUpgrade {
		s.pendingUpgrade = false
		s.renegotiateLocked(ctx)
	}
	return nil
}

func (s *CallService) renegotiateLocked(ctx context.Context) {
	callID := s.call.ID
	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		log.Error().Err(err).Str("call_id", callID.String()).Msg("Renegotiation offer failed")
		s.emit(domain.ErrorEvent{CallID: callID, Err: err})
		return
	}
	if err := s.signaling.RequestRenegotiation(ctx, callID, offer); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Msg("Failed to relay renegotiation")
	}
}

// failLocked ends a call still being set up, or reports the error on an
// established one.
func (s *CallService) failLocked(ctx context.Context, err error) {
	if inSetup(s.call.State) {
		s.abortLocked(ctx, err, true)
		return
	}
	log.Error().Err(err).Str("call_id", s.call.ID.String()).Msg("Negotiation failed on established call")
	s.emit(domain.ErrorEvent{CallID: s.call.ID, Err: err})
}

func (s *CallService) abortLocked(ctx context.Context, err error, relay bool) {
	log.Error().Err(err).Str("call_id", s.call.ID.String()).Msg("Call setup failed")
	s.emit(domain.ErrorEvent{CallID: s.call.ID, Err: err})
	s.finishLocked(ctx, domain.EndError, relay)
}

// finishLocked walks the call to ended and releases everything it owns
// exactly once.
func (s *CallService) finishLocked(ctx context.Context, reason domain.EndReason, relay bool) {
	call := s.call
	if call == nil || call.State == domain.StateEnding || call.State.IsTerminal() {
		return
	}

	s.cancelReconnectLocked()
	if err := s.transitionLocked(domain.StateEnding); err != nil {
		return
	}
	duration := int(call.Duration(s.now()).Seconds())

	if relay {
		if err := s.signaling.End(ctx, call.ID, reason, duration); err != nil {
			log.Warn().Err(err).Str("call_id", call.ID.String()).Msg("Failed to relay end")
		}
	}
	if call.Role == domain.RoleReceiver {
		s.invitations.Dismiss(call.ID)
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			log.Warn().Err(err).Str("call_id", call.ID.String()).Msg("Error closing peer session")
		}
		s.peer = nil
	}
	s.media.Stop()

	if err := call.SetEndReason(reason); err != nil {
		log.Warn().Err(err).Str("call_id", call.ID.String()).Msg("End reason already set")
	}
	if err := s.transitionLocked(domain.StateEnded); err != nil {
		return
	}

	log.Info().Str("call_id", call.ID.String()).Str("reason", string(reason)).Int("duration", duration).Msg("Call ended")
	s.emit(domain.CallEndedEvent{CallID: call.ID, Reason: reason, Duration: duration})
	s.last = call
	s.resetLocked(nil)
}

func (s *CallService) resetLocked(call *domain.Call) {
	s.call = call
	s.peer = nil
	s.heldOffer = nil
	s.earlyCandidates = nil
	s.acceptedEmitted = false
	s.pendingUpgrade = false
	s.muted = false
	s.videoEnabled = call != nil && call.Kind == domain.MediaVideo
	s.screenSharing = false
	s.screenAdded = false
	s.cameraTrackID = ""
	s.screenTrackID = ""
	s.attempts = 0
}

func (s *CallService) transitionLocked(next domain.CallState) error {
	from := s.call.State
	if err := s.call.Transition(next, s.now()); err != nil {
		log.Error().Err(err).Str("call_id", s.call.ID.String()).Msg("Rejected call transition")
		return err
	}
	log.Debug().Str("call_id", s.call.ID.String()).Str("from", string(from)).Str("to", string(next)).Msg("Call state changed")
	s.emit(domain.StateChangeEvent{CallID: s.call.ID, From: from, To: next})
	return nil
}

func (s *CallService) emitAcceptedLocked() {
	if s.acceptedEmitted {
		return
	}
	s.acceptedEmitted = true
	s.emit(domain.CallAcceptedEvent{CallID: s.call.ID, Kind: s.call.Kind})
}

func (s *CallService) activeLocked(callID domain.CallID) (*domain.Call, error) {
	if !s.call.IsActive() {
		return nil, domain.ErrNoActiveCall
	}
	if s.call.ID != callID {
		return nil, domain.ErrCallMismatch
	}
	return s.call, nil
}

// matchesLocked drops signaling for any call other than the active one.
func (s *CallService) matchesLocked(callID domain.CallID, message string) bool {
	var active domain.CallID
	if s.call.IsActive() {
		active = s.call.ID
	}
	if active != "" && active == callID {
		return true
	}
	violation := &domain.ProtocolViolation{Message: message, CallID: callID, Active: active}
	log.Debug().Err(violation).Msg("Dropping signaling message")
	return false
}

func (s *CallService) emit(e domain.Event) {
	select {
	case s.events <- e:
	default:
		log.Warn().Str("event", string(e.Type())).Msg("Event channel full, dropping event")
	}
}

func inSetup(state domain.CallState) bool {
	switch state {
	case domain.StateInitiating, domain.StateRinging, domain.StateConnecting:
		return true
	}
	return false
}
