package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Signaling is the outbound side of the signaling channel. Delivery,
// authentication and reconnection belong to the implementation.
type Signaling interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SetHandler(h SignalHandler)

	GenerateCallID() domain.CallID
	Invite(ctx context.Context, callID domain.CallID, target domain.UserID, kind domain.MediaKind) error
	Accept(ctx context.Context, callID domain.CallID, kind domain.MediaKind) error
	Decline(ctx context.Context, callID domain.CallID, reason string) error
	End(ctx context.Context, callID domain.CallID, reason domain.EndReason, durationSeconds int) error

	SendOffer(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error
	SendAnswer(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error
	SendCandidate(ctx context.Context, callID domain.CallID, candidate domain.Candidate) error
	RequestRenegotiation(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error

	NotifyMuteChange(ctx context.Context, callID domain.CallID, muted bool) error
	NotifyVideoChange(ctx context.Context, callID domain.CallID, enabled bool) error
	NotifyScreenShareStarted(ctx context.Context, callID domain.CallID) error
	NotifyScreenShareStopped(ctx context.Context, callID domain.CallID) error
}

// SignalHandler receives inbound signaling messages. Implementations
// must tolerate any delivery order.
type SignalHandler interface {
	OnRing(inv domain.Invitation)
	OnAccepted(callID domain.CallID, kind domain.MediaKind)
	OnDeclined(callID domain.CallID, reason string)
	OnEnded(callID domain.CallID, reason domain.EndReason)
	OnOffer(callID domain.CallID, sdp domain.SessionDescription)
	OnAnswer(callID domain.CallID, sdp domain.SessionDescription)
	OnCandidate(callID domain.CallID, candidate domain.Candidate)
	OnRenegotiate(callID domain.CallID, sdp domain.SessionDescription)
	OnPeerMediaChange(callID domain.CallID, change domain.RemoteMediaChange)
	OnError(err error)
}
