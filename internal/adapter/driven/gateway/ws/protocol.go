package ws

import (
	"github.com/Wyydra/yacall/internal/core/domain"
)

type Op string

const (
	OpInvite             Op = "call_invite"
	OpAccept             Op = "call_accept"
	OpDecline            Op = "call_decline"
	OpEnd                Op = "call_end"
	OpOffer              Op = "offer"
	OpAnswer             Op = "answer"
	OpCandidate          Op = "candidate"
	OpRenegotiate        Op = "renegotiate"
	OpMuteChange         Op = "mute_change"
	OpVideoChange        Op = "video_change"
	OpScreenShareStarted Op = "screen_share_started"
	OpScreenShareStopped Op = "screen_share_stopped"
	OpError              Op = "error"
)

// ReasonOffline is the decline reason the relay uses when the invited
// user is not connected.
const ReasonOffline = "offline"

// Envelope is the one message shape on the signaling socket. From is
// stamped by the relay, never trusted from the sender.
type Envelope struct {
	Op        Op                         `json:"op"`
	CallID    domain.CallID              `json:"call_id,omitempty"`
	From      domain.UserID              `json:"from,omitempty"`
	FromName  string                     `json:"from_name,omitempty"`
	To        domain.UserID              `json:"to,omitempty"`
	Kind      domain.MediaKind           `json:"kind,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	Duration  int                        `json:"duration,omitempty"`
	SDP       *domain.SessionDescription `json:"sdp,omitempty"`
	Candidate *domain.Candidate          `json:"candidate,omitempty"`
	// Enabled is the sender's new state for mute_change (microphone on)
	// and video_change (camera on).
	Enabled *bool  `json:"enabled,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (op Op) Valid() bool {
	switch op {
	case OpInvite, OpAccept, OpDecline, OpEnd, OpOffer, OpAnswer, OpCandidate, OpRenegotiate,
		OpMuteChange, OpVideoChange, OpScreenShareStarted, OpScreenShareStopped, OpError:
		return true
	}
	return false
}
