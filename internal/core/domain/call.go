package domain

import (
	"fmt"
	"time"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// Role is fixed when the call is created and decides which side
// produces the initial offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

type CallState string

const (
	StateIdle         CallState = "idle"
	StateInitiating   CallState = "initiating"
	StateRinging      CallState = "ringing"
	StateConnecting   CallState = "connecting"
	StateConnected    CallState = "connected"
	StateReconnecting CallState = "reconnecting"
	StateEnding       CallState = "ending"
	StateEnded        CallState = "ended"
)

// validTransitions is the complete call lifecycle. Receiver calls go
// straight from idle to ringing, the initiating step happened remotely.
var validTransitions = map[CallState][]CallState{
	StateIdle:         {StateInitiating, StateRinging, StateEnding},
	StateInitiating:   {StateRinging, StateEnding},
	StateRinging:      {StateConnecting, StateEnding},
	StateConnecting:   {StateConnected, StateEnding},
	StateConnected:    {StateReconnecting, StateEnding},
	StateReconnecting: {StateConnected, StateEnding},
	StateEnding:       {StateEnded},
	StateEnded:        {},
}

func (s CallState) CanTransitionTo(next CallState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

// IsLive reports whether media is (or was just) flowing for the call.
func (s CallState) IsLive() bool {
	return s == StateConnected || s == StateReconnecting
}

type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndDeclined  EndReason = "declined"
	EndBusy      EndReason = "busy"
	EndNetwork   EndReason = "network"
	EndError     EndReason = "error"
)

// ParseEndReason maps a reason received over signaling onto the known
// set. Unknown values collapse to completed.
func ParseEndReason(s string) EndReason {
	switch r := EndReason(s); r {
	case EndCompleted, EndDeclined, EndBusy, EndNetwork, EndError:
		return r
	case "timeout", "offline":
		return EndDeclined
	default:
		return EndCompleted
	}
}

// Party is one side of a call. Name and avatar are display metadata
// supplied by the signaling layer.
type Party struct {
	ID        UserID `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Call struct {
	ID     CallID
	Kind   MediaKind
	Role   Role
	State  CallState
	Local  Party
	Remote Party

	CreatedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   EndReason
}

func NewCall(id CallID, kind MediaKind, role Role, local, remote Party, now time.Time) *Call {
	return &Call{
		ID:        id,
		Kind:      kind,
		Role:      role,
		State:     StateIdle,
		Local:     local,
		Remote:    remote,
		CreatedAt: now,
	}
}

// Transition moves the call to next. An undefined transition is
// rejected and leaves the call untouched.
func (c *Call) Transition(next CallState, now time.Time) error {
	if !c.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, next)
	}
	c.State = next
	switch next {
	case StateConnected:
		if c.ConnectedAt.IsZero() {
			c.ConnectedAt = now
		}
	case StateEnded:
		c.EndedAt = now
	}
	return nil
}

// SetEndReason records why the call ended. It can only be set once.
func (c *Call) SetEndReason(reason EndReason) error {
	if c.EndReason != "" {
		return fmt.Errorf("%w: end reason already %s", ErrInvalidTransition, c.EndReason)
	}
	c.EndReason = reason
	return nil
}

// Duration is measured from the first successful connection.
func (c *Call) Duration(now time.Time) time.Duration {
	if c.ConnectedAt.IsZero() {
		return 0
	}
	end := now
	if !c.EndedAt.IsZero() {
		end = c.EndedAt
	}
	return end.Sub(c.ConnectedAt)
}

func (c *Call) IsActive() bool {
	return c != nil && !c.State.IsTerminal()
}

// Invitation is an incoming call offer surfaced to the user.
type Invitation struct {
	CallID CallID    `json:"call_id"`
	From   Party     `json:"from"`
	Kind   MediaKind `json:"kind"`
}
