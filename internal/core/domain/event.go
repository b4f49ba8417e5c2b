package domain

type EventType string

const (
	EventIncomingCall    EventType = "incoming-call"
	EventCallAccepted    EventType = "call-accepted"
	EventCallDeclined    EventType = "call-declined"
	EventCallEnded       EventType = "call-ended"
	EventLocalStream     EventType = "local-stream"
	EventRemoteStream    EventType = "remote-stream"
	EventConnectionState EventType = "connection-state-change"
	EventStateChange     EventType = "state-change"
	EventError           EventType = "error"
	EventRemoteMedia     EventType = "remote-media-change"
)

// Event is emitted by the call orchestrator on its event channel.
// Consumers switch on the concrete type.
type Event interface {
	Type() EventType
}

type IncomingCallEvent struct {
	Invitation Invitation
}

type CallAcceptedEvent struct {
	CallID CallID
	Kind   MediaKind
}

type CallDeclinedEvent struct {
	CallID CallID
	Reason EndReason
}

type CallEndedEvent struct {
	CallID   CallID
	Reason   EndReason
	Duration int
}

type LocalStreamEvent struct {
	CallID CallID
	Stream *Stream
	Screen bool
}

type RemoteStreamEvent struct {
	CallID CallID
	Track  Track
}

type ConnectionStateEvent struct {
	CallID CallID
	State  ConnectionState
}

type StateChangeEvent struct {
	CallID CallID
	From   CallState
	To     CallState
}

type ErrorEvent struct {
	CallID CallID
	Err    error
}

// RemoteMediaChange is what the remote party announced about its own
// outgoing media.
type RemoteMediaChange string

const (
	RemoteMuted              RemoteMediaChange = "muted"
	RemoteUnmuted            RemoteMediaChange = "unmuted"
	RemoteVideoEnabled       RemoteMediaChange = "video-enabled"
	RemoteVideoDisabled      RemoteMediaChange = "video-disabled"
	RemoteScreenShareStarted RemoteMediaChange = "screen-share-started"
	RemoteScreenShareStopped RemoteMediaChange = "screen-share-stopped"
)

type RemoteMediaEvent struct {
	CallID CallID
	Change RemoteMediaChange
}

func (IncomingCallEvent) Type() EventType    { return EventIncomingCall }
func (CallAcceptedEvent) Type() EventType    { return EventCallAccepted }
func (CallDeclinedEvent) Type() EventType    { return EventCallDeclined }
func (CallEndedEvent) Type() EventType       { return EventCallEnded }
func (LocalStreamEvent) Type() EventType     { return EventLocalStream }
func (RemoteStreamEvent) Type() EventType    { return EventRemoteStream }
func (ConnectionStateEvent) Type() EventType { return EventConnectionState }
func (StateChangeEvent) Type() EventType     { return EventStateChange }
func (ErrorEvent) Type() EventType           { return EventError }
func (RemoteMediaEvent) Type() EventType     { return EventRemoteMedia }
