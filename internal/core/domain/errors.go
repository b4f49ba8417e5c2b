package domain

import (
	"errors"
	"fmt"
)

// Call lifecycle errors.
var (
	ErrCallActive        = errors.New("a call is already active")
	ErrNoActiveCall      = errors.New("no active call")
	ErrCallMismatch      = errors.New("call id does not match the active call")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidMediaKind  = errors.New("invalid media kind")
	ErrNotReceiver       = errors.New("only the receiver can accept a call")
)

// Transport session errors.
var (
	ErrSessionNotOpen = errors.New("peer session is not open")
	ErrTrackNotFound  = errors.New("track not found")
	ErrTrackExists    = errors.New("track already attached")
)

// Media errors.
var (
	ErrNoAudioTrack               = errors.New("no active audio track")
	ErrNoVideoTrack               = errors.New("no active video track")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrNoDevice                   = errors.New("no matching device")
	ErrPermissionQueryUnsupported = errors.New("permission query not supported")
	ErrMeterReleased              = errors.New("audio level meter released")
	ErrNotScreenSharing           = errors.New("screen share is not active")
)

type MediaErrorCode string

const (
	MediaPermissionDenied  MediaErrorCode = "permission-denied"
	MediaNoDevice          MediaErrorCode = "no-device"
	MediaAcquisitionFailed MediaErrorCode = "acquisition-failed"
)

// MediaAcquisitionError is returned when capture devices cannot be
// opened.
type MediaAcquisitionError struct {
	Code MediaErrorCode
	Err  error
}

func (e *MediaAcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media acquisition: %s", e.Code)
	}
	return fmt.Sprintf("media acquisition: %s: %v", e.Code, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error {
	return e.Err
}

// NewMediaAcquisitionError classifies a platform error.
func NewMediaAcquisitionError(err error) *MediaAcquisitionError {
	var mediaErr *MediaAcquisitionError
	if errors.As(err, &mediaErr) {
		return mediaErr
	}
	code := MediaAcquisitionFailed
	switch {
	case errors.Is(err, ErrPermissionDenied):
		code = MediaPermissionDenied
	case errors.Is(err, ErrNoDevice):
		code = MediaNoDevice
	}
	return &MediaAcquisitionError{Code: code, Err: err}
}

// SignalingError is relayed from the signaling collaborator.
type SignalingError struct {
	Op     string
	CallID CallID
	Err    error
}

func (e *SignalingError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("signaling %s (call %s): %v", e.Op, e.CallID, e.Err)
	}
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure to create or negotiate a transport
// session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolViolation describes a signaling message that does not belong
// to the active call. It is logged and dropped, never raised.
type ProtocolViolation struct {
	Message string
	CallID  CallID
	Active  CallID
}

func (e *ProtocolViolation) Error() string {
	if e.Active == "" {
		return fmt.Sprintf("protocol violation: %s for call %s with no active call", e.Message, e.CallID)
	}
	return fmt.Sprintf("protocol violation: %s for call %s, active call is %s", e.Message, e.CallID, e.Active)
}
