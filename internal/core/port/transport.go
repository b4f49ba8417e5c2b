package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Transport is one media transport session, e.g. a WebRTC peer
// connection.
type Transport interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(candidate domain.Candidate) error

	AddTrack(track domain.Track) (Sender, error)
	RemoveTrack(sender Sender) error

	Stats(ctx context.Context) (domain.TransportStats, error)
	ConnectionState() domain.ConnectionState
	NegotiationState() domain.NegotiationState

	OnConnectionStateChange(fn func(domain.ConnectionState))
	OnNegotiationStateChange(fn func(domain.NegotiationState))
	OnICECandidate(fn func(domain.Candidate))
	OnTrack(fn func(domain.Track))

	Close() error
}

// Sender is the sending handle returned when a track is attached.
type Sender interface {
	Track() domain.Track
	// ReplaceTrack swaps the outgoing track in place, without
	// renegotiation.
	ReplaceTrack(track domain.Track) error
}

type TransportFactory interface {
	NewTransport(cfg domain.ICEConfig) (Transport, error)
}
