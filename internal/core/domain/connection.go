package domain

import "time"

// ConnectionState mirrors what the transport session reports.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// NegotiationState mirrors the transport's offer/answer state.
type NegotiationState string

const (
	NegotiationStable             NegotiationState = "stable"
	NegotiationHaveLocalOffer     NegotiationState = "have-local-offer"
	NegotiationHaveRemoteOffer    NegotiationState = "have-remote-offer"
	NegotiationHaveLocalPranswer  NegotiationState = "have-local-pranswer"
	NegotiationHaveRemotePranswer NegotiationState = "have-remote-pranswer"
	NegotiationClosed             NegotiationState = "closed"
)

// TransportStats aggregates transport counters for one session.
type TransportStats struct {
	BytesSent     uint64
	BytesReceived uint64
	PacketsLost   int64
	RoundTripTime time.Duration
	Timestamp     time.Time
}
