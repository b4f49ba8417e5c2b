package pion

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/webrtc/v4"
)

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnClosed
	default:
		return domain.ConnNew
	}
}

func negotiationState(s webrtc.SignalingState) domain.NegotiationState {
	switch s {
	case webrtc.SignalingStateHaveLocalOffer:
		return domain.NegotiationHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return domain.NegotiationHaveRemoteOffer
	case webrtc.SignalingStateHaveLocalPranswer:
		return domain.NegotiationHaveLocalPranswer
	case webrtc.SignalingStateHaveRemotePranswer:
		return domain.NegotiationHaveRemotePranswer
	case webrtc.SignalingStateClosed:
		return domain.NegotiationClosed
	default:
		return domain.NegotiationStable
	}
}

func toSessionDescription(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(d.Type)),
		SDP:  d.SDP,
	}
}

func fromSessionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{
		Type: domain.SDPType(d.Type.String()),
		SDP:  d.SDP,
	}
}

func toCandidateInit(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func trackKind(k webrtc.RTPCodecType) domain.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}
