package domain

type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPPranswer SDPType = "pranswer"
	SDPRollback SDPType = "rollback"
)

// SessionDescription is an offer or answer exchanged through signaling.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

func NewOffer(sdp string) SessionDescription {
	return SessionDescription{Type: SDPOffer, SDP: sdp}
}

func NewAnswer(sdp string) SessionDescription {
	return SessionDescription{Type: SDPAnswer, SDP: sdp}
}

// Candidate is one trickled connectivity candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type ICEConfig struct {
	Servers   []ICEServer `json:"servers" yaml:"servers"`
	RelayOnly bool        `json:"relay_only,omitempty" yaml:"relay_only,omitempty"`
}
