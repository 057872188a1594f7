package domain

import "fmt"

type NegotiationState int

const (
	StateStable NegotiationState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	// StateSettling covers applying a remote answer to the outstanding local offer.
	StateSettling
)

func (s NegotiationState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateSettling:
		return "settling"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPRollback SDPType = "rollback"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type MessageKind string

const (
	MessageOffer     MessageKind = "offer"
	MessageAnswer    MessageKind = "answer"
	MessageCandidate MessageKind = "candidate"
)

// SignalMessage is the unit exchanged over the signaling channel.
type SignalMessage struct {
	Kind        MessageKind         `json:"kind"`
	From        PeerID              `json:"from,omitempty"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

func OfferMessage(from PeerID, sdp string) SignalMessage {
	return SignalMessage{Kind: MessageOffer, From: from, Description: &SessionDescription{Type: SDPOffer, SDP: sdp}}
}

func AnswerMessage(from PeerID, sdp string) SignalMessage {
	return SignalMessage{Kind: MessageAnswer, From: from, Description: &SessionDescription{Type: SDPAnswer, SDP: sdp}}
}

func CandidateMessage(from PeerID, c ICECandidate) SignalMessage {
	return SignalMessage{Kind: MessageCandidate, From: from, Candidate: &c}
}
