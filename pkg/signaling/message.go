// Package signaling carries the out-of-band messages that bootstrap a
// peer-to-peer audio link: matchmaking requests, session descriptions, ICE
// candidates and mute status.
//
// A [Channel] is consumed through a single tagged [Event] stream, so the owner
// keeps all transitions in one dispatch loop.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies a wire message.
type Type string

// Client → server and relayed peer messages.
const (
	TypeFindMatch    Type = "findMatch"
	TypeCancelSearch Type = "cancelSearch"
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeMuteStatus   Type = "mute-status"
)

// Server → client notifications.
const (
	TypeMatchFound   Type = "matchFound"
	TypeMatchTimeout Type = "matchTimeout"
	TypePeerLeft     Type = "peer-left"
	TypeError        Type = "error"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is the JSON envelope exchanged with the signaling service. Which
// fields are set depends on Type.
type Message struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	IsMuted   *bool               `json:"isMuted,omitempty"`

	// Identity fields: the caller's own on findMatch, the partner's on
	// matchFound.
	UserID      string `json:"userId,omitempty"`
	Username    string `json:"username,omitempty"`
	Personality string `json:"personality,omitempty"`
	Avatar      string `json:"avatar,omitempty"`

	// Initiator tells the receiver of matchFound to produce the offer.
	Initiator bool `json:"initiator,omitempty"`

	// Reason explains error and peer-left messages.
	Reason string `json:"reason,omitempty"`
}

// MuteStatus builds a mute-status message.
func MuteStatus(sessionID string, muted bool) Message {
	return Message{Type: TypeMuteStatus, SessionID: sessionID, IsMuted: &muted}
}

// ErrMalformed is wrapped by [Decode] for payloads that are not messages.
var ErrMalformed = errors.New("signaling: malformed message")

// Decode parses one wire message. Payloads without a type are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

// Encode serialises m for the wire.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode %s: %w", m.Type, err)
	}
	return b, nil
}
