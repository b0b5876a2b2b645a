package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidData is returned when an envelope payload is not valid JSON
var ErrInvalidData = errors.New("envelope data is not valid JSON")

// SignalType represents the type of a signaling envelope
type SignalType string

const (
	SignalTypeAuth                    SignalType = "auth"
	SignalTypeAuthSuccess             SignalType = "auth-success"
	SignalTypeHeartbeat               SignalType = "heartbeat"
	SignalTypeHeartbeatResponse       SignalType = "heartbeat-response"
	SignalTypeCallInitiation          SignalType = "call-initiation"
	SignalTypeCallAnswer              SignalType = "call-answer"
	SignalTypeCallRejection           SignalType = "call-rejection"
	SignalTypeCallEnd                 SignalType = "call-end"
	SignalTypeOffer                   SignalType = "webrtc-offer"
	SignalTypeAnswer                  SignalType = "webrtc-answer"
	SignalTypeCandidate               SignalType = "webrtc-ice-candidate"
	SignalTypeParticipantDisconnected SignalType = "participant-disconnected"
	SignalTypeError                   SignalType = "error"
)

// ackSuffix is appended to a client-originated type to form its acknowledgement
const ackSuffix = "-sent"

// Ack returns the acknowledgement type the hub sends back for t
func (t SignalType) Ack() SignalType {
	return t + ackSuffix
}

// IsAck reports whether t is a hub-generated acknowledgement
func (t SignalType) IsAck() bool {
	return len(t) > len(ackSuffix) && t[len(t)-len(ackSuffix):] == ackSuffix
}

// Acked returns the client-originated type an acknowledgement refers to
func (t SignalType) Acked() SignalType {
	if !t.IsAck() {
		return t
	}
	return t[:len(t)-len(ackSuffix)]
}

// IsRelay reports whether t is a negotiation message relayed without a room check
func (t SignalType) IsRelay() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// SignalMessage is the envelope exchanged over a participant's channel.
// Data is never inspected by the hub outside of auth and heartbeat.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode serializes m. Data is copied into the output unchanged, so a
// relayed payload keeps its original bytes, and no HTML escaping is applied.
func (m SignalMessage) Encode() ([]byte, error) {
	payload := m.Data
	m.Data = nil

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	head := bytes.TrimRight(buf.Bytes(), "\n")
	if len(payload) == 0 {
		return head, nil
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidData
	}

	// head always ends in '}' after the non-empty "type" member
	out := make([]byte, 0, len(head)+len(payload)+len(`,"data":`))
	out = append(out, head[:len(head)-1]...)
	out = append(out, `,"data":`...)
	out = append(out, payload...)
	return append(out, '}'), nil
}

// AuthData is the payload of an auth envelope
type AuthData struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// AckData is the payload of a *-sent acknowledgement
type AckData struct {
	OriginalMessageID string `json:"originalMessageId,omitempty"`
	Delivered         bool   `json:"delivered"`
	Reason            string `json:"reason,omitempty"`
}

// ErrorData is the payload of an error envelope
type ErrorData struct {
	Error             string `json:"error"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
}

// HeartbeatData is the payload of a heartbeat-response envelope
type HeartbeatData struct {
	ServerTime int64 `json:"serverTime"`
}

// DisconnectData is the payload of a participant-disconnected envelope
type DisconnectData struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// Timestamp converts t to the envelope timestamp format (Unix milliseconds)
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// MustData marshals v into an envelope payload. It only fails for values
// that cannot be encoded as JSON, which would be a programming error.
func MustData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
