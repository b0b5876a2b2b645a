package hub

import "errors"

var (
	// ErrSendBufferFull is returned when a client's outbound queue is full
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrClientClosed is returned when sending to a closed client
	ErrClientClosed = errors.New("client closed")
	// ErrSameParticipant is returned when a room would pair a user with itself
	ErrSameParticipant = errors.New("cannot create a room with the same participant twice")
	// ErrParticipantBusy is returned when a participant already belongs to a room
	ErrParticipantBusy = errors.New("participant already in a call")
)

// Error strings reported to clients inside error envelopes.
const (
	errTextInvalidMessage  = "invalid message format"
	errTextAuthRequired    = "authentication required"
	errTextAuthFailed      = "authentication failed"
	errTextUserNotFound    = "user not found"
	errTextAlreadyAuthed   = "channel already authenticated as another user"
	errTextTargetOffline   = "target not found or offline"
	errTextMissingTarget   = "target is required"
	errTextSelfTarget      = "cannot target yourself"
	errTextBusy            = "target or caller already in a call"
	errTextNoActiveCall    = "no active call with target"
	errTextUnknownType     = "unknown message type"
	errTextInternal        = "internal error"
	reasonPeerUnreachable  = "user not found"
	reasonNoSharedRoom     = "no active call"
	closeReasonSuperseded  = "session superseded"
	closeReasonHubShutdown = "server shutting down"
)
