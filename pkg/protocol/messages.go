// Package protocol defines the wire messages exchanged with the karaoke
// server. Every websocket message is one JSON object discriminated by its
// "type" field; field names follow the server's camelCase serialization.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound message types.
const (
	TypePlaylist    = "playlist" // full snapshot
	TypeDelta       = "delta"
	TypeLoginAck    = "loginAck"
	TypeLoginReject = "loginReject"
	TypeError       = "error"
	TypeSongInfo    = "songInfo"
)

// Outbound message types.
const (
	TypeAdd            = "add"
	TypeRemove         = "remove"
	TypeRemovePassword = "removePassword"
	TypeMove           = "move"
	TypeSwap           = "swap"
	TypePlay           = "play"
	TypeLogin          = "login"
	TypeLogout         = "logout"
	TypeBugReport      = "bugReport"
)

// Delta operations.
const (
	OpAdd    = "add"
	OpRemove = "remove"
	OpMove   = "move"
	OpSwap   = "swap"
	OpPlay   = "play"
)

// Song is the catalog metadata for one track. The ID is the server-assigned
// catalog rowid and is stable for the lifetime of the catalog.
type Song struct {
	ID         int64   `json:"id"`
	Artist     string  `json:"artist"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"` // seconds
	ArtworkURL string  `json:"artworkUrl,omitempty"`
}

// Entry is one queued song exactly as the server serializes it. PasswordHash
// is opaque to the client; PredictedEnd is the server's ETA for the entry.
type Entry struct {
	ID           uuid.UUID `json:"id"`
	Song         int64     `json:"song"`
	Singer       string    `json:"singer"`
	PasswordHash string    `json:"passwordHash"`
	PredictedEnd time.Time `json:"predictedEnd"`
}

// PlaylistDoc is the server's full playlist document: the bounded history of
// played entries (the playing one last) and the upcoming queue. It is both
// the snapshot payload and the shape persisted across restarts.
type PlaylistDoc struct {
	PlayHistory          []Entry `json:"playHistory"`
	List                 []Entry `json:"list"`
	IntermissionDuration float64 `json:"intermissionDuration"` // seconds
	IntermissionCount    int     `json:"intermissionCount"`
}

// Snapshot is the full authoritative replacement of the playlist state.
type Snapshot struct {
	Type string `json:"type"`
	PlaylistDoc
}

// Delta is one incremental, authoritative playlist change. CorrelationID is
// the client-assigned id echoed back by the server, uuid.Nil when the change
// did not originate from a correlated request. Entry is set for OpAdd; ID for
// OpRemove, OpMove, OpSwap and OpPlay; After for OpMove (nil means front of
// queue); Other for OpSwap.
type Delta struct {
	Type          string     `json:"type"`
	Op            string     `json:"op"`
	CorrelationID uuid.UUID  `json:"correlationId"`
	Entry         *Entry     `json:"entry,omitempty"`
	ID            uuid.UUID  `json:"id"`
	After         *uuid.UUID `json:"after,omitempty"`
	Other         uuid.UUID  `json:"other"`
}

// LoginAck confirms an admin login. Token is a JWT the client may persist to
// resume the admin session on a later connection.
type LoginAck struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"requestId"`
	IsAdmin   bool      `json:"isAdmin"`
	Token     string    `json:"token,omitempty"`
	Username  string    `json:"username,omitempty"`
}

// LoginReject denies an admin login.
type LoginReject struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"requestId"`
	Reason    string    `json:"reason"`
}

// ServerError is an explicit negative acknowledgment. CorrelationID ties it
// to the rejected request, uuid.Nil for session-level errors.
type ServerError struct {
	Type          string    `json:"type"`
	CorrelationID uuid.UUID `json:"correlationId"`
	Reason        string    `json:"reason"`
}

// SongInfo is a proactive metadata push from the server.
type SongInfo struct {
	Type string `json:"type"`
	Song Song   `json:"song"`
}

// AddRequest queues a song. Password protects the entry so its owner can
// remove it again without admin rights; the server stores only a hash.
type AddRequest struct {
	Type          string    `json:"type"`
	CorrelationID uuid.UUID `json:"correlationId"`
	Song          int64     `json:"song"`
	Singer        string    `json:"singer"`
	Password      string    `json:"password,omitempty"`
}

// RemoveRequest removes an entry (admin only).
type RemoveRequest struct {
	Type          string    `json:"type"`
	CorrelationID uuid.UUID `json:"correlationId"`
	ID            uuid.UUID `json:"id"`
}

// RemovePasswordRequest removes an entry by proving knowledge of its password.
type RemovePasswordRequest struct {
	Type          string    `json:"type"`
	CorrelationID uuid.UUID `json:"correlationId"`
	ID            uuid.UUID `json:"id"`
	Password      string    `json:"password"`
}

// MoveRequest reorders an entry behind After, or to the front when After is
// nil (admin only).
type MoveRequest struct {
	Type          string     `json:"type"`
	CorrelationID uuid.UUID  `json:"correlationId"`
	ID            uuid.UUID  `json:"id"`
	After         *uuid.UUID `json:"after,omitempty"`
}

// SwapRequest exchanges the queue positions of two entries (admin only).
type SwapRequest struct {
	Type          string    `json:"type"`
	CorrelationID uuid.UUID `json:"correlationId"`
	ID            uuid.UUID `json:"id"`
	Other         uuid.UUID `json:"other"`
}

// PlayRequest advances the given entry to now playing (admin only).
type PlayRequest struct {
	Type          string    `json:"type"`
	CorrelationID uuid.UUID `json:"correlationId"`
	ID            uuid.UUID `json:"id"`
}

// LoginRequest authenticates the session as admin, either with credentials
// or with a token from a previous LoginAck.
type LoginRequest struct {
	Type      string    `json:"type"`
	RequestID uuid.UUID `json:"requestId"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	Token     string    `json:"token,omitempty"`
}

// LogoutRequest drops the session's admin role.
type LogoutRequest struct {
	Type string `json:"type"`
}

// BugReportRequest files a report against a catalog song.
type BugReportRequest struct {
	Type   string `json:"type"`
	Song   int64  `json:"song"`
	Report string `json:"report"`
}

// Inbound is implemented by every message the server can send.
type Inbound interface {
	inbound()
}

func (*Snapshot) inbound()    {}
func (*Delta) inbound()       {}
func (*LoginAck) inbound()    {}
func (*LoginReject) inbound() {}
func (*ServerError) inbound() {}
func (*SongInfo) inbound()    {}

// ErrUnknownType marks messages the client does not understand. Callers skip
// them instead of tearing down the session.
var ErrUnknownType = errors.New("unknown message type")

// DecodeInbound parses one server message.
func DecodeInbound(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Inbound
	switch env.Type {
	case TypePlaylist:
		msg = &Snapshot{}
	case TypeDelta:
		msg = &Delta{}
	case TypeLoginAck:
		msg = &LoginAck{}
	case TypeLoginReject:
		msg = &LoginReject{}
	case TypeError:
		msg = &ServerError{}
	case TypeSongInfo:
		msg = &SongInfo{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// Encode serializes an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
