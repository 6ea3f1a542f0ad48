package model

import (
	"encoding/json"
	"math"
	"time"
)

type PlayState string

const (
	PlayStatePlaying PlayState = "playing"
	PlayStatePaused  PlayState = "paused"
)

func (ps PlayState) Valid() bool {
	return ps == PlayStatePlaying || ps == PlayStatePaused
}

type PlaybackState struct {
	Position  float64   `json:"position"`
	PlayState PlayState `json:"play_state"`
}

// Room is a value copy of a room's immutable fields and its last playback state.
// Membership is owned by the room store and never exposed through this type.
type Room struct {
	ID       string         `json:"room"`
	HostID   string         `json:"host_id"`
	MediaURL string         `json:"media_url"`
	Options  map[string]any `json:"options"`
	State    PlaybackState  `json:"state"`
}

func (r Room) IsHost(clientID string) bool {
	return clientID != "" && clientID == r.HostID
}

type Participant struct {
	ClientID string
	Name     string
	Conn     Conn
}

type ParticipantView struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
	IsHost   bool   `json:"is_host"`
}

type ParticipantsPayload struct {
	Participants []ParticipantView `json:"participants"`
	Count        int               `json:"participant_count"`
}

type RoomStatePayload struct {
	Room
	ParticipantsPayload
}

// Identity is what a validated identity token asserts about its bearer.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

// MaxInviteTTLSeconds is the longest invite lifetime that still fits a time.Duration.
const MaxInviteTTLSeconds = int64(math.MaxInt64 / time.Second)

type Invite struct {
	Token     string `json:"invite_token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Stats is a point-in-time view of the server.
type Stats struct {
	AuthEnabled bool `json:"auth_enabled"`
	Rooms       int  `json:"rooms"`
	Connections int  `json:"connections"`
}

// PublishResult reports what a broadcast pass did.
type PublishResult struct {
	SentTo int
	Pruned []Participant
}

// Inbound envelope types.
const (
	TypeCreateRoom     = "create_room"
	TypeJoinRoom       = "join_room"
	TypeCreateInvite   = "create_invite"
	TypePlaybackUpdate = "playback_update"
	TypePlayerEvent    = "player_event"
	TypePing           = "ping"
)

// Outbound envelope types.
const (
	TypeRoomState     = "room_state"
	TypeParticipants  = "participants"
	TypeInviteCreated = "invite_created"
	TypeError         = "error"
	TypePong          = "pong"
)

type Envelope struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Client  string          `json:"client"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

type Outbound struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	Client   string `json:"client,omitempty"`
	Payload  any    `json:"payload"`
	ServerTS int64  `json:"server_ts"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type PlaybackPayload struct {
	PlaybackState
	TS int64 `json:"ts,omitempty"`
}

type PlayerEventPayload struct {
	Action   string  `json:"action"`
	Position float64 `json:"position"`
	TS       int64   `json:"ts,omitempty"`
}

type PongPayload struct {
	ClientTS int64 `json:"client_ts,omitempty"`
	ServerTS int64 `json:"server_ts"`
}
