package service

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/adwski/syncparty/backend/model"
)

type (
	createRoomPayload struct {
		MediaURL  string         `json:"media_url"`
		StartPos  float64        `json:"start_pos"`
		Name      string         `json:"name"`
		Options   map[string]any `json:"options"`
		AuthToken string         `json:"auth_token"`
	}

	joinRoomPayload struct {
		Name        string `json:"name"`
		AuthToken   string `json:"auth_token"`
		InviteToken string `json:"invite_token"`
	}

	createInvitePayload struct {
		ExpiresIn int64  `json:"expires_in"`
		AuthToken string `json:"auth_token"`
	}

	playbackUpdatePayload struct {
		Position  *float64        `json:"position"`
		PlayState model.PlayState `json:"play_state"`
		TS        int64           `json:"ts"`
		AuthToken string          `json:"auth_token"`
	}

	playerEventPayload struct {
		Action    string   `json:"action"`
		Position  *float64 `json:"position"`
		TS        int64    `json:"ts"`
		AuthToken string   `json:"auth_token"`
	}

	pingPayload struct {
		ClientTS int64 `json:"client_ts"`
	}
)

const (
	actionPlay  = "play"
	actionPause = "pause"
	actionSeek  = "seek"
)

func decodeEnvelope(frame []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, model.NewError(model.CodeInvalidMessage, "malformed envelope: "+err.Error())
	}
	if env.Type == "" {
		return env, model.NewError(model.CodeInvalidMessage, "envelope has no type")
	}
	return env, nil
}

// decodePayload decodes a payload variant. Unknown fields are rejected.
// A missing or null payload decodes as an empty object.
func decodePayload(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewError(model.CodeInvalidPayload, err.Error())
	}
	return nil
}

func invalidPayload(msg string) error {
	return model.NewError(model.CodeInvalidPayload, msg)
}

func validPosition(pos float64) bool {
	return !math.IsNaN(pos) && !math.IsInf(pos, 0) && pos >= 0
}

// requireAddress checks the envelope fields that name a room and a participant.
func requireAddress(env model.Envelope) error {
	if env.Room == "" {
		return model.NewError(model.CodeInvalidMessage, "room is required")
	}
	if env.Client == "" {
		return model.NewError(model.CodeInvalidMessage, "client is required")
	}
	return nil
}

func (p *createRoomPayload) validate() error {
	if !validPosition(p.StartPos) {
		return invalidPayload("start_pos must be a finite non-negative number")
	}
	return nil
}

func (p *createInvitePayload) validate() error {
	if p.ExpiresIn < 0 {
		return invalidPayload("expires_in must not be negative")
	}
	if p.ExpiresIn > model.MaxInviteTTLSeconds {
		return invalidPayload("expires_in is too large")
	}
	return nil
}

func (p *createInvitePayload) ttl() time.Duration {
	return time.Duration(p.ExpiresIn) * time.Second
}

func (p *playbackUpdatePayload) validate() error {
	if p.Position == nil {
		return invalidPayload("position is required")
	}
	if !validPosition(*p.Position) {
		return invalidPayload("position must be a finite non-negative number")
	}
	if !p.PlayState.Valid() {
		return invalidPayload("play_state must be playing or paused")
	}
	return nil
}

func (p *playerEventPayload) validate() error {
	switch p.Action {
	case actionPlay, actionPause:
	case actionSeek:
		if p.Position == nil {
			return invalidPayload("seek requires a position")
		}
	default:
		return invalidPayload("action must be play, pause or seek")
	}
	if p.Position != nil && !validPosition(*p.Position) {
		return invalidPayload("position must be a finite non-negative number")
	}
	return nil
}

// apply returns the playback state that results from the event.
func (p *playerEventPayload) apply(st model.PlaybackState) model.PlaybackState {
	if p.Position != nil {
		st.Position = *p.Position
	}
	switch p.Action {
	case actionPlay:
		st.PlayState = model.PlayStatePlaying
	case actionPause:
		st.PlayState = model.PlayStatePaused
	}
	return st
}
