package _switch

import (
	"context"

	"github.com/adwski/syncparty/backend/model"
	"github.com/rs/zerolog"
)

type (
	// Members is the part of the room store the switch forwards through.
	Members interface {
		WithMembers(roomID, exclude string, fn func([]model.Participant)) error
		RemoveParticipant(connID string) (model.Room, model.Participant, bool)
	}

	Switch struct {
		logger  zerolog.Logger
		members Members
	}
)

func NewSwitch(logger *zerolog.Logger, members Members) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		members: members,
	}
}

// Broadcast delivers msg to every participant of the room except exclude.
// Delivery failures never stop the pass. Participants that could not be reached
// are unbound and closed after the pass and returned in the result.
func (sw *Switch) Broadcast(ctx context.Context, roomID string, msg model.Outbound, exclude string) model.PublishResult {
	var (
		res    model.PublishResult
		dead   []model.Participant
		logger = sw.logger.With().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("exclude", exclude).Logger()
	)

	err := sw.members.WithMembers(roomID, exclude, func(members []model.Participant) {
		for _, p := range members {
			if err := p.Conn.Send(ctx, msg); err != nil {
				if ctx.Err() != nil {
					logger.Debug().Err(err).Msg("broadcast canceled")
					break
				}
				logger.Debug().Err(err).Str("dst", p.ClientID).Msg("dead endpoint")
				dead = append(dead, p)
				continue
			}
			res.SentTo++
		}
	})
	if err != nil {
		logger.Debug().Err(err).Msg("broadcast to missing room")
		return res
	}

	for _, p := range dead {
		if _, pruned, ok := sw.members.RemoveParticipant(p.Conn.ID()); ok {
			res.Pruned = append(res.Pruned, pruned)
		}
		p.Conn.Close()
	}

	if res.SentTo == 0 {
		logger.Debug().Int("pruned", len(res.Pruned)).Msg("broadcast did not reach anyone")
	} else {
		logger.Debug().
			Int("sent_to", res.SentTo).
			Int("pruned", len(res.Pruned)).
			Msg("broadcast done")
	}
	return res
}
