package actorutil

import (
	"github.com/asynkron/protoactor-go/actor"
)

// Stash holds messages an actor cannot handle in its current behavior. They are
// replayed to self with their original sender.
type Stash struct {
	envelopes []*actor.MessageEnvelope
}

func (s *Stash) Stash(ctx actor.Context, msg any) {
	s.envelopes = append(s.envelopes, &actor.MessageEnvelope{Message: msg, Sender: ctx.Sender()})
}

func (s *Stash) Len() int {
	return len(s.envelopes)
}

func (s *Stash) UnstashAll(ctx actor.Context) {
	pending := s.envelopes
	s.envelopes = nil
	for _, env := range pending {
		ctx.RequestWithCustomSender(ctx.Self(), env.Message, env.Sender)
	}
}

func (s *Stash) UnstashOldest(ctx actor.Context) {
	if len(s.envelopes) == 0 {
		return
	}
	env := s.envelopes[0]
	s.envelopes = s.envelopes[1:]
	ctx.RequestWithCustomSender(ctx.Self(), env.Message, env.Sender)
}

// Drain empties the stash without replaying it.
func (s *Stash) Drain(fn func(msg any, sender *actor.PID)) {
	pending := s.envelopes
	s.envelopes = nil
	for _, env := range pending {
		fn(env.Message, env.Sender)
	}
}
