package actorutil

import (
	"github.com/berfenger/meter2mqtt/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
)

type ExtendedRequest interface {
	// Respond sends resp to ReplyTo. Without a recipient the response is dropped.
	Respond(ctx actor.Context, resp domain.ActorResponse)
	ReplyTo(ctx actor.Context) *actor.PID
}

type forRequest struct {
	req domain.ActorRequest
}

// ForRequest resolves where the response of r goes: ReplyToRef when set,
// the sender otherwise.
func ForRequest(r domain.ActorRequest) ExtendedRequest {
	return forRequest{req: r}
}

func (r forRequest) Respond(ctx actor.Context, resp domain.ActorResponse) {
	if to := r.ReplyTo(ctx); to != nil {
		ctx.Send(to, resp)
	}
}

func (r forRequest) ReplyTo(ctx actor.Context) *actor.PID {
	if ref := r.req.ReplyTo(); ref != nil {
		return ref.PID()
	}
	return ctx.Sender()
}

// ReplyRef wraps a PID so it can travel inside ActorRequestMixIn.
func ReplyRef(pid *actor.PID) domain.ActorRequestMixIn {
	return domain.ActorRequestMixIn{ReplyToRef: domain.RefOf(pid)}
}
