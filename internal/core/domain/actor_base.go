package domain

import (
	"github.com/asynkron/protoactor-go/actor"
)

// ActorRef is a PID carried inside a message, so that a request can be
// forwarded and still be answered to whoever asked first.
type ActorRef actor.PID

func RefOf(pid *actor.PID) *ActorRef {
	return (*ActorRef)(pid)
}

func (r *ActorRef) PID() *actor.PID {
	return (*actor.PID)(r)
}

type ActorRequestMixIn struct {
	ReplyToRef *ActorRef
}

type ActorRequest interface {
	ReplyTo() *ActorRef
}

func (r ActorRequestMixIn) ReplyTo() *ActorRef {
	return r.ReplyToRef
}

// MeterRequest is served by the bus that owns MeterName.
type MeterRequest interface {
	ActorRequest
	MeterName() string
	// WithReplyTo returns a copy answered to ref.
	WithReplyTo(ref *ActorRef) MeterRequest
	// Failed is the answer for a request that could not be served.
	Failed(err error) ActorResponse
}

type ActorResponseMixIn struct {
	ResponseError error
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}

// Failed wraps err for embedding in a response. A nil err is a success.
func Failed(err error) ActorResponseMixIn {
	return ActorResponseMixIn{ResponseError: err}
}
