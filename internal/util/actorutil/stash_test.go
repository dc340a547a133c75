package actorutil

import (
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type gate struct {
	open  bool
	stash Stash
	seen  chan string
}

func (g *gate) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case bool:
		g.open = msg
		if g.open {
			g.stash.UnstashAll(ctx)
		}
	case string:
		if !g.open {
			g.stash.Stash(ctx, msg)
			return
		}
		g.seen <- msg
	}
}

func TestStashReplay(t *testing.T) {
	assert := assert.New(t)

	as := NewActorSystemWithZapLogger(zap.NewNop())
	defer as.Shutdown()

	seen := make(chan string, 3)
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return &gate{seen: seen} }))
	as.Root.Send(pid, "a")
	as.Root.Send(pid, "b")
	as.Root.Send(pid, true)
	as.Root.Send(pid, "c")

	var got []string
	for len(got) < 3 {
		select {
		case s := <-seen:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for stashed messages")
		}
	}
	// c may overtake the replay, a and b keep their order
	assert.ElementsMatch([]string{"a", "b", "c"}, got)
	assert.Less(indexOf(got, "a"), indexOf(got, "b"))
}

func TestStashDrain(t *testing.T) {
	assert := assert.New(t)

	sender := actor.NewPID("local", "client")
	s := Stash{envelopes: []*actor.MessageEnvelope{{Message: 1, Sender: sender}, {Message: 2}}}
	assert.Equal(2, s.Len())

	var msgs []any
	var senders []*actor.PID
	s.Drain(func(msg any, from *actor.PID) {
		msgs = append(msgs, msg)
		senders = append(senders, from)
	})
	assert.Equal([]any{1, 2}, msgs)
	assert.Same(sender, senders[0])
	assert.Nil(senders[1])
	assert.Equal(0, s.Len())
}

func indexOf(values []string, v string) int {
	for i := range values {
		if values[i] == v {
			return i
		}
	}
	return -1
}
