package actor

import (
	"sync"
	"testing"
	"time"

	"github.com/berfenger/meter2mqtt/internal/config"
	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/util/actorutil"
	"github.com/berfenger/meter2mqtt/pkg/meter_modbus/models"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// slowFirstReadParent answers every read immediately except the first one,
// which is answered after lateBy, once its round is gone.
type slowFirstReadParent struct {
	poller func() actor.Actor
	lateBy time.Duration
	reads  int
}

func (p *slowFirstReadParent) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		ctx.Spawn(actor.PropsFromProducer(p.poller))
	case domain.ReadAllRequest:
		p.reads++
		resp := domain.ReadAllResponse{Meter: msg.Meter, Kind: msg.Kind, Values: map[string]float64{"voltage": 230}}
		if p.reads == 1 {
			root := ctx.ActorSystem().Root
			sender := ctx.Sender()
			time.AfterFunc(p.lateBy, func() { root.Send(sender, resp) })
			return
		}
		ctx.Respond(resp)
	}
}

func TestPollerIgnoresLateResponses(t *testing.T) {
	assert := assert.New(t)
	logger := zap.NewNop()
	sdm, err := models.Lookup("SDM120")
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{MonitorConfig: config.MonitorConfig{PollIntervalMillis: config.MIN_POLL_INTERVAL_MILLIS}}
	meters := []domain.MeterInfo{{Name: "m", Model: "SDM120", Unit: 1, Registers: sdm.Registers}}

	var mu sync.Mutex
	var online []bool
	es := eventstream.NewEventStream()
	es.Subscribe(func(evt any) {
		if ev, ok := evt.(domain.BinarySensorUpdateEvent); ok && ev.Id == domain.SensorId("m", domain.SENSOR_KEY_ONLINE) {
			mu.Lock()
			online = append(online, ev.Value)
			mu.Unlock()
		}
	})

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()
	as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return &slowFirstReadParent{
			lateBy: (MAX_SKIPPED_TICKS + 1) * time.Second,
			poller: func() actor.Actor {
				return NewPollerActor(cfg, meters, es, logger)
			},
		}
	}))

	// the first round times out offline, the next ones come back online
	if !assert.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(online) >= 3
	}, 10*time.Second, 50*time.Millisecond) {
		return
	}

	// the first round's answer shows up late and must not touch later rounds
	time.Sleep(1500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal([]bool{false, true, true}, online[:3])
	for _, v := range online[1:] {
		assert.True(v)
	}
}
