package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/meter2mqtt/internal/config"
	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/core/events"
	. "github.com/berfenger/meter2mqtt/internal/util/actorutil"
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// ticks a poll round may stay unanswered before it is dropped
const MAX_SKIPPED_TICKS = 3

// PollerActor reads every meter on each tick through its parent and publishes
// the values as sensor update events.
type PollerActor struct {
	behavior  actor.Behavior
	stash     *Stash
	scheduler *scheduler.TimerScheduler

	config      *config.Config
	meters      []domain.MeterInfo
	registers   map[string]mm.Directory
	eventStream *eventstream.EventStream
	pending     map[string]int
	online      map[string]bool
	skipped     int
	round       uint64

	logger *zap.Logger
}

type pollTick struct {
}

func NewPollerActor(config *config.Config, meters []domain.MeterInfo, eventStream *eventstream.EventStream, logger *zap.Logger) *PollerActor {
	registers := make(map[string]mm.Directory, len(meters))
	for _, m := range meters {
		registers[m.Name] = m.Registers
	}
	act := &PollerActor{
		config:      config,
		meters:      meters,
		registers:   registers,
		behavior:    actor.NewBehavior(),
		stash:       &Stash{},
		logger:      ActorLogger(domain.ACTOR_ID_POLLER, logger),
		eventStream: eventStream,
		pending:     map[string]int{},
		online:      map[string]bool{},
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *PollerActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *PollerActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("poller@starting started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		ctx.Send(ctx.Self(), pollTick{})
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
	default:
		state.logger.Debug("poller@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *PollerActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("poller@default: ActorHealthRequest")
		pollState := "idle"
		if len(state.pending) > 0 {
			pollState = "polling"
		}
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_POLLER,
			Healthy: true,
			State:   pollState,
		})
	case pollTick:
		state.logger.Debug("poller@default tick")
		// schedule next tick
		state.scheduler.RequestOnce(state.interval(), ctx.Self(), pollTick{})

		if len(state.pending) > 0 && state.skipped < MAX_SKIPPED_TICKS {
			state.skipped++
			state.logger.Warn("poller@default previous round still running, skip", zap.Int("pending", len(state.pending)))
			return
		}
		state.skipped = 0
		state.round++
		state.pending = map[string]int{}
		state.online = map[string]bool{}
		for _, m := range state.meters {
			for _, kind := range state.pollKinds(m) {
				state.request(ctx, domain.ReadAllRequest{
					Meter:  m.Name,
					Kind:   kind,
					Scaled: state.config.MonitorConfig.Scaled,
				})
				state.pending[m.Name]++
			}
		}
	default:
		state.logger.Debug("poller@default: ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// request reads one meter kind for the current round. Answers that arrive after
// the round was dropped are discarded.
func (state *PollerActor) request(ctx actor.Context, req domain.ReadAllRequest) {
	round := state.round
	future := ctx.RequestFuture(ctx.Parent(), req, MAX_SKIPPED_TICKS*state.interval())
	ctx.ReenterAfter(future, func(res any, err error) {
		if round != state.round {
			state.logger.Debug("poller@default stale response", zap.String("meter", req.Meter), zap.Uint64("round", round))
			return
		}
		resp, ok := res.(domain.ReadAllResponse)
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("unexpected response %T", res)
			}
			resp = domain.ReadAllResponse{ActorResponseMixIn: domain.Failed(err), Meter: req.Meter, Kind: req.Kind, Scaled: req.Scaled}
		}
		state.handleResponse(resp)
	})
}

func (state *PollerActor) handleResponse(msg domain.ReadAllResponse) {
	state.logger.Debug("poller@default ReadAllResponse", zap.String("meter", msg.Meter), zap.Stringer("kind", msg.Kind), zap.Int("values", len(msg.Values)))
	if msg.HasResponseError() {
		state.logger.Warn("poller@default read failed", zap.String("meter", msg.Meter), zap.Error(msg.GetResponseError()))
	}
	evs := events.ReadAllToUpdateEvents(msg.Meter, state.registers[msg.Meter], msg.Kind, msg.Values, msg.Scaled)
	for _, ev := range evs {
		state.eventStream.Publish(ev)
	}
	if len(msg.Values) > 0 {
		state.online[msg.Meter] = true
	}
	if _, ok := state.pending[msg.Meter]; !ok {
		return
	}
	state.pending[msg.Meter]--
	if state.pending[msg.Meter] <= 0 {
		delete(state.pending, msg.Meter)
		state.eventStream.Publish(events.MeterOnlineUpdateEvent(msg.Meter, state.online[msg.Meter]))
	}
}

// pollKinds lists the register kinds read on every tick for a meter.
func (state *PollerActor) pollKinds(m domain.MeterInfo) []mm.RegisterKind {
	if domain.HoldingIsMeasurement(m.Registers) {
		return []mm.RegisterKind{mm.HOLDING_REGISTER}
	}
	kinds := []mm.RegisterKind{mm.INPUT_REGISTER}
	if state.config.MonitorConfig.ReadHolding {
		kinds = append(kinds, mm.HOLDING_REGISTER)
	}
	return kinds
}

func (state *PollerActor) interval() time.Duration {
	millis := state.config.MonitorConfig.PollIntervalMillis
	if millis < config.MIN_POLL_INTERVAL_MILLIS {
		millis = config.MIN_POLL_INTERVAL_MILLIS
	}
	return time.Duration(millis) * time.Millisecond
}
