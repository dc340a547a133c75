package actor

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	adactor "github.com/berfenger/meter2mqtt/internal/adapter/actor"
	"github.com/berfenger/meter2mqtt/internal/config"
	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/core/events"
	. "github.com/berfenger/meter2mqtt/internal/util/actorutil"
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type MQTTActorProvider func() *adactor.MQTTActor

type BusActorProvider func() *adactor.BusActor

// BusSpec describes one bus actor and the meters it serves.
type BusSpec struct {
	Id       string
	Meters   []domain.MeterInfo
	Provider BusActorProvider
}

type MasterOfPuppetsActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	currentInfo        metersInfoResult
	eventStream        *eventstream.EventStream
	eventStreamSub     *eventstream.Subscription
	busSpecs           []BusSpec
	buses              map[string]*actor.PID
	meterBus           map[string]*actor.PID
	meterRegisters     map[string]mm.Directory
	mqttActor          *actor.PID
	pollerActor        *actor.PID
	mqttActorProvider  MQTTActorProvider
	logger             *zap.Logger
}

type healthCheckResult struct {
	expected  int
	received  map[string]bool
	respondTo *actor.PID
}

type metersInfoResult struct {
	received  map[string][]domain.MeterInfo
	errors    []error
	respondTo *actor.PID
}

func NewMasterOfPuppetsActor(config config.Config, buses []BusSpec, mqttActorProvider MQTTActorProvider, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:            config,
		behavior:          actor.NewBehavior(),
		stash:             &Stash{},
		logger:            ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:       &eventstream.EventStream{},
		busSpecs:          buses,
		buses:             map[string]*actor.PID{},
		meterBus:          map[string]*actor.PID{},
		meterRegisters:    map[string]mm.Directory{},
		mqttActorProvider: mqttActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		// start one child per bus
		for _, spec := range state.busSpecs {
			busPID, err := state.startBusActor(ctx, spec)
			if err != nil {
				panic(err)
			}
			state.buses[spec.Id] = busPID
			for _, m := range spec.Meters {
				state.meterBus[m.Name] = busPID
				state.meterRegisters[m.Name] = m.Registers
			}
		}

		// start MQTT child
		mqttActorPID, err := state.startMQTTActor(ctx)
		if err != nil {
			panic(err)
		}
		state.mqttActor = mqttActorPID

		// forward sensor updates to MQTT
		root := ctx.ActorSystem().Root
		state.eventStreamSub = state.eventStream.Subscribe(func(value any) {
			if ev, ok := value.(domain.SensorUpdateEvent); ok {
				root.Send(mqttActorPID, domain.PublishSensorUpdateRequest{Event: ev})
			}
		})

		// start Poller child
		pollerActorPID, err := state.startPollerActor(ctx)
		if err != nil {
			panic(err)
		}
		state.pollerActor = pollerActorPID

		// start HA Discovery
		if state.config.MQTT.HADiscoveryEnable {
			_, err := state.startHADiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset(len(state.buses) + 2)
		state.currentHealthCheck.respondTo = ForRequest(msg).ReplyTo(ctx)
		for id, pid := range state.buses {
			state.requestHealth(ctx, pid, id)
		}
		state.requestHealth(ctx, state.mqttActor, domain.ACTOR_ID_MQTT)
		state.requestHealth(ctx, state.pollerActor, domain.ACTOR_ID_POLLER)

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.GetMetersInfoRequest:
		state.logger.Debug("master@default GetMetersInfoRequest")
		state.currentInfo = metersInfoResult{
			received:  map[string][]domain.MeterInfo{},
			respondTo: ForRequest(msg).ReplyTo(ctx),
		}
		for id, pid := range state.buses {
			busId := id
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.GetMetersInfoRequest{}, 1*time.Second), func(err error) any {
				return busInfoFailure{bus: busId, err: err}
			})
		}
		ctx.SetReceiveTimeout(2 * time.Second)
		state.behavior.BecomeStacked(state.MetersInfoReceive)
	case domain.ReadMeterRequest, domain.ReadAllRequest, domain.WriteRegisterRequest:
		state.forward(ctx, msg.(domain.MeterRequest))
	case adactor.ParsedCommand:
		// turn number commands into register writes
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command != nil {
			cmd, err := ParsedMQTTCommandToCommand(*msg.Command, state.config.MonitorConfig.Scaled)
			if err != nil {
				state.logger.Warn("master@default invalid command", zap.Error(err))
				return
			}
			switch pcmd := cmd.(type) {
			case domain.WriteRegisterRequest:
				pcmd.ActorRequestMixIn = ReplyRef(ctx.Self())
				state.forward(ctx, pcmd)
			}
		}
	case domain.WriteRegisterResponse:
		// answer to a command issued from MQTT
		if msg.HasResponseError() {
			state.logger.Error("master@default write failed", zap.String("meter", msg.Meter), zap.String("key", msg.Key), zap.Error(msg.GetResponseError()))
			return
		}
		if ev := events.RegisterUpdateEvent(msg.Meter, state.meterRegisters[msg.Meter], msg.Key, msg.Value, state.config.MonitorConfig.Scaled); ev != nil {
			state.eventStream.Publish(ev)
		}
	case *actor.Terminated:
		// if a bus fails on boot, terminate
		if strings.HasPrefix(msg.Who.Id, fmt.Sprintf("%s/%s_", domain.ACTOR_ID_MASTER, domain.ACTOR_ID_BUS_PREFIX)) {
			state.logger.Error("master@default bus terminated", zap.String("bus", msg.Who.Id))
			panic(errors.New("bus terminated"))
		}
	case *actor.Stopping:
		if state.eventStreamSub != nil {
			state.eventStream.Unsubscribe(state.eventStreamSub)
		}
	case *actor.ReceiveTimeout:
		ctx.CancelReceiveTimeout()
	default:
		state.logger.Debug("master@default ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		ctx.CancelReceiveTimeout()
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.received[msg.Id] = msg.Healthy
		if state.currentHealthCheck.allReceived() {
			ctx.CancelReceiveTimeout()
			state.currentHealthCheck.respond(ctx)
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

type busInfoFailure struct {
	bus string
	err error
}

func (state *MasterOfPuppetsActor) MetersInfoReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		ctx.CancelReceiveTimeout()
		state.currentInfo.errors = append(state.currentInfo.errors, errors.New("timeout waiting for meters info"))
		state.respondMetersInfo(ctx)
	case domain.GetMetersInfoResponse:
		bus := ""
		if len(msg.Meters) > 0 {
			bus = msg.Meters[0].Bus
		}
		state.currentInfo.received[bus] = msg.Meters
		if msg.HasResponseError() {
			state.currentInfo.errors = append(state.currentInfo.errors, msg.GetResponseError())
		}
		if len(state.currentInfo.received) == len(state.buses) {
			ctx.CancelReceiveTimeout()
			state.respondMetersInfo(ctx)
		}
	case busInfoFailure:
		state.logger.Warn("master@info bus did not answer", zap.String("bus", msg.bus), zap.Error(msg.err))
		state.currentInfo.received[msg.bus] = nil
		state.currentInfo.errors = append(state.currentInfo.errors, fmt.Errorf("%s: %w", msg.bus, msg.err))
		if len(state.currentInfo.received) == len(state.buses) {
			ctx.CancelReceiveTimeout()
			state.respondMetersInfo(ctx)
		}
	default:
		state.logger.Debug("master@info stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) respondMetersInfo(ctx actor.Context) {
	var meters []domain.MeterInfo
	for _, spec := range state.busSpecs {
		meters = append(meters, state.currentInfo.received[spec.Id]...)
	}
	if state.currentInfo.respondTo != nil {
		ctx.Send(state.currentInfo.respondTo, domain.GetMetersInfoResponse{
			ActorResponseMixIn: domain.Failed(errors.Join(state.currentInfo.errors...)),
			Meters:             meters,
		})
	}
	state.behavior.UnbecomeStacked()
	state.stash.UnstashAll(ctx)
}

// forward hands a meter request to the bus owning the meter. The bus answers the
// original sender directly.
func (state *MasterOfPuppetsActor) forward(ctx actor.Context, req domain.MeterRequest) {
	replyTo := ForRequest(req).ReplyTo(ctx)
	busPID, ok := state.meterBus[req.MeterName()]
	if !ok {
		state.logger.Debug("master@default unknown meter", zap.String("meter", req.MeterName()))
		if replyTo != nil {
			ctx.Send(replyTo, req.Failed(domain.ErrUnknownMeter))
		}
		return
	}
	ctx.Send(busPID, req.WithReplyTo(domain.RefOf(replyTo)))
}

func (state *MasterOfPuppetsActor) requestHealth(ctx actor.Context, pid *actor.PID, id string) {
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
		return domain.ActorHealthResponse{
			Id:      id,
			Healthy: false,
		}
	})
}

func (state *MasterOfPuppetsActor) startBusActor(ctx actor.Context, spec BusSpec) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	busProps := actor.PropsFromProducer(func() actor.Actor {
		return spec.Provider()
	}, actor.WithSupervisor(supervisor))
	busActorPID, err := ctx.SpawnNamed(busProps, spec.Id)
	if err != nil {
		return nil, err
	}

	return busActorPID, nil
}

func (state *MasterOfPuppetsActor) startPollerActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	var meters []domain.MeterInfo
	for _, spec := range state.busSpecs {
		meters = append(meters, spec.Meters...)
	}

	pollerProps := actor.PropsFromProducer(func() actor.Actor {
		return NewPollerActor(&state.config, meters, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	pollerActorPID, err := ctx.SpawnNamed(pollerProps, domain.ACTOR_ID_POLLER)
	if err != nil {
		return nil, err
	}

	return pollerActorPID, nil
}

func (state *MasterOfPuppetsActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	buses := make([]*actor.PID, 0, len(state.busSpecs))
	for _, spec := range state.busSpecs {
		buses = append(buses, state.buses[spec.Id])
	}

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, buses, state.mqttActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	haDiscPID, err := ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
	if err != nil {
		return nil, err
	}

	return haDiscPID, nil
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider()
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

func (state *healthCheckResult) reset(expected int) {
	state.expected = expected
	state.received = map[string]bool{}
	state.respondTo = nil
}

func (state *healthCheckResult) allReceived() bool {
	return len(state.received) >= state.expected
}

func (state *healthCheckResult) allHealthy() bool {
	if !state.allReceived() {
		return false
	}
	for _, healthy := range state.received {
		if !healthy {
			return false
		}
	}
	return true
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
