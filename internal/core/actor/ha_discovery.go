package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/meter2mqtt/internal/config"
	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// HADiscoveryActor publishes the Home Assistant discovery config once every
// bus and the MQTT actor are up, then goes idle.
type HADiscoveryActor struct {
	config      *config.Config
	behavior    actor.Behavior
	stash       *actorutil.Stash
	busActors   []*actor.PID
	mqttActor   *actor.PID
	healthy     map[string]bool
	infos       [][]domain.MeterInfo
	infosRecv   int
	healthyRecv int

	logger *zap.Logger
}

type busInfo struct {
	index int
	resp  domain.GetMetersInfoResponse
}

func NewHADiscoveryActor(config *config.Config, busActors []*actor.PID, mqttActor *actor.PID, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:    config,
		busActors: busActors,
		mqttActor: mqttActor,
		behavior:  actor.NewBehavior(),
		stash:     &actorutil.Stash{},
		logger:    actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")

		// Check bus and MQTT actors healthy
		state.healthyRecv = 0
		state.healthy = map[string]bool{}
		for i, pid := range state.busActors {
			id := fmt.Sprintf("%s#%d", domain.ACTOR_ID_BUS_PREFIX, i)
			actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
				}
			})
		}
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.healthyRecv++
		if !msg.Healthy {
			panic(fmt.Errorf("%s actor is not healthy", msg.Id))
		}
		if state.healthyRecv == len(state.busActors)+1 {
			// Ask every bus for its meters
			state.infos = make([][]domain.MeterInfo, len(state.busActors))
			state.infosRecv = 0
			for i, pid := range state.busActors {
				index := i
				future := ctx.RequestFuture(pid, domain.GetMetersInfoRequest{}, 2*time.Second)
				ctx.ReenterAfter(future, func(res any, err error) {
					resp, ok := res.(domain.GetMetersInfoResponse)
					if err != nil || !ok {
						if err == nil {
							err = errors.New("unexpected meters info response")
						}
						resp = domain.GetMetersInfoResponse{ActorResponseMixIn: domain.Failed(err)}
					}
					ctx.Send(ctx.Self(), busInfo{index: index, resp: resp})
				})
			}
			state.behavior.Become(state.WaitingInfoReceive)
			state.stash.UnstashAll(ctx)
		}
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) Done(ctx actor.Context) {

}

func (state *HADiscoveryActor) WaitingInfoReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case busInfo:
		if msg.resp.HasResponseError() {
			panic(msg.resp.GetResponseError())
		}
		state.logger.Debug("hadiscovery@info: GetMetersInfoResponse", zap.Int("meters", len(msg.resp.Meters)))
		state.infos[msg.index] = msg.resp.Meters
		state.infosRecv++
		if state.infosRecv < len(state.busActors) {
			return
		}

		var meters []domain.MeterInfo
		for _, infos := range state.infos {
			meters = append(meters, infos...)
		}
		sensors, inputNumbers := DiscoveryEntities(state.config, meters)

		ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
			Sensors:      sensors,
			InputNumbers: inputNumbers,
		})
		state.behavior.Become(state.Done)

	default:
		state.logger.Debug("hadiscovery@info: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// DiscoveryEntities lists the bridge entities plus the entities of every meter.
func DiscoveryEntities(cfg *config.Config, meters []domain.MeterInfo) ([]domain.GenericSensor, []domain.GenericInputNumber) {
	var sensors []domain.GenericSensor
	var inputNumbers []domain.GenericInputNumber

	bridgeDevice := domain.BridgeDevice(cfg.MQTT.BaseTopic)
	sensors = append(sensors, domain.BridgeSensors(bridgeDevice)...)

	for _, info := range meters {
		meterDevice := domain.MeterDevice(cfg.MQTT.BaseTopic, info)
		meterDevice.ViaDevice = bridgeDevice.Id
		sensors = append(sensors, domain.MeterSensors(meterDevice, info, cfg.MonitorConfig.ReadHolding)...)
		inputNumbers = append(inputNumbers, domain.MeterInputNumbers(meterDevice, info, cfg.MonitorConfig.ReadHolding, cfg.MonitorConfig.Scaled)...)
	}
	return sensors, inputNumbers
}
