package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/core/port"
	"github.com/berfenger/meter2mqtt/internal/util/actorutil"
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const DEFAULT_TASK_TIMEOUT = 5 * time.Second

// NamedMeter is a meter as known by the rest of the daemon.
type NamedMeter struct {
	Name  string
	Meter port.Meter
}

// BusActor owns one serial line or TCP link and every meter on it. Requests
// are served one at a time, the rest wait in the stash until the transaction
// in flight has returned, even if its caller was already answered with a timeout.
type BusActor struct {
	id          string
	behavior    actor.Behavior
	stash       *actorutil.Stash
	scheduler   *scheduler.TimerScheduler
	meters      []NamedMeter
	byName      map[string]port.Meter
	taskTimeout time.Duration
	logger      *zap.Logger

	inflight      uint64
	answered      bool
	cancelExpired scheduler.CancelFunc
}

type backgroundTaskResult struct {
	seq     uint64
	message any
	replyTo *actor.PID
}

// taskExpired answers the caller of a transaction that outlived taskTimeout.
type taskExpired struct {
	seq     uint64
	message any
	replyTo *actor.PID
}

func NewBusActor(id string, meters []NamedMeter, taskTimeout time.Duration, logger *zap.Logger) *BusActor {
	if taskTimeout <= 0 {
		taskTimeout = DEFAULT_TASK_TIMEOUT
	}
	byName := make(map[string]port.Meter, len(meters))
	for _, m := range meters {
		byName[m.Name] = m.Meter
	}
	act := &BusActor{
		id:          id,
		meters:      meters,
		byName:      byName,
		taskTimeout: taskTimeout,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(id, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *BusActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *BusActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("bus@starting started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		// a failed connect is retried by the meter on the next request
		if len(state.meters) > 0 && !state.meters[0].Meter.Connect() {
			state.logger.Warn("bus@starting could not connect", zap.String("meter", state.meters[0].Name))
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.release()
	default:
		state.logger.Debug("bus@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *BusActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("bus@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      state.id,
			Healthy: true,
			State:   state.linkState(),
		})
	case domain.GetMetersInfoRequest:
		state.logger.Debug("bus@default: GetMetersInfoRequest")
		actorutil.ForRequest(msg).Respond(ctx, domain.GetMetersInfoResponse{Meters: state.metersInfo()})
	case domain.ReadMeterRequest:
		state.logger.Debug("bus@default: ReadMeterRequest", zap.String("meter", msg.Meter), zap.String("key", msg.Key))
		serve(state, ctx, msg, func(meter port.Meter) (*domain.ReadMeterResponse, error) {
			return state.read(meter, msg)
		})
	case domain.ReadAllRequest:
		state.logger.Debug("bus@default: ReadAllRequest", zap.String("meter", msg.Meter), zap.Stringer("kind", msg.Kind))
		serve(state, ctx, msg, func(meter port.Meter) (*domain.ReadAllResponse, error) {
			return state.readAll(meter, msg), nil
		})
	case domain.WriteRegisterRequest:
		state.logger.Debug("bus@default: WriteRegisterRequest", zap.String("meter", msg.Meter), zap.String("key", msg.Key))
		serve(state, ctx, msg, func(meter port.Meter) (*domain.WriteRegisterResponse, error) {
			return state.write(meter, msg)
		})
	case *actor.Stopping:
		state.release()
	default:
		state.logger.Debug("bus@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *BusActor) WaitingModbus(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		if msg.seq != state.inflight {
			return
		}
		state.logger.Debug("bus@WaitingModbus backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		if state.cancelExpired != nil {
			state.cancelExpired()
			state.cancelExpired = nil
		}
		if !state.answered {
			reply(ctx, msg.replyTo, msg.message)
		} else {
			state.logger.Warn("bus@WaitingModbus late transaction finished", zap.Uint64("seq", msg.seq))
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case taskExpired:
		if msg.seq != state.inflight || state.answered {
			return
		}
		// the link stays busy until the transaction returns
		state.logger.Warn("bus@WaitingModbus transaction timed out", zap.Duration("timeout", state.taskTimeout))
		state.answered = true
		reply(ctx, msg.replyTo, msg.message)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      state.id,
			Healthy: true,
			State:   "busy",
		})
	case *actor.Stopping:
		state.failStashed(ctx)
		state.release()
	default:
		state.logger.Debug("bus@WaitingModbus stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *BusActor) read(meter port.Meter, req domain.ReadMeterRequest) (*domain.ReadMeterResponse, error) {
	desc, err := meter.Registers().Lookup(req.Key)
	if err != nil {
		return nil, err
	}
	var value float64
	if req.Scaled {
		value, err = meter.ReadScaled(req.Key)
	} else {
		value, err = meter.Read(req.Key)
	}
	if err != nil {
		state.logger.Warn("bus: read failed", zap.String("meter", req.Meter), zap.String("key", req.Key), zap.Error(err))
		return nil, err
	}
	return &domain.ReadMeterResponse{
		Meter:    req.Meter,
		Key:      req.Key,
		Value:    value,
		Register: desc,
	}, nil
}

func (state *BusActor) readAll(meter port.Meter, req domain.ReadAllRequest) *domain.ReadAllResponse {
	values, err := meter.ReadAll(req.Kind, req.Scaled)
	if err != nil {
		state.logger.Warn("bus: read all incomplete", zap.String("meter", req.Meter), zap.Int("values", len(values)), zap.Error(err))
	}
	return &domain.ReadAllResponse{
		ActorResponseMixIn: domain.Failed(err),
		Meter:              req.Meter,
		Kind:               req.Kind,
		Scaled:             req.Scaled,
		Values:             values,
	}
}

func (state *BusActor) write(meter port.Meter, req domain.WriteRegisterRequest) (*domain.WriteRegisterResponse, error) {
	value := req.Value
	if !req.Scaled {
		scale, err := meter.GetScaling(req.Key)
		if err != nil {
			return nil, err
		}
		value *= scale
	}
	if err := meter.Write(req.Key, value); err != nil {
		state.logger.Warn("bus: write failed", zap.String("meter", req.Meter), zap.String("key", req.Key), zap.Error(err))
		return nil, err
	}
	return &domain.WriteRegisterResponse{
		Meter: req.Meter,
		Key:   req.Key,
		Value: req.Value,
	}, nil
}

func (state *BusActor) metersInfo() []domain.MeterInfo {
	infos := make([]domain.MeterInfo, 0, len(state.meters))
	for _, m := range state.meters {
		infos = append(infos, domain.MeterInfo{
			Name:      m.Name,
			Model:     m.Meter.Model(),
			Unit:      m.Meter.Unit(),
			Bus:       state.id,
			Connected: m.Meter.IsConnected(),
			Registers: m.Meter.Registers(),
		})
	}
	return infos
}

func (state *BusActor) linkState() string {
	if len(state.meters) > 0 && state.meters[0].Meter.IsConnected() {
		return "connected"
	}
	return "disconnected"
}

// failStashed answers the requests still waiting for the bus.
func (state *BusActor) failStashed(ctx actor.Context) {
	err := fmt.Errorf("%w: bus %s stopped", mm.ErrIOFailure, state.id)
	state.stash.Drain(func(msg any, sender *actor.PID) {
		req, ok := msg.(domain.MeterRequest)
		if !ok {
			return
		}
		replyTo := req.ReplyTo().PID()
		if replyTo == nil {
			replyTo = sender
		}
		reply(ctx, replyTo, req.Failed(err))
	})
}

func (state *BusActor) release() {
	state.logger.Debug("bus: release meters")
	for _, m := range state.meters {
		m.Meter.Release()
	}
}

// serve runs req against its meter off the actor goroutine. The bus waits for the
// result before taking the next request.
func serve[T any](state *BusActor, ctx actor.Context, req domain.MeterRequest, fn func(port.Meter) (*T, error)) {
	sender := actorutil.ForRequest(req).ReplyTo(ctx)
	meter, ok := state.byName[req.MeterName()]
	if !ok {
		reply(ctx, sender, req.Failed(domain.ErrUnknownMeter))
		return
	}
	state.inflight++
	seq := state.inflight
	state.answered = false

	task := actorutil.NewBackgroundTask(ctx, func() (*T, error) {
		return fn(meter)
	})
	actorutil.MapBackgroundTask(task, mapTaskResult[T](seq, sender)).Recover(func(err error) backgroundTaskResult {
		return backgroundTaskResult{
			seq:     seq,
			message: req.Failed(err),
			replyTo: sender,
		}
	}).Go(ctx.Self())

	state.cancelExpired = state.scheduler.SendOnce(state.taskTimeout, ctx.Self(), taskExpired{
		seq:     seq,
		message: req.Failed(fmt.Errorf("%w after %s", actorutil.ErrTaskTimeout, state.taskTimeout)),
		replyTo: sender,
	})
	state.behavior.BecomeStacked(state.WaitingModbus)
}

func mapTaskResult[T any](seq uint64, sender *actor.PID) func(t *T) *backgroundTaskResult {
	return func(t *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			seq:     seq,
			message: *t,
			replyTo: sender,
		}
	}
}

func reply(ctx actor.Context, to *actor.PID, msg any) {
	if to != nil {
		ctx.Send(to, msg)
	}
}
