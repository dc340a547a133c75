package actorutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

func PipeToSelfWithRecover(ctx actor.Context, future *actor.Future, mapFn func(error) any) {
	ctx.ReenterAfter(future, func(msg any, err error) {
		if err != nil {
			ctx.Send(ctx.Self(), mapFn(err))
			return
		}
		ctx.Send(ctx.Self(), msg)
	})
}

func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	var slogLevel slog.Level = slog.LevelInfo

	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel:
		slogLevel = slog.LevelError
	case zap.PanicLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {

		// create a new logger
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
		}))
	}))
}

func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// ParsedMQTTCommandToCommand turns a number command into a register write.
// scaled tells whether the payload is in engineering units or raw.
func ParsedMQTTCommandToCommand(cmd mqtt.ParsedMQTTCommand, scaled bool) (domain.ActorRequest, error) {
	switch cmd.Command {
	case mqtt.COMMAND_NUMBER:
		if cmd.Meter == "" || cmd.Key == "" {
			return nil, fmt.Errorf("%w: missing register for %q", mqtt.ErrInvalidCommand, cmd.EntityId())
		}
		return domain.WriteRegisterRequest{
			Meter:  cmd.Meter,
			Key:    cmd.Key,
			Value:  cmd.Value,
			Scaled: scaled,
		}, nil
	default:
		return nil, nil
	}
}
