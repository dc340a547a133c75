package service

import (
	"fmt"
	"strings"
	"time"

	adactor "github.com/berfenger/meter2mqtt/internal/adapter/actor"
	"github.com/berfenger/meter2mqtt/internal/config"
	coreactor "github.com/berfenger/meter2mqtt/internal/core/actor"
	"github.com/berfenger/meter2mqtt/internal/core/domain"
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
	"github.com/berfenger/meter2mqtt/pkg/meter_modbus/models"

	"go.uber.org/zap"
)

type TransportFactory func(driver string, conf mm.ConnectionConfig, logger *zap.Logger, instrumentation *mm.ModbusInstrument) (mm.Transport, error)

// BusBuilder turns the configured meters into one bus actor spec per root meter.
// Children share the transport of their parent.
type BusBuilder struct {
	Catalog     models.Catalog
	Instruments func(name string) *mm.ModbusInstrument
	Transports  TransportFactory
	Logger      *zap.Logger
}

func (b *BusBuilder) Build(cfg *config.Config) ([]coreactor.BusSpec, error) {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newTransport := b.Transports
	if newTransport == nil {
		newTransport = mm.NewTransport
	}

	var specs []coreactor.BusSpec
	for _, root := range cfg.Meters {
		if root.Parent != "" {
			continue
		}
		busId := domain.BusActorId(root.Name)

		rootModel, err := b.Catalog.Lookup(root.Model)
		if err != nil {
			return nil, fmt.Errorf("meter %s: %w", root.Name, err)
		}
		conf, err := connectionConfig(root, rootModel)
		if err != nil {
			return nil, fmt.Errorf("meter %s: %w", root.Name, err)
		}
		transport, err := newTransport(strings.ToLower(root.Driver), conf, logger.With(zap.String("bus", busId)), b.instrument(busId))
		if err != nil {
			return nil, fmt.Errorf("meter %s: %w", root.Name, err)
		}
		logger.Info("bus configured", zap.String("bus", busId), zap.Stringer("link", conf))

		rootMeter := rootModel.NewMeter(transport, b.meterOptions(root, root, cfg.MonitorConfig.Strict, logger)...)
		named := []adactor.NamedMeter{{Name: root.Name, Meter: rootMeter}}
		infos := []domain.MeterInfo{meterInfo(root, rootModel, busId)}
		groups := batchGroups(rootModel.Registers)

		for _, child := range cfg.Children(root.Name) {
			childModel, err := b.Catalog.Lookup(child.Model)
			if err != nil {
				return nil, fmt.Errorf("meter %s: %w", child.Name, err)
			}
			childMeter := childModel.NewChild(rootMeter, unit(child), b.meterOptions(child, root, cfg.MonitorConfig.Strict, logger)...)
			named = append(named, adactor.NamedMeter{Name: child.Name, Meter: childMeter})
			infos = append(infos, meterInfo(child, childModel, busId))
			groups = max(groups, batchGroups(childModel.Registers))
		}
		timeout := taskTimeout(root, conf.Timeout, groups)

		meters := named
		specs = append(specs, coreactor.BusSpec{
			Id:     busId,
			Meters: infos,
			Provider: func() *adactor.BusActor {
				return adactor.NewBusActor(busId, meters, timeout, logger)
			},
		})
	}
	return specs, nil
}

func (b *BusBuilder) instrument(name string) *mm.ModbusInstrument {
	if b.Instruments == nil {
		return nil
	}
	return b.Instruments(name)
}

// meterOptions applies the retry settings of the bus owner to every meter on the bus.
func (b *BusBuilder) meterOptions(m, root config.MeterConfig, strict bool, logger *zap.Logger) []mm.Option {
	opts := []mm.Option{
		mm.WithUnit(unit(m)),
		mm.WithLogger(logger.With(zap.String("meter", m.Name))),
	}
	if root.Retries > 0 {
		opts = append(opts, mm.WithRetries(root.Retries))
	}
	if root.BackoffMillis > 0 {
		opts = append(opts, mm.WithBackoff(time.Duration(root.BackoffMillis)*time.Millisecond))
	}
	if strict {
		opts = append(opts, mm.WithStrictReadAll())
	}
	if inst := b.instrument(m.Name); inst != nil {
		opts = append(opts, mm.WithInstrument(*inst))
	}
	return opts
}

func connectionConfig(m config.MeterConfig, model models.Model) (mm.ConnectionConfig, error) {
	mode, err := mm.ParseMode(m.Mode)
	if err != nil {
		return mm.ConnectionConfig{}, err
	}
	conf := mm.ConnectionConfig{
		Mode:     mode,
		Device:   m.Device,
		Baud:     m.Baud,
		Parity:   strings.ToUpper(m.Parity),
		StopBits: m.StopBits,
		Host:     m.Host,
		Port:     m.Port,
		Timeout:  time.Duration(m.TimeoutMillis) * time.Millisecond,
	}
	// serial settings fall back to the model defaults
	if conf.Baud == 0 {
		conf.Baud = model.Baud
	}
	if conf.Parity == "" {
		conf.Parity = model.Parity
	}
	if conf.StopBits == 0 {
		conf.StopBits = model.StopBits
	}
	if conf.Port == 0 {
		conf.Port = 502
	}
	if conf.Timeout == 0 {
		conf.Timeout = mm.DEFAULT_TIMEOUT
	}
	return conf, conf.Validate()
}

// taskTimeout leaves room for every attempt of the retry policy on every batch group.
// A reconnecting attempt may spend one link timeout on connect and another on the request.
func taskTimeout(root config.MeterConfig, linkTimeout time.Duration, groups int) time.Duration {
	retries := root.Retries
	if retries == 0 {
		retries = mm.DEFAULT_RETRIES
	}
	backoff := mm.DEFAULT_BACKOFF
	if root.BackoffMillis > 0 {
		backoff = time.Duration(root.BackoffMillis) * time.Millisecond
	}
	if groups < 1 {
		groups = 1
	}
	return time.Duration(groups*int(retries))*(2*linkTimeout+backoff) + time.Second
}

func batchGroups(dir mm.Directory) int {
	type group struct {
		kind  mm.RegisterKind
		batch uint
	}
	seen := map[group]bool{}
	for _, desc := range dir {
		seen[group{desc.Kind, desc.BatchGroup}] = true
	}
	return len(seen)
}

func unit(m config.MeterConfig) uint8 {
	if m.Unit == 0 {
		return mm.DEFAULT_UNIT
	}
	return m.Unit
}

func meterInfo(m config.MeterConfig, model models.Model, busId string) domain.MeterInfo {
	return domain.MeterInfo{
		Name:      m.Name,
		Model:     model.Name,
		Unit:      unit(m),
		Bus:       busId,
		Registers: model.Registers,
	}
}
