// meter-read reads every register of one meter and prints the values.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/berfenger/meter2mqtt/internal/present"
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
	"github.com/berfenger/meter2mqtt/pkg/meter_modbus/models"

	"github.com/carlmjohnson/versioninfo"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	model    string
	driver   string
	device   string
	baud     uint
	parity   string
	stopBits uint
	host     string
	port     uint
	udp      bool
	unit     uint8
	timeout  time.Duration
	retries  uint
	json     bool
	holding  bool
	watch    time.Duration
	verbose  bool
}

func main() {
	var opts options
	var version bool

	flag.StringVarP(&opts.model, "model", "m", "", fmt.Sprintf("meter model (%s)", strings.Join(models.Names(), ", ")))
	flag.StringVar(&opts.driver, "driver", mm.DRIVER_SIMONVETTER, "modbus driver (simonvetter, goburrow)")
	flag.StringVarP(&opts.device, "device", "d", "", "serial device for modbus rtu")
	flag.UintVarP(&opts.baud, "baud", "b", 0, "serial baud rate (default: model baud rate)")
	flag.StringVar(&opts.parity, "parity", "", "serial parity N, E or O (default: model parity)")
	flag.UintVar(&opts.stopBits, "stopbits", 0, "serial stop bits (default: model stop bits)")
	flag.StringVar(&opts.host, "host", "", "modbus tcp host")
	flag.UintVar(&opts.port, "port", 502, "modbus tcp port")
	flag.BoolVar(&opts.udp, "udp", false, "use modbus over udp instead of tcp")
	flag.Uint8VarP(&opts.unit, "unit", "u", mm.DEFAULT_UNIT, "modbus unit id")
	flag.DurationVarP(&opts.timeout, "timeout", "t", mm.DEFAULT_TIMEOUT, "request timeout")
	flag.UintVarP(&opts.retries, "retries", "r", mm.DEFAULT_RETRIES, "attempts per request")
	flag.BoolVarP(&opts.json, "json", "j", false, "print json")
	flag.BoolVar(&opts.holding, "holding", false, "also read holding registers")
	flag.DurationVarP(&opts.watch, "watch", "w", 0, "read again every interval")
	flag.BoolVarP(&opts.verbose, "verbose", "v", false, "log modbus traffic")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()

	if version {
		fmt.Printf("meter-read %s\n", versioninfo.Short())
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger := zap.NewNop()
	if opts.verbose {
		logger = zap.Must(zap.NewDevelopment())
		defer logger.Sync()
	}

	if opts.model == "" {
		return errors.New("--model is required")
	}
	model, err := models.Lookup(opts.model)
	if err != nil {
		return err
	}
	conf, err := connectionConfig(opts, model)
	if err != nil {
		return err
	}
	transport, err := mm.NewTransport(opts.driver, conf, logger, nil)
	if err != nil {
		return err
	}
	meter := model.NewMeter(transport,
		mm.WithUnit(opts.unit),
		mm.WithRetries(opts.retries),
		mm.WithStrictReadAll(),
		mm.WithLogger(logger))
	defer meter.Release()

	if opts.watch <= 0 {
		return readOnce(os.Stdout, meter, opts)
	}
	return watch(meter, opts)
}

func connectionConfig(opts options, model models.Model) (mm.ConnectionConfig, error) {
	conf := mm.ConnectionConfig{
		Mode:     mm.MODE_TCP,
		Device:   opts.device,
		Baud:     opts.baud,
		Parity:   opts.parity,
		StopBits: opts.stopBits,
		Host:     opts.host,
		Port:     opts.port,
		Timeout:  opts.timeout,
	}
	switch {
	case opts.device != "" && opts.host != "":
		return conf, errors.New("--device and --host are mutually exclusive")
	case opts.device != "":
		conf.Mode = mm.MODE_RTU
	case opts.host == "":
		return conf, errors.New("either --device or --host is required")
	case opts.udp:
		conf.Mode = mm.MODE_UDP
	}
	if conf.Baud == 0 {
		conf.Baud = model.Baud
	}
	if conf.Parity == "" {
		conf.Parity = model.Parity
	}
	if conf.StopBits == 0 {
		conf.StopBits = model.StopBits
	}
	return conf, conf.Validate()
}

// readOnce prints one snapshot. Failed groups are reported but do not fail the read
// unless nothing could be read at all.
func readOnce(w io.Writer, meter *mm.Meter, opts options) error {
	kinds := []mm.RegisterKind{mm.INPUT_REGISTER}
	if opts.holding {
		kinds = append(kinds, mm.HOLDING_REGISTER)
	}

	reading := present.Reading{Meter: meter.Model()}
	var errs []error
	for _, kind := range kinds {
		values, err := meter.ReadAll(kind, true)
		if err != nil {
			errs = append(errs, err)
			reading.Errors = append(reading.Errors, err.Error())
		}
		if kind == mm.HOLDING_REGISTER {
			reading.Holding = values
		} else {
			reading.Input = values
		}
	}
	if len(reading.Input) == 0 && len(reading.Holding) == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}

	if opts.json {
		return present.JSON(w, reading)
	}
	fmt.Fprintf(w, "%s\n", meter)
	for _, kind := range kinds {
		values := reading.Input
		if kind == mm.HOLDING_REGISTER {
			values = reading.Holding
		}
		fmt.Fprintf(w, "%s registers:\n", kind)
		if err := present.Text(w, meter.Registers(), kind, values); err != nil {
			return err
		}
	}
	for _, e := range reading.Errors {
		fmt.Fprintf(w, "warning: %s\n", e)
	}
	return nil
}

func watch(meter *mm.Meter, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watchUntil(ctx, os.Stdout, os.Stderr, meter, opts)
}

// watchUntil reads right away and then on every opts.watch tick until ctx is done.
func watchUntil(ctx context.Context, out, errOut io.Writer, meter *mm.Meter, opts options) error {
	read := func() error {
		if err := readOnce(out, meter, opts); err != nil {
			fmt.Fprintf(errOut, "error: %s\n", err)
			return err
		}
		return nil
	}
	readJob := job.NewFunctionJob(func(_ context.Context) (bool, error) {
		if err := read(); err != nil {
			return false, err
		}
		return true, nil
	})

	// the trigger fires after one interval
	read()

	sched := quartz.NewStdScheduler()
	sched.Start(ctx)
	err := sched.ScheduleJob(quartz.NewJobDetail(readJob, quartz.NewJobKey("meter-read")), quartz.NewSimpleTrigger(opts.watch))
	if err != nil {
		sched.Stop()
		return err
	}
	<-ctx.Done()
	sched.Stop()
	sched.Wait(context.Background())
	return nil
}
