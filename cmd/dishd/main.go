// Command dishd runs the dish control loop and serves its HTTP, websocket
// and rotctld interfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/dish_interface/control"
	"github.com/w1xm/dish_interface/internal/config"
	"github.com/w1xm/dish_interface/internal/logging"
	"github.com/w1xm/dish_interface/internal/observability"
	"github.com/w1xm/dish_interface/modbusdrive"
	"github.com/w1xm/dish_interface/rci"
	"github.com/w1xm/dish_interface/rotator"
	"github.com/w1xm/dish_interface/rotator/refswitch"
	"github.com/w1xm/dish_interface/rotator/sim"
)

var (
	configPath  = flag.String("config", "configs/default.yaml", "path to the YAML config file")
	addr        = flag.String("addr", "", "address to listen on (overrides server.addr)")
	staticDir   = flag.String("static_dir", "", "directory containing static files (overrides server.static_dir)")
	rotctldAddr = flag.String("rotctld", "", "address for the rotctld listener (overrides server.rotctld_addr)")
)

func main() {
	flag.Parse()
	log := logging.NewFromEnv(logging.Config{})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn(ctx, "config file not found, using defaults", logging.String("path", *configPath))
		cfg, err = config.Default(), nil
	}
	if err != nil {
		log.Error(ctx, "loading config", logging.Err(err))
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *staticDir != "" {
		cfg.Server.StaticDir = *staticDir
	}
	if *rotctldAddr != "" {
		cfg.Server.RotctldAddr = *rotctldAddr
	}
	log = logging.NewFromEnv(cfg.Log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "dishd exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	metrics, err := observability.NewCollector(nil)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	drive, err := openDrive(ctx, g, cfg, log)
	if err != nil {
		return err
	}
	if c, ok := drive.(rotator.Closer); ok {
		defer c.Close()
	}

	loop, err := control.NewLoop(control.FromConfig(cfg), drive,
		control.WithLogger(log.With(logging.String("component", "control"))),
		control.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	g.Go(func() error { return loop.Run(ctx) })

	s := NewServer(loop, cfg.Control.Interval, metrics, log.With(logging.String("component", "server")), cfg.Server)
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         cfg.Server.Addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		log.Info(ctx, "listening", logging.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.RotctldAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.RotctldAddr)
		if err != nil {
			return err
		}
		log.Info(ctx, "rotctld listening", logging.String("addr", ln.Addr().String()))
		g.Go(func() error { return s.ServeRotctld(ctx, ln) })
	}
	return g.Wait()
}

func openDrive(ctx context.Context, g *errgroup.Group, cfg *config.Config, log logging.Logger) (rotator.Rotator, error) {
	log = log.With(logging.String("drive", cfg.Drive.Type))
	var drive rotator.Rotator
	switch cfg.Drive.Type {
	case "sim":
		s := sim.New(sim.Config{
			AzReference: cfg.Drive.SimAzReference,
			ElReference: cfg.Drive.SimElReference,
		})
		g.Go(func() error { return s.Run(ctx) })
		drive = s
	case "rci":
		in := -1
		if cfg.Drive.AzReferenceInput != nil {
			in = *cfg.Drive.AzReferenceInput
		}
		acceptable := make(map[uint8]bool, len(cfg.Drive.AcceptableShutdowns))
		for _, code := range cfg.Drive.AcceptableShutdowns {
			acceptable[uint8(code)] = true
		}
		drive = rci.Connect(ctx, rci.Config{
			Port:                cfg.Drive.Serial,
			AzReferenceInput:    in,
			AcceptableShutdowns: acceptable,
			StatusTimeout:       cfg.Drive.StatusTimeout,
		}, log)
	case "modbus":
		m := cfg.Drive.Modbus
		d, err := modbusdrive.Connect(ctx, modbusdrive.Config{
			Port:          m.Port,
			BaudRate:      m.BaudRate,
			SlaveID:       m.SlaveID,
			URL:           m.URL,
			Password:      m.Password,
			StatusTimeout: cfg.Drive.StatusTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		drive = d
	default:
		return nil, errors.New("unsupported drive type: " + cfg.Drive.Type)
	}
	if gpio := cfg.Drive.ReferenceGPIO; gpio != nil {
		sw, err := refswitch.Open(drive, refswitch.Config{
			AzimuthPin:   gpio.AzimuthPin,
			ElevationPin: gpio.ElevationPin,
			ActiveLow:    gpio.ActiveLow,
		})
		if err != nil {
			return nil, err
		}
		drive = sw
	}
	return drive, nil
}
