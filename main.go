package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/r0bb10/hydro-node/internal/broker"
	"github.com/r0bb10/hydro-node/internal/command"
	"github.com/r0bb10/hydro-node/internal/config"
	"github.com/r0bb10/hydro-node/internal/connectivity"
	"github.com/r0bb10/hydro-node/internal/gpio"
	"github.com/r0bb10/hydro-node/internal/metrics"
	"github.com/r0bb10/hydro-node/internal/network"
	"github.com/r0bb10/hydro-node/internal/node"
	"github.com/r0bb10/hydro-node/internal/relay"
	"github.com/r0bb10/hydro-node/internal/sampler"
	"github.com/r0bb10/hydro-node/internal/sensor"
	"github.com/r0bb10/hydro-node/internal/store"
	"github.com/r0bb10/hydro-node/internal/telemetry"
)

// ============================================================================
// Constants and Configuration
// ============================================================================

// FirmwareVersion is injected at build time via -ldflags
var FirmwareVersion = "dev"

const (
	metricsShutdownTimeout = 2 * time.Second
	readHeaderTimeout      = 5 * time.Second
)

// ============================================================================
// Application Main
// ============================================================================

// Application represents the main application state
type Application struct {
	config      config.Config
	configFile  string
	registry    *prometheus.Registry
	metrics     *metrics.Recorder
	gpioManager gpio.Manager
	gpioReady   bool
	store       *store.Store
	clock       *telemetry.Clock
	stamper     *telemetry.Stamper
	relayOuts   []relay.Relay
	button      gpio.Input
	led         gpio.Output
	link        *connectivity.Manager
	relays      *relay.Scheduler
	sampler     *sampler.Scheduler
	device      *node.Device
	closers     []io.Closer
}

// NewApplication creates a new application instance
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.NewOS(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clock := &telemetry.Clock{}
	app := &Application{
		config:      cfg,
		configFile:  configFile,
		registry:    reg,
		metrics:     metrics.NewRecorder(reg),
		gpioManager: gpio.NewManager(),
		store:       st,
		clock:       clock,
		stamper:     telemetry.NewStamper(clock, st.LoadTimezone()),
	}
	return app, nil
}

// Initialize opens the hardware and wires the node together
func (app *Application) Initialize(ctx context.Context) error {
	if err := app.initializeHardware(); err != nil {
		return err
	}
	if err := app.initializeConnectivity(); err != nil {
		return err
	}
	app.initializeNode(ctx)
	return nil
}

// initializeHardware sets up relays, the reset button and the status LED
func (app *Application) initializeHardware() error {
	if err := app.gpioManager.OpenChip(app.config.GPIO.Chip); err != nil {
		if app.config.Node.Kind == config.KindActuator {
			return fmt.Errorf("relays need GPIO: %w", err)
		}
		// Continue without GPIO - sensors on other buses still work
		log.Printf("Error opening GPIO chip: %v", err)
		return nil
	}
	app.gpioReady = true

	if app.config.Node.Kind == config.KindActuator {
		for _, rc := range app.config.Relays {
			if !config.IsEnabled(rc.Enabled) {
				continue
			}
			out, err := app.gpioManager.SetupOutput(gpio.OutputConfig{
				Name:     rc.Name,
				Pin:      rc.Pin,
				Inverted: config.IsEnabled(rc.ActiveLow),
			})
			if err != nil {
				return fmt.Errorf("setup relay %s: %w", rc.Name, err)
			}
			app.relayOuts = append(app.relayOuts, relay.Relay{Name: rc.Name, Output: out})
		}
	}

	if b := app.config.Button; config.IsEnabled(b.Enabled) {
		in, err := app.gpioManager.SetupInput(gpio.InputConfig{
			Name:     "reset",
			Pin:      b.Pin,
			PullUp:   b.PullUp,
			Inverted: b.ActiveLow,
		})
		if err != nil {
			log.Printf("Error setting up reset button: %v", err)
		} else {
			app.button = in
		}
	}

	if l := app.config.StatusLED; l.Enabled {
		out, err := app.gpioManager.SetupOutput(gpio.OutputConfig{Name: "status", Pin: l.Pin, Inverted: l.ActiveLow})
		if err != nil {
			log.Printf("Error setting up status LED: %v", err)
		} else {
			app.led = out
		}
	}
	return nil
}

// initializeConnectivity builds the station, portal, clock sync and broker session
func (app *Application) initializeConnectivity() error {
	mc := app.config.MQTT
	tlsCfg, err := broker.TLSConfig(mc.CAFile, mc.CertFile, mc.KeyFile)
	if err != nil {
		return fmt.Errorf("load certificates: %w", err)
	}

	session := broker.NewSession(broker.Options{
		Broker:         mc.Broker,
		ClientID:       mc.ClientID,
		Username:       mc.Username,
		Password:       mc.Password,
		TLS:            tlsCfg,
		KeepAlive:      mc.KeepAlive,
		ConnectTimeout: mc.ConnectTimeout,
		Subscribe:      mc.CommandTopic,
		QoS:            mc.QoS,
		InboxSize:      mc.InboxSize,
	})
	log.Printf("MQTT client ID: %s", session.ClientID())

	nc := app.config.Network
	station := network.NewStation(nc.Interface, network.ExecRunner)
	portal := network.NewPortal(nc.PortalAddr, station.Scan, nc.ConnectTimeout)
	timeSync := &network.TimeSync{
		Server:  app.config.NTP.Server,
		Timeout: app.config.NTP.Timeout,
		Delay:   app.config.NTP.Delay,
		Clock:   app.clock,
	}

	var led connectivity.Indicator
	if app.led != nil {
		led = app.led
	}
	app.link = connectivity.NewManager(connectivity.Config{
		ConnectTimeout:    nc.ConnectTimeout,
		HealthInterval:    nc.HealthInterval,
		APSSID:            nc.APSSID,
		APPassword:        nc.APPassword,
		PortalOnReconnect: nc.PortalOnReconnect,
	}, station, session, app.store, portal, timeSync, led, app.metrics)
	app.link.OnTimezone = app.stamper.SetTimezone
	return nil
}

// initializeNode builds the device state, schedulers and dispatcher for the configured kind
func (app *Application) initializeNode(ctx context.Context) {
	cfg := app.config
	app.device = node.NewDevice(node.LoopConfig{
		Tick:         cfg.Loop.Tick,
		ErrorBackoff: cfg.Loop.ErrorBackoff,
		ResetHold:    cfg.Button.Hold,
		NTPRetries:   cfg.NTP.Retries,
	}, app.link, app.button, app.store)

	var sources []telemetry.Source
	if cfg.Node.Kind == config.KindActuator {
		app.relays = relay.New(app.relayOuts, app.device, app.metrics)
		app.device.SetRelays(app.relays)
		sources = []telemetry.Source{node.RelayStateSource{Relays: app.relays}}
	} else {
		hw := node.Hardware{
			FS:      afero.NewOsFs(),
			OpenI2C: openI2C,
			OpenCO2: sensor.OpenMHZ19,
		}
		if app.gpioReady {
			hw.GPIO = app.gpioManager
		}
		var closers []io.Closer
		sources, closers = node.Capabilities(ctx, cfg.Node.Kind, cfg.Sensors, hw)
		app.closers = append(app.closers, closers...)
	}

	reporter := telemetry.NewReporter(telemetry.ReporterConfig{
		CodeField: cfg.Node.CodeField,
		Code:      cfg.Node.Code,
		Topic:     cfg.MQTT.TelemetryTopic,
		QoS:       cfg.MQTT.QoS,
	}, sources, app.link, app.stamper, app.metrics)

	app.sampler = sampler.New(app.store, reporter, app.store.LoadInterval(), app.metrics)
	app.device.SetSampler(app.sampler)

	var relays command.Relays
	if app.relays != nil {
		relays = app.relays
	}
	app.device.SetDispatcher(command.NewDispatcher(command.Config{
		CodeField: cfg.Node.CodeField,
		Code:      cfg.Node.Code,
		Topic:     cfg.MQTT.CommandTopic,
		QoS:       cfg.MQTT.QoS,
	}, relays, app.sampler, app.link, app.stamper, app.metrics))

	log.Printf("Node %s%s%s (%s) reporting every %ds", broker.ColorGreen, cfg.Node.Code, broker.ColorReset, cfg.Node.Kind, app.sampler.Interval())
}

func openI2C() (node.I2CBus, error) {
	a, err := sensor.OpenI2C()
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Run starts the node and blocks until ctx ends or a restart is requested
func (app *Application) Run(ctx context.Context) error {
	app.device.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.device.Run(gctx)
	})

	if addr := app.config.Metrics.Addr; addr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", app.metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: readHeaderTimeout}

		g.Go(func() error {
			log.Printf("Serving metrics on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Error serving metrics: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	if app.device != nil {
		app.device.Stop()
	}
	if app.link != nil {
		app.link.Close()
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			log.Printf("Error closing sensor: %v", err)
		}
	}
	if err := app.gpioManager.Close(); err != nil {
		log.Printf("Error closing GPIO: %v", err)
	}
	return nil
}

// restart carries out an operator restart request
func restart(mode string) {
	if mode == config.RestartReboot {
		log.Println("Rebooting host...")
		if err := exec.Command("sudo", "reboot").Run(); err != nil {
			log.Printf("Error executing reboot: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	log.Println("Exiting for supervisor restart...")
	os.Exit(1)
}

// main is the entry point of the application
func main() {
	log.Printf("Hydro Node v%s", FirmwareVersion)

	// Determine configuration file path from command line or use default
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	app, err := NewApplication(configFile)
	if err != nil {
		log.Fatalf("Critical: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling before anything that may block on the network
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Received shutdown signal")
		cancel()
	}()

	if err := app.Initialize(ctx); err != nil {
		app.Shutdown()
		log.Fatalf("Initialization failed: %v", err)
	}

	log.Println("Running. Press Ctrl+C to exit.")
	err = app.Run(ctx)

	log.Println("Shutting down...")
	if serr := app.Shutdown(); serr != nil {
		log.Printf("Shutdown error: %v", serr)
	}

	switch {
	case errors.Is(err, node.ErrRestartRequested):
		restart(app.config.Restart.Mode)
	case err != nil:
		log.Fatalf("Critical: %v", err)
	}
}
