// Package node owns the device state of one node and runs its cooperative
// main loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/r0bb10/hydro-node/internal/broker"
	"github.com/r0bb10/hydro-node/internal/command"
	"github.com/r0bb10/hydro-node/internal/gpio"
	"github.com/r0bb10/hydro-node/internal/relay"
	"github.com/r0bb10/hydro-node/internal/telemetry"
)

// ErrRestartRequested is returned by Run when the operator asked for a restart
var ErrRestartRequested = errors.New("restart requested")

// Link is the connectivity manager as seen by the loop
type Link interface {
	Start(ctx context.Context, ntpRetries int) error
	PollHealth(ctx context.Context, now time.Time) bool
	Usable() bool
	Receive() (broker.Message, bool)
}

// Sampler is the periodic sample scheduler
type Sampler interface {
	Start(ctx context.Context)
	Stop()
	SampleNow() error
}

// Dispatcher applies inbound messages and acknowledges relay expiry
type Dispatcher interface {
	Handle(payload []byte) error
	RelayCompleted(ev relay.Event)
}

// CredentialEraser forgets the saved Wi-Fi networks
type CredentialEraser interface {
	EraseCredentials() error
}

// LoopConfig tunes the main loop
type LoopConfig struct {
	Tick         time.Duration
	ErrorBackoff time.Duration
	ResetHold    time.Duration
	NTPRetries   int
}

// Device is the state of one running node. It is built once at boot and
// handed to every component that needs it.
type Device struct {
	cfg        LoopConfig
	link       Link
	button     gpio.Input
	creds      CredentialEraser
	relays     *relay.Scheduler
	sampler    Sampler
	dispatcher Dispatcher
	now        func() time.Time

	pressedSince time.Time
}

// NewDevice creates a device. button may be nil.
func NewDevice(cfg LoopConfig, link Link, button gpio.Input, creds CredentialEraser) *Device {
	return &Device{
		cfg:    cfg,
		link:   link,
		button: button,
		creds:  creds,
		now:    time.Now,
	}
}

// SetRelays attaches the relay scheduler of an actuator node
func (d *Device) SetRelays(r *relay.Scheduler) { d.relays = r }

// SetSampler attaches the sample scheduler
func (d *Device) SetSampler(s Sampler) { d.sampler = s }

// SetDispatcher attaches the command dispatcher
func (d *Device) SetDispatcher(disp Dispatcher) { d.dispatcher = disp }

// RelayCompleted implements relay.Listener
func (d *Device) RelayCompleted(ev relay.Event) {
	log.Printf("Relay %s switched off after its timer expired", ev.Relay)
	if d.dispatcher != nil {
		d.dispatcher.RelayCompleted(ev)
	}
}

// RelaysChanged implements relay.Listener by publishing the new state at once
func (d *Device) RelaysChanged() {
	if d.sampler == nil {
		return
	}
	if err := d.sampler.SampleNow(); err != nil && !errors.Is(err, telemetry.ErrOffline) {
		log.Printf("Failed to publish relay state: %v", err)
	}
}

// Start brings the link up, arms the sampler and publishes the first frame.
// Connectivity failures are logged; the loop keeps retrying.
func (d *Device) Start(ctx context.Context) {
	if err := d.link.Start(ctx, d.cfg.NTPRetries); err != nil {
		log.Printf("Failed to bring the link up: %v", err)
	}
	d.sampler.Start(ctx)
	if err := d.sampler.SampleNow(); err != nil && !errors.Is(err, telemetry.ErrOffline) {
		log.Printf("Failed to publish initial telemetry: %v", err)
	}
}

// Stop halts the sampler
func (d *Device) Stop() {
	if d.sampler != nil {
		d.sampler.Stop()
	}
}

// Run drives the loop until ctx ends or a restart is requested. A failing
// step is logged and followed by the error backoff.
func (d *Device) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		err := d.safeStep(ctx)
		wait := ticker.C
		var backoff <-chan time.Time
		switch {
		case errors.Is(err, ErrRestartRequested):
			return err
		case err != nil:
			log.Printf("Main loop error: %v", err)
			backoff = time.After(d.cfg.ErrorBackoff)
			wait = nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wait:
		case <-backoff:
		}
	}
}

func (d *Device) safeStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Step(ctx, d.now())
}

// Step runs one loop iteration: relay expiry, link health, reset button,
// then at most one inbound message.
func (d *Device) Step(ctx context.Context, now time.Time) error {
	if d.relays != nil {
		d.relays.Tick(now)
	}

	d.link.PollHealth(ctx, now)

	if err := d.watchReset(now); err != nil {
		return err
	}

	if !d.link.Usable() {
		return nil
	}
	msg, ok := d.link.Receive()
	if !ok {
		return nil
	}
	if err := d.dispatcher.Handle(msg.Payload); err != nil &&
		!errors.Is(err, command.ErrWrongTarget) && !errors.Is(err, command.ErrIgnored) {
		log.Printf("Command on %s not applied: %v", msg.Topic, err)
	}
	return nil
}

// watchReset tracks the reset button without blocking. Holding it for
// ResetHold erases the saved networks and requests a restart.
func (d *Device) watchReset(now time.Time) error {
	if d.button == nil {
		return nil
	}

	pressed, err := d.button.Active()
	if err != nil {
		log.Printf("Failed to read reset button: %v", err)
		d.pressedSince = time.Time{}
		return nil
	}
	if !pressed {
		if !d.pressedSince.IsZero() {
			log.Printf("Reset cancelled")
			d.pressedSince = time.Time{}
		}
		return nil
	}
	if d.pressedSince.IsZero() {
		d.pressedSince = now
		log.Printf("Reset button pressed, hold for %s to erase Wi-Fi settings", d.cfg.ResetHold)
		return nil
	}
	if now.Sub(d.pressedSince) < d.cfg.ResetHold {
		return nil
	}

	log.Printf("--- CONFIGURATION RESET ---")
	if err := d.creds.EraseCredentials(); err != nil {
		log.Printf("Failed to erase Wi-Fi credentials: %v", err)
	}
	return ErrRestartRequested
}

// RelayStates is the read side of the relay scheduler
type RelayStates interface {
	Names() []string
	States() map[string]bool
}

// RelayStateSource reports every relay as 0 (off) or 1 (on)
type RelayStateSource struct {
	Relays RelayStates
}

func (s RelayStateSource) Name() string { return "relays" }

func (s RelayStateSource) Collect(_ context.Context, f telemetry.Frame) error {
	states := s.Relays.States()
	for _, name := range s.Relays.Names() {
		on, ok := states[name]
		if !ok {
			continue
		}
		if on {
			f[name] = 1
		} else {
			f[name] = 0
		}
	}
	return nil
}
