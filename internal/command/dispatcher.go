package command

import (
	"errors"
	"fmt"
	"log"

	"github.com/r0bb10/hydro-node/internal/metrics"
	"github.com/r0bb10/hydro-node/internal/relay"
	"github.com/r0bb10/hydro-node/internal/sampler"
)

// Status values used in acknowledgements
const (
	StatusCompleted = "COMPLETED"
	StatusError     = "ERROR"
	StatusReceived  = "received"
)

// Relays is the relay scheduler as seen by the dispatcher
type Relays interface {
	Activate(name string, seconds int) error
	Deactivate(name string) error
}

// Sampler is the sample scheduler as seen by the dispatcher
type Sampler interface {
	Configure(seconds int) error
	SampleNow() error
}

// Publisher sends acknowledgements
type Publisher interface {
	Publish(topic string, qos byte, payload any) error
}

// Stamper renders the current local timestamp
type Stamper interface {
	Now() string
}

// Config addresses acknowledgements
type Config struct {
	CodeField string
	Code      string
	Topic     string
	QoS       byte
}

// Dispatcher applies inbound commands. Relays is nil on sensor nodes.
type Dispatcher struct {
	cfg     Config
	decoder Decoder
	relays  Relays
	sampler Sampler
	pub     Publisher
	stamp   Stamper
	metrics *metrics.Recorder
}

// NewDispatcher wires a dispatcher
func NewDispatcher(cfg Config, relays Relays, s Sampler, pub Publisher, stamp Stamper, rec *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		decoder: Decoder{CodeField: cfg.CodeField, Code: cfg.Code},
		relays:  relays,
		sampler: s,
		pub:     pub,
		stamp:   stamp,
		metrics: rec,
	}
}

// Handle decodes and applies one raw message. Mistargeted and ignored
// messages have no effect; malformed ones are answered with an error status.
func (d *Dispatcher) Handle(payload []byte) error {
	cmd, err := d.decoder.Decode(payload)
	switch {
	case err == nil:
		return d.Dispatch(cmd)
	case errors.Is(err, ErrWrongTarget), errors.Is(err, ErrIgnored):
		return err
	default:
		log.Printf("Failed to decode command: %v", err)
		d.metrics.Command("malformed", false)
		d.publishError(cmd, err)
		return err
	}
}

// Dispatch applies a decoded command
func (d *Dispatcher) Dispatch(cmd Command) error {
	var err error
	switch cmd.Kind {
	case ReadNow:
		err = d.readNow()
	case SetInterval:
		err = d.setInterval(cmd.Interval)
	case RelayCommand:
		err = d.relay(cmd)
	default:
		err = fmt.Errorf("%w: kind %d", ErrMalformed, cmd.Kind)
	}
	d.metrics.Command(cmd.Kind.String(), err == nil)
	return err
}

func (d *Dispatcher) readNow() error {
	ack := map[string]any{
		d.cfg.CodeField: d.cfg.Code,
		"command":       ReadNowAck,
		"status":        StatusReceived,
	}
	if err := d.pub.Publish(d.cfg.Topic, d.cfg.QoS, ack); err != nil {
		log.Printf("Failed to acknowledge read_now: %v", err)
	}
	return d.sampler.SampleNow()
}

// setInterval drops invalid or unpersisted intervals without telling the sender
func (d *Dispatcher) setInterval(seconds int) error {
	if err := d.sampler.Configure(seconds); err != nil {
		if errors.Is(err, sampler.ErrPersist) {
			log.Printf("Failed to save interval: %v", err)
		} else {
			log.Printf("Ignoring interval change: %v", err)
		}
		return err
	}

	ack := map[string]any{
		d.cfg.CodeField:     d.cfg.Code,
		"interval":          "OK",
		"seconds_to_report": seconds,
	}
	if err := d.pub.Publish(d.cfg.Topic, d.cfg.QoS, ack); err != nil {
		log.Printf("Failed to acknowledge interval: %v", err)
	}
	return nil
}

func (d *Dispatcher) relay(cmd Command) error {
	var err error
	switch {
	case d.relays == nil:
		err = fmt.Errorf("%w: %s", relay.ErrUnknownRelay, cmd.Relay)
	case cmd.Action == relay.CommandOn:
		err = d.relays.Activate(cmd.Relay, cmd.Duration)
	default:
		err = d.relays.Deactivate(cmd.Relay)
	}
	if err != nil {
		log.Printf("Failed to switch relay %s %s: %v", cmd.Relay, cmd.Action, err)
		d.publishError(cmd, err)
	}
	return err
}

func (d *Dispatcher) publishError(cmd Command, cause error) {
	msg := map[string]any{
		d.cfg.CodeField: d.cfg.Code,
		"status":        StatusError,
		"message":       cause.Error(),
		"timestamp":     d.stamp.Now(),
	}
	if cmd.Relay != "" {
		msg["relay"] = cmd.Relay
		msg["command"] = cmd.Action
	}
	if err := d.pub.Publish(d.cfg.Topic, d.cfg.QoS, msg); err != nil {
		log.Printf("Failed to publish error status: %v", err)
	}
}

// RelayCompleted acknowledges a timed activation that switched off
func (d *Dispatcher) RelayCompleted(ev relay.Event) {
	msg := map[string]any{
		d.cfg.CodeField: d.cfg.Code,
		"status":        StatusCompleted,
		"relay":         ev.Relay,
		"command":       ev.Command,
		"timestamp":     d.stamp.Now(),
	}
	if err := d.pub.Publish(d.cfg.Topic, d.cfg.QoS, msg); err != nil {
		log.Printf("Failed to acknowledge relay %s: %v", ev.Relay, err)
	}
}
