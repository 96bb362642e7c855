// Package relay owns the addressable relay outputs of an actuator node,
// serializes state changes per relay and expires timed activations.
package relay

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/r0bb10/hydro-node/internal/gpio"
	"github.com/r0bb10/hydro-node/internal/metrics"
)

var (
	// ErrUnknownRelay is returned for a relay name that is not registered
	ErrUnknownRelay = errors.New("unknown relay")
	// ErrBusy is returned when another operation holds the relay
	ErrBusy = errors.New("relay busy")
)

// MinSpacing is the minimum time between two operations on one relay
const MinSpacing = 1000 * time.Millisecond

// Relay commands
const (
	CommandOn  = "ON"
	CommandOff = "OFF"
)

// Relay binds a name to its output line
type Relay struct {
	Name   string
	Output gpio.Output
}

// Event reports a timed activation that expired
type Event struct {
	Relay   string
	Command string
	At      time.Time
}

// Listener receives scheduler notifications
type Listener interface {
	// RelayCompleted is called after a timed activation switched off
	RelayCompleted(ev Event)
	// RelaysChanged is called after any relay changed state
	RelaysChanged()
}

type relayState struct {
	name     string
	out      gpio.Output
	mu       sync.Mutex // held for one pin mutation plus bookkeeping
	deadline time.Time  // zero when no auto-off is pending
	lastOp   time.Time
}

// Scheduler drives a fixed set of relays
type Scheduler struct {
	relays   map[string]*relayState
	names    []string
	listener Listener
	metrics  *metrics.Recorder
	now      func() time.Time
}

// New creates a scheduler over relays. The set never changes afterwards.
func New(relays []Relay, listener Listener, rec *metrics.Recorder) *Scheduler {
	s := &Scheduler{
		relays:   make(map[string]*relayState, len(relays)),
		listener: listener,
		metrics:  rec,
		now:      time.Now,
	}
	for _, r := range relays {
		s.relays[r.Name] = &relayState{name: r.Name, out: r.Output}
		s.names = append(s.names, r.Name)
	}
	return s
}

// Names returns the relay names in registration order
func (s *Scheduler) Names() []string {
	return append([]string(nil), s.names...)
}

// Activate switches name on. A positive duration arms an auto-off deadline;
// zero leaves the relay on until Deactivate.
func (s *Scheduler) Activate(name string, seconds int) error {
	err := s.operate(name, func(r *relayState, now time.Time) error {
		if err := r.out.SetActive(true); err != nil {
			return err
		}
		r.deadline = time.Time{}
		if seconds > 0 {
			r.deadline = now.Add(time.Duration(seconds) * time.Second)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RelayOperation(name, CommandOn)
	s.listener.RelaysChanged()
	return nil
}

// Deactivate switches name off and clears any pending deadline
func (s *Scheduler) Deactivate(name string) error {
	err := s.operate(name, func(r *relayState, now time.Time) error {
		if err := r.out.SetActive(false); err != nil {
			return err
		}
		r.deadline = time.Time{}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RelayOperation(name, CommandOff)
	s.listener.RelaysChanged()
	return nil
}

func (s *Scheduler) operate(name string, mutate func(r *relayState, now time.Time) error) error {
	r, ok := s.relays[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, name)
	}
	if !r.mu.TryLock() {
		s.metrics.RelayBusy(name)
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	defer r.mu.Unlock()

	now := s.now()
	if err := mutate(r, now); err != nil {
		return err
	}
	r.lastOp = now
	return nil
}

// Tick switches off every relay whose deadline has passed, skipping relays
// that are locked or were operated less than MinSpacing ago. Skipped relays
// stay pending for the next tick.
func (s *Scheduler) Tick(now time.Time) {
	changed := false
	for _, name := range s.names {
		ev, fired := s.expire(s.relays[name], now)
		if !fired {
			continue
		}
		changed = true
		s.metrics.RelayOperation(name, CommandOff)
		s.listener.RelayCompleted(ev)
	}
	if changed {
		s.listener.RelaysChanged()
	}
}

func (s *Scheduler) expire(r *relayState, now time.Time) (Event, bool) {
	if !r.mu.TryLock() {
		return Event{}, false
	}
	defer r.mu.Unlock()

	if r.deadline.IsZero() || now.Before(r.deadline) {
		return Event{}, false
	}
	if now.Sub(r.lastOp) < MinSpacing {
		return Event{}, false
	}

	on, err := r.out.Active()
	if err != nil {
		log.Printf("Failed to read relay %s before auto-off: %v", r.name, err)
		return Event{}, false
	}
	if !on {
		r.deadline = time.Time{}
		return Event{}, false
	}
	if err := r.out.SetActive(false); err != nil {
		log.Printf("Failed to switch off relay %s: %v", r.name, err)
		return Event{}, false
	}

	r.deadline = time.Time{}
	r.lastOp = now
	return Event{Relay: r.name, Command: CommandOff, At: now}, true
}

// Pending reports the auto-off deadline of name, if one is armed
func (s *Scheduler) Pending(name string) (time.Time, bool) {
	r, ok := s.relays[name]
	if !ok {
		return time.Time{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline, !r.deadline.IsZero()
}

// States returns the logical state of every relay. Unreadable relays are omitted.
func (s *Scheduler) States() map[string]bool {
	states := make(map[string]bool, len(s.names))
	for _, name := range s.names {
		on, err := s.relays[name].out.Active()
		if err != nil {
			log.Printf("Failed to read relay %s: %v", name, err)
			continue
		}
		states[name] = on
	}
	return states
}
