package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	gpiod "github.com/warthog618/go-gpiocdev"

	"github.com/r0bb10/hydro-node/internal/gpio"
)

// Ultrasonic is an HC-SR04 ranger timed from GPIO edge events
type Ultrasonic struct {
	trigger *gpiod.Line
	events  chan gpiod.LineEvent
	timeout time.Duration
	mu      sync.Mutex
}

// NewUltrasonic requests the trigger and echo lines from m
func NewUltrasonic(m gpio.Manager, triggerPin, echoPin int, timeout time.Duration) (*Ultrasonic, error) {
	u := &Ultrasonic{
		events:  make(chan gpiod.LineEvent, 8),
		timeout: timeout,
	}
	trigger, err := m.RequestLine(triggerPin, gpiod.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("trigger line: %w", err)
	}
	_, err = m.RequestLine(echoPin,
		gpiod.AsInput,
		gpiod.WithBothEdges,
		gpiod.WithEventHandler(u.handleEvent),
	)
	if err != nil {
		return nil, fmt.Errorf("echo line: %w", err)
	}
	u.trigger = trigger
	return u, nil
}

func (u *Ultrasonic) handleEvent(evt gpiod.LineEvent) {
	select {
	case u.events <- evt:
	default:
	}
}

// DistanceCM fires one 10µs trigger pulse and times the echo
func (u *Ultrasonic) DistanceCM(ctx context.Context) (float64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.drain()
	if err := u.trigger.SetValue(1); err != nil {
		return 0, fmt.Errorf("trigger: %w", err)
	}
	time.Sleep(10 * time.Microsecond)
	if err := u.trigger.SetValue(0); err != nil {
		return 0, fmt.Errorf("trigger: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	rise, err := u.await(ctx, gpiod.LineEventRisingEdge)
	if err != nil {
		return 0, err
	}
	fall, err := u.await(ctx, gpiod.LineEventFallingEdge)
	if err != nil {
		return 0, err
	}
	return PulseToCM(fall.Timestamp - rise.Timestamp), nil
}

func (u *Ultrasonic) await(ctx context.Context, want gpiod.LineEventType) (gpiod.LineEvent, error) {
	for {
		select {
		case evt := <-u.events:
			if evt.Type == want {
				return evt, nil
			}
		case <-ctx.Done():
			return gpiod.LineEvent{}, fmt.Errorf("echo timeout: %w", ctx.Err())
		}
	}
}

func (u *Ultrasonic) drain() {
	for {
		select {
		case <-u.events:
		default:
			return
		}
	}
}
