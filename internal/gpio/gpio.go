// Package gpio drives relay outputs, the status LED and polled inputs
// through the Linux GPIO character device.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// OutputConfig describes one output line
type OutputConfig struct {
	Name     string
	Pin      int
	Inverted bool // logical ON drives the pin low
}

// InputConfig describes one polled input line
type InputConfig struct {
	Name     string
	Pin      int
	PullUp   bool
	Inverted bool // pressed reads low
}

// Output is a logical on/off output
type Output interface {
	SetActive(on bool) error
	Active() (bool, error)
}

// Input is a logical polled input
type Input interface {
	Active() (bool, error)
}

// Manager handles all GPIO operations
type Manager interface {
	// OpenChip opens the GPIO chip device
	OpenChip(chipName string) error
	// Close closes the GPIO chip and all lines
	Close() error
	// SetupOutput configures a pin as output, starting logically OFF
	SetupOutput(cfg OutputConfig) (Output, error)
	// SetupInput configures a pin as a polled input
	SetupInput(cfg InputConfig) (Input, error)
	// RequestLine hands out a raw line for drivers that need edge events
	RequestLine(pin int, opts ...gpiod.LineReqOption) (*gpiod.Line, error)
}

// line abstracts *gpiod.Line for value access
type line interface {
	Value() (int, error)
	SetValue(value int) error
}

// gpioManager implements Manager
type gpioManager struct {
	chip  *gpiod.Chip
	lines []*gpiod.Line
	mu    sync.Mutex
}

// NewManager creates a new GPIO manager
func NewManager() Manager {
	return &gpioManager{}
}

func (g *gpioManager) OpenChip(chipName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	g.chip, err = gpiod.NewChip(chipName)
	if err != nil {
		return fmt.Errorf("open chip %s: %w", chipName, err)
	}
	return nil
}

func (g *gpioManager) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for _, l := range g.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", l.Offset(), err))
		}
	}
	g.lines = nil

	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		g.chip = nil
	}
	return errors.Join(errs...)
}

func (g *gpioManager) SetupOutput(cfg OutputConfig) (Output, error) {
	l, err := g.RequestLine(cfg.Pin, gpiod.AsOutput(logicalToPinValue(false, cfg.Inverted)))
	if err != nil {
		return nil, fmt.Errorf("request output %s: %w", cfg.Name, err)
	}
	return &output{name: cfg.Name, line: l, inverted: cfg.Inverted}, nil
}

func (g *gpioManager) SetupInput(cfg InputConfig) (Input, error) {
	opts := []gpiod.LineReqOption{gpiod.AsInput}
	if cfg.PullUp {
		opts = append(opts, gpiod.WithPullUp)
	}
	l, err := g.RequestLine(cfg.Pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request input %s: %w", cfg.Name, err)
	}
	return &input{name: cfg.Name, line: l, inverted: cfg.Inverted}, nil
}

func (g *gpioManager) RequestLine(pin int, opts ...gpiod.LineReqOption) (*gpiod.Line, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return nil, fmt.Errorf("chip not opened")
	}
	l, err := g.chip.RequestLine(pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request pin %d: %w", pin, err)
	}
	g.lines = append(g.lines, l)
	return l, nil
}

// output is a logical view of an output line
type output struct {
	name     string
	line     line
	inverted bool
}

func (o *output) SetActive(on bool) error {
	if err := o.line.SetValue(logicalToPinValue(on, o.inverted)); err != nil {
		return fmt.Errorf("set output %s: %w", o.name, err)
	}
	return nil
}

func (o *output) Active() (bool, error) {
	val, err := o.line.Value()
	if err != nil {
		return false, fmt.Errorf("get output %s value: %w", o.name, err)
	}
	return getLogicalState(val, o.inverted), nil
}

// input is a logical view of an input line
type input struct {
	name     string
	line     line
	inverted bool
}

func (i *input) Active() (bool, error) {
	val, err := i.line.Value()
	if err != nil {
		return false, fmt.Errorf("get input %s value: %w", i.name, err)
	}
	return getLogicalState(val, i.inverted), nil
}

// logicalToPinValue converts a logical state to a GPIO value considering inversion
func logicalToPinValue(on bool, inverted bool) int {
	if on != inverted {
		return 1
	}
	return 0
}

// getLogicalState converts a GPIO pin value to logical state considering inversion
func getLogicalState(pinVal int, inverted bool) bool {
	return (pinVal == 1 && !inverted) || (pinVal == 0 && inverted)
}
