// Package telemetry assembles telemetry frames from the node's sensor
// capabilities and publishes them.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/r0bb10/hydro-node/internal/metrics"
)

// ErrOffline is returned when a cycle is skipped for lack of a usable link
var ErrOffline = errors.New("link not usable")

// TimestampField carries the frame timestamp
const TimestampField = "datetime"

// Frame is one telemetry message under construction
type Frame map[string]any

// Float returns a numeric field collected earlier in the cycle
func (f Frame) Float(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Source contributes fields to a frame. Sources run in order, so a later
// source may read what an earlier one collected.
type Source interface {
	Name() string
	Collect(ctx context.Context, f Frame) error
}

// Publisher is the outbound side of the connectivity manager
type Publisher interface {
	Usable() bool
	Publish(topic string, qos byte, payload any) error
}

// ReporterConfig holds the reporter's identity and topic
type ReporterConfig struct {
	CodeField string
	Code      string
	Topic     string
	QoS       byte
}

// Reporter runs one sample-and-publish cycle
type Reporter struct {
	cfg       ReporterConfig
	sources   []Source
	publisher Publisher
	stamper   *Stamper
	metrics   *metrics.Recorder
}

// NewReporter creates a reporter over the capabilities present at boot
func NewReporter(cfg ReporterConfig, sources []Source, publisher Publisher, stamper *Stamper, rec *metrics.Recorder) *Reporter {
	return &Reporter{
		cfg:       cfg,
		sources:   sources,
		publisher: publisher,
		stamper:   stamper,
		metrics:   rec,
	}
}

// Sources returns the names of the capabilities the reporter reads
func (r *Reporter) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}

// Collect builds a frame. A failing source leaves its fields out.
func (r *Reporter) Collect(ctx context.Context) Frame {
	f := Frame{r.cfg.CodeField: r.cfg.Code}
	for _, s := range r.sources {
		if err := s.Collect(ctx, f); err != nil {
			log.Printf("Failed to read %s: %v", s.Name(), err)
		}
	}
	f[TimestampField] = r.stamper.Now()
	return f
}

// Report collects a frame and publishes it to the telemetry topic
func (r *Reporter) Report(ctx context.Context) error {
	if !r.publisher.Usable() {
		return ErrOffline
	}

	f := r.Collect(ctx)
	if err := r.publisher.Publish(r.cfg.Topic, r.cfg.QoS, f); err != nil {
		r.metrics.Sample(false)
		return fmt.Errorf("publish telemetry: %w", err)
	}
	r.metrics.Sample(true)
	return nil
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
