package network

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/beevik/ntp"
)

// OffsetSetter receives the measured clock correction
type OffsetSetter interface {
	SetOffset(d time.Duration)
}

// QueryFunc measures the local clock offset against server
type QueryFunc func(server string, timeout time.Duration) (time.Duration, error)

// QueryNTP asks an NTP server for the clock offset
func QueryNTP(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid response: %w", err)
	}
	return resp.ClockOffset, nil
}

// TimeSync is the best-effort clock synchronizer
type TimeSync struct {
	Server  string
	Timeout time.Duration
	Delay   time.Duration
	Query   QueryFunc
	Clock   OffsetSetter
}

// Sync tries up to retries times. Failure is logged and reported as false, never fatal.
func (t *TimeSync) Sync(ctx context.Context, retries int) bool {
	query := t.Query
	if query == nil {
		query = QueryNTP
	}
	for attempt := 1; attempt <= retries; attempt++ {
		offset, err := query(t.Server, t.Timeout)
		if err == nil {
			t.Clock.SetOffset(offset)
			log.Printf("Clock synchronized with %s (offset %s)", t.Server, offset)
			return true
		}
		log.Printf("Failed to sync time (attempt %d/%d): %v", attempt, retries, err)

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(t.Delay):
		}
	}
	log.Printf("Continuing with unsynchronized clock")
	return false
}
