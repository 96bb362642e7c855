package telemetry

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// TimestampLayout is the wire format of every outbound timestamp
const TimestampLayout = "2006-01-02 15:04:05"

// Clock is wall time corrected by the last time sync
type Clock struct {
	offset atomic.Int64
	synced atomic.Bool
}

// Now returns the corrected current time
func (c *Clock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

// SetOffset records the correction measured against a time server
func (c *Clock) SetOffset(d time.Duration) {
	c.offset.Store(int64(d))
	c.synced.Store(true)
}

// Synced reports whether a time sync has ever succeeded
func (c *Clock) Synced() bool {
	return c.synced.Load()
}

// ParseOffset parses a "+HH:MM" or "-HH:MM" UTC offset
func ParseOffset(s string) (time.Duration, error) {
	if len(s) != 6 || (s[0] != '+' && s[0] != '-') || s[3] != ':' {
		return 0, fmt.Errorf("offset %q: want +HH:MM", s)
	}
	hours, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, fmt.Errorf("offset %q hours: %w", s, err)
	}
	minutes, err := strconv.Atoi(s[4:6])
	if err != nil {
		return 0, fmt.Errorf("offset %q minutes: %w", s, err)
	}
	if hours > 14 || minutes > 59 {
		return 0, fmt.Errorf("offset %q out of range", s)
	}

	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	if s[0] == '-' {
		d = -d
	}
	return d, nil
}

// FormatTimestamp renders t in UTC shifted by offset. An unparseable
// offset leaves the time unadjusted.
func FormatTimestamp(t time.Time, offset string) string {
	t = t.UTC()
	if d, err := ParseOffset(offset); err == nil {
		t = t.Add(d)
	}
	return t.Format(TimestampLayout)
}

// Stamper produces timezone-adjusted timestamps from a clock
type Stamper struct {
	clock    *Clock
	timezone atomic.Value // string
}

// NewStamper creates a stamper for the given persisted offset
func NewStamper(clock *Clock, offset string) *Stamper {
	s := &Stamper{clock: clock}
	s.timezone.Store(offset)
	return s
}

// SetTimezone replaces the offset used for new timestamps
func (s *Stamper) SetTimezone(offset string) {
	s.timezone.Store(offset)
}

// Timezone returns the active offset
func (s *Stamper) Timezone() string {
	return s.timezone.Load().(string)
}

// Now returns the current timestamp string
func (s *Stamper) Now() string {
	return FormatTimestamp(s.clock.Now(), s.Timezone())
}
