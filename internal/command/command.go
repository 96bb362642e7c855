// Package command decodes inbound broker messages into commands and
// dispatches them to the relay and sample schedulers.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/r0bb10/hydro-node/internal/relay"
)

var (
	// ErrWrongTarget marks a message addressed to another device
	ErrWrongTarget = errors.New("message for another device")
	// ErrMalformed marks a message that cannot be decoded
	ErrMalformed = errors.New("malformed command")
	// ErrIgnored marks a well-formed message that asks for nothing
	ErrIgnored = errors.New("message ignored")
)

// Command names understood on the wire
const (
	ReadNowCommand = "read_now"
	ReadNowAck     = "read_now_ack"
)

// Kind is the command variant
type Kind int

const (
	ReadNow Kind = iota + 1
	SetInterval
	RelayCommand
)

func (k Kind) String() string {
	switch k {
	case ReadNow:
		return "read_now"
	case SetInterval:
		return "interval"
	case RelayCommand:
		return "relay"
	}
	return "unknown"
}

// Command is a validated inbound request
type Command struct {
	Kind     Kind
	Interval int
	Relay    string
	Action   string // relay.CommandOn or relay.CommandOff
	Duration int
}

// Decoder turns raw payloads into commands for one device
type Decoder struct {
	CodeField string
	Code      string
}

// Decode parses payload. Messages for other devices yield ErrWrongTarget,
// our own echoed acknowledgements and empty requests yield ErrIgnored.
func (d Decoder) Decode(payload []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if fields == nil {
		return Command{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	var code string
	if raw, ok := fields[d.CodeField]; !ok || json.Unmarshal(raw, &code) != nil || code != d.Code {
		return Command{}, ErrWrongTarget
	}

	if _, ok := fields["status"]; ok {
		return Command{}, fmt.Errorf("%w: acknowledgement", ErrIgnored)
	}

	name, err := stringField(fields, "command")
	if err != nil {
		return Command{}, err
	}
	switch name {
	case ReadNowCommand:
		return Command{Kind: ReadNow}, nil
	case ReadNowAck:
		return Command{}, fmt.Errorf("%w: %s", ErrIgnored, name)
	}

	relayName, err := stringField(fields, "relay")
	if err != nil {
		return Command{}, err
	}
	if name != "" && relayName != "" {
		return decodeRelay(fields, name, relayName)
	}

	if raw, ok := fields["interval"]; ok && !isNull(raw) {
		var seconds int
		if err := json.Unmarshal(raw, &seconds); err != nil {
			return Command{}, fmt.Errorf("%w: interval %s is not an integer", ErrIgnored, raw)
		}
		return Command{Kind: SetInterval, Interval: seconds}, nil
	}

	return Command{}, fmt.Errorf("%w: nothing to do", ErrIgnored)
}

func decodeRelay(fields map[string]json.RawMessage, action, name string) (Command, error) {
	cmd := Command{Kind: RelayCommand, Relay: name, Action: strings.ToUpper(action)}
	if cmd.Action != relay.CommandOn && cmd.Action != relay.CommandOff {
		return cmd, fmt.Errorf("%w: unknown relay action %q", ErrMalformed, action)
	}
	if raw, ok := fields["duration"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &cmd.Duration); err != nil || cmd.Duration < 0 {
			return cmd, fmt.Errorf("%w: invalid duration %s", ErrMalformed, raw)
		}
	}
	return cmd, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, key)
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
