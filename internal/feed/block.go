package feed

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sweeney/phonestate-mqtt/internal/callstate"
)

// EventCallChanged is the block type carrying a call observation.
const EventCallChanged = "CallChanged"

// Block is one parsed feed message as an ordered set of key-value pairs.
type Block struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewBlock creates a Block from a slice of key-value pairs.
func NewBlock(kvs ...string) Block {
	b := Block{}
	for i := 0; i+1 < len(kvs); i += 2 {
		b.headers = append(b.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return b
}

// Get returns the value for the given key, or empty string if not found.
func (b Block) Get(key string) string {
	for _, h := range b.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Type returns the Event header value.
func (b Block) Type() string {
	return b.Get("Event")
}

// GetBool parses the value for key as a flag. A missing key is false.
func (b Block) GetBool(key string) (bool, error) {
	v := strings.TrimSpace(b.Get(key))
	switch strings.ToLower(v) {
	case "", "no", "false", "0":
		return false, nil
	case "yes", "true", "1":
		return true, nil
	}
	return false, fmt.Errorf("%s: invalid flag %q", key, v)
}

// Len returns the number of headers in the block.
func (b Block) Len() int {
	return len(b.headers)
}

// Observation converts a CallChanged block into a call observation.
func (b Block) Observation() (callstate.Observation, error) {
	if b.Type() != EventCallChanged {
		return callstate.Observation{}, fmt.Errorf("unexpected event type %q", b.Type())
	}

	id, err := uuid.Parse(strings.TrimSpace(b.Get("UUID")))
	if err != nil {
		return callstate.Observation{}, fmt.Errorf("parsing UUID: %w", err)
	}

	obs := callstate.Observation{ID: id}
	flags := []struct {
		key string
		dst *bool
	}{
		{"Outgoing", &obs.Outgoing},
		{"Connected", &obs.Connected},
		{"Ended", &obs.Ended},
		{"OnHold", &obs.OnHold},
	}
	for _, f := range flags {
		v, err := b.GetBool(f.key)
		if err != nil {
			return callstate.Observation{}, err
		}
		*f.dst = v
	}
	return obs, nil
}

// Format renders an observation as a feed block, including the trailing
// blank line.
func Format(o callstate.Observation) string {
	var sb strings.Builder
	sb.WriteString("Event: " + EventCallChanged + "\r\n")
	sb.WriteString("UUID: " + strings.ToUpper(o.ID.String()) + "\r\n")
	sb.WriteString("Outgoing: " + yesNo(o.Outgoing) + "\r\n")
	sb.WriteString("Connected: " + yesNo(o.Connected) + "\r\n")
	sb.WriteString("Ended: " + yesNo(o.Ended) + "\r\n")
	sb.WriteString("OnHold: " + yesNo(o.OnHold) + "\r\n")
	sb.WriteString("\r\n")
	return sb.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
