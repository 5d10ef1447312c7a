package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/phonestate-mqtt/internal/tracker"
)

// payload is the JSON structure published for each call event.
type payload struct {
	Status      string     `json:"status"`
	CallUUID    string     `json:"callUUID"`
	StartTime   *string    `json:"startTime"`
	EndTime     *string    `json:"endTime"`
	Direction   string     `json:"direction"`
	PhoneNumber *string    `json:"phoneNumber"`
	HoldTimes   []holdTime `json:"holdTimes"`
}

type holdTime struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

// formatTime renders t in UTC with second precision.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatStamp(ts tracker.Timestamp) *string {
	t, ok := ts.Get()
	if !ok {
		return nil
	}
	s := formatTime(t)
	return &s
}

// CallUUID returns the textual form of the event's call identifier.
func CallUUID(evt tracker.Event) string {
	return strings.ToUpper(evt.CallID.String())
}

// Encode renders an event as the JSON payload sent to the host.
func Encode(evt tracker.Event) ([]byte, error) {
	p := payload{
		Status:    string(evt.Status),
		CallUUID:  CallUUID(evt),
		StartTime: formatStamp(evt.StartTime),
		EndTime:   formatStamp(evt.EndTime),
		Direction: string(evt.Direction),
		HoldTimes: make([]holdTime, 0, len(evt.Holds)),
	}
	for _, h := range evt.Holds {
		p.HoldTimes = append(p.HoldTimes, holdTime{
			Start: formatTime(h.From),
			End:   formatStamp(h.To),
		})
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return data, nil
}

// Topic returns the topic an event is published on.
func Topic(prefix string, evt tracker.Event) string {
	return fmt.Sprintf("%s/call/%s/%s", prefix, CallUUID(evt), evt.Status)
}

// ControlTopic returns the topic the bridge listens on for commands.
func ControlTopic(prefix string) string {
	return prefix + "/control"
}
