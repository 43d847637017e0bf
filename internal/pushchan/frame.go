package pushchan

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Frame is one websocket text message: a named event on a channel.
type Frame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewFrame(channel, event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s %s payload: %w", channel, event, err)
	}
	return Frame{Channel: channel, Event: event, Data: raw}, nil
}

func EncodeFrame(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(frame.Event) == "" {
		return Frame{}, fmt.Errorf("decode frame: event is required")
	}
	return frame, nil
}
