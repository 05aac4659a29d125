package tably

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Push Protocol
// ============================================================================

// Frame types exchanged over the push channel. SUBSCRIBE, UNSUBSCRIBE and
// PING are client-to-server; PONG is server-to-client; every other inbound
// type is a domain event kind.
const (
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FramePing        = "PING"
	FramePong        = "PONG"
)

// Well-known domain event kinds. The dispatcher itself is kind-agnostic;
// consumers may register for any string the server emits.
const (
	EventNewOrder      = "new-order"
	EventStatusUpdate  = "status-update"
	EventChatMessage   = "chat-message"
	EventLowStockAlert = "low-stock-alert"
)

// Frame is the wire format for all push-channel traffic, both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (f Frame) encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}

// parseFrame decodes a raw inbound frame. A frame without a type field is
// malformed; callers drop it and keep reading.
func parseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// subscribeFrame builds a SUBSCRIBE frame. The join payload's fields are
// flattened into the data object next to the channel name, so
// subscribeFrame("kitchen", map[string]any{"companyId": "c1"}) produces
// {"type":"SUBSCRIBE","data":{"channel":"kitchen","companyId":"c1"}}.
func subscribeFrame(channel string, payload any) (Frame, error) {
	data := map[string]any{"channel": channel}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to marshal join payload: %w", err)
		}
		fields := map[string]any{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Frame{}, fmt.Errorf("join payload must be a JSON object: %w", err)
		}
		for k, v := range fields {
			if k == "channel" {
				continue
			}
			data[k] = v
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal subscribe data: %w", err)
	}
	return Frame{Type: FrameSubscribe, Data: raw}, nil
}

func unsubscribeFrame(channel string) Frame {
	raw, _ := json.Marshal(map[string]string{"channel": channel})
	return Frame{Type: FrameUnsubscribe, Data: raw}
}

func pingFrame() Frame {
	return Frame{Type: FramePing}
}
