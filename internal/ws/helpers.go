package ws

import (
	"encoding/json"

	"github.com/google/uuid"
)

func newConnID() string {
	return uuid.NewString()
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ack   *int64 `json:"ack,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, Data: payload})
}

func encodeAck(ack int64, payload any) ([]byte, error) {
	return json.Marshal(outFrame{Event: "ack", Data: payload, Ack: &ack})
}
