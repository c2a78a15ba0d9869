// Package hub fans JSON messages out to websocket clients using a single
// goroutine that owns the client set.
package hub

import (
	"encoding/json"
	"time"
)

// Message types sent to clients.
const (
	TypeStatus = "status"
	TypeEvent  = "event"
)

// Message is an encoded frame queued for clients.
type Message struct {
	Data []byte
}

// envelope is the wire format of every frame.
type envelope struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Encode wraps v in the typed envelope.
func Encode(typ string, v any) (Message, error) {
	data, err := json.Marshal(envelope{Type: typ, At: time.Now().UTC(), Data: v})
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data}, nil
}
