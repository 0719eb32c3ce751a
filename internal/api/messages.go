// Package api defines the JSON messages exchanged over the WebSocket stream.
package api

import (
	"github.com/skobkin/cpuhz-web/internal/cpustat"
	"github.com/skobkin/cpuhz-web/internal/sampler"
	"github.com/skobkin/cpuhz-web/internal/topology"
)

// Message types sent by the server.
const (
	TypeHello    = "hello"
	TypeSnapshot = "snapshot"
	TypeError    = "error"
	TypePong     = "pong"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Host       topology.Host   `json:"host"`
	Cores      []topology.CPU  `json:"cores"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, host topology.Host, cores []topology.CPU, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: intervalMS,
		Host:       host,
		Cores:      cores,
		Features:   features,
	}
}

// SnapshotMessage wraps a sampling round for transport. Load is attached
// when the load scanner has data.
type SnapshotMessage struct {
	Type string `json:"type"`
	sampler.Snapshot
	Load *cpustat.Snapshot `json:"load,omitempty"`
}

// NewSnapshotMessage constructs a snapshot payload.
func NewSnapshotMessage(snapshot sampler.Snapshot, load *cpustat.Snapshot) SnapshotMessage {
	return SnapshotMessage{
		Type:     TypeSnapshot,
		Snapshot: snapshot,
		Load:     load,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
