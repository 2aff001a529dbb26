package api

import (
	"encoding/json"
	"errors"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
	"github.com/yzhelezko/thermic-core/internal/events"
)

// Message types sent to clients.
const (
	TypeResponse       = "response"
	TypeEvent          = "event"
	TypeTerminalOutput = "terminal.output"
)

// Request is a call from a client.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Message is everything the bridge sends.
type Message struct {
	Type string `json:"type"`

	// Responses
	ID        string      `json:"id,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"errorKind,omitempty"`

	Event *events.Event `json:"event,omitempty"`

	// Terminal output
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"`
}

// errorKind names the coreerr kind in err's chain.
func errorKind(err error) string {
	var (
		connErr     *coreerr.ConnError
		chanErr     *coreerr.ChannelError
		transferErr *coreerr.TransferError
		syncErr     *coreerr.SyncError
	)
	switch {
	case errors.As(err, &connErr):
		return connErr.Kind.String()
	case errors.As(err, &chanErr):
		return chanErr.Kind.String()
	case errors.As(err, &transferErr):
		return transferErr.Kind.String()
	case errors.As(err, &syncErr):
		return syncErr.Kind.String()
	default:
		return ""
	}
}
