// internal/offload/messages.go
package offload

import (
	"errors"

	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
)

// MessageType tags every message crossing the worker boundary.
type MessageType string

const (
	MessageCalculate MessageType = "CALCULATE"
	MessageResult    MessageType = "RESULT"
	MessageError     MessageType = "ERROR"
	MessageReady     MessageType = "READY"
)

// Request is the payload of a calculation request.
type Request struct {
	Tokens   []token.Descriptor `json:"tokens"`
	Balances token.Balances     `json:"balances"`
	Options  valuation.Options  `json:"options"`
}

// Message is the only thing exchanged with a worker. A CALCULATE message
// carries the request fields inline; RequestID is zero for READY.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID uint64      `json:"requestId,omitempty"`
	*Request
	Result *valuation.Valuation `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

var (
	// ErrTimeout rejects a request with no reply within the request timeout.
	ErrTimeout = errors.New("valuation request timed out")
	// ErrStaleRequest rejects a request found by the sweeper past its age limit.
	ErrStaleRequest = errors.New("valuation request went stale")
	// ErrWorkerCrashed rejects every request pending when the worker died.
	ErrWorkerCrashed = errors.New("valuation worker crashed")
	// ErrWorkerUnavailable is returned when no worker can be created.
	ErrWorkerUnavailable = errors.New("valuation worker unavailable")
	// ErrChannelClosed rejects requests after Stop.
	ErrChannelClosed = errors.New("offload channel closed")
	// ErrCalculation wraps an error reported by the worker itself.
	ErrCalculation = errors.New("valuation failed in worker")
)
