package signals

import (
	"time"

	"gorm.io/gorm"

	"github.com/tradelink/tradelink-api/internal/orders"
	"github.com/tradelink/tradelink-api/internal/types"
)

// Status is the closed set of signal lifecycle states. The happy path is
// received -> calculated -> processing -> executed; error is reachable from
// any non-terminal state.
type Status string

const (
	StatusReceived   Status = "received"
	StatusCalculated Status = "calculated"
	StatusProcessing Status = "processing"
	StatusExecuted   Status = "executed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusError
}

// ExecutionResult is what came back from the exchange for an executed
// signal.
type ExecutionResult struct {
	OrderID    string    `json:"order_id"`
	Amount     string    `json:"amount"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Metadata accumulates each step's intermediate results. Fields are only
// ever added, never cleared, so a record resumed after a crash can skip the
// sub-steps whose results are already present.
type Metadata struct {
	Calculation *orders.Calculation `json:"calculation,omitempty"`
	Execution   *ExecutionResult    `json:"execution,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Signal is one inbound trading instruction and its lifecycle; it doubles
// as the processor's queue item. Created by webhook ingestion, mutated only
// by the processor, never deleted by the core.
type Signal struct {
	gorm.Model `json:"-"`
	SignalID   string     `gorm:"uniqueIndex" json:"signal_id"`
	BotID      string     `gorm:"index" json:"-"`
	Action     types.Side `json:"action"`
	Ticker     string     `json:"ticker"`
	OrderSize  string     `json:"order_size"`

	// PositionSize is the target holding after the order completes; empty
	// when the signal did not carry one.
	PositionSize string `json:"position_size,omitempty"`

	SourceIP   string    `json:"-"`
	SignalTime time.Time `json:"signal_time"`

	Status   Status   `gorm:"index" json:"status"`
	Metadata Metadata `gorm:"serializer:json" json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payload is the webhook body produced by TradingView-style alerting.
type Payload struct {
	Action       string `json:"action" binding:"required"`
	Ticker       string `json:"ticker" binding:"required"`
	OrderSize    string `json:"order_size" binding:"required"`
	PositionSize string `json:"position_size"`
	Schema       string `json:"schema"`
	Timestamp    string `json:"timestamp"`
	PublicID     string `json:"public_id"`
	Secret       string `json:"secret"`
}
