package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the engine. The engine only publishes; delivery to
// operators (email, chat) is the surrounding application's job.
const (
	EventPositionOpened           = "position_opened"
	EventPartialSaleExecuted      = "partial_sale_executed"
	EventPartialSaleDiscarded     = "partial_sale_discarded"
	EventPositionClosed           = "position_closed"
	EventPositionDiscarded        = "position_discarded"
	EventPolicyViolationCorrected = "policy_violation_corrected"
	EventPoolImbalanceDetected    = "pool_imbalance_detected"
	EventReconciliationCompleted  = "reconciliation_completed"
)

// EventChannel is the signal-bus channel all engine events are published on.
const EventChannel = "pool.events"

// EventStream is the durable stream mirror of EventChannel.
const EventStream = "stream:pool.events"

// Event is a domain event envelope published on the signal bus.
type Event struct {
	Type       string         `json:"type"`
	PoolID     string         `json:"pool_id"`
	PositionID string         `json:"position_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Marshal serializes the event for the signal bus.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ParseEvent decodes an event payload received from the signal bus.
func ParseEvent(payload []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(payload, &e)
	return e, err
}
