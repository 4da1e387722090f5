package models

import (
	"encoding/json"
	"time"
)

// Envelope is the runtime representation of a job inside the broker: the
// admission body plus scheduling bookkeeping. The broker never sees payload
// semantics; handlers receive the envelope read-only.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Seq        uint64          `json:"seq"` // broker-assigned enqueue sequence, FIFO tie-break
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Due        time.Time       `json:"due,omitempty"` // set while in the delayed set
}
