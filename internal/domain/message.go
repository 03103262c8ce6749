package domain

// Message directions and delivery statuses.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	MessageStatusSent     = "sent"
	MessageStatusReceived = "received"
)

// Message is one observed chat message. Records are immutable once created
// and retained in memory only up to the configured per-chat cap.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Direction string `json:"direction"`
	Body      string `json:"body"`
	Media     string `json:"media,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}
