package domain

import "time"

// MessageLog is the durable message journal. The in-memory ring buffer answers
// most history queries; this table is the fall-back when the ring is empty
// (fresh process) and the source for best-effort chat/contact listings.
type MessageLog struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Session   string    `json:"session" gorm:"index"`
	Chat      string    `json:"chat" gorm:"index"`
	MsgID     string    `json:"msg_id"`
	Sender    string    `json:"sender"`
	Direction string    `json:"direction"`
	Body      string    `json:"body"`
	Media     string    `json:"media"`
	Status    string    `json:"status"`
	Timestamp int64     `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

func (MessageLog) TableName() string {
	return "message_log"
}
