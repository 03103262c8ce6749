package domain

import "time"

// BridgeSession mirrors a session's last known state so operators can see
// sessions across restarts. The live state lives in the session manager; this
// row is refreshed by a background job.
type BridgeSession struct {
	ID          int64     `json:"id,string" gorm:"primaryKey"`
	SID         string    `json:"sid" gorm:"uniqueIndex;column:sid"`
	Jid         string    `json:"jid"`
	Status      string    `json:"status"` // e.g., Connected, Waiting for scan, Disconnected
	LastReadyAt time.Time `json:"last_ready_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (BridgeSession) TableName() string {
	return "bridge_session"
}
