package models

import "time"

// LyricStatus is the lifecycle state of a lyric record.
type LyricStatus string

const (
	// LyricStatusNeedsContent marks a record whose lyric has not been generated yet.
	LyricStatusNeedsContent LyricStatus = ""
	// LyricStatusContentReady marks a generated lyric waiting for its delivery cooldown.
	LyricStatusContentReady LyricStatus = "generated"
	// LyricStatusDelivered marks a lyric that was sent to the lead.
	LyricStatusDelivered LyricStatus = "sent"
)

// LyricRecord is a song lyric requested through the lead's form link.
type LyricRecord struct {
	ID          string            `json:"id"`
	LeadID      string            `json:"lead_id"`
	Phone       string            `json:"phone"`
	Name        string            `json:"name"`
	Answers     map[string]string `json:"answers,omitempty"` // form answers used as generation input
	Status      LyricStatus       `json:"status"`
	Content     string            `json:"content,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Attempts    int               `json:"attempts"`
	GeneratedAt *time.Time        `json:"generated_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// LyricUpdate carries the partial fields of a lyric record write.
type LyricUpdate struct {
	Status      *LyricStatus
	Content     *string
	LastError   *string
	GeneratedAt *time.Time
	DeliveredAt *time.Time
	IncAttempts bool
}
