package models

import (
	"time"
)

// DefaultPriorMinutes is used when a queue has no configured per-person prior.
const DefaultPriorMinutes = 10.0

type Queue struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	PriorMinutes float64   `json:"prior_minutes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Prior returns the configured prior, falling back to fallback (or
// DefaultPriorMinutes) when unset.
func (q Queue) Prior(fallback float64) float64 {
	if q.PriorMinutes > 0 {
		return q.PriorMinutes
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultPriorMinutes
}

type Participant struct {
	ID          int64  `json:"id"`
	ExternalID  int64  `json:"external_id"`
	DisplayName string `json:"display_name"`
}

type QueueEntry struct {
	ID            int64       `json:"id"`
	QueueID       int64       `json:"queue_id"`
	ParticipantID int64       `json:"participant_id"`
	Status        EntryStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	CalledAt      *time.Time  `json:"called_at,omitempty"`
	ServedAt      *time.Time  `json:"served_at,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ServiceSample is the served-at minus called-at duration of one served entry.
type ServiceSample struct {
	EntryID int64   `json:"entry_id"`
	Minutes float64 `json:"minutes"`
}
