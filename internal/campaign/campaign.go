package campaign

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the campaign lifecycle state
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Campaign represents one send job. The record is owned by the caller and
// persistence layer; the delivery engine only mutates counters through a
// Tracker handle.
type Campaign struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	FromEmail string `json:"from_email,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Status    Status `json:"status"`

	TotalRecipients int `json:"total_recipients"`
	SentCount       int `json:"sent_count"`
	OpenedCount     int `json:"opened_count"`
	ClickedCount    int `json:"clicked_count"`
	RepliedCount    int `json:"replied_count"`
	BouncedCount    int `json:"bounced_count"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// New creates a draft campaign.
func New(name, subject string) *Campaign {
	now := time.Now()
	return &Campaign{
		ID:        uuid.New().String(),
		Name:      name,
		Subject:   subject,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanLaunch reports whether a send run may start for this campaign.
// A completed campaign is never reused; relaunching is a new send run.
func (c *Campaign) CanLaunch() bool {
	switch c.Status {
	case StatusDraft, StatusScheduled, StatusCompleted:
		return true
	default:
		return false
	}
}

// Rate returns numerator/denominator as a percentage, 0 when the
// denominator is 0. Open, click and reply rates are derived by readers
// from stored counters, never stored themselves.
func Rate(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator) * 100
}
