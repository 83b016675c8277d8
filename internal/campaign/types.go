package campaign

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// transitions lists the allowed moves. completed/failed -> queued is the
// explicit re-queue action; nothing leaves a terminal state on its own.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusQueued},
	StatusQueued:    {StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusQueued},
	StatusFailed:    {StatusQueued},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status that may move to to.
func sourcesOf(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusDraft, StatusQueued, StatusRunning, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrScheduleNotFound  = errors.New("campaign schedule not found")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrInvalid           = errors.New("invalid campaign")
)

type Campaign struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Message      string    `json:"message"`
	BotID        string    `json:"botId,omitempty"`
	Status       Status    `json:"status"`
	TotalTargets int       `json:"totalTargets"`
	SentCount    int       `json:"sentCount"`
	FailedCount  int       `json:"failedCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Summary is the status view of a campaign.
type Summary struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	SentCount    int       `json:"sentCount"`
	FailedCount  int       `json:"failedCount"`
	TotalTargets int       `json:"totalTargets"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (c Campaign) Summary() Summary {
	return Summary{
		ID:           c.ID,
		Status:       c.Status,
		SentCount:    c.SentCount,
		FailedCount:  c.FailedCount,
		TotalTargets: c.TotalTargets,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// Target is one audience member a campaign is pushed to. Empty BotID uses
// the campaign's bot.
type Target struct {
	AudienceID string `json:"audienceId"`
	BotID      string `json:"botId,omitempty"`
	To         string `json:"to"`
}

type Schedule struct {
	ID             string    `json:"id"`
	CampaignID     string    `json:"campaignId"`
	CronExpression string    `json:"cronExpression"`
	Timezone       string    `json:"timezone"`
	IdempotencyKey string    `json:"idempotencyKey"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery is one append-only ledger row. RunID is the queue job that
// produced it, so retries of a run skip targets it already processed.
type Delivery struct {
	ID         string         `json:"id"`
	CampaignID string         `json:"campaignId"`
	RunID      string         `json:"runId"`
	AudienceID string         `json:"audienceId"`
	Status     DeliveryStatus `json:"status"`
	SentAt     time.Time      `json:"sentAt,omitzero"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Repository persists campaigns, their targets, schedules and deliveries.
type Repository interface {
	CreateCampaign(ctx context.Context, c Campaign, targets []Target) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int) ([]Campaign, int, error)
	// TransitionCampaign moves id to `to` only if its current status is in
	// from. resetCounts zeroes sent/failed counts in the same statement.
	TransitionCampaign(ctx context.Context, id string, from []Status, to Status, resetCounts bool, at time.Time) (bool, error)
	// AddCounts increments sent/failed counts atomically.
	AddCounts(ctx context.Context, id string, sent, failed int, at time.Time) error
	Targets(ctx context.Context, campaignID string) ([]Target, error)

	AppendDelivery(ctx context.Context, d Delivery) error
	// ProcessedAudience returns audience ids with any delivery in run.
	ProcessedAudience(ctx context.Context, campaignID, runID string) (map[string]bool, error)
	Deliveries(ctx context.Context, campaignID string, limit int) ([]Delivery, error)

	CreateSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) error
	ListSchedules(ctx context.Context, campaignID string) ([]Schedule, error)
}

// JobName is the queue job that dispatches one campaign run.
const JobName = "campaign.send"

// JobPayload is the body of a JobName job.
type JobPayload struct {
	CampaignID string `json:"campaignId"`
	ScheduleID string `json:"scheduleId,omitempty"`
}
