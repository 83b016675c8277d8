package queue

import (
	"context"
	"encoding/json"
	"time"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Job is one durable unit of work. ID doubles as the idempotency key.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	RunAt        time.Time       `json:"runAt"`
	LastError    string          `json:"lastError,omitempty"`
	RepeatKey    string          `json:"repeatKey,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	FinishedAt   time.Time       `json:"finishedAt,omitzero"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

// Repeat is a persisted cron registration.
type Repeat struct {
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	Cron      string          `json:"cron"`
	Timezone  string          `json:"timezone"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RepeatInfo is a Repeat plus its next fire time.
type RepeatInfo struct {
	Repeat
	Next time.Time `json:"next"`
}

// Store persists jobs and repeat registrations.
type Store interface {
	// InsertJob stores j unless a job with the same ID exists, in which case
	// it reports inserted=false and leaves the existing row untouched.
	InsertJob(ctx context.Context, j Job) (inserted bool, err error)
	GetJob(ctx context.Context, id string) (Job, bool, error)
	UpdateJob(ctx context.Context, j Job) error
	// DueJobs returns waiting or delayed jobs with RunAt <= now, oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// ResetActive moves active jobs back to waiting; used after a crash.
	ResetActive(ctx context.Context) (int, error)
	CountJobs(ctx context.Context) (map[State]int, error)
	// PruneJobs deletes the oldest finished jobs in state beyond keep.
	PruneJobs(ctx context.Context, state State, keep int) (int, error)

	PutRepeat(ctx context.Context, r Repeat) error
	DeleteRepeat(ctx context.Context, key string) (bool, error)
	ListRepeats(ctx context.Context) ([]Repeat, error)
}

// Handler processes one job attempt. Wrap permanent failures with NoRetry.
type Handler func(ctx context.Context, job Job) error

// EnqueueOptions tune a single job. Zero values take the queue defaults.
type EnqueueOptions struct {
	// JobID is the idempotency key; empty generates a random id.
	JobID    string
	Attempts int
	Delay    time.Duration
}

// Handle describes the outcome of an enqueue.
type Handle struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	Duplicate bool   `json:"duplicate"`
}

// Config controls retries, retention and the worker pool.
type Config struct {
	Workers   int
	QueueSize int

	Attempts      int
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffMax    time.Duration
	// BackoffJitter in [0,1) spreads retries; 0 keeps delays exact.
	BackoffJitter float64
	JobTimeout    time.Duration

	RetainCompleted int
	RetainFailed    int

	// RateMax job starts per RateDuration; 0 disables the start limiter.
	RateMax      int
	RateDuration time.Duration

	PollInterval time.Duration
	Location     *time.Location
}

const (
	DefaultAttempts    = 3
	DefaultBackoffBase = 5 * time.Second
	DefaultRetention   = 1000
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0
	}
	if c.RetainCompleted <= 0 {
		c.RetainCompleted = DefaultRetention
	}
	if c.RetainFailed <= 0 {
		c.RetainFailed = DefaultRetention
	}
	if c.RateDuration <= 0 {
		c.RateDuration = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}
