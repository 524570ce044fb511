package cron

import (
	"time"

	"github.com/google/uuid"
)

// Actions a scheduled job can trigger.
const (
	ActionPost         = "post"
	ActionSummary      = "summary"
	ActionCommentSweep = "comment_sweep"
	ActionCleanup      = "cleanup"
)

// Schedule describes when a job fires. Kind is "cron" (Expr is a cron
// expression with seconds), "every" (EveryMs interval), or "at" (AtMs
// one-shot, epoch millis).
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is what the job does when it fires: one of the actions above,
// with Text overriding the composed content for post jobs.
type Payload struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        true,
		CreatedAtMs:    time.Now().UnixMilli(),
		Schedule:       schedule,
		Payload:        payload,
		DeleteAfterRun: schedule.Kind == "at",
	}
}
