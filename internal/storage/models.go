package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Client state keys written by the spec builder and consumed by generation.
const (
	KeyQuestionData      = "questionData"
	KeyGenerateWithAudio = "generateWithAudio"
)

// Session is the signed-in identity, at most one per data dir.
type Session struct {
	UID          string
	Email        string
	Provider     string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// Poll job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// PollJob is a server-side task the client keeps watching until it reaches
// a terminal status, even across CLI invocations.
type PollJob struct {
	ID          string
	TaskID      string
	Kind        string // "generation_audio", "history_audio"
	Label       string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastStatus  string // last status string reported by the server
	LastError   string
}
