package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Status is the overall state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stage is the last pipeline step a request reached.
type Stage string

const (
	StageReceived    Stage = "received"
	StageExtracted   Stage = "extracted"
	StagePackaged    Stage = "packaged"
	StageFeedUpdated Stage = "feed_updated"
)

// FeedState tracks whether the feed document reflects a request.
type FeedState string

const (
	FeedPending FeedState = "pending"
	FeedSynced  FeedState = "synced"
	// FeedSkipped marks failed requests kept out of the feed by policy.
	FeedSkipped FeedState = "skipped"
)

// Request is the durable record of one submission.
type Request struct {
	ID        string
	SourceURL string
	Title     string
	Status    Status
	Stage     Stage
	EpubFile  string
	EpubSize  int64
	Excerpt   string
	Error     string
	ErrorKind string
	FeedState FeedState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether processing of the request has finished.
func (r Request) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}
