// Package types defines the core domain models shared across conduit.
package types

import (
	"encoding/json"
	"time"
)

// JobID uniquely identifies one submitted unit of multi-stage work.
type JobID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"    // created, waiting for a worker
	StatusRunning   JobStatus = "running"   // a worker owns the current attempt
	StatusSucceeded JobStatus = "succeeded" // terminal: all stages completed
	StatusFailed    JobStatus = "failed"    // terminal: retries exhausted or permanent error
	StatusCancelled JobStatus = "cancelled" // terminal: cancel observed at a stage boundary
)

// Terminal reports whether s is a final state. Once terminal, a job's
// status never changes.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is one submitted unit of pipeline work, tracked end-to-end by ID.
type Job struct {
	ID              JobID           `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Status          JobStatus       `json:"status"`
	StageIndex      int             `json:"stage_index"`
	ProgressPercent float64         `json:"progress_percent"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Payload         []byte          `json:"payload,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	ResultRef       string          `json:"result_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EventType classifies real-time events emitted by the pipeline.
type EventType string

const (
	EventProgress     EventType = "progress"
	EventCompletion   EventType = "completion"
	EventError        EventType = "error"
	EventNotification EventType = "notification"
	EventPing         EventType = "ping"
	EventPong         EventType = "pong"
)

// Event is a typed, per-job-sequenced notification. Seq is strictly
// increasing and gapless per job as observed by one consumer session.
type Event struct {
	JobID     JobID           `json:"job_id"`
	Type      EventType       `json:"type"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Envelope is the wire format of the real-time channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Recognized envelope types.
const (
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgJobProgress = "job_progress"
	MsgJobComplete = "job_complete"
	MsgJobError    = "job_error"
	MsgNotify      = "notification"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
)

// ValidEnvelopeType reports whether t is one of the recognized message
// types. Anything else is a protocol error and must be dropped.
func ValidEnvelopeType(t string) bool {
	switch t {
	case MsgPing, MsgPong, MsgJobProgress, MsgJobComplete, MsgJobError,
		MsgNotify, MsgSubscribe, MsgUnsubscribe:
		return true
	}
	return false
}

// EnvelopeTypeFor maps an event type to its wire envelope type.
func EnvelopeTypeFor(t EventType) string {
	switch t {
	case EventCompletion:
		return MsgJobComplete
	case EventError:
		return MsgJobError
	case EventNotification:
		return MsgNotify
	case EventPing:
		return MsgPing
	case EventPong:
		return MsgPong
	default:
		return MsgJobProgress
	}
}
