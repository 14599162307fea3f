package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind tags a queue message so the dispatcher can route it
type JobKind string

const (
	JobKindTranscode JobKind = "transcode"
)

// TranscodeJob asks a worker to render one resolution of one video.
// Delivery is at-least-once; handling is idempotent per (VideoID, Resolution).
type TranscodeJob struct {
	Kind       JobKind    `json:"kind"`
	VideoID    string     `json:"video_id"`
	SourceKey  string     `json:"source_key"`
	Resolution Resolution `json:"resolution"`
	Attempt    int        `json:"attempt"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// NewTranscodeJob builds the first-attempt message for a resolution
func NewTranscodeJob(videoID, sourceKey string, res Resolution, now time.Time) TranscodeJob {
	return TranscodeJob{
		Kind:       JobKindTranscode,
		VideoID:    videoID,
		SourceKey:  sourceKey,
		Resolution: res,
		Attempt:    1,
		EnqueuedAt: now.UTC(),
	}
}

// Validate checks the fields every handler relies on
func (j TranscodeJob) Validate() error {
	switch {
	case j.VideoID == "":
		return fmt.Errorf("%w: video_id is required", ErrInvalidPayload)
	case j.SourceKey == "":
		return fmt.Errorf("%w: source_key is required", ErrInvalidPayload)
	case j.Resolution == "":
		return fmt.Errorf("%w: resolution is required", ErrInvalidPayload)
	}
	return nil
}

// Encode marshals the job for the queue
func (j TranscodeJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// NextAttempt returns a copy for redelivery through the retry queue
func (j TranscodeJob) NextAttempt() TranscodeJob {
	j.Attempt++
	return j
}

// DecodeJob parses a queue message, switching on its kind tag
func DecodeJob(body []byte) (TranscodeJob, error) {
	var envelope struct {
		Kind JobKind `json:"kind"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return TranscodeJob{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch envelope.Kind {
	case JobKindTranscode:
		var job TranscodeJob
		if err := json.Unmarshal(body, &job); err != nil {
			return TranscodeJob{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if job.Attempt < 1 {
			job.Attempt = 1
		}
		return job, job.Validate()
	default:
		return TranscodeJob{}, fmt.Errorf("%w: %q", ErrUnknownJobKind, envelope.Kind)
	}
}

// Outcome is the result a worker reports for one job
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// CompletionEvent is what a worker hands the reconciler when a job ends
type CompletionEvent struct {
	VideoID         string
	Resolution      Resolution
	Outcome         Outcome
	ObjectKey       string
	DurationSeconds int
	Error           string
	Attempt         int
}
