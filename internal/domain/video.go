package domain

import (
	"fmt"
	"strings"
	"time"
)

// VideoStatus is the lifecycle state of a video
type VideoStatus string

const (
	StatusProcessing VideoStatus = "PROCESSING"
	StatusReady      VideoStatus = "READY"
	StatusFailed     VideoStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed
func (s VideoStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal transition.
// Only PROCESSING -> READY and PROCESSING -> FAILED are.
func (s VideoStatus) CanTransitionTo(next VideoStatus) bool {
	return s == StatusProcessing && next.IsTerminal()
}

// Visibility controls who may watch a video
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityPrivate  Visibility = "PRIVATE"
	VisibilityUnlisted Visibility = "UNLISTED"
)

// ParseVisibility accepts any case
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToUpper(strings.TrimSpace(s))); v {
	case VisibilityPublic, VisibilityPrivate, VisibilityUnlisted:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, s)
	}
}

// Video is the authoritative record of an uploaded video
type Video struct {
	ID                string
	Name              string
	Description       string
	OwnerID           string
	Visibility        Visibility
	Status            VideoStatus
	SourceKey         string
	RequiredQualities []Resolution
	DurationSeconds   *int
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	// SyncedAt is set once a terminal status has been delivered to the
	// video service. Nil in the local topology until the sweep marks it.
	SyncedAt *time.Time
}

// VideoQuality is one finished rendition of a video
type VideoQuality struct {
	ID              string
	VideoID         string
	Resolution      Resolution
	ObjectKey       string
	DurationSeconds int
	CreatedAt       time.Time
}

// MissingQualities returns the required resolutions with no recorded quality.
// Recorded qualities outside the required set are ignored.
func MissingQualities(required []Resolution, recorded []VideoQuality) []Resolution {
	have := make(map[Resolution]struct{}, len(recorded))
	for _, q := range recorded {
		have[q.Resolution] = struct{}{}
	}

	var missing []Resolution
	for _, r := range required {
		if _, ok := have[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// IsComplete reports whether every required quality has been recorded
func (v *Video) IsComplete(recorded []VideoQuality) bool {
	return len(MissingQualities(v.RequiredQualities, recorded)) == 0
}

// ReferenceDuration picks the duration reported by the highest required
// resolution. If that rendition reported nothing usable, the next highest
// recorded one is used.
func (v *Video) ReferenceDuration(recorded []VideoQuality) int {
	byRes := make(map[Resolution]int, len(recorded))
	for _, q := range recorded {
		byRes[q.Resolution] = q.DurationSeconds
	}

	for _, r := range SortByHeightDesc(v.RequiredQualities) {
		if d := byRes[r]; d > 0 {
			return d
		}
	}
	return 0
}
