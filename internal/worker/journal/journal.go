// Package journal keeps a local record of jobs that exhausted their
// attempts, for operators to inspect after the message was dead-lettered.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/cuongbtq/vidflow/internal/domain"
)

const keyPrefix = "failure/"

// FailureRecord is one permanently failed job
type FailureRecord struct {
	VideoID    string            `json:"video_id"`
	Resolution domain.Resolution `json:"resolution"`
	SourceKey  string            `json:"source_key"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error"`
	WorkerID   string            `json:"worker_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Journal is a Pebble-backed failure store
type Journal struct {
	db *pebble.DB
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	return open(path, vfs.Default)
}

func open(path string, fs vfs.FS) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{FS: fs})
	if err != nil {
		return nil, fmt.Errorf("failed to open failure journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal
func (j *Journal) Close() error {
	return j.db.Close()
}

func recordKey(videoID string, res domain.Resolution) []byte {
	return []byte(keyPrefix + videoID + "/" + string(res))
}

// Record stores rec, replacing any earlier record for the same job
func (j *Journal) Record(rec FailureRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	return j.db.Set(recordKey(rec.VideoID, rec.Resolution), data, pebble.Sync)
}

// get returns the record for a job, or nil if there is none
func (j *Journal) get(videoID string, res domain.Resolution) (*FailureRecord, error) {
	data, closer, err := j.db.Get(recordKey(videoID, res))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	defer closer.Close()

	var rec FailureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure record: %w", err)
	}
	return &rec, nil
}

// Delete removes the record for a job
func (j *Journal) Delete(videoID string, res domain.Resolution) error {
	return j.db.Delete(recordKey(videoID, res), pebble.Sync)
}

// List returns every record, or only those of videoID when it is non-empty
func (j *Journal) List(videoID string) ([]FailureRecord, error) {
	prefix := keyPrefix
	if videoID != "" {
		prefix += videoID + "/"
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd([]byte(prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []FailureRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec FailureRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	return records, nil
}

// prefixEnd returns the smallest key greater than every key with prefix p
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
