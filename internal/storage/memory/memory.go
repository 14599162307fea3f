// Package memory is an in-process storage.Store used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps videos and qualities in maps. WithinVideoLock takes a
// per-video mutex and stages writes until the callback returns nil.
type Store struct {
	mu        sync.RWMutex
	videos    map[string]domain.Video
	qualities map[string][]domain.VideoQuality

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// New creates an empty Store
func New() *Store {
	return &Store{
		videos:    make(map[string]domain.Video),
		qualities: make(map[string][]domain.VideoQuality),
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) CreateVideo(_ context.Context, v *domain.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if _, exists := s.videos[v.ID]; exists {
		return fmt.Errorf("failed to create video: duplicate id %s", v.ID)
	}

	now := s.now().UTC()
	v.Status = domain.StatusProcessing
	v.CreatedAt = now
	v.UpdatedAt = now
	s.videos[v.ID] = cloneVideo(*v)
	return nil
}

func (s *Store) GetVideo(_ context.Context, videoID string) (*domain.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.videos[videoID]
	if !ok {
		return nil, domain.ErrVideoNotFound
	}
	out := cloneVideo(v)
	return &out, nil
}

func (s *Store) ListVideos(_ context.Context, filter storage.VideoFilter) ([]domain.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Video
	for _, v := range s.videos {
		if filter.OwnerID != "" && v.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if v.CreatedAt.After(c.CreatedAt) || (v.CreatedAt.Equal(c.CreatedAt) && v.ID >= c.VideoID) {
				continue
			}
		}
		out = append(out, cloneVideo(v))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit := filter.PageSize + 1; len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateVideoDetails(_ context.Context, videoID string, details storage.VideoDetails) (*domain.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[videoID]
	if !ok {
		return nil, domain.ErrVideoNotFound
	}
	if details.Name != nil {
		v.Name = *details.Name
	}
	if details.Description != nil {
		v.Description = *details.Description
	}
	if details.Visibility != nil {
		v.Visibility = *details.Visibility
	}
	v.UpdatedAt = s.now().UTC()
	s.videos[videoID] = v

	out := cloneVideo(v)
	return &out, nil
}

func (s *Store) ListQualities(_ context.Context, videoID string) ([]domain.VideoQuality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.VideoQuality(nil), s.qualities[videoID]...), nil
}

func (s *Store) ListStuckVideos(_ context.Context, createdBefore time.Time, limit int) ([]domain.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Video
	for _, v := range s.videos {
		if v.Status == domain.StatusProcessing && v.CreatedAt.Before(createdBefore) {
			out = append(out, cloneVideo(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnsyncedVideos(_ context.Context, limit int) ([]domain.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Video
	for _, v := range s.videos {
		if v.Status.IsTerminal() && v.SyncedAt == nil {
			out = append(out, cloneVideo(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkSynced(_ context.Context, videoID string) error {
	lock := s.videoLock(videoID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[videoID]
	if !ok {
		return domain.ErrVideoNotFound
	}
	now := s.now().UTC()
	v.SyncedAt = &now
	s.videos[videoID] = v
	return nil
}

func (s *Store) videoLock(videoID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[videoID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[videoID] = l
	}
	return l
}

func (s *Store) WithinVideoLock(ctx context.Context, videoID string, fn storage.LockedFunc) error {
	lock := s.videoLock(videoID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	v, ok := s.videos[videoID]
	existing := append([]domain.VideoQuality(nil), s.qualities[videoID]...)
	s.mu.RUnlock()
	if !ok {
		return domain.ErrVideoNotFound
	}

	tx := &memTx{store: s, video: cloneVideo(v), qualities: existing}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualities[videoID] = tx.qualities
	if tx.dirty {
		s.videos[videoID] = tx.video
	}
	return nil
}

type memTx struct {
	store     *Store
	video     domain.Video
	qualities []domain.VideoQuality
	dirty     bool
}

func (t *memTx) Video() domain.Video {
	return cloneVideo(t.video)
}

func (t *memTx) InsertQuality(_ context.Context, q domain.VideoQuality) (bool, error) {
	for _, existing := range t.qualities {
		if existing.Resolution == q.Resolution {
			return false, nil
		}
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.VideoID = t.video.ID
	q.CreatedAt = t.store.now().UTC()
	t.qualities = append(t.qualities, q)
	return true, nil
}

func (t *memTx) ListQualities(_ context.Context) ([]domain.VideoQuality, error) {
	return append([]domain.VideoQuality(nil), t.qualities...), nil
}

func (t *memTx) TransitionStatus(_ context.Context, to domain.VideoStatus, opts storage.TransitionOptions) (bool, error) {
	if !domain.StatusProcessing.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: to %s", domain.ErrInvalidTransition, to)
	}
	if t.video.Status != domain.StatusProcessing {
		return false, nil
	}

	t.video.Status = to
	t.video.UpdatedAt = t.store.now().UTC()
	if to == domain.StatusReady && opts.DurationSeconds != nil {
		d := *opts.DurationSeconds
		t.video.DurationSeconds = &d
	}
	if to == domain.StatusFailed {
		t.video.FailureReason = opts.FailureReason
	}
	t.dirty = true
	return true, nil
}

func cloneVideo(v domain.Video) domain.Video {
	v.RequiredQualities = append([]domain.Resolution(nil), v.RequiredQualities...)
	if v.DurationSeconds != nil {
		d := *v.DurationSeconds
		v.DurationSeconds = &d
	}
	if v.SyncedAt != nil {
		t := *v.SyncedAt
		v.SyncedAt = &t
	}
	return v
}
