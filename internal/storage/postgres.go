package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/vidflow/internal/domain"
)

const videoColumns = `id, name, description, owner_id, visibility, status, source_key,
	required_qualities, duration_seconds, failure_reason, created_at, updated_at, synced_at`

const qualityColumns = `id, video_id, resolution, object_key, duration_seconds, created_at`

type videoRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Description       string         `db:"description"`
	OwnerID           string         `db:"owner_id"`
	Visibility        string         `db:"visibility"`
	Status            string         `db:"status"`
	SourceKey         string         `db:"source_key"`
	RequiredQualities pq.StringArray `db:"required_qualities"`
	DurationSeconds   sql.NullInt64  `db:"duration_seconds"`
	FailureReason     sql.NullString `db:"failure_reason"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	SyncedAt          sql.NullTime   `db:"synced_at"`
}

func (r videoRow) toDomain() domain.Video {
	v := domain.Video{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		OwnerID:           r.OwnerID,
		Visibility:        domain.Visibility(r.Visibility),
		Status:            domain.VideoStatus(r.Status),
		SourceKey:         r.SourceKey,
		RequiredQualities: make([]domain.Resolution, len(r.RequiredQualities)),
		FailureReason:     r.FailureReason.String,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	for i, q := range r.RequiredQualities {
		v.RequiredQualities[i] = domain.Resolution(q)
	}
	if r.DurationSeconds.Valid {
		d := int(r.DurationSeconds.Int64)
		v.DurationSeconds = &d
	}
	if r.SyncedAt.Valid {
		t := r.SyncedAt.Time
		v.SyncedAt = &t
	}
	return v
}

type qualityRow struct {
	ID              string    `db:"id"`
	VideoID         string    `db:"video_id"`
	Resolution      string    `db:"resolution"`
	ObjectKey       string    `db:"object_key"`
	DurationSeconds int       `db:"duration_seconds"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r qualityRow) toDomain() domain.VideoQuality {
	return domain.VideoQuality{
		ID:              r.ID,
		VideoID:         r.VideoID,
		Resolution:      domain.Resolution(r.Resolution),
		ObjectKey:       r.ObjectKey,
		DurationSeconds: r.DurationSeconds,
		CreatedAt:       r.CreatedAt,
	}
}

func qualitiesFromRows(rows []qualityRow) []domain.VideoQuality {
	out := make([]domain.VideoQuality, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

func videosFromRows(rows []videoRow) []domain.Video {
	out := make([]domain.Video, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// CreateVideo inserts v in PROCESSING. An empty ID is filled with a new UUID.
func (s *PostgresStore) CreateVideo(ctx context.Context, v *domain.Video) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.Status = domain.StatusProcessing

	required := make(pq.StringArray, len(v.RequiredQualities))
	for i, r := range v.RequiredQualities {
		required[i] = string(r)
	}

	query := `
		INSERT INTO videos (
			id, name, description, owner_id, visibility,
			status, source_key, required_qualities
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8
		)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowxContext(ctx, query,
		v.ID,
		v.Name,
		v.Description,
		v.OwnerID,
		string(v.Visibility),
		string(v.Status),
		v.SourceKey,
		required,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}

	return nil
}

// GetVideo returns domain.ErrVideoNotFound for an unknown id
func (s *PostgresStore) GetVideo(ctx context.Context, videoID string) (*domain.Video, error) {
	var row videoRow
	err := s.db.GetContext(ctx, &row, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	v := row.toDomain()
	return &v, nil
}

// ListVideos pages through videos newest first
func (s *PostgresStore) ListVideos(ctx context.Context, filter VideoFilter) ([]domain.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.VideoID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// one extra row tells the caller there is another page
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []videoRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	return videosFromRows(rows), nil
}

// UpdateVideoDetails edits name, description and visibility
func (s *PostgresStore) UpdateVideoDetails(ctx context.Context, videoID string, details VideoDetails) (*domain.Video, error) {
	var visibility sql.NullString
	if details.Visibility != nil {
		visibility = sql.NullString{String: string(*details.Visibility), Valid: true}
	}

	query := `
		UPDATE videos
		SET name = COALESCE($1, name),
		    description = COALESCE($2, description),
		    visibility = COALESCE($3, visibility),
		    updated_at = NOW()
		WHERE id = $4
		RETURNING ` + videoColumns

	var row videoRow
	err := s.db.GetContext(ctx, &row, query,
		nullString(details.Name),
		nullString(details.Description),
		visibility,
		videoID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to update video: %w", err)
	}

	v := row.toDomain()
	return &v, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// ListQualities returns the recorded renditions of a video
func (s *PostgresStore) ListQualities(ctx context.Context, videoID string) ([]domain.VideoQuality, error) {
	var rows []qualityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+qualityColumns+` FROM video_qualities WHERE video_id = $1 ORDER BY created_at, resolution`,
		videoID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list qualities: %w", err)
	}
	return qualitiesFromRows(rows), nil
}

// WithinVideoLock runs fn in a transaction holding SELECT ... FOR UPDATE on
// the video row. fn's error, or a commit failure, rolls back.
func (s *PostgresStore) WithinVideoLock(ctx context.Context, videoID string, fn LockedFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to roll back video transaction",
				slog.String("video_id", videoID),
				slog.Any("error", rbErr),
			)
		}
	}()

	var row videoRow
	if err := tx.GetContext(ctx, &row, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, videoID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrVideoNotFound
		}
		return fmt.Errorf("failed to lock video: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx, video: row.toDomain()}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit video transaction: %w", err)
	}
	committed = true

	return nil
}

// ListStuckVideos returns PROCESSING videos created before the cutoff
func (s *PostgresStore) ListStuckVideos(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Video, error) {
	query := `
		SELECT ` + videoColumns + `
		FROM videos
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`

	var rows []videoRow
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.StatusProcessing), createdBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list stuck videos: %w", err)
	}
	return videosFromRows(rows), nil
}

// ListUnsyncedVideos returns terminal videos whose outcome has not been
// acknowledged by the notifier, least recently updated first
func (s *PostgresStore) ListUnsyncedVideos(ctx context.Context, limit int) ([]domain.Video, error) {
	query := `
		SELECT ` + videoColumns + `
		FROM videos
		WHERE status IN ($1, $2) AND synced_at IS NULL
		ORDER BY updated_at
		LIMIT $3
	`

	var rows []videoRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(domain.StatusReady),
		string(domain.StatusFailed),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced videos: %w", err)
	}
	return videosFromRows(rows), nil
}

// MarkSynced records that the video's terminal outcome has been delivered
func (s *PostgresStore) MarkSynced(ctx context.Context, videoID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE videos SET synced_at = NOW() WHERE id = $1`, videoID)
	if err != nil {
		return fmt.Errorf("failed to mark video synced: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrVideoNotFound
	}
	return nil
}

type pgTx struct {
	tx    *sqlx.Tx
	video domain.Video
}

func (t *pgTx) Video() domain.Video {
	return t.video
}

func (t *pgTx) InsertQuality(ctx context.Context, q domain.VideoQuality) (bool, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	query := `
		INSERT INTO video_qualities (id, video_id, resolution, object_key, duration_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (video_id, resolution) DO NOTHING
	`

	result, err := t.tx.ExecContext(ctx, query, q.ID, t.video.ID, string(q.Resolution), q.ObjectKey, q.DurationSeconds)
	if err != nil {
		return false, fmt.Errorf("failed to insert quality: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (t *pgTx) ListQualities(ctx context.Context) ([]domain.VideoQuality, error) {
	var rows []qualityRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+qualityColumns+` FROM video_qualities WHERE video_id = $1 ORDER BY created_at, resolution`,
		t.video.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list qualities: %w", err)
	}
	return qualitiesFromRows(rows), nil
}

func (t *pgTx) TransitionStatus(ctx context.Context, to domain.VideoStatus, opts TransitionOptions) (bool, error) {
	if !domain.StatusProcessing.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: to %s", domain.ErrInvalidTransition, to)
	}

	var duration sql.NullInt64
	if to == domain.StatusReady && opts.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*opts.DurationSeconds), Valid: true}
	}
	var reason sql.NullString
	if to == domain.StatusFailed {
		reason = sql.NullString{String: opts.FailureReason, Valid: true}
	}

	query := `
		UPDATE videos
		SET status = $1,
		    duration_seconds = COALESCE($2, duration_seconds),
		    failure_reason = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
	`

	result, err := t.tx.ExecContext(ctx, query, string(to), duration, reason, t.video.ID, string(domain.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to update video status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	t.video.Status = to
	if duration.Valid {
		d := int(duration.Int64)
		t.video.DurationSeconds = &d
	}
	t.video.FailureReason = reason.String
	return true, nil
}
