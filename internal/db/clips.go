package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

var clipCols = []string{
	"id", "platform", "clip_id", "url", "embed_url", "video_url", "thumbnail_url",
	"title", "channel", "creator", "category", "duration", "created_at",
	"status", "submitted_at", "played_at",
}

var (
	clipColumns = strings.Join(clipCols, ", ")
	// clip columns qualified with the "c" alias for joins
	clipColumnsC = "c." + strings.Join(clipCols, ", c.")
)

func scanClip(row pgx.Row) (*Clip, error) {
	var c Clip
	err := row.Scan(
		&c.ID, &c.Platform, &c.ClipID, &c.URL, &c.EmbedURL, &c.VideoURL, &c.ThumbnailURL,
		&c.Title, &c.Channel, &c.Creator, &c.Category, &c.Duration, &c.CreatedAt,
		&c.Status, &c.SubmittedAt, &c.PlayedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Submitters = []string{}
	return &c, nil
}

// insertOrPatchClip inserts the clip or, when the id exists, patches the
// mutable metadata. Status, url, channel and submitted_at of an existing row
// are never touched here.
func (s *Queries) insertOrPatchClip(ctx context.Context, c *Clip) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO clips (id, platform, clip_id, url, embed_url, video_url, thumbnail_url,
			title, channel, creator, category, duration, created_at, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			embed_url = EXCLUDED.embed_url,
			video_url = EXCLUDED.video_url,
			thumbnail_url = EXCLUDED.thumbnail_url,
			category = EXCLUDED.category,
			duration = EXCLUDED.duration,
			created_at = COALESCE(EXCLUDED.created_at, clips.created_at)`,
		c.ID, c.Platform, c.ClipID, c.URL, c.EmbedURL, c.VideoURL, c.ThumbnailURL,
		c.Title, c.Channel, c.Creator, c.Category, c.Duration, c.CreatedAt, c.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert clip %s: %w", c.ID, err)
	}
	return nil
}

// AddSubmitter records a submitter for a clip; duplicates are ignored.
func (s *Queries) AddSubmitter(ctx context.Context, clipID, submitter string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO clip_submitters (clip_id, submitter)
		VALUES ($1, $2)
		ON CONFLICT (clip_id, submitter) DO NOTHING`,
		clipID, submitter,
	)
	if err != nil {
		return fmt.Errorf("failed to add submitter %q to clip %s: %w", submitter, clipID, err)
	}
	return nil
}

// attachSubmitters fills the ordered submitter sets for the given clips with
// one batched query.
func (s *Queries) attachSubmitters(ctx context.Context, clips []*Clip) error {
	if len(clips) == 0 {
		return nil
	}
	ids := make([]string, 0, len(clips))
	byID := make(map[string]*Clip, len(clips))
	for _, c := range clips {
		ids = append(ids, c.ID)
		byID[c.ID] = c
	}

	rows, err := s.q.Query(ctx, `
		SELECT clip_id, submitter
		FROM clip_submitters
		WHERE clip_id = ANY($1)
		ORDER BY seq`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("failed to query submitters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var clipID, submitter string
		if err := rows.Scan(&clipID, &submitter); err != nil {
			return fmt.Errorf("failed to scan submitter: %w", err)
		}
		if c, ok := byID[clipID]; ok {
			c.Submitters = append(c.Submitters, submitter)
		}
	}
	return rows.Err()
}

// GetClip returns the clip with the given id, or nil when absent. Rows that
// no longer satisfy the schema are logged and reported absent.
func (s *Queries) GetClip(ctx context.Context, id string) (*Clip, error) {
	c, err := scanClip(s.q.QueryRow(ctx, `SELECT `+clipColumns+` FROM clips WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get clip %s: %w", id, err)
	}
	if err := s.attachSubmitters(ctx, []*Clip{c}); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		slog.Warn("dropping stored clip that fails validation", "clip_id", id, "error", err)
		return nil, nil
	}
	return c, nil
}

// GetClipsByStatus lists clips in a status. Approved clips come back in
// submission order; played clips newest first with a default limit of 50.
// Rows failing validation are dropped and logged.
func (s *Queries) GetClipsByStatus(ctx context.Context, status ClipStatus, limit int) ([]*Clip, error) {
	order := `submitted_at ASC, id ASC`
	if status == StatusPlayed {
		order = `submitted_at DESC, id DESC`
		if limit <= 0 {
			limit = 50
		}
	}

	query := `SELECT ` + clipColumns + ` FROM clips WHERE status = $1 ORDER BY ` + order
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips by status %s: %w", status, err)
	}
	defer rows.Close()

	var clips []*Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clip: %w", err)
		}
		clips = append(clips, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachSubmitters(ctx, clips); err != nil {
		return nil, err
	}

	valid := clips[:0]
	for _, c := range clips {
		if err := c.Validate(); err != nil {
			slog.Warn("dropping stored clip that fails validation", "clip_id", c.ID, "error", err)
			continue
		}
		valid = append(valid, c)
	}
	return valid, nil
}

// UpdateClipStatus writes the status unconditionally. Lifecycle rules live in
// the queue model, not here. Entering played stamps played_at.
func (s *Queries) UpdateClipStatus(ctx context.Context, id string, status ClipStatus) error {
	_, err := s.q.Exec(ctx, `
		UPDATE clips
		SET status = $2,
		    played_at = CASE WHEN $2 = 'played' THEN now() ELSE played_at END
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update clip %s status to %s: %w", id, status, err)
	}
	return nil
}

// DeleteClip drops the clip; submitters and play-log rows cascade.
func (s *Queries) DeleteClip(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM clips WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete clip %s: %w", id, err)
	}
	return nil
}

// DeleteClipsByStatus drops every clip in the status; dependents cascade.
func (s *Queries) DeleteClipsByStatus(ctx context.Context, status ClipStatus) error {
	_, err := s.q.Exec(ctx, `DELETE FROM clips WHERE status = $1`, status)
	if err != nil {
		return fmt.Errorf("failed to delete clips with status %s: %w", status, err)
	}
	return nil
}

// ClipIDsByStatus returns just the ids in a status.
func (s *Queries) ClipIDsByStatus(ctx context.Context, status ClipStatus) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM clips WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query clip ids by status %s: %w", status, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertClip atomically inserts or merges a clip and its submitters, then
// returns the merged row with the full submitter set. New rows get the given
// status; existing rows keep theirs.
func (db *DatabaseConnection) UpsertClip(ctx context.Context, clip *Clip, status ClipStatus) (*Clip, error) {
	merged := *clip
	merged.Status = status
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	q, tx, err := db.NewWithTX(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := q.insertOrPatchClip(ctx, &merged); err != nil {
		return nil, err
	}
	for _, submitter := range clip.Submitters {
		if err := q.AddSubmitter(ctx, merged.ID, submitter); err != nil {
			return nil, err
		}
	}

	result, err := q.GetClip(ctx, merged.ID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("clip %s disappeared during upsert", merged.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit clip upsert: %w", err)
	}
	return result, nil
}

// ClearQueueClips marks every approved clip rejected and then deletes those
// same rows in one transaction, returning the affected ids. Clips already
// rejected beforehand are untouched.
func (db *DatabaseConnection) ClearQueueClips(ctx context.Context) ([]string, error) {
	q, tx, err := db.NewWithTX(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids, err := q.ClipIDsByStatus(ctx, StatusApproved)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE clips SET status = 'rejected' WHERE id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("failed to reject queued clips: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM clips WHERE id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("failed to delete queued clips: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit queue clear: %w", err)
	}
	return ids, nil
}
