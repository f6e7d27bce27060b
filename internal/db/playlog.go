package db

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrInvalidCursor marks an unparseable pagination cursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// PlayLogQuery selects how play-log entries are fetched. With Paginate set,
// Order is ignored and entries come back newest first with an opaque cursor.
type PlayLogQuery struct {
	Limit    int
	Order    string // "asc" or "desc", default desc
	Cursor   string
	Paginate bool
}

// PlayLogPage is one page (or the full flat list) of play-log entries.
type PlayLogPage struct {
	Entries    []*PlayLogEntry `json:"entries"`
	NextCursor string          `json:"nextCursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
}

func encodeCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return id, nil
}

// InsertPlayLog appends a play record and returns its id. A zero playedAt
// defaults to the database clock.
func (s *Queries) InsertPlayLog(ctx context.Context, clipID string, playedAt time.Time) (int64, error) {
	var at *time.Time
	if !playedAt.IsZero() {
		at = &playedAt
	}
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO play_log (clip_id, played_at)
		VALUES ($1, COALESCE($2, now()))
		RETURNING id`,
		clipID, at,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert play log for clip %s: %w", clipID, err)
	}
	return id, nil
}

// CompletePlayLog stamps completed_at and the derived played_for seconds on
// an open play record. Rows already completed, or deleted since, are left
// alone.
func (s *Queries) CompletePlayLog(ctx context.Context, id int64, completedAt time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE play_log
		SET completed_at = $2,
		    played_for = EXTRACT(EPOCH FROM ($2::timestamptz - played_at))
		WHERE id = $1 AND completed_at IS NULL`,
		id, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to complete play log %d: %w", id, err)
	}
	return nil
}

func (s *Queries) scanPlayLogRows(ctx context.Context, rows pgx.Rows) ([]*PlayLogEntry, error) {
	defer rows.Close()

	var entries []*PlayLogEntry
	for rows.Next() {
		var e PlayLogEntry
		var c Clip
		err := rows.Scan(
			&e.ID, &e.PlayedAt, &e.PlayedFor, &e.CompletedAt,
			&c.ID, &c.Platform, &c.ClipID, &c.URL, &c.EmbedURL, &c.VideoURL, &c.ThumbnailURL,
			&c.Title, &c.Channel, &c.Creator, &c.Category, &c.Duration, &c.CreatedAt,
			&c.Status, &c.SubmittedAt, &c.PlayedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan play log row: %w", err)
		}
		c.Submitters = []string{}
		e.ClipID = c.ID
		e.Clip = &c
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	clips := make([]*Clip, 0, len(entries))
	seen := make(map[string]*Clip, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.ClipID]; !ok {
			seen[e.ClipID] = e.Clip
			clips = append(clips, e.Clip)
		}
	}
	if err := s.attachSubmitters(ctx, clips); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if shared, ok := seen[e.ClipID]; ok && shared != e.Clip {
			e.Clip.Submitters = shared.Submitters
		}
	}

	valid := entries[:0]
	for _, e := range entries {
		if err := e.Clip.Validate(); err != nil {
			slog.Warn("dropping play log entry with invalid clip", "clip_id", e.ClipID, "error", err)
			continue
		}
		valid = append(valid, e)
	}
	return valid, nil
}

// ListPlayLogs fetches play-log entries joined with their clips. Without
// Paginate the result is a flat list in the requested order; with Paginate
// it is a newest-first page with an opaque, restart-stable cursor.
func (s *Queries) ListPlayLogs(ctx context.Context, opts PlayLogQuery) (*PlayLogPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	if !opts.Paginate {
		order := "DESC"
		if opts.Order == "asc" {
			order = "ASC"
		}
		rows, err := s.q.Query(ctx, `
			SELECT l.id, l.played_at, l.played_for, l.completed_at, `+clipColumnsC+`
			FROM play_log l
			JOIN clips c ON c.id = l.clip_id
			ORDER BY l.id `+order+`
			LIMIT $1`,
			limit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query play log: %w", err)
		}
		entries, err := s.scanPlayLogRows(ctx, rows)
		if err != nil {
			return nil, err
		}
		return &PlayLogPage{Entries: entries}, nil
	}

	var beforeID int64
	if opts.Cursor != "" {
		id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		beforeID = id
	}

	query := `
		SELECT l.id, l.played_at, l.played_for, l.completed_at, ` + clipColumnsC + `
		FROM play_log l
		JOIN clips c ON c.id = l.clip_id`
	args := []any{limit + 1}
	if beforeID > 0 {
		query += ` WHERE l.id < $2`
		args = append(args, beforeID)
	}
	query += ` ORDER BY l.id DESC LIMIT $1`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query play log page: %w", err)
	}
	entries, err := s.scanPlayLogRows(ctx, rows)
	if err != nil {
		return nil, err
	}

	page := &PlayLogPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		page.NextCursor = encodeCursor(page.Entries[limit-1].ID)
	}
	return page, nil
}

// RecentPlayLogs returns the latest n entries in ascending play order, for
// seeding the in-memory history ring at startup.
func (s *Queries) RecentPlayLogs(ctx context.Context, n int) ([]*PlayLogEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT l.id, l.played_at, l.played_for, l.completed_at, `+clipColumnsC+`
		FROM play_log l
		JOIN clips c ON c.id = l.clip_id
		ORDER BY l.id DESC
		LIMIT $1`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent play log: %w", err)
	}
	entries, err := s.scanPlayLogRows(ctx, rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// DeletePlayLogsForClip removes every play record of one clip, returning the
// number of rows dropped. The clip row itself is untouched.
func (s *Queries) DeletePlayLogsForClip(ctx context.Context, clipID string) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM play_log WHERE clip_id = $1`, clipID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete play logs for clip %s: %w", clipID, err)
	}
	return tag.RowsAffected(), nil
}

// DeletePlayLogsByClipStatus removes every play record whose clip sits in
// the given status, in one statement.
func (s *Queries) DeletePlayLogsByClipStatus(ctx context.Context, status ClipStatus) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM play_log
		USING clips
		WHERE clips.id = play_log.clip_id AND clips.status = $1`,
		status,
	)
	if err != nil {
		return fmt.Errorf("failed to delete play logs by clip status %s: %w", status, err)
	}
	return nil
}
