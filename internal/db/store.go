package db

import (
	"context"
	"fmt"
	"time"
)

// Pool-level forwarders so callers can treat the connection itself as the
// clip store without threading *Queries around.

func (db *DatabaseConnection) GetClip(ctx context.Context, id string) (*Clip, error) {
	return db.Queries(ctx).GetClip(ctx, id)
}

func (db *DatabaseConnection) GetClipsByStatus(ctx context.Context, status ClipStatus, limit int) ([]*Clip, error) {
	return db.Queries(ctx).GetClipsByStatus(ctx, status, limit)
}

func (db *DatabaseConnection) UpdateClipStatus(ctx context.Context, id string, status ClipStatus) error {
	return db.Queries(ctx).UpdateClipStatus(ctx, id, status)
}

func (db *DatabaseConnection) DeleteClip(ctx context.Context, id string) error {
	return db.Queries(ctx).DeleteClip(ctx, id)
}

func (db *DatabaseConnection) DeleteClipsByStatus(ctx context.Context, status ClipStatus) error {
	return db.Queries(ctx).DeleteClipsByStatus(ctx, status)
}

func (db *DatabaseConnection) InsertPlayLog(ctx context.Context, clipID string, playedAt time.Time) (int64, error) {
	return db.Queries(ctx).InsertPlayLog(ctx, clipID, playedAt)
}

func (db *DatabaseConnection) ListPlayLogs(ctx context.Context, opts PlayLogQuery) (*PlayLogPage, error) {
	return db.Queries(ctx).ListPlayLogs(ctx, opts)
}

func (db *DatabaseConnection) RecentPlayLogs(ctx context.Context, n int) ([]*PlayLogEntry, error) {
	return db.Queries(ctx).RecentPlayLogs(ctx, n)
}

func (db *DatabaseConnection) DeletePlayLogsForClip(ctx context.Context, clipID string) (int64, error) {
	return db.Queries(ctx).DeletePlayLogsForClip(ctx, clipID)
}

func (db *DatabaseConnection) GetSettings(ctx context.Context) (*Settings, error) {
	return db.Queries(ctx).GetSettings(ctx)
}

// PlayTransition persists one queue step in a single transaction: the
// displaced play record (if any) is completed, and the clip becoming current
// (if any) is marked played with a fresh play-log row. Returns the new row's
// id, or 0 when no clip becomes current.
func (db *DatabaseConnection) PlayTransition(ctx context.Context, newCurrentID string, displacedLogID int64) (int64, error) {
	q, tx, err := db.NewWithTX(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if displacedLogID > 0 {
		if err := q.CompletePlayLog(ctx, displacedLogID, time.Now()); err != nil {
			return 0, err
		}
	}

	var logID int64
	if newCurrentID != "" {
		if err := q.UpdateClipStatus(ctx, newCurrentID, StatusPlayed); err != nil {
			return 0, err
		}
		logID, err = q.InsertPlayLog(ctx, newCurrentID, time.Time{})
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit play transition: %w", err)
	}
	return logID, nil
}

// RequeueClip returns a displaced clip to the queue: status back to approved,
// without touching its play records.
func (db *DatabaseConnection) RequeueClip(ctx context.Context, id string) error {
	return db.Queries(ctx).UpdateClipStatus(ctx, id, StatusApproved)
}

// ClearPlayHistory drops every play record of played clips and then the clips
// themselves, in one transaction. The explicit play-log delete is redundant
// with the FK cascade but is part of the observable contract.
func (db *DatabaseConnection) ClearPlayHistory(ctx context.Context) error {
	q, tx, err := db.NewWithTX(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := q.DeletePlayLogsByClipStatus(ctx, StatusPlayed); err != nil {
		return err
	}
	if err := q.DeleteClipsByStatus(ctx, StatusPlayed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit history clear: %w", err)
	}
	return nil
}
