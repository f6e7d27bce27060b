package command

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"thirdcoast.systems/clipqueue/internal/db"
	"thirdcoast.systems/clipqueue/internal/metrics"
	"thirdcoast.systems/clipqueue/internal/queue"
	"thirdcoast.systems/clipqueue/internal/ttlcache"
)

const (
	// urlDedupeTTL is the window in which a URL is processed at most once.
	urlDedupeTTL = 5 * time.Second
	// submissionWindow is the per-submitter rate limit.
	submissionWindow = 10 * time.Second
	// lastSubmitTTL keeps submitter timestamps around past the window so the
	// cache can answer without racing its own sweeper.
	lastSubmitTTL = 60 * time.Second

	maxURLLength       = 500
	maxSubmitterLength = 100
)

var (
	ErrClipNotFound         = errors.New("clip not found")
	ErrPendingClipNotFound  = errors.New("pending clip not found")
	ErrRejectedClipNotFound = errors.New("rejected clip not found")
	ErrClipNotRejected      = errors.New("clip is not rejected")
)

// Store is the slice of the clip store the engine persists through.
// *db.DatabaseConnection satisfies it.
type Store interface {
	GetClip(ctx context.Context, id string) (*db.Clip, error)
	UpsertClip(ctx context.Context, clip *db.Clip, status db.ClipStatus) (*db.Clip, error)
	UpdateClipStatus(ctx context.Context, id string, status db.ClipStatus) error
	DeleteClip(ctx context.Context, id string) error
	DeletePlayLogsForClip(ctx context.Context, clipID string) (int64, error)
}

// Resolver turns submitted URLs into clips. *platform.Registry satisfies it.
type Resolver interface {
	DetectPlatform(rawURL string) (db.Platform, bool)
	Resolve(ctx context.Context, rawURL string) (*db.Clip, error)
}

// SettingsView is the settings access the engine needs. *db.SettingsCache
// satisfies it.
type SettingsView interface {
	Get() db.Settings
	Update(ctx context.Context, settings db.Settings) error
	Mutate(ctx context.Context, fn func(*db.Settings)) (db.Settings, error)
}

// Outcome labels where a submission ended up. Dropped outcomes are silent:
// chat ignores them and REST returns success with unchanged state.
type Outcome string

const (
	OutcomeQueued  Outcome = "queued"
	OutcomeMerged  Outcome = "merged"
	OutcomePending Outcome = "pending"
	OutcomeError   Outcome = "error"

	OutcomeDroppedInvalid          Outcome = "dropped_invalid"
	OutcomeDroppedClosed           Outcome = "dropped_closed"
	OutcomeDroppedDuplicate        Outcome = "dropped_duplicate"
	OutcomeDroppedRateLimited      Outcome = "dropped_rate_limited"
	OutcomeDroppedUnknownURL       Outcome = "dropped_unknown_url"
	OutcomeDroppedResolveFailed    Outcome = "dropped_resolve_failed"
	OutcomeDroppedPlatformDisabled Outcome = "dropped_platform_disabled"
	OutcomeDroppedQueueFull        Outcome = "dropped_queue_full"
	OutcomeDroppedNotApproved      Outcome = "dropped_not_approved"
)

// Accepted reports whether the submission changed durable state.
func (o Outcome) Accepted() bool {
	switch o {
	case OutcomeQueued, OutcomeMerged, OutcomePending:
		return true
	default:
		return false
	}
}

// Engine owns the submission mutex and runs every queue command. All durable
// writes go through the store before the in-memory model changes; a failed
// write leaves observable state equal to the pre-command state.
type Engine struct {
	store    Store
	queue    *queue.Manager
	settings SettingsView
	resolver Resolver

	submissionMu sync.Mutex
	urlSeen      *ttlcache.Cache[struct{}]
	lastSubmit   *ttlcache.Cache[time.Time]

	purgeHooks []func()
}

func NewEngine(store Store, q *queue.Manager, settings SettingsView, resolver Resolver) *Engine {
	return &Engine{
		store:      store,
		queue:      q,
		settings:   settings,
		resolver:   resolver,
		urlSeen:    ttlcache.New[struct{}](urlDedupeTTL, time.Minute),
		lastSubmit: ttlcache.New[time.Time](lastSubmitTTL, time.Minute),
	}
}

// OnPurgeCache registers a hook run by the purgecache command, used to clear
// the auth caches living in the HTTP layer.
func (e *Engine) OnPurgeCache(fn func()) {
	e.purgeHooks = append(e.purgeHooks, fn)
}

// Close stops the cache sweepers.
func (e *Engine) Close() {
	e.urlSeen.Close()
	e.lastSubmit.Close()
}

func (e *Engine) trackQueueLen() {
	metrics.QueueLength.Set(float64(e.queue.Size()))
}

// Submit runs the clip submission pipeline for a URL from chat or REST.
// Dropped submissions are not errors; an error means a persistence failure.
func (e *Engine) Submit(ctx context.Context, rawURL, submitter string, role Role) (Outcome, error) {
	outcome, err := e.submit(ctx, rawURL, submitter, role)
	metrics.Submissions.WithLabelValues(string(outcome)).Inc()
	e.trackQueueLen()
	return outcome, err
}

func (e *Engine) submit(ctx context.Context, rawURL, submitter string, role Role) (Outcome, error) {
	rawURL = strings.TrimSpace(rawURL)
	submitter = strings.TrimSpace(submitter)
	if rawURL == "" || len(rawURL) > maxURLLength ||
		submitter == "" || len(submitter) > maxSubmitterLength {
		return OutcomeDroppedInvalid, nil
	}

	e.submissionMu.Lock()
	if !e.queue.IsOpen() {
		e.submissionMu.Unlock()
		return OutcomeDroppedClosed, nil
	}
	if e.urlSeen.Contains(rawURL) {
		e.submissionMu.Unlock()
		return OutcomeDroppedDuplicate, nil
	}
	userKey := strings.ToLower(submitter)
	if last, ok := e.lastSubmit.Get(userKey); ok && time.Since(last) < submissionWindow {
		e.submissionMu.Unlock()
		return OutcomeDroppedRateLimited, nil
	}
	// Mark the URL before resolving so a concurrent submit of the same URL
	// drops instead of racing the fetch. The rate-limit check runs first: a
	// rate-limited drop must not block other submitters from the URL.
	e.urlSeen.Set(rawURL, struct{}{})

	platformTag, ok := e.resolver.DetectPlatform(rawURL)
	if !ok {
		e.submissionMu.Unlock()
		return OutcomeDroppedUnknownURL, nil
	}
	e.submissionMu.Unlock()

	// Metadata fetch runs outside the mutex; the URL window above already
	// serializes duplicates.
	clip, err := e.resolver.Resolve(ctx, rawURL)
	if err != nil {
		slog.Warn("dropping submission, resolve failed", "url", rawURL, "error", err)
		return OutcomeDroppedResolveFailed, nil
	}

	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()

	settings := e.settings.Get()
	if !settings.PlatformEnabled(platformTag) {
		return OutcomeDroppedPlatformDisabled, nil
	}

	clip.Submitters = []string{submitter}
	privileged := role.AtLeastModerator()

	// Already queued: merge the submitter and let popularity re-sort.
	if e.queue.Includes(clip.ID) {
		merged, err := e.store.UpsertClip(ctx, clip, db.StatusApproved)
		if err != nil {
			return OutcomeError, err
		}
		e.queue.Enqueue(merged)
		e.lastSubmit.Set(userKey, time.Now())
		return OutcomeMerged, nil
	}

	if limit := settings.Queue.Limit; limit != nil && e.queue.Size() >= *limit && !privileged {
		return OutcomeDroppedQueueFull, nil
	}

	status := db.StatusApproved
	if settings.Queue.AutoModerationEnabled && !privileged {
		status = db.StatusPending
	}
	merged, err := e.store.UpsertClip(ctx, clip, status)
	if err != nil {
		return OutcomeError, err
	}
	e.lastSubmit.Set(userKey, time.Now())

	// An existing row keeps its stored status: a previously rejected or
	// played clip gains the submitter but does not re-enter the queue.
	switch merged.Status {
	case db.StatusApproved:
		e.queue.Enqueue(merged)
		return OutcomeQueued, nil
	case db.StatusPending:
		return OutcomePending, nil
	default:
		return OutcomeDroppedNotApproved, nil
	}
}

// Advance moves the queue head into current.
func (e *Engine) Advance(ctx context.Context) error {
	defer e.trackQueueLen()
	return e.queue.Advance(ctx)
}

// Previous steps back to the most recent history entry.
func (e *Engine) Previous(ctx context.Context) error {
	defer e.trackQueueLen()
	return e.queue.Previous(ctx)
}

// Play moves a specific queued clip into current.
func (e *Engine) Play(ctx context.Context, clipID string) error {
	defer e.trackQueueLen()
	return e.queue.Play(ctx, clipID)
}

// Replay shows a clip from the play history again without a new play record.
func (e *Engine) Replay(ctx context.Context, clipID string) error {
	return e.queue.JumpToHistoryClip(ctx, clipID)
}

// Remove deletes a queued clip entirely, play records included via cascade.
func (e *Engine) Remove(ctx context.Context, clipID string) error {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	defer e.trackQueueLen()

	if !e.queue.Includes(clipID) {
		return queue.ErrClipNotInQueue
	}
	if err := e.store.DeleteClip(ctx, clipID); err != nil {
		return err
	}
	e.queue.RemoveFromQueue(clipID)
	return nil
}

// Approve moves a pending clip into the queue.
func (e *Engine) Approve(ctx context.Context, clipID string) error {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	defer e.trackQueueLen()

	clip, err := e.store.GetClip(ctx, clipID)
	if err != nil {
		return err
	}
	if clip == nil || clip.Status != db.StatusPending {
		return ErrPendingClipNotFound
	}
	if err := e.store.UpdateClipStatus(ctx, clipID, db.StatusApproved); err != nil {
		return err
	}
	clip.Status = db.StatusApproved
	e.queue.Enqueue(clip)
	return nil
}

// Reject marks a queued or pending clip rejected, removing it from the queue.
// Rejecting an already rejected clip is a no-op.
func (e *Engine) Reject(ctx context.Context, clipID string) error {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	defer e.trackQueueLen()

	clip, err := e.store.GetClip(ctx, clipID)
	if err != nil {
		return err
	}
	if clip == nil {
		return ErrClipNotFound
	}
	switch clip.Status {
	case db.StatusRejected:
		return nil
	case db.StatusApproved, db.StatusPending:
	default:
		return ErrClipNotFound
	}
	if err := e.store.UpdateClipStatus(ctx, clipID, db.StatusRejected); err != nil {
		return err
	}
	e.queue.RemoveFromQueue(clipID)
	return nil
}

// Restore returns a rejected clip to the queue as approved.
func (e *Engine) Restore(ctx context.Context, clipID string) error {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	defer e.trackQueueLen()

	clip, err := e.store.GetClip(ctx, clipID)
	if err != nil {
		return err
	}
	if clip == nil {
		return ErrRejectedClipNotFound
	}
	if clip.Status != db.StatusRejected {
		return ErrClipNotRejected
	}
	if err := e.store.UpdateClipStatus(ctx, clipID, db.StatusApproved); err != nil {
		return err
	}
	clip.Status = db.StatusApproved
	e.queue.Enqueue(clip)
	return nil
}

// RemoveFromHistory deletes every play record and ring entry for a clip.
func (e *Engine) RemoveFromHistory(ctx context.Context, clipID string) error {
	deleted, err := e.store.DeletePlayLogsForClip(ctx, clipID)
	if err != nil {
		return err
	}
	removed := e.queue.RemoveHistoryEntries(clipID)
	if deleted == 0 && removed == 0 {
		return queue.ErrClipNotInHistory
	}
	return nil
}

// BatchResult reports per-id outcomes of a batch operation.
type BatchResult struct {
	Succeeded []string `json:"-"`
	Failed    []string `json:"failed"`
	NotFound  []string `json:"notFound"`
}

func (e *Engine) batch(ctx context.Context, ids []string, op func(context.Context, string) error, notFound ...error) BatchResult {
	res := BatchResult{
		Succeeded: []string{},
		Failed:    []string{},
		NotFound:  []string{},
	}
	for _, id := range ids {
		err := op(ctx, id)
		switch {
		case err == nil:
			res.Succeeded = append(res.Succeeded, id)
		case matchesAny(err, notFound):
			res.NotFound = append(res.NotFound, id)
		default:
			slog.Error("batch operation failed for clip", "clip_id", id, "error", err)
			res.Failed = append(res.Failed, id)
		}
	}
	return res
}

func matchesAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// BatchRemove removes queued clips with partial success.
func (e *Engine) BatchRemove(ctx context.Context, ids []string) BatchResult {
	return e.batch(ctx, ids, e.Remove, queue.ErrClipNotInQueue)
}

// BatchApprove approves pending clips with partial success.
func (e *Engine) BatchApprove(ctx context.Context, ids []string) BatchResult {
	return e.batch(ctx, ids, e.Approve, ErrPendingClipNotFound)
}

// BatchReject rejects clips with partial success.
func (e *Engine) BatchReject(ctx context.Context, ids []string) BatchResult {
	return e.batch(ctx, ids, e.Reject, ErrClipNotFound)
}

// RemoveBySubmitter deletes every queued clip the given user submitted.
func (e *Engine) RemoveBySubmitter(ctx context.Context, submitter string) (int, error) {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	defer e.trackQueueLen()

	count := 0
	for _, c := range e.queue.Snapshot().Upcoming {
		if !c.HasSubmitter(submitter) {
			continue
		}
		if err := e.store.DeleteClip(ctx, c.ID); err != nil {
			return count, err
		}
		e.queue.RemoveFromQueue(c.ID)
		count++
	}
	return count, nil
}

// RemoveByPlatform deletes every queued clip from the given platform.
func (e *Engine) RemoveByPlatform(ctx context.Context, p db.Platform) (int, error) {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	defer e.trackQueueLen()

	count := 0
	for _, c := range e.queue.Snapshot().Upcoming {
		if c.Platform != p {
			continue
		}
		if err := e.store.DeleteClip(ctx, c.ID); err != nil {
			return count, err
		}
		e.queue.RemoveFromQueue(c.ID)
		count++
	}
	return count, nil
}

// ClearQueue empties the queue; the current clip survives.
func (e *Engine) ClearQueue(ctx context.Context) error {
	defer e.trackQueueLen()
	return e.queue.ClearQueue(ctx)
}

// ClearHistory empties the play history ring and its durable records.
func (e *Engine) ClearHistory(ctx context.Context) error {
	return e.queue.ClearHistory(ctx)
}

// SetOpen toggles submission intake.
func (e *Engine) SetOpen(open bool) {
	e.queue.SetOpen(open)
}

func (e *Engine) mutateSettings(ctx context.Context, fn func(*db.Settings)) error {
	if _, err := e.settings.Mutate(ctx, fn); err != nil {
		return err
	}
	e.queue.InvalidateETag()
	return nil
}

// SetLimit caps the queue at n clips.
func (e *Engine) SetLimit(ctx context.Context, n int) error {
	return e.mutateSettings(ctx, func(s *db.Settings) {
		s.Queue.Limit = &n
	})
}

// RemoveLimit lifts the queue cap.
func (e *Engine) RemoveLimit(ctx context.Context) error {
	return e.mutateSettings(ctx, func(s *db.Settings) {
		s.Queue.Limit = nil
	})
}

// SetAutoModeration toggles the pending-approval flow for viewer submissions.
func (e *Engine) SetAutoModeration(ctx context.Context, enabled bool) error {
	return e.mutateSettings(ctx, func(s *db.Settings) {
		s.Queue.AutoModerationEnabled = enabled
	})
}

// SetPlatformEnabled adds or removes a platform from the accepted set.
func (e *Engine) SetPlatformEnabled(ctx context.Context, p db.Platform, enabled bool) error {
	return e.mutateSettings(ctx, func(s *db.Settings) {
		platforms := make([]db.Platform, 0, len(s.Queue.Platforms))
		for _, existing := range s.Queue.Platforms {
			if existing != p {
				platforms = append(platforms, existing)
			}
		}
		if enabled {
			platforms = append(platforms, p)
		}
		s.Queue.Platforms = platforms
	})
}

// UpdateSettings replaces the settings wholesale (REST PUT).
func (e *Engine) UpdateSettings(ctx context.Context, settings db.Settings) error {
	if err := e.settings.Update(ctx, settings); err != nil {
		return err
	}
	e.queue.InvalidateETag()
	return nil
}

// PurgeCaches clears the submission caches and fires the registered hooks.
func (e *Engine) PurgeCaches() {
	e.urlSeen.Purge()
	e.lastSubmit.Purge()
	for _, hook := range e.purgeHooks {
		hook()
	}
}
