package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"feedwindow/internal/metrics"
	"feedwindow/internal/retry"
	"feedwindow/internal/window"
)

const (
	// SnapshotKey holds the JSON array of articles.
	SnapshotKey = "articles"
	// RefreshKey holds the Unix seconds of the last successful refresh.
	RefreshKey = "last_refresh"
)

// SnapshotStore reads and writes the article snapshot and refresh marker.
type SnapshotStore struct {
	kv      KV
	backoff *retry.Backoff
	now     func() time.Time
	logger  *log.Logger
}

// NewSnapshotStore creates a SnapshotStore whose writes go through backoff.
func NewSnapshotStore(kv KV, backoff *retry.Backoff, logger *log.Logger) *SnapshotStore {
	return &SnapshotStore{kv: kv, backoff: backoff, now: time.Now, logger: logger}
}

// Load returns the stored snapshot; a missing key is an empty snapshot.
func (s *SnapshotStore) Load(ctx context.Context) (window.Snapshot, error) {
	raw, ok, err := s.kv.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok || raw == "" {
		return window.Snapshot{}, nil
	}
	var snap window.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap == nil {
		snap = window.Snapshot{}
	}
	return snap, nil
}

// Raw returns the serialised snapshot exactly as stored.
func (s *SnapshotStore) Raw(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, SnapshotKey)
}

// LastRefresh returns when the last successful refresh completed.
func (s *SnapshotStore) LastRefresh(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.kv.Get(ctx, RefreshKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode refresh marker %q: %w", raw, err)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// Persist writes the snapshot and then the refresh marker, retrying each
// write. If the snapshot lands but the marker does not, the error is still
// returned: readers see new articles with a stale marker.
//
// Nothing is written when ctx is already done. Once the first write starts,
// cancellation no longer interrupts the pair.
func (s *SnapshotStore) Persist(ctx context.Context, snap window.Snapshot) error {
	if snap == nil {
		snap = window.Snapshot{}
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	ctx = context.WithoutCancel(ctx)
	if err := s.put(ctx, SnapshotKey, string(payload)); err != nil {
		return err
	}
	marker := strconv.FormatInt(s.now().Unix(), 10)
	if err := s.put(ctx, RefreshKey, marker); err != nil {
		s.logger.Error("snapshot written but refresh marker failed", "error", err)
		return err
	}
	s.logger.Debug("snapshot persisted", "articles", len(snap), "bytes", len(payload))
	return nil
}

func (s *SnapshotStore) put(ctx context.Context, key, value string) error {
	b := *s.backoff
	onRetry := b.OnRetry
	b.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RecordStoreRetry(key)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	if err := b.Do(ctx, func(ctx context.Context) error {
		return s.kv.Put(ctx, key, value)
	}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
