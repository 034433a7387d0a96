// Package window keeps the rolling set of recently seen articles.
package window

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"feedwindow/internal/rss"
)

// DefaultRetention is how long an article stays after it was first seen.
const DefaultRetention = 48 * time.Hour

// TimeLayout renders first-seen timestamps, e.g. 2024-05-01T10:00:00.000Z.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Article is a parsed article stamped with the time this system first saw it.
type Article struct {
	rss.ParsedArticle
	PublicationDatetime string `json:"publicationDatetime"`
}

// Snapshot is the persisted article set, newest first, unique by ID.
type Snapshot []Article

// Result is a merged snapshot plus counts for reporting.
type Result struct {
	Snapshot Snapshot
	Total    int
	New      int
	Expired  int
	Dropped  int
}

// Engine merges fresh parse batches into the previous snapshot.
type Engine struct {
	Retention time.Duration
	Now       func() time.Time
}

// NewEngine creates an Engine; a non-positive retention means DefaultRetention.
func NewEngine(retention time.Duration) *Engine {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Engine{Retention: retention, Now: time.Now}
}

// Merge builds the next snapshot. First-seen timestamps carry over for IDs
// already in previous; every other field comes from the fresh parse. IDs
// missing from all batches are dropped whatever their age, and anything
// first seen longer than Retention ago is expired.
func (e *Engine) Merge(previous Snapshot, batches [][]rss.ParsedArticle) Result {
	now := e.Now().UTC()
	stamp := now.Format(TimeLayout)

	seen := lo.KeyBy(previous, func(a Article) string { return a.ID })

	merged := make(Snapshot, 0)
	index := make(map[string]int)
	newCount := 0
	for _, parsed := range lo.Flatten(batches) {
		published, fresh := stamp, true
		if prior, ok := seen[parsed.ID]; ok {
			published, fresh = prior.PublicationDatetime, false
		}
		article := Article{ParsedArticle: parsed, PublicationDatetime: published}

		// Syndicated duplicates: the last occurrence wins.
		if i, dup := index[parsed.ID]; dup {
			merged[i] = article
			continue
		}
		index[parsed.ID] = len(merged)
		merged = append(merged, article)
		if fresh {
			newCount++
		}
	}

	kept := lo.Filter(merged, func(a Article, _ int) bool {
		return e.within(now, a.PublicationDatetime)
	})
	SortArticles(kept)

	dropped := lo.CountBy(previous, func(a Article) bool {
		_, ok := index[a.ID]
		return !ok
	})

	return Result{
		Snapshot: kept,
		Total:    len(kept),
		New:      newCount,
		Expired:  len(merged) - len(kept),
		Dropped:  dropped,
	}
}

// within reports whether ts is no older than the retention window. A
// timestamp that cannot be read is treated as outside it.
func (e *Engine) within(now time.Time, ts string) bool {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false
	}
	return now.Sub(t) <= e.Retention
}

// SortArticles orders articles newest first. Unreadable timestamps sort
// after every readable one and keep their relative order among themselves.
func SortArticles(articles []Article) {
	slices.SortStableFunc(articles, func(a, b Article) int {
		return compareNewestFirst(a.PublicationDatetime, b.PublicationDatetime)
	})
}

func compareNewestFirst(a, b string) int {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}
	return tb.Compare(ta)
}
