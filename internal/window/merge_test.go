package window

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwindow/internal/rss"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func engineAt(now time.Time) *Engine {
	e := NewEngine(DefaultRetention)
	e.Now = func() time.Time { return now }
	return e
}

func parsed(url, title, source string) rss.ParsedArticle {
	return rss.ParsedArticle{
		ID:        rss.HashURL(url),
		URL:       url,
		Title:     title,
		Snippet:   title + " snippet",
		Source:    source,
		SourceURL: "https://" + source + "/feed",
	}
}

func stamped(p rss.ParsedArticle, at time.Time) Article {
	return Article{ParsedArticle: p, PublicationDatetime: at.UTC().Format(TimeLayout)}
}

func ids(s Snapshot) []string {
	out := make([]string, 0, len(s))
	for _, a := range s {
		out = append(out, a.ID)
	}
	return out
}

func TestMerge_NewArticlesGetMergeTime(t *testing.T) {
	a := parsed("https://a/1", "one", "a")

	res := engineAt(base).Merge(nil, [][]rss.ParsedArticle{{a}})

	require.Len(t, res.Snapshot, 1)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", res.Snapshot[0].PublicationDatetime)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Total)
}

func TestMerge_FirstSeenIsSticky(t *testing.T) {
	old := parsed("https://a/1", "old title", "a")
	previous := Snapshot{stamped(old, base.Add(-5*time.Hour))}

	fresh := old
	fresh.Title = "edited title"
	fresh.Snippet = "edited snippet"

	res := engineAt(base).Merge(previous, [][]rss.ParsedArticle{{fresh}})

	require.Len(t, res.Snapshot, 1)
	got := res.Snapshot[0]
	assert.Equal(t, previous[0].PublicationDatetime, got.PublicationDatetime)
	assert.Equal(t, "edited title", got.Title)
	assert.Equal(t, "edited snippet", got.Snippet)
	assert.Equal(t, 0, res.New)
}

func TestMerge_StableInputKeepsTimestamps(t *testing.T) {
	batch := []rss.ParsedArticle{
		parsed("https://a/1", "one", "a"),
		parsed("https://a/2", "two", "a"),
		parsed("https://b/1", "three", "b"),
	}
	first := engineAt(base).Merge(nil, [][]rss.ParsedArticle{batch})
	second := engineAt(base.Add(30*time.Minute)).Merge(first.Snapshot, [][]rss.ParsedArticle{batch})
	third := engineAt(base.Add(90*time.Minute)).Merge(second.Snapshot, [][]rss.ParsedArticle{batch})

	assert.ElementsMatch(t, first.Snapshot, third.Snapshot)
	assert.Equal(t, 0, third.New)
}

func TestMerge_DisappearedArticlesAreDropped(t *testing.T) {
	kept := parsed("https://a/1", "kept", "a")
	gone := parsed("https://a/2", "gone", "a")
	previous := Snapshot{
		stamped(kept, base.Add(-time.Minute)),
		stamped(gone, base.Add(-time.Minute)),
	}

	res := engineAt(base).Merge(previous, [][]rss.ParsedArticle{{kept}})

	assert.Equal(t, []string{kept.ID}, ids(res.Snapshot))
	assert.Equal(t, 1, res.Dropped)
}

func TestMerge_RetentionWindow(t *testing.T) {
	inside := parsed("https://a/inside", "inside", "a")
	edge := parsed("https://a/edge", "edge", "a")
	expired := parsed("https://a/expired", "expired", "a")
	previous := Snapshot{
		stamped(inside, base.Add(-47*time.Hour)),
		stamped(edge, base.Add(-48*time.Hour)),
		stamped(expired, base.Add(-48*time.Hour-time.Millisecond)),
	}

	res := engineAt(base).Merge(previous, [][]rss.ParsedArticle{{inside, edge, expired}})

	assert.Equal(t, []string{inside.ID, edge.ID}, ids(res.Snapshot))
	assert.Equal(t, 1, res.Expired)
	for _, a := range res.Snapshot {
		ts, err := time.Parse(time.RFC3339, a.PublicationDatetime)
		require.NoError(t, err)
		assert.LessOrEqual(t, base.Sub(ts), DefaultRetention)
	}
}

func TestMerge_ExpiredArticleReturnsOnlyAfterLeaving(t *testing.T) {
	a := parsed("https://a/1", "one", "a")
	previous := Snapshot{stamped(a, base.Add(-49*time.Hour))}

	// Still in the feed but past the window: evicted, not re-stamped.
	res := engineAt(base).Merge(previous, [][]rss.ParsedArticle{{a}})
	assert.Empty(t, res.Snapshot)

	// Next cycle it is unknown again and starts a fresh window.
	res = engineAt(base.Add(30*time.Minute)).Merge(res.Snapshot, [][]rss.ParsedArticle{{a}})
	require.Len(t, res.Snapshot, 1)
	assert.Equal(t, "2024-05-01T12:30:00.000Z", res.Snapshot[0].PublicationDatetime)
}

func TestMerge_DeduplicatesLastSeenWins(t *testing.T) {
	fromA := parsed("https://shared/1", "from a", "a")
	fromB := parsed("https://shared/1", "from b", "b")

	res := engineAt(base).Merge(nil, [][]rss.ParsedArticle{{fromA}, {fromB}})

	require.Len(t, res.Snapshot, 1)
	assert.Equal(t, "from b", res.Snapshot[0].Title)
	assert.Equal(t, "b", res.Snapshot[0].Source)
	assert.Equal(t, 1, res.New)
}

func TestMerge_SortsNewestFirst(t *testing.T) {
	older := parsed("https://a/older", "older", "a")
	newer := parsed("https://a/newer", "newer", "a")
	brandNew := parsed("https://b/new", "new", "b")
	previous := Snapshot{
		stamped(older, base.Add(-10*time.Hour)),
		stamped(newer, base.Add(-1*time.Hour)),
	}

	res := engineAt(base).Merge(previous, [][]rss.ParsedArticle{{older, newer}, {brandNew}})

	assert.Equal(t, []string{brandNew.ID, newer.ID, older.ID}, ids(res.Snapshot))
}

func TestMerge_EmptyInputs(t *testing.T) {
	res := engineAt(base).Merge(nil, nil)
	require.NotNil(t, res.Snapshot)
	assert.Empty(t, res.Snapshot)

	raw, err := json.Marshal(res.Snapshot)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestMerge_UnreadablePreviousTimestampIsEvicted(t *testing.T) {
	a := parsed("https://a/1", "one", "a")
	previous := Snapshot{{ParsedArticle: a, PublicationDatetime: "not a date"}}

	res := engineAt(base).Merge(previous, [][]rss.ParsedArticle{{a}})

	assert.Empty(t, res.Snapshot)
	assert.Equal(t, 1, res.Expired)
}

func TestSortArticles_InvalidTimestampsLast(t *testing.T) {
	mk := func(id, ts string) Article {
		return Article{ParsedArticle: rss.ParsedArticle{ID: id}, PublicationDatetime: ts}
	}
	articles := []Article{
		mk("bad1", "garbage"),
		mk("old", "2024-05-01T08:00:00.000Z"),
		mk("bad2", ""),
		mk("new", "2024-05-01T11:00:00.000Z"),
		mk("mid", "2024-05-01T10:00:00Z"),
	}

	SortArticles(articles)

	got := make([]string, 0, len(articles))
	for _, a := range articles {
		got = append(got, a.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old", "bad1", "bad2"}, got)
}

func TestArticleJSONShape(t *testing.T) {
	a := stamped(parsed("http://a/x", "&Foo", "src"), base)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "2kf8xk",
		"url": "http://a/x",
		"title": "&Foo",
		"snippet": "&Foo snippet",
		"source": "src",
		"sourceUrl": "https://src/feed",
		"publicationDatetime": "2024-05-01T12:00:00.000Z"
	}`, string(raw))
}
