package rss

import (
	"github.com/mmcdole/gofeed"
)

// Inspection compares the structural reading of a document with gofeed's
// declared-format reading. It backs the source check command.
type Inspection struct {
	Format   Format
	Articles int
	ParseErr error

	DeclaredType    string
	DeclaredVersion string
	Title           string
	Items           int
	GofeedErr       error
}

// Inspect reads doc both ways. It never fails; problems are recorded on the
// returned Inspection.
func Inspect(doc []byte, src Source) Inspection {
	var in Inspection

	articles, err := Parse(doc, src)
	in.Articles = len(articles)
	in.ParseErr = err
	if err == nil {
		in.Format, _ = Detect(doc)
	}

	feed, err := gofeed.NewParser().ParseString(string(doc))
	if err != nil {
		in.GofeedErr = err
		return in
	}
	in.DeclaredType = feed.FeedType
	in.DeclaredVersion = feed.FeedVersion
	in.Title = feed.Title
	in.Items = len(feed.Items)
	return in
}

// Agrees reports whether both readings found the same number of entries.
func (in Inspection) Agrees() bool {
	return in.ParseErr == nil && in.GofeedErr == nil && in.Articles == in.Items
}
