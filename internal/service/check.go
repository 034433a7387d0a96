package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"feedwindow/internal/rss"
)

// SourceCheck is the result of inspecting one configured source without
// touching the stored snapshot.
type SourceCheck struct {
	Source     rss.Source
	Status     int
	FetchErr   error
	Inspection rss.Inspection
}

// OK reports whether the source would contribute articles to a refresh.
func (c SourceCheck) OK() bool {
	return c.FetchErr == nil && c.Inspection.ParseErr == nil
}

// Check fetches every configured source and reads each document with both
// the structural parser and gofeed.
func (s *Service) Check(ctx context.Context) ([]SourceCheck, error) {
	sources, err := s.sources()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}

	checks := make([]SourceCheck, len(sources))
	var g errgroup.Group
	if s.cfg.FetchConcurrency > 0 {
		g.SetLimit(s.cfg.FetchConcurrency)
	}
	for i, src := range sources {
		g.Go(func() error {
			checks[i] = s.checkSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return checks, nil
}

func (s *Service) checkSource(ctx context.Context, src rss.Source) SourceCheck {
	check := SourceCheck{Source: src}
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	doc, err := s.fetcher.Fetch(ctx, src.FeedURL)
	check.Status = doc.Status
	if err != nil {
		check.FetchErr = err
		return check
	}
	check.Inspection = rss.Inspect(doc.Body, src)
	return check
}
