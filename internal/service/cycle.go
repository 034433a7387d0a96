package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"feedwindow/internal/metrics"
	"feedwindow/internal/rss"
)

// ErrCycleInFlight is returned when a refresh is requested while another
// one is still running in this process.
var ErrCycleInFlight = errors.New("refresh cycle already in flight")

// Phase is the state of a refresh cycle.
type Phase int

// Phases in cycle order; a cycle ends in PhaseSucceeded or PhaseFailed.
const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseMerging
	PhasePersisting
	PhaseSucceeded
	PhaseFailed
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseFetching:
		return "fetching"
	case PhaseMerging:
		return "merging"
	case PhasePersisting:
		return "persisting"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// SourceResult is the outcome of fetching and parsing one source. Err is
// nil on success; Articles is empty whenever Err is set.
type SourceResult struct {
	Source   rss.Source
	Articles []rss.ParsedArticle
	Err      error
}

// SourceFailure describes a source that contributed nothing this cycle.
type SourceFailure struct {
	Source string `json:"source"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Report summarises one refresh cycle.
type Report struct {
	Phase     Phase           `json:"phase"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"durationNs"`
	Sources   int             `json:"sources"`
	Failures  []SourceFailure `json:"failures,omitempty"`
	Total     int             `json:"total"`
	New       int             `json:"new"`
	Expired   int             `json:"expired"`
	Dropped   int             `json:"dropped"`
	Error     string          `json:"error,omitempty"`

	Results []SourceResult `json:"-"`
}

// Refresh runs one cycle over sources: fetch every source concurrently,
// merge with the stored snapshot, persist. Source failures only shrink the
// input; load and persistence failures fail the cycle and are returned.
func (s *Service) Refresh(ctx context.Context, sources []rss.Source) (Report, error) {
	if !s.cycleMu.TryLock() {
		return Report{}, ErrCycleInFlight
	}
	defer s.cycleMu.Unlock()
	return s.refresh(ctx, sources)
}

// RunOnce loads the sources and runs a single refresh cycle. A source list
// that cannot be loaded fails the cycle like a persistence failure does.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	if !s.cycleMu.TryLock() {
		return Report{}, ErrCycleInFlight
	}
	defer s.cycleMu.Unlock()

	start := s.now()
	sources, err := s.sources()
	if err != nil {
		report := Report{StartedAt: start.UTC()}
		return s.fail(ctx, report, start, fmt.Errorf("load sources: %w", err))
	}
	return s.refresh(ctx, sources)
}

func (s *Service) refresh(ctx context.Context, sources []rss.Source) (Report, error) {
	start := s.now()
	report := Report{StartedAt: start.UTC(), Sources: len(sources)}
	logger := s.logger.With("cycle", start.UTC().Format(time.RFC3339))

	s.setPhase(PhaseFetching)
	report.Results = s.fetchAll(ctx, sources)
	for _, r := range report.Results {
		if r.Err != nil {
			report.Failures = append(report.Failures, SourceFailure{
				Source: r.Source.Name,
				URL:    r.Source.FeedURL,
				Reason: r.Err.Error(),
			})
		}
	}

	s.setPhase(PhaseMerging)
	previous, err := s.snapshots.Load(ctx)
	if err != nil {
		return s.fail(ctx, report, start, fmt.Errorf("load previous snapshot: %w", err))
	}
	batches := lo.Map(report.Results, func(r SourceResult, _ int) []rss.ParsedArticle {
		return r.Articles
	})
	merged := s.engine.Merge(previous, batches)
	report.Total = merged.Total
	report.New = merged.New
	report.Expired = merged.Expired
	report.Dropped = merged.Dropped

	s.setPhase(PhasePersisting)
	if err := s.snapshots.Persist(ctx, merged.Snapshot); err != nil {
		return s.fail(ctx, report, start, fmt.Errorf("persist snapshot: %w", err))
	}

	report.Phase = PhaseSucceeded
	report.Duration = s.now().Sub(start)
	s.finish(report)
	metrics.RecordCycle("succeeded", report.Duration.Seconds())
	metrics.RecordSnapshot(report.Total, report.New)
	logger.Info("refresh cycle succeeded",
		"sources", report.Sources,
		"failed_sources", len(report.Failures),
		"total", report.Total,
		"new", report.New,
		"expired", report.Expired,
		"dropped", report.Dropped,
		"elapsed", report.Duration)
	return report, nil
}

func (s *Service) fail(ctx context.Context, report Report, start time.Time, err error) (Report, error) {
	report.Phase = PhaseFailed
	report.Duration = s.now().Sub(start)
	report.Error = err.Error()
	s.finish(report)
	metrics.RecordCycle("failed", report.Duration.Seconds())
	s.logger.Error("refresh cycle failed", "error", err, "elapsed", report.Duration)
	s.notifyFailure(ctx, report)
	return report, err
}

func (s *Service) fetchAll(ctx context.Context, sources []rss.Source) []SourceResult {
	results := make([]SourceResult, len(sources))
	var g errgroup.Group
	if s.cfg.FetchConcurrency > 0 {
		g.SetLimit(s.cfg.FetchConcurrency)
	}
	for i, src := range sources {
		g.Go(func() error {
			results[i] = s.fetchSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchSource never fails the cycle: every error, including a panic in the
// parser, ends up on the result.
func (s *Service) fetchSource(ctx context.Context, src rss.Source) (result SourceResult) {
	result.Source = src
	logger := s.logger.With("source", src.Name, "url", src.FeedURL)
	defer func() {
		if r := recover(); r != nil {
			result = SourceResult{Source: src, Err: fmt.Errorf("panic while processing source: %v", r)}
		}
		status := "ok"
		if result.Err != nil {
			status = failureKind(result.Err)
			logger.Warn("source skipped", "reason", status, "error", result.Err)
		}
		metrics.RecordSourceFetch(src.Name, status)
	}()

	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	doc, err := s.fetcher.Fetch(ctx, src.FeedURL)
	if err != nil {
		result.Err = fmt.Errorf("fetch: %w", err)
		return result
	}
	articles, err := rss.Parse(doc.Body, src)
	if err != nil {
		result.Err = fmt.Errorf("parse: %w", err)
		return result
	}
	result.Articles = articles
	logger.Debug("source parsed", "articles", len(articles))
	return result
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, rss.ErrStatus):
		return "status_error"
	case errors.Is(err, rss.ErrMalformed), errors.Is(err, rss.ErrUnrecognized):
		return "parse_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "fetch_error"
	}
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *Service) finish(report Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = report.Phase
	s.lastReport = &report
}
