// Package githubsync drives incremental synchronization of pull
// requests and commits into the store. The HTTP mechanics live behind
// the Fetcher interface; this package owns the caching/pagination
// contract, checkpoint advancement, and the retry/backoff policy that
// deliberately does not belong to the core pipeline.
package githubsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/nvoss/devpulse/internal/record"
	"github.com/nvoss/devpulse/internal/storage"
)

// ErrNotModified is returned by a Fetcher when the conditional request
// matched the stored ETag and the window has no new data.
var ErrNotModified = errors.New("not modified")

// Page is one fetched page plus the pagination/caching state needed to
// continue or to resume cheaply next run.
type Page[T any] struct {
	Items   []T
	HasNext bool
	// ETag of the first page; persisted with the checkpoint so the
	// next run can issue a conditional request.
	ETag string
}

// Fetcher is the contract with the external GitHub client: page-wise
// listing with a since watermark and ETag-conditional re-fetch.
// Implementations own authentication, rate limiting and raw HTTP.
type Fetcher interface {
	PullRequests(ctx context.Context, repo string, since time.Time, etag string, page int) (Page[record.PullRequest], error)
	Commits(ctx context.Context, repo string, since time.Time, etag string, page int) (Page[record.Commit], error)
}

// Options tune the collaborator-side failure policy.
type Options struct {
	MaxRetries   int           // per-page fetch attempts (default 3)
	RetryDelay   time.Duration // base delay, grows linearly (default 500ms)
	BreakerTrips uint32        // consecutive failures before the breaker opens (default 5)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 500 * time.Millisecond
	}
	if out.BreakerTrips == 0 {
		out.BreakerTrips = 5
	}
	return out
}

// Stats summarizes one sync run.
type Stats struct {
	PullRequests int
	Commits      int
}

// Syncer runs the PR and commit streams concurrently, each with its
// own checkpoint, so the two can also run on independent schedules.
type Syncer struct {
	store   *storage.Store
	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker
	opts    Options
	sleep   func(time.Duration)
}

func New(store *storage.Store, fetcher Fetcher, opts Options) *Syncer {
	opts = opts.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "github",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerTrips
		},
	})
	return &Syncer{
		store:   store,
		fetcher: fetcher,
		breaker: breaker,
		opts:    opts,
		sleep:   time.Sleep,
	}
}

func prJob(repo string) string     { return "github_prs:" + repo }
func commitJob(repo string) string { return "github_commits:" + repo }

// Sync pulls both streams for one repository. An invalid slug is a
// caller bug and fails immediately. Checkpoints advance only after
// their stream completed in full, so a failed run re-fetches the same
// window next time; upserts keep that safe.
func (s *Syncer) Sync(ctx context.Context, repo string) (Stats, error) {
	if err := record.ValidateRepoSlug(repo); err != nil {
		return Stats{}, fmt.Errorf("syncing repository: %w", err)
	}

	runStart := time.Now().UTC()
	var stats Stats

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.syncPullRequests(ctx, repo, runStart)
		stats.PullRequests = n
		return err
	})
	g.Go(func() error {
		n, err := s.syncCommits(ctx, repo, runStart)
		stats.Commits = n
		return err
	})
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Syncer) syncPullRequests(ctx context.Context, repo string, runStart time.Time) (int, error) {
	job := prJob(repo)
	since, etag, _, err := s.store.Checkpoint(job)
	if err != nil {
		return 0, err
	}

	total := 0
	newETag := etag
	for page := 1; ; page++ {
		fetched, err := s.fetchPRPage(ctx, repo, since, etag, page)
		if errors.Is(err, ErrNotModified) {
			log.Printf("github sync: %s pull requests unchanged (etag hit)", repo)
			break
		}
		if err != nil {
			return total, fmt.Errorf("fetching %s pull requests page %d: %w", repo, page, err)
		}

		if _, err := s.store.InsertPullRequests(fetched.Items); err != nil {
			return total, err
		}
		total += len(fetched.Items)

		if page == 1 && fetched.ETag != "" {
			newETag = fetched.ETag
		}
		if !fetched.HasNext {
			break
		}
	}

	if err := s.store.SetCheckpoint(job, runStart, newETag); err != nil {
		return total, err
	}
	return total, nil
}

func (s *Syncer) syncCommits(ctx context.Context, repo string, runStart time.Time) (int, error) {
	job := commitJob(repo)
	since, etag, _, err := s.store.Checkpoint(job)
	if err != nil {
		return 0, err
	}

	total := 0
	newETag := etag
	for page := 1; ; page++ {
		fetched, err := s.fetchCommitPage(ctx, repo, since, etag, page)
		if errors.Is(err, ErrNotModified) {
			log.Printf("github sync: %s commits unchanged (etag hit)", repo)
			break
		}
		if err != nil {
			return total, fmt.Errorf("fetching %s commits page %d: %w", repo, page, err)
		}

		if _, err := s.store.InsertCommits(fetched.Items); err != nil {
			return total, err
		}
		total += len(fetched.Items)

		if page == 1 && fetched.ETag != "" {
			newETag = fetched.ETag
		}
		if !fetched.HasNext {
			break
		}
	}

	if err := s.store.SetCheckpoint(job, runStart, newETag); err != nil {
		return total, err
	}
	return total, nil
}

func (s *Syncer) fetchPRPage(ctx context.Context, repo string, since time.Time, etag string, page int) (Page[record.PullRequest], error) {
	out, err := s.withRetry(ctx, func() (any, error) {
		return s.fetcher.PullRequests(ctx, repo, since, etag, page)
	})
	if err != nil {
		return Page[record.PullRequest]{}, err
	}
	return out.(Page[record.PullRequest]), nil
}

func (s *Syncer) fetchCommitPage(ctx context.Context, repo string, since time.Time, etag string, page int) (Page[record.Commit], error) {
	out, err := s.withRetry(ctx, func() (any, error) {
		return s.fetcher.Commits(ctx, repo, since, etag, page)
	})
	if err != nil {
		return Page[record.Commit]{}, err
	}
	return out.(Page[record.Commit]), nil
}

// notModified marks an ETag hit inside the breaker so the breaker
// counts it as a success, not a failure.
type notModified struct{}

// withRetry wraps a fetch in the circuit breaker and retries transient
// failures with capped linear backoff. ErrNotModified is a success
// signal, never retried.
func (s *Syncer) withRetry(ctx context.Context, fetch func() (any, error)) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		out, err := s.breaker.Execute(func() (any, error) {
			v, err := fetch()
			if errors.Is(err, ErrNotModified) {
				return notModified{}, nil
			}
			return v, err
		})
		if err == nil {
			if _, ok := out.(notModified); ok {
				return nil, ErrNotModified
			}
			return out, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if attempt < s.opts.MaxRetries {
			s.sleep(time.Duration(attempt) * s.opts.RetryDelay)
		}
	}
	return nil, lastErr
}
