// Package paginate splits a counted remote result set into bounded
// (offset, limit) windows and drives fetch and load over them.
//
// Fetches may run on a small worker pool; loads always run on a single
// goroutine, one batch at a time. Run returns only after every window was
// fetched and loaded, so callers can treat a nil error as the point where
// the whole result set is in the warehouse.
package paginate

import (
	"context"
	"fmt"
	"iter"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Window is one bounded slice of the result set.
type Window struct {
	Index  int // 0-based window number
	Offset int
	Limit  int
}

// Windows yields consecutive windows covering [0, count). count <= 0 or
// size <= 0 yields nothing.
func Windows(count, size int) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if count <= 0 || size <= 0 {
			return
		}
		for i, off := 0, 0; off < count; i, off = i+1, off+size {
			limit := size
			if rest := count - off; rest < limit {
				limit = rest
			}
			if !yield(Window{Index: i, Offset: off, Limit: limit}) {
				return
			}
		}
	}
}

// Plan describes one paginated pass.
type Plan struct {
	Name      string // used in log lines
	Count     int
	BatchSize int
	Workers   int // concurrent fetches; values < 1 mean 1
}

// FetchFunc retrieves the records of one window.
type FetchFunc[T any] func(ctx context.Context, w Window) ([]T, error)

// LoadFunc writes one fetched batch. It is never called concurrently.
type LoadFunc[T any] func(ctx context.Context, w Window, batch []T) error

// Stats summarizes a completed pass.
type Stats struct {
	Windows int
	Records int
	Elapsed time.Duration
}

type fetched[T any] struct {
	w    Window
	recs []T
}

// Run fetches every window of p and hands each batch to load. The first
// fetch or load error cancels the remaining work and is returned.
func Run[T any](ctx context.Context, p Plan, fetch FetchFunc[T], load LoadFunc[T]) (Stats, error) {
	if p.BatchSize <= 0 {
		return Stats{}, fmt.Errorf("paginate: batch size must be > 0, got %d", p.BatchSize)
	}
	if fetch == nil || load == nil {
		return Stats{}, fmt.Errorf("paginate: fetch and load must not be nil")
	}
	if p.Count <= 0 {
		return Stats{}, nil
	}
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		stats     Stats
		start     = time.Now()
		lastFlush = start
	)

	g, gctx := errgroup.WithContext(ctx)
	out := make(chan fetched[T], workers)

	g.Go(func() error {
		defer close(out)
		fg, fctx := errgroup.WithContext(gctx)
		fg.SetLimit(workers)
		for w := range Windows(p.Count, p.BatchSize) {
			if fctx.Err() != nil {
				break
			}
			fg.Go(func() error {
				recs, err := fetch(fctx, w)
				if err != nil {
					return fmt.Errorf("fetch window %d (offset=%d limit=%d): %w", w.Index, w.Offset, w.Limit, err)
				}
				select {
				case out <- fetched[T]{w: w, recs: recs}:
					return nil
				case <-fctx.Done():
					return fctx.Err()
				}
			})
		}
		return fg.Wait()
	})

	g.Go(func() error {
		for b := range out {
			if err := load(gctx, b.w, b.recs); err != nil {
				return fmt.Errorf("load window %d (offset=%d): %w", b.w.Index, b.w.Offset, err)
			}
			stats.Windows++
			stats.Records += len(b.recs)

			now := time.Now()
			since := now.Sub(lastFlush)
			rps := float64(0)
			if since > 0 {
				rps = float64(len(b.recs)) / since.Seconds()
			}
			log.Printf("%s: batch #%d: rps=%.0f offset=%d loaded=%d total_loaded=%d elapsed=%s",
				p.Name, stats.Windows, rps, b.w.Offset, len(b.recs), stats.Records,
				now.Sub(start).Truncate(time.Millisecond))
			lastFlush = now
		}
		return nil
	})

	err := g.Wait()
	stats.Elapsed = time.Since(start)
	return stats, err
}
