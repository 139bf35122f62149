// Package dedup classifies extracted records as new or already seen within
// a single crawl run.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// Set remembers identifiers. Add reports true only the first time an
// identifier is added.
type Set interface {
	Add(ctx context.Context, id string) (bool, error)
}

// Releaser is implemented by sets that hold external resources for a run.
type Releaser interface {
	Release(ctx context.Context) error
}

// Result splits one batch into first sightings and repeats.
type Result struct {
	New        []auction.Vehicle
	Duplicates []auction.Vehicle
}

// DuplicateRatio returns the share of the batch that was already seen.
func (r Result) DuplicateRatio() float64 {
	total := len(r.New) + len(r.Duplicates)
	if total == 0 {
		return 0
	}
	return float64(len(r.Duplicates)) / float64(total)
}

// Accumulator tracks every identifier seen during a run. It starts empty and
// only grows. Every identifier is also kept in a local set that answers
// whenever the backing set fails.
type Accumulator struct {
	set   Set
	local *MemorySet

	mu         sync.Mutex
	newCount   int
	duplicates int
}

// NewAccumulator wraps set. A nil set falls back to an in-memory set.
func NewAccumulator(set Set) *Accumulator {
	local := NewMemorySet()
	if set == nil {
		return &Accumulator{set: local, local: local}
	}
	return &Accumulator{set: set, local: local}
}

// Classify records every identifier in batch and splits the batch by first
// sighting. Identifiers repeated inside batch count as duplicates after their
// first occurrence. Backing set failures are joined into the returned error;
// the Result still covers the whole batch.
func (a *Accumulator) Classify(ctx context.Context, batch []auction.Vehicle) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, v := range batch {
		added, err := a.add(ctx, v.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("classify %s: %w", v.ID, err))
		}
		if added {
			res.New = append(res.New, v)
		} else {
			res.Duplicates = append(res.Duplicates, v)
		}
	}
	a.tally(res)
	return res, errors.Join(errs...)
}

func (a *Accumulator) add(ctx context.Context, id string) (bool, error) {
	localAdded, _ := a.local.Add(ctx, id)
	if a.set == Set(a.local) {
		return localAdded, nil
	}
	added, err := a.set.Add(ctx, id)
	if err != nil {
		return localAdded, err
	}
	return added, nil
}

func (a *Accumulator) tally(res Result) {
	a.mu.Lock()
	a.newCount += len(res.New)
	a.duplicates += len(res.Duplicates)
	a.mu.Unlock()
}

// Totals returns the cumulative new and duplicate counts.
func (a *Accumulator) Totals() (newCount, duplicates int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newCount, a.duplicates
}

// Release frees resources held by the underlying set, if any.
func (a *Accumulator) Release(ctx context.Context) error {
	if r, ok := a.set.(Releaser); ok {
		if err := r.Release(ctx); err != nil {
			return fmt.Errorf("release seen set: %w", err)
		}
	}
	return nil
}

// MemorySet is a process-local Set.
type MemorySet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewMemorySet constructs an empty MemorySet.
func NewMemorySet() *MemorySet {
	return &MemorySet{ids: make(map[string]struct{})}
}

// Add implements Set.
func (s *MemorySet) Add(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false, nil
	}
	s.ids[id] = struct{}{}
	return true, nil
}

// Len returns the number of identifiers seen.
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
