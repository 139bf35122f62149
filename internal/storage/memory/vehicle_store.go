// Package memory holds in-process stores for dry runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// VehicleStore provides an in-memory VehicleStore for development/testing.
type VehicleStore struct {
	mu       sync.RWMutex
	clock    auction.Clock
	vehicles map[string]auction.Vehicle
}

// NewVehicleStore constructs a VehicleStore stamping writes with clock.
func NewVehicleStore(clock auction.Clock) *VehicleStore {
	return &VehicleStore{
		clock:    clock,
		vehicles: make(map[string]auction.Vehicle),
	}
}

// Upsert inserts unseen vehicles and refreshes the quote of known ones.
// Listing fields and the creation time of a known vehicle never change.
// Invalid records are skipped and reported in the joined error.
func (s *VehicleStore) Upsert(_ context.Context, vehicles []auction.Vehicle) (auction.UpsertResult, error) {
	var (
		res  auction.UpsertResult
		errs []error
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vehicles {
		if v.ID == "" {
			errs = append(errs, fmt.Errorf("%w: vehicle id is required", auction.ErrPersistence))
			continue
		}
		now := s.clock.Now()
		if v.Quote.ObservedAt.IsZero() {
			v.Quote.ObservedAt = now
		}
		existing, ok := s.vehicles[v.ID]
		if !ok {
			v.CreatedAt = now
			v.LastUpdatedAt = now
			s.vehicles[v.ID] = v
			res.Upserted++
			continue
		}
		res.Matched++
		if existing.Quote != v.Quote {
			res.Modified++
		}
		existing.Quote = v.Quote
		if now.After(existing.LastUpdatedAt) {
			existing.LastUpdatedAt = now
		}
		s.vehicles[v.ID] = existing
	}
	return res, errors.Join(errs...)
}

// Get fetches a vehicle by ID.
func (s *VehicleStore) Get(_ context.Context, id string) (auction.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return auction.Vehicle{}, auction.ErrNotFound
	}
	return v, nil
}

// Stats aggregates the stored vehicles.
func (s *VehicleStore) Stats(_ context.Context) (auction.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sum      auction.Summary
		odometer float64
		bids     float64
	)
	sum.MinBid = math.Inf(1)
	for _, v := range s.vehicles {
		sum.Count++
		odometer += float64(v.Quote.OdometerNumeric())
		bid := v.Quote.CurrentBidNumeric()
		bids += bid
		sum.MinBid = math.Min(sum.MinBid, bid)
		sum.MaxBid = math.Max(sum.MaxBid, bid)
		if v.Quote.BuyItNowNumeric() != nil {
			sum.VehiclesWithBuyNow++
		}
		observed := v.Quote.ObservedAt
		if sum.LatestObservation == nil || observed.After(*sum.LatestObservation) {
			sum.LatestObservation = &observed
		}
	}
	if sum.Count == 0 {
		return auction.Summary{}, nil
	}
	sum.AverageOdometer = odometer / float64(sum.Count)
	sum.AverageBid = bids / float64(sum.Count)
	return sum, nil
}

// Len returns the number of stored vehicles.
func (s *VehicleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

// Close is a no-op.
func (s *VehicleStore) Close() {}
