package auction

import "errors"

var (
	// ErrNotFound indicates the requested vehicle is not stored.
	ErrNotFound = errors.New("auction: vehicle not found")
	// ErrNavigationTimeout indicates a page load or transition exceeded its deadline.
	ErrNavigationTimeout = errors.New("auction: navigation timeout")
	// ErrPageTransitionStall indicates the active page did not change after an advance.
	ErrPageTransitionStall = errors.New("auction: page transition stalled")
	// ErrExtractionEmpty indicates a rendered page produced no candidate records.
	ErrExtractionEmpty = errors.New("auction: extraction produced no records")
	// ErrPersistence indicates the store rejected part or all of a batch.
	ErrPersistence = errors.New("auction: persistence failure")
	// ErrConfiguration indicates invalid or missing settings.
	ErrConfiguration = errors.New("auction: invalid configuration")
)
