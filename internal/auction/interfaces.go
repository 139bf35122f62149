package auction

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses until d elapses or ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// VehicleStore persists vehicles keyed by lot identifier.
type VehicleStore interface {
	Upsert(ctx context.Context, vehicles []Vehicle) (UpsertResult, error)
	Get(ctx context.Context, id string) (Vehicle, error)
	Stats(ctx context.Context) (Summary, error)
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used as page markers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
