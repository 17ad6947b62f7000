package monitor

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a page. The rate-limited fetch layer is the production
// implementation and the only component allowed to reach the network.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Discoverer turns a location and radius into candidate targets.
type Discoverer interface {
	Discover(ctx context.Context, locationHint string, radius int) []CandidateRef
}

// Notifier delivers a notification message (email/SMS or a queue in front of them).
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// SubscriptionSource lists the subscriptions owned by the account subsystem.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes payloads to a topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for cycles and messages.
type IDGenerator interface {
	NewID() (string, error)
}
