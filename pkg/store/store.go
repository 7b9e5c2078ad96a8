package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrInvalidKey is returned synchronously by write operations when the key is
// neither a string nor a number. No store interaction happens in that case.
var ErrInvalidKey = errors.New("keys should be strings or numbers")

// Record is the persisted shape of a single container entry.
// ExpireAt is only set for entries written with a TTL; expiry itself is
// enforced store-side, never by the provider.
type Record struct {
	ID       any        `bson:"_id"`
	Value    any        `bson:"value"`
	ExpireAt *time.Time `bson:"expireAt,omitempty"`
}

// Container is the raw mutation surface of the in-memory container a provider
// hydrates and replicates into. These entry points must bypass whatever
// persistence hook the container triggers on its public mutators, otherwise
// every change arriving from the store would loop straight back into it.
//
// Providers always pass keys in canonical form (see NormalizeKey). Containers
// that index by key must apply the same normalization on their public
// mutators, or locally-written numeric keys will not line up with the entries
// hydration and change replication address.
type Container interface {
	// RawSet stores value under key without notifying persistence hooks.
	RawSet(key, value any)

	// RawGet returns the current value for key, reporting whether it exists.
	RawGet(key any) (any, bool)

	// RawDelete removes key without notifying persistence hooks.
	RawDelete(key any)
}

// Adapter is the minimal lifecycle and health contract for storage providers.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// Persistence is the full operation surface of a container persistence
// provider. Set, SetWithTTL and Delete are fire-and-forget: they validate the
// key synchronously and launch the store write without joining it, so store
// I/O failures on those paths are logged but invisible to the caller.
type Persistence interface {
	Adapter

	// Init opens the store connection, optionally hydrates the container and
	// optionally starts change replication. It must be called exactly once.
	Init(ctx context.Context, c Container) error

	// Ready returns a channel closed once Init has completed successfully.
	Ready() <-chan struct{}

	// Fetch performs a point lookup by key. It returns (nil, nil) when no
	// record exists and never touches the in-memory container.
	Fetch(ctx context.Context, key any) (*Record, error)

	Set(key, value any) error
	SetWithTTL(key, value any, expireAt time.Time) error
	Delete(key any) error

	// BulkDelete removes every record in the provider's namespace.
	BulkDelete(ctx context.Context) error
}

// NormalizeKey folds a valid key onto its canonical representation: integers
// become int64 (unsigned values beyond int64 range fall back to float64),
// floats become float64, strings pass through. BSON round-trips integer ids
// as int32 or int64 depending on width, so the same identity must go through
// this both on the way out and after every inbound decode — otherwise a
// remote event for key 42 would land beside the local entry instead of on it.
// Invalid key types are returned unchanged.
func NormalizeKey(key any) any {
	switch k := key.(type) {
	case string:
		return k
	case int:
		return int64(k)
	case int8:
		return int64(k)
	case int16:
		return int64(k)
	case int32:
		return int64(k)
	case int64:
		return k
	case uint:
		if uint64(k) > math.MaxInt64 {
			return float64(k)
		}
		return int64(k)
	case uint8:
		return int64(k)
	case uint16:
		return int64(k)
	case uint32:
		return int64(k)
	case uint64:
		if k > math.MaxInt64 {
			return float64(k)
		}
		return int64(k)
	case float32:
		return float64(k)
	case float64:
		return k
	default:
		return key
	}
}

// ValidKey reports whether key has a runtime type that persists unambiguously
// as a document identity: a string or any Go numeric kind.
func ValidKey(key any) bool {
	switch key.(type) {
	case string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
