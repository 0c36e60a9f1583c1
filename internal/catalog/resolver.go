// Package catalog resolves the list of chat models available to a bearer
// credential.
//
// The Resolver owns a single cache slot keyed by the active credential. A
// cached list is served until it is older than the TTL. Concurrent misses
// for the same credential share one network fetch. Switching credentials or
// calling Invalidate drops the cached list and detaches any in-flight fetch:
// its result is still delivered to the callers already waiting on it, but it
// is never written back into the cache.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chatcore/internal/crypto"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = time.Hour

// Fetcher returns the raw catalog body for a credential.
type Fetcher interface {
	FetchModels(ctx context.Context, credential string) ([]byte, error)
}

type ResolveOptions struct {
	ForceRefresh bool
}

type Resolver struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu         sync.Mutex
	credential string
	generation uint64
	entries    []domain.ModelDescriptor
	fetchedAt  time.Time
}

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

func NewResolver(fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the catalog for credential, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, credential string, opts ResolveOptions) ([]domain.ModelDescriptor, error) {
	if credential == "" {
		return nil, domain.ErrMissingCredential
	}

	r.mu.Lock()
	if credential != r.credential {
		r.resetLocked(credential)
	}
	if !opts.ForceRefresh && r.entries != nil && r.now().Sub(r.fetchedAt) < r.ttl {
		models := cloneModels(r.entries)
		r.mu.Unlock()
		metrics.RecordCatalogLookup("hit")
		return models, nil
	}
	generation := r.generation
	r.mu.Unlock()

	key := flightKey(generation, credential)
	ch := r.group.DoChan(key, func() (any, error) {
		// The shared fetch must outlive the first caller's cancellation.
		return r.fetch(context.WithoutCancel(ctx), credential, generation)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RecordCatalogLookup("shared")
		} else {
			metrics.RecordCatalogLookup("miss")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneModels(res.Val.([]domain.ModelDescriptor)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup finds one model by id in the resolved catalog.
func (r *Resolver) Lookup(ctx context.Context, credential, modelID string) (domain.ModelDescriptor, bool, error) {
	models, err := r.Resolve(ctx, credential, ResolveOptions{})
	if err != nil {
		return domain.ModelDescriptor{}, false, err
	}
	for _, m := range models {
		if m.ID == modelID {
			return m, true, nil
		}
	}
	return domain.ModelDescriptor{}, false, nil
}

// Invalidate clears the cache and detaches any in-flight fetch.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked("")
}

// FetchedAt reports when the cached list was fetched, zero if empty.
func (r *Resolver) FetchedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchedAt
}

func (r *Resolver) resetLocked(credential string) {
	if r.credential != "" {
		r.group.Forget(flightKey(r.generation, r.credential))
	}
	r.generation++
	r.credential = credential
	r.entries = nil
	r.fetchedAt = time.Time{}
}

func (r *Resolver) fetch(ctx context.Context, credential string, generation uint64) ([]domain.ModelDescriptor, error) {
	body, err := r.fetcher.FetchModels(ctx, credential)
	if err != nil {
		metrics.RecordCatalogFetch("error")
		slog.Warn("model catalog fetch failed", "error", err)
		return nil, fmt.Errorf("fetch models: %w", err)
	}

	models, err := Parse(body)
	if err != nil {
		metrics.RecordCatalogFetch("error")
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	metrics.RecordCatalogFetch("success")

	r.mu.Lock()
	if r.generation == generation {
		r.entries = models
		r.fetchedAt = r.now()
	}
	r.mu.Unlock()

	slog.Debug("model catalog refreshed", "models", len(models))
	return models, nil
}

func flightKey(generation uint64, credential string) string {
	return fmt.Sprintf("%d:%s", generation, crypto.Fingerprint(credential)[:16])
}

func cloneModels(models []domain.ModelDescriptor) []domain.ModelDescriptor {
	out := make([]domain.ModelDescriptor, len(models))
	for i, m := range models {
		out[i] = m.Clone()
	}
	return out
}
