package dedupe

import (
	"strconv"
	"time"

	"chat-sync-demo/client/pkg/cache"

	"github.com/cespare/xxhash/v2"
)

// StatusFilter suppresses a transient status text repeated within a short
// window. It is separate from the timeline identity model.
type StatusFilter struct {
	recent *cache.Cache
}

// NewStatusFilter creates a filter that suppresses repeats for window and
// sweeps expired entries every cleanup.
func NewStatusFilter(window, cleanup time.Duration, now func() time.Time) *StatusFilter {
	return &StatusFilter{
		recent: cache.New(cache.Options{
			DefaultExpiration: window,
			CleanupInterval:   cleanup,
			Now:               now,
		}),
	}
}

// Allow reports whether text should be shown, recording it if so
func (f *StatusFilter) Allow(text string) bool {
	key := strconv.FormatUint(xxhash.Sum64String(text), 16)
	return f.recent.SetIfAbsent(key, struct{}{})
}

// Len reports how many status texts are currently remembered
func (f *StatusFilter) Len() int {
	return f.recent.Count()
}

// Close stops the cleanup sweep
func (f *StatusFilter) Close() {
	f.recent.Stop()
}
