package rules

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/metrics"
	"github.com/stackwatch/stackwatch/pkg/storage"
)

// Index is the read-through cache over rule snapshots. Readers get an
// immutable *Snapshot without locks; any rule mutation bumps the version,
// and the next read rebuilds from the currently active rules.
type Index struct {
	store *storage.Store

	version atomic.Int64
	current atomic.Pointer[Snapshot]

	// rebuildMu serializes rebuilds so a burst of readers after an
	// invalidation triggers one query, not many.
	rebuildMu sync.Mutex
}

// NewIndex creates an index over the store's rules.
func NewIndex(store *storage.Store) *Index {
	idx := &Index{store: store}
	idx.version.Store(1)
	return idx
}

// Snapshot returns the current index snapshot, rebuilding it if a rule
// mutation invalidated the cached one.
func (i *Index) Snapshot(ctx context.Context) (*Snapshot, error) {
	want := i.version.Load()
	if snap := i.current.Load(); snap != nil && snap.Version == want {
		return snap, nil
	}

	i.rebuildMu.Lock()
	defer i.rebuildMu.Unlock()

	// Another reader may have rebuilt while we waited.
	want = i.version.Load()
	if snap := i.current.Load(); snap != nil && snap.Version == want {
		return snap, nil
	}

	active, err := storage.ListActiveRules(ctx, i.store.DB())
	if err != nil {
		return nil, err
	}

	snap := BuildSnapshot(active, want)
	i.current.Store(snap)
	metrics.RuleIndexRebuilds.Inc()
	logger := log.WithComponent("rules")
	logger.Debug().
		Int("rule_count", snap.RuleCount()).
		Int64("version", snap.Version).
		Msg("rule index rebuilt")
	return snap, nil
}

// Invalidate discards the cached snapshot. Called on every rule mutation.
func (i *Index) Invalidate() {
	i.version.Add(1)
}
