package detection

import (
	"sort"
	"sync"

	"lerian-regulatory-engine/pkg/types"
)

// ProvisionIndex is the working set of provision snapshots the detector
// compares against. Incremental runs feed deltas into the index and then
// only re-evaluate pairs touching the delta.
type ProvisionIndex struct {
	mu   sync.RWMutex
	byID map[string]*types.NormativeProvision
}

// NewProvisionIndex builds an index over an initial provision snapshot.
func NewProvisionIndex(provisions ...*types.NormativeProvision) *ProvisionIndex {
	idx := &ProvisionIndex{byID: make(map[string]*types.NormativeProvision, len(provisions))}
	for _, p := range provisions {
		idx.byID[p.ID] = p
	}
	return idx
}

// Upsert replaces the snapshot for a provision. A new revision arrives under
// a new ID; the superseded snapshot stays so supersession checks see the
// chain.
func (idx *ProvisionIndex) Upsert(p *types.NormativeProvision) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byID[p.ID] = p
}

// Get returns the snapshot for id, or nil.
func (idx *ProvisionIndex) Get(id string) *types.NormativeProvision {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byID[id]
}

// Len returns the number of indexed provisions.
func (idx *ProvisionIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

// All returns every indexed provision, ordered by ID for deterministic runs.
func (idx *ProvisionIndex) All() []*types.NormativeProvision {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*types.NormativeProvision, 0, len(idx.byID))
	for _, p := range idx.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// bucketKey pairs one shared topic tag with one shared jurisdiction tag.
// Two provisions land in a common bucket exactly when their topic sets and
// jurisdiction sets both intersect, which is the precondition for every
// detection check.
type bucketKey struct {
	topic        string
	jurisdiction string
}

func buildBuckets(provisions []*types.NormativeProvision) map[bucketKey][]*types.NormativeProvision {
	buckets := make(map[bucketKey][]*types.NormativeProvision)
	for _, p := range provisions {
		for _, topic := range types.NormalizeTags(p.TopicTags) {
			for _, jur := range types.NormalizeTags(p.Jurisdiction) {
				key := bucketKey{topic: topic, jurisdiction: jur}
				buckets[key] = append(buckets[key], p)
			}
		}
	}
	for key, members := range buckets {
		if len(members) < 2 {
			delete(buckets, key)
		}
	}
	return buckets
}
