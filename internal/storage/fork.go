package storage

import (
	"bytes"
	"sort"
)

type change struct {
	value   []byte
	deleted bool
}

// Fork is an uncommitted overlay over a snapshot. Reads see the overlay
// first and fall through to the snapshot; writes stay in the overlay
// until the fork's patch is merged.
//
// A fork is owned by exactly one execution and is not safe for
// concurrent use.
type Fork struct {
	snapshot *Snapshot
	changes  map[string]change
}

// Get returns the value for key as seen through the overlay.
func (f *Fork) Get(key []byte) ([]byte, bool, error) {
	if c, ok := f.changes[string(key)]; ok {
		if c.deleted {
			return nil, false, nil
		}
		return bytes.Clone(c.value), true, nil
	}
	return f.snapshot.Get(key)
}

// Put records a pending write.
func (f *Fork) Put(key, value []byte) {
	f.changes[string(key)] = change{value: bytes.Clone(value)}
}

// Delete records a pending deletion.
func (f *Fork) Delete(key []byte) {
	f.changes[string(key)] = change{deleted: true}
}

// Patch extracts the fork's accumulated changes in a deterministic
// order (ascending key). The fork remains usable; callers hand the
// patch to Database.Merge when the block commits.
func (f *Fork) Patch() Patch {
	keys := make([]string, 0, len(f.changes))
	for k := range f.changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	patch := make(Patch, 0, len(keys))
	for _, k := range keys {
		c := f.changes[k]
		patch = append(patch, PatchOp{
			Key:     []byte(k),
			Value:   bytes.Clone(c.value),
			Deleted: c.deleted,
		})
	}
	return patch
}

// Rollback discards all pending changes.
func (f *Fork) Rollback() {
	f.changes = make(map[string]change)
}

// PatchOp is one pending write or deletion.
type PatchOp struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// Patch is an ordered set of operations extracted from a fork.
type Patch []PatchOp
