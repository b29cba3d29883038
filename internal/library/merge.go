package library

import "time"

// Record is anything reconcilable: identified by a stable opaque id and
// carrying an RFC3339 modification stamp.
type Record interface {
	RecordID() string
	ModifiedAt() string
}

// Merge reconciles a local and remote snapshot of one collection.
// Last-writer-wins per whole record: a remote record replaces the local one
// only when its timestamp is strictly later, so merging the same remote
// snapshot twice is a no-op and a slow stale response can never regress newer
// local state. Equal or unparseable timestamps keep the existing entry.
//
// The comparison trusts wall-clock timestamps written by different devices.
// A device with a fast clock can make an older edit win; that skew is an
// accepted limitation of the whole-record LWW design, not something this
// function compensates for.
func Merge[T Record](local, remote []T) []T {
	index := make(map[string]int, len(local))
	merged := make([]T, len(local))
	copy(merged, local)
	for i, item := range local {
		index[item.RecordID()] = i
	}
	for _, item := range remote {
		id := item.RecordID()
		if id == "" {
			continue
		}
		at, ok := index[id]
		if !ok {
			index[id] = len(merged)
			merged = append(merged, item)
			continue
		}
		if newerThan(item.ModifiedAt(), merged[at].ModifiedAt()) {
			merged[at] = item
		}
	}
	return merged
}

// newerThan reports whether a is a strictly later timestamp than b. Missing
// or malformed stamps never win.
func newerThan(a, b string) bool {
	ta, err := time.Parse(time.RFC3339Nano, a)
	if err != nil {
		return false
	}
	tb, err := time.Parse(time.RFC3339Nano, b)
	if err != nil {
		return true
	}
	return ta.After(tb)
}
