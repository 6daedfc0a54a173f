// Package retention decides which remote archives to delete so that a
// directory keeps at most a fixed number of them.
//
// Retention is purely count-based and ordered by creation time: there is no
// age-based expiry and no size-based eviction.
package retention

import (
	"cmp"
	"errors"
	"slices"

	"github.com/florianilch/spo-archiver/internal/drive"
)

// DefaultMaxCount is the number of archives kept when nothing else is configured.
const DefaultMaxCount = 4

// Policy keeps at most MaxCount archives.
type Policy struct {
	MaxCount int
}

// Validate reports whether the policy can be applied.
func (p Policy) Validate() error {
	if p.MaxCount < 1 {
		return errors.New("retention max count must be at least 1")
	}
	return nil
}

// Decide returns the items to delete, oldest first.
//
// justUploaded, when non-nil, is never selected, even when clock skew makes it
// look older than others, and it always counts towards the total, also when a
// lagging listing does not show it yet. Items are matched against it by ID and
// by name, since a replaced upload keeps its name.
//
// Ordering is by creation time, ties broken by name, so repeated decisions on
// the same input are identical.
func (p Policy) Decide(items []drive.Item, justUploaded *drive.Item) []drive.Item {
	candidates := make([]drive.Item, 0, len(items))
	for _, item := range items {
		if justUploaded != nil && (item.ID == justUploaded.ID || item.Name == justUploaded.Name) {
			continue
		}
		candidates = append(candidates, item)
	}

	total := len(candidates)
	if justUploaded != nil {
		total++
	}

	excess := total - max(p.MaxCount, 0)
	if excess <= 0 {
		return nil
	}
	excess = min(excess, len(candidates))

	slices.SortStableFunc(candidates, Oldest)
	return candidates[:excess]
}

// Oldest orders items by creation time ascending, then by name, then by ID.
func Oldest(a, b drive.Item) int {
	if c := a.Created.Compare(b.Created); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
