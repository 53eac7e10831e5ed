package runtime

import "sort"

// LockOrdered locks a set of entities in canonical (type, name) order
// so that operations needing multiple locks cannot deadlock against
// each other. It returns the unlock function; callers defer it.
func LockOrdered(objs ...Object) func() {
	sorted := append([]Object(nil), objs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TypeName() != sorted[j].TypeName() {
			return sorted[i].TypeName() < sorted[j].TypeName()
		}
		return sorted[i].ObjectName() < sorted[j].ObjectName()
	})
	// Drop duplicates so the same entity is never locked twice.
	deduped := sorted[:0]
	var prev Object
	for _, obj := range sorted {
		if obj == prev {
			continue
		}
		deduped = append(deduped, obj)
		prev = obj
	}
	for _, obj := range deduped {
		obj.Lock()
	}
	return func() {
		for i := len(deduped) - 1; i >= 0; i-- {
			deduped[i].Unlock()
		}
	}
}
