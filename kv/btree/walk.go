package btree

// WalkStats counts what a tree walk did with each leaf.
type WalkStats struct {
	Visited int
	Skipped int
}

// WalkTree visits every leaf ref in order. Refs still on disk are offered to
// skip first; a skipped ref is never instantiated. Deleted refs are always
// surfaced so the caller can decide whether the fast-truncate stands.
func (t *Btree) WalkTree(skip func(*Ref) bool, visit func(*Ref) error) (WalkStats, error) {
	var stats WalkStats
	for _, ref := range t.Refs() {
		if ref.State() == RefOnDisk && skip != nil && skip(ref) {
			stats.Skipped++
			continue
		}
		if err := visit(ref); err != nil {
			return stats, err
		}
		stats.Visited++
	}
	return stats, nil
}
