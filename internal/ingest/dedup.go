package ingest

// DefaultDedupCapacity is the number of tokens kept before trimming.
const DefaultDedupCapacity = 1000

// DedupStore remembers identity tokens in insertion order. When it grows past
// capacity it drops everything except the most recently inserted half, so an
// evicted token seen again is treated as new.
//
// It is owned by the scanner goroutine and is not safe for concurrent use.
type DedupStore struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func NewDedupStore(capacity int) *DedupStore {
	if capacity < 2 {
		capacity = DefaultDedupCapacity
	}
	return &DedupStore{
		capacity: capacity,
		order:    make([]string, 0, capacity+1),
		seen:     make(map[string]struct{}, capacity+1),
	}
}

// IsNew reports whether token has not been seen, recording it if so.
func (d *DedupStore) IsNew(token string) bool {
	if _, ok := d.seen[token]; ok {
		return false
	}
	d.seen[token] = struct{}{}
	d.order = append(d.order, token)
	if len(d.order) > d.capacity {
		d.Trim()
	}
	return true
}

// Trim keeps only the most recently inserted capacity/2 tokens.
func (d *DedupStore) Trim() {
	keep := d.capacity / 2
	if len(d.order) <= keep {
		return
	}
	cut := len(d.order) - keep
	for _, tok := range d.order[:cut] {
		delete(d.seen, tok)
	}
	kept := make([]string, keep, d.capacity+1)
	copy(kept, d.order[cut:])
	d.order = kept
}

func (d *DedupStore) Len() int      { return len(d.order) }
func (d *DedupStore) Capacity() int { return d.capacity }
