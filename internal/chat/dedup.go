package chat

// DedupSet tracks the dedup keys already rendered by one chat session.
// It is scoped to a single session and cleared on room switch; the session
// serializes access, so the set itself carries no lock.
type DedupSet struct {
	keys map[string]struct{}
}

// NewDedupSet creates an empty DedupSet.
func NewDedupSet() *DedupSet {
	return &DedupSet{keys: make(map[string]struct{})}
}

// Add records a key. It returns true if the key was not present before,
// i.e. the message should be rendered.
func (d *DedupSet) Add(key string) bool {
	if _, ok := d.keys[key]; ok {
		return false
	}
	d.keys[key] = struct{}{}
	return true
}

// Has reports whether a key has been rendered already.
func (d *DedupSet) Has(key string) bool {
	_, ok := d.keys[key]
	return ok
}

// Remove forgets a key. Used when a local echo is replaced by its
// confirmed copy and the provisional key is retired.
func (d *DedupSet) Remove(key string) {
	delete(d.keys, key)
}

// Clear empties the set. Called when the session switches rooms so a fresh
// session starts cold.
func (d *DedupSet) Clear() {
	d.keys = make(map[string]struct{})
}

// Len returns the number of tracked keys.
func (d *DedupSet) Len() int {
	return len(d.keys)
}
