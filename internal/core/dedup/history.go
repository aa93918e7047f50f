package dedup

// History is a fixed-capacity FIFO of accepted embeddings. Once full, every
// Add evicts the oldest insertion; matching an entry does not refresh it.
type History struct {
	entries [][]float32
	start   int
	size    int
}

// NewHistory creates a history holding at most capacity embeddings.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{entries: make([][]float32, capacity)}
}

// Len returns the number of stored embeddings.
func (h *History) Len() int {
	return h.size
}

// Add stores a copy of e, evicting the oldest entry when full.
func (h *History) Add(e []float32) {
	c := make([]float32, len(e))
	copy(c, e)

	if h.size < len(h.entries) {
		h.entries[(h.start+h.size)%len(h.entries)] = c
		h.size++
		return
	}
	h.entries[h.start] = c
	h.start = (h.start + 1) % len(h.entries)
}

// Each calls fn for every entry from oldest to newest until fn returns false.
func (h *History) Each(fn func(e []float32) bool) {
	for i := 0; i < h.size; i++ {
		if !fn(h.entries[(h.start+i)%len(h.entries)]) {
			return
		}
	}
}
