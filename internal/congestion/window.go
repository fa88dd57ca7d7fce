package congestion

// DefaultWindowSize is the number of intervals kept for smoothing
const DefaultWindowSize = 6

// Window is a fixed-capacity FIFO of interval results backed by a ring
// buffer. Levels and averages always have the same length.
// Not safe for concurrent use; the aggregator owns it exclusively.
type Window struct {
	levels   []Level
	averages []int
	head     int // index of the oldest entry
	size     int
}

// NewWindow creates a window holding at most capacity results. A
// non-positive capacity falls back to DefaultWindowSize.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		levels:   make([]Level, capacity),
		averages: make([]int, capacity),
	}
}

// Cap returns the fixed capacity
func (w *Window) Cap() int { return len(w.levels) }

// Len returns the number of results currently held
func (w *Window) Len() int { return w.size }

// Push appends one result, evicting the oldest when full
func (w *Window) Push(level Level, averageCount int) {
	capacity := len(w.levels)
	if w.size < capacity {
		idx := (w.head + w.size) % capacity
		w.levels[idx] = level
		w.averages[idx] = averageCount
		w.size++
		return
	}

	// Full: overwrite the oldest slot and advance head
	w.levels[w.head] = level
	w.averages[w.head] = averageCount
	w.head = (w.head + 1) % capacity
}

// Clone returns an independent copy with the same capacity and contents
func (w *Window) Clone() *Window {
	return &Window{
		levels:   append([]Level(nil), w.levels...),
		averages: append([]int(nil), w.averages...),
		head:     w.head,
		size:     w.size,
	}
}

// PushResult is Push for an IntervalResult
func (w *Window) PushResult(r IntervalResult) {
	w.Push(r.Level, r.AverageCount)
}

// Levels returns a copy of the held levels, oldest first
func (w *Window) Levels() []Level {
	out := make([]Level, w.size)
	for i := range w.size {
		out[i] = w.levels[(w.head+i)%len(w.levels)]
	}
	return out
}

// Averages returns a copy of the held average counts, oldest first
func (w *Window) Averages() []int {
	out := make([]int, w.size)
	for i := range w.size {
		out[i] = w.averages[(w.head+i)%len(w.averages)]
	}
	return out
}

// Dominant returns the most frequent level in the window. On a tie the
// level that reached the winning count first, scanning oldest to newest,
// wins. An empty window returns "".
func (w *Window) Dominant() Level {
	counts := make(map[Level]int, 3)
	var (
		dominant Level
		best     int
	)
	for i := range w.size {
		level := w.levels[(w.head+i)%len(w.levels)]
		counts[level]++
		if counts[level] > best {
			best = counts[level]
			dominant = level
		}
	}
	return dominant
}
