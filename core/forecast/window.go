package forecast

// Window is a fixed-length sliding window of fixed-size feature rows backed
// by a ring buffer. Push is O(1); Snapshot materializes the rows oldest-first
// as the flat sequence expected by a Predictor.
type Window struct {
	rows     int
	features int
	buf      []float64
	head     int // index of the oldest row
}

// NewWindow creates a window of rows×features slots, pre-filled with the
// given value so a freshly started node feeds neutral data to the regressor.
func NewWindow(rows, features int, fill float64) *Window {
	w := &Window{rows: rows, features: features, buf: make([]float64, rows*features)}
	for i := range w.buf {
		w.buf[i] = fill
	}
	return w
}

// Push appends one feature row, discarding the oldest. The row length must
// match the window's feature count.
func (w *Window) Push(row ...float64) {
	if len(row) != w.features {
		panic("forecast: feature row size mismatch")
	}
	copy(w.buf[w.head*w.features:], row)
	w.head = (w.head + 1) % w.rows
}

// Snapshot returns the window contents oldest-first as a flat slice. The
// returned slice is freshly allocated and safe for the caller to retain.
func (w *Window) Snapshot() []float64 {
	out := make([]float64, 0, len(w.buf))
	for i := 0; i < w.rows; i++ {
		r := (w.head + i) % w.rows
		out = append(out, w.buf[r*w.features:(r+1)*w.features]...)
	}
	return out
}

// Len returns the total number of scalar slots in the window.
func (w *Window) Len() int { return w.rows * w.features }
