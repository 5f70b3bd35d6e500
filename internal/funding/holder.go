package funding

import (
	"crypto/sha256"
	"sync"
)

// Holder is the process-wide handle on the active backend. Set swaps the
// backend at runtime and wakes anything waiting on Changed.
type Holder struct {
	mu      sync.RWMutex
	src     Source
	changed chan struct{}
}

func NewHolder(src Source) *Holder {
	if src == nil {
		src = Void{}
	}
	return &Holder{src: src, changed: make(chan struct{})}
}

func (h *Holder) Get() Source {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.src
}

// Changed is closed on the next Set.
func (h *Holder) Changed() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.changed
}

// Set installs src and closes the previous backend.
func (h *Holder) Set(src Source) error {
	if src == nil {
		src = Void{}
	}
	h.mu.Lock()
	old := h.src
	h.src = src
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()

	if old != nil && old != src {
		return old.Close()
	}
	return nil
}

func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
