package checkpoint

import (
	"sync"
	"time"

	"signal-trader/internal/logger"
	"signal-trader/internal/persistence"
)

// DirtyCollector is the registry-side half of the checkpoint contract.
type DirtyCollector interface {
	CollectDirty() (map[persistence.ObjectType][]byte, error)
}

// Writer debounces dirty-flag notifications into coalesced store writes. A
// burst of mutations inside the delay window produces exactly one flush.
//
// Persistence failure is fatal: the engine cannot reconcile after a crash
// without its checkpoint, so the fatal hook must shut the process down.
type Writer struct {
	store  persistence.Store
	source DirtyCollector
	delay  time.Duration
	fatal  func(error)

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	flushed chan struct{} // signalled after every completed flush, for tests
}

// NewWriter wires a debounced writer. fatal is invoked (once) when a flush
// cannot be persisted.
func NewWriter(store persistence.Store, source DirtyCollector, delay time.Duration, fatal func(error)) *Writer {
	return &Writer{
		store:   store,
		source:  source,
		delay:   delay,
		fatal:   fatal,
		flushed: make(chan struct{}, 1),
	}
}

// Schedule arms (or re-arms nothing — an armed timer already covers the new
// mutation) the flush timer. Safe to call from any goroutine.
func (w *Writer) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.delay, w.flush)
}

func (w *Writer) flush() {
	w.mu.Lock()
	w.timer = nil
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	objects, err := w.source.CollectDirty()
	if err == nil && len(objects) > 0 {
		err = w.store.SaveObjects(objects)
	}
	if err != nil {
		logger.S().Errorf("CRITICAL: checkpoint flush failed: %v", err)
		w.fatal(err)
		return
	}

	select {
	case w.flushed <- struct{}{}:
	default:
	}
}

// Flushed exposes the flush-completion signal (used by tests and shutdown).
func (w *Writer) Flushed() <-chan struct{} {
	return w.flushed
}

// Close performs a final synchronous flush and stops future scheduling.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	alreadyClosed := w.closed
	w.mu.Unlock()
	if alreadyClosed {
		return
	}

	objects, err := w.source.CollectDirty()
	if err == nil && len(objects) > 0 {
		err = w.store.SaveObjects(objects)
	}
	if err != nil {
		logger.S().Errorf("CRITICAL: final checkpoint flush failed: %v", err)
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
