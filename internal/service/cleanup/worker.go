package cleanup

import (
	"log"
	"time"

	"github.com/communergy/trusted-entity/internal/session"
)

// Worker periodically sweeps expired sessions out of the in-memory store.
// Lazy eviction on lookup only reclaims sessions somebody asks about again;
// the sweep bounds memory for the rest.
type Worker struct {
	store    *session.MemoryStore
	interval time.Duration
	stop     chan struct{}
}

func NewWorker(store *session.MemoryStore, interval time.Duration) *Worker {
	return &Worker{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the background ticker. The first sweep runs immediately.
func (w *Worker) Start() {
	go w.run()
	log.Printf("[CLEANUP] Background session sweeper started (every %s)", w.interval)
}

// Stop halts the ticker. Safe to call once during shutdown.
func (w *Worker) Stop() {
	close(w.stop)
}

func (w *Worker) run() {
	w.sweep()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) sweep() {
	if evicted := w.store.Sweep(time.Now()); evicted > 0 {
		log.Printf("[CLEANUP] Evicted %d expired sessions, %d remaining", evicted, w.store.Len())
	}
}
