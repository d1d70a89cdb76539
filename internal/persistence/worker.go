package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"DeskSim/internal/observability"
)

// Worker writes snapshots off the engine loop. The engine offers every
// snapshot non-blocking; when a write is still in flight the pending slot is
// replaced, so only the latest state ever reaches the store (latest wins,
// intermediate states are disposable).
type Worker struct {
	store   Store
	pending chan *Snapshot
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewWorker(store Store, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		store:   store,
		pending: make(chan *Snapshot, 1),
		log:     log,
		metrics: metrics,
	}
}

// Offer hands a snapshot to the worker without blocking the caller. A
// snapshot already waiting is dropped in favor of this newer one.
func (w *Worker) Offer(s *Snapshot) {
	for {
		select {
		case w.pending <- s:
			return
		default:
		}
		select {
		case <-w.pending:
			w.metrics.SnapshotDrops.Inc()
		default:
		}
	}
}

// Run drains the pending slot until the context ends, then makes a final
// attempt to flush whatever is still waiting.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			select {
			case s := <-w.pending:
				w.write(context.Background(), s)
			default:
			}
			return
		case s := <-w.pending:
			w.write(ctx, s)
		}
	}
}

func (w *Worker) write(ctx context.Context, s *Snapshot) {
	start := time.Now()
	if err := w.store.Save(ctx, s); err != nil {
		w.metrics.SnapshotErrors.Inc()
		w.log.Error().Err(err).Time("taken_at", s.TakenAt).Msg("snapshot write failed")
		return
	}
	w.metrics.SnapshotsTaken.Inc()
	w.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	w.log.Debug().Time("taken_at", s.TakenAt).Str("digest", s.Digest).Msg("snapshot written")
}
