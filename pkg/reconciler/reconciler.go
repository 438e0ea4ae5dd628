package reconciler

import (
	"time"

	"github.com/amphorastore/amphora/pkg/coordinator"
	"github.com/amphorastore/amphora/pkg/log"
	"github.com/amphorastore/amphora/pkg/metrics"
)

// Reconciler drives interrupted commission resolutions to completion
type Reconciler struct {
	coord    *coordinator.Coordinator
	interval time.Duration
	stopCh   chan struct{}
}

// New creates a reconciler sweeping at the given interval
func New(coord *coordinator.Coordinator, interval time.Duration) *Reconciler {
	return &Reconciler{
		coord:    coord,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				logger := log.WithComponent("reconciler")
				logger.Error().Err(err).
					Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one reconciliation cycle
func (r *Reconciler) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	return r.coord.Reconcile()
}
