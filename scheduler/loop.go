package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowhost/wfengine/model"
)

// Start implements §4.5's `start`: registers this node with the
// coordinator and launches the main loop plus its heartbeat/purge
// maintenance goroutines.
func (h *Host) Start(ctx context.Context) error {
	h.startTime = h.clock()
	if err := h.coord.RegisterNode(ctx, h.cfg.NodeID); err != nil {
		return err
	}

	h.wg.Add(1)
	go h.runLoop(ctx)

	if h.cfg.HeartbeatInterval > 0 {
		h.wg.Add(1)
		go h.heartbeatLoop(ctx)
	}
	if h.cfg.PurgeInterval > 0 {
		h.wg.Add(1)
		go h.purgeLoop(ctx)
	}
	return nil
}

// Stop implements §5's drain semantics: stop accepting new iterations
// and wait for the in-flight ones to finish, up to ctx's deadline.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()
	close(h.stopCh)

	done := make(chan struct{})
	go func() { h.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.emitter.Flush(ctx)
}

func (h *Host) runLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		wake := h.tick(ctx)

		timer := time.NewTimer(wake)
		select {
		case <-timer.C:
		case <-h.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// tick runs one pass of §4.5's main loop steps 1-4 and returns the delay
// until the next wake (step 5).
func (h *Host) tick(ctx context.Context) time.Duration {
	now := h.clock()

	h.mu.Lock()
	active := len(h.leases)
	h.mu.Unlock()

	batch := h.cfg.MaxConcurrentWorkflows - active
	if batch <= 0 {
		return h.cfg.PollInterval
	}

	runnable, err := h.store.GetRunnable(ctx, now, batch)
	if err != nil {
		h.log.Error("scheduler: get_runnable failed", zap.Error(err))
		return h.cfg.PollInterval
	}
	h.metrics.SetRunnableInstances(len(runnable))

	var earliestWake *time.Time
	for _, w := range runnable {
		select {
		case <-h.stopCh:
			return h.cfg.PollInterval
		default:
		}

		lease, err := h.coord.AcquireLease(ctx, w.ID, h.cfg.NodeID, h.cfg.LeaseTTL)
		if err != nil {
			h.log.Warn("scheduler: acquire lease failed", zap.String("instance_id", w.ID), zap.Error(err))
			continue
		}
		if lease == nil {
			continue // held elsewhere (I9)
		}

		h.mu.Lock()
		h.leases[w.ID] = lease.Token
		h.metrics.SetActiveLeases(len(h.leases))
		h.mu.Unlock()

		if err := h.runIterationWithRetry(ctx, w); err != nil {
			h.log.Error("scheduler: iteration failed", zap.String("instance_id", w.ID), zap.Error(err))
		} else if w.NextExecution != nil {
			if earliestWake == nil || w.NextExecution.Before(*earliestWake) {
				earliestWake = w.NextExecution
			}
		}

		if err := h.coord.Release(ctx, lease.Token); err != nil {
			h.log.Warn("scheduler: release lease failed", zap.String("instance_id", w.ID), zap.Error(err))
		}
		h.mu.Lock()
		delete(h.leases, w.ID)
		h.metrics.SetActiveLeases(len(h.leases))
		h.mu.Unlock()
	}

	wake := h.cfg.PollInterval
	if earliestWake != nil {
		if d := earliestWake.Sub(h.clock()); d > 0 && d < wake {
			wake = d
		}
	}
	return wake
}

// runIterationWithRetry implements §4.5 step 3's "on conflict, abort and
// retry the iteration from step 2 (bounded retries)": RunIteration's
// commit can fail on a concurrent write (another host raced the lease,
// or the instance changed underneath this pass); on failure, the
// instance is reloaded fresh and the iteration is retried up to
// MaxIterationRetries times.
func (h *Host) runIterationWithRetry(ctx context.Context, w *model.WorkflowInstance) error {
	var err error
	for attempt := 0; attempt <= h.cfg.MaxIterationRetries; attempt++ {
		err = h.RunIteration(ctx, w)
		if err == nil {
			return nil
		}
		fresh, getErr := h.store.GetInstance(ctx, w.ID)
		if getErr != nil {
			return err
		}
		*w = *fresh
	}
	return err
}

func (h *Host) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.coord.Heartbeat(ctx, h.cfg.NodeID); err != nil {
				h.log.Warn("scheduler: heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (h *Host) purgeLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := h.clock().Add(-h.cfg.PurgeAge)
			n, err := h.store.PurgeWorkflows(ctx, cutoff)
			if err != nil {
				h.log.Warn("scheduler: purge workflows failed", zap.Error(err))
				continue
			}
			if n > 0 {
				h.log.Info("scheduler: purged completed workflows", zap.Int64("count", n))
			}
			if _, err := h.store.PurgeEvents(ctx, cutoff, true); err != nil {
				h.log.Warn("scheduler: purge events failed", zap.Error(err))
			}
			if reaper, ok := h.coord.(leaseReaper); ok {
				if n, err := reaper.ReapExpiredLeases(ctx); err != nil {
					h.log.Warn("scheduler: reap expired leases failed", zap.Error(err))
				} else if n > 0 {
					h.log.Info("scheduler: reaped expired leases", zap.Int64("count", n))
				}
			}
		}
	}
}

// leaseReaper is implemented by coordinators that can proactively reclaim
// expired leases (DBCoordinator) rather than relying solely on the next
// AcquireLease UPSERT to notice a stale one.
type leaseReaper interface {
	ReapExpiredLeases(ctx context.Context) (int64, error)
}
