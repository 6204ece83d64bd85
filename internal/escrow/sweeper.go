package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweeperConfig tunes the background reconciliation loop.
type SweeperConfig struct {
	Interval   time.Duration
	Workers    int
	BatchSize  int
	StaleAfter time.Duration
}

func (c *SweeperConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Confirmed int
	Synced    int
	Failed    int
}

// Sweeper periodically confirms pending transactions and re-syncs orders
// that have not been reconciled recently.
type Sweeper struct {
	store      Store
	reconciler *Reconciler
	watcher    *TxWatcher
	cfg        SweeperConfig
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
	now        func() time.Time

	// checked records when an order last synced cleanly. Syncs that find
	// nothing to change do not write, so without this the same quiet orders
	// would head the stale list on every pass.
	mu      sync.Mutex
	checked map[string]time.Time
}

// NewSweeper creates a sweeper. Zero config fields take defaults.
func NewSweeper(store Store, reconciler *Reconciler, watcher *TxWatcher, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		reconciler: reconciler,
		watcher:    watcher,
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}, 1),
		now:        func() time.Time { return time.Now().UTC() },
		checked:    make(map[string]time.Time),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	stats := s.Sweep(ctx)
	if stats.Confirmed+stats.Synced+stats.Failed > 0 {
		s.logger.Info("escrow sweep finished",
			"confirmed", stats.Confirmed, "synced", stats.Synced, "failed", stats.Failed)
	}
}

// Sweep runs one pass: every pending transaction is checked for a receipt
// and every stale order without pending transactions is re-synced, through
// a bounded worker pool. Per-item failures are logged and counted.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := s.store.ListPendingTransactions(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("failed to list pending escrow transactions", "error", err)
		return SweepStats{Failed: 1}
	}
	now := s.now()
	cutoff := now.Add(-s.cfg.StaleAfter)
	fresh := s.pruneChecked(cutoff)
	stale, err := s.store.ListStaleOrders(ctx, cutoff, s.cfg.BatchSize+fresh)
	if err != nil {
		s.logger.Warn("failed to list stale escrow orders", "error", err)
		return SweepStats{Failed: 1}
	}

	hasPending := make(map[string]bool, len(pending))
	for _, tx := range pending {
		hasPending[tx.OrderID] = true
	}

	var confirmed, synced, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	backlog := len(pending)
	queued := 0

	for _, tx := range pending {
		g.Go(func() error {
			_, changed, err := s.watcher.Confirm(gctx, tx)
			switch {
			case err != nil:
				failed.Add(1)
				s.logger.Warn("failed to confirm escrow transaction",
					"txHash", tx.TxHash, "orderId", tx.OrderID, "error", err)
			case changed:
				confirmed.Add(1)
			}
			return nil
		})
	}
	for _, order := range stale {
		if hasPending[order.ID] || s.checkedSince(order.ID, cutoff) {
			continue
		}
		if queued == s.cfg.BatchSize {
			break
		}
		queued++
		backlog++
		g.Go(func() error {
			if _, err := s.reconciler.sync(gctx, order.ID, allMilestones, triggerSweep); err != nil {
				failed.Add(1)
				s.logger.Warn("failed to sync stale escrow order", "orderId", order.ID, "error", err)
				return nil
			}
			s.markChecked(order.ID, now)
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	sweepBacklog.Set(float64(backlog))

	return SweepStats{
		Confirmed: int(confirmed.Load()),
		Synced:    int(synced.Load()),
		Failed:    int(failed.Load()),
	}
}

// pruneChecked drops entries older than cutoff and returns how many remain.
func (s *Sweeper) pruneChecked(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.checked {
		if at.Before(cutoff) {
			delete(s.checked, id)
		}
	}
	return len(s.checked)
}

func (s *Sweeper) checkedSince(orderID string, cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.checked[orderID]
	return ok && !at.Before(cutoff)
}

func (s *Sweeper) markChecked(orderID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked[orderID] = at
}
