package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/chain/chaintest"
	"github.com/mbd888/milestonepay/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) sweeper(cfg SweeperConfig) *Sweeper {
	s := NewSweeper(h.store, h.rec, h.watcher, cfg, nil)
	s.now = h.clock.Now
	return s
}

// mirrorSingle mirrors a one-milestone order with the given chain id.
func (h *harness) mirrorSingle(escrowOrderID uint64, onChain bool) *Order {
	h.t.Helper()
	req := standardRequest()
	req.EscrowOrderID = escrowOrderID
	req.Milestones = []MilestoneInput{{Amount: "100", Description: "All"}}
	res, err := h.svc.CreateOrder(context.Background(), req)
	require.NoError(h.t, err)
	if onChain {
		h.fake.SetOrder(escrowOrderID, chaintest.Order{
			Client: clientAddr, Builder: builderAddr,
			Total: units.MustParse("100"), Fee: units.MustParse("2.5"), Status: chain.OrderActive,
		}, chaintest.Milestone{Amount: units.MustParse("97.5"), Status: chain.MilestonePending})
	}
	return res.Order
}

func TestSweep_ConfirmsPendingAndSyncsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.mirror()
	b := h.mirrorSingle(8, true)

	_, err := h.svc.LogTransaction(ctx, LogTransactionRequest{
		OrderID: a.ID, TransactionType: TxSubmit, MilestoneIndex: intPtr(0), TxHash: txHashA,
	})
	require.NoError(t, err)
	h.fake.SetReceipt(txHashA, true, 90)
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })

	s := h.sweeper(SweeperConfig{Workers: 2})
	stats := s.Sweep(ctx)
	assert.Equal(t, SweepStats{Confirmed: 1, Synced: 1}, stats)

	tx, err := h.store.GetTransaction(ctx, txHashA)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, tx.Status)
	assert.Equal(t, MilestoneSubmitted, h.milestones(a.ID)[0].EscrowStatus, "confirmation triggers a sync")
	assert.Nil(t, h.order(b.ID).LastSyncedAt, "a sync that changes nothing writes nothing")

	// Everything is fresh now.
	assert.Equal(t, SweepStats{}, s.Sweep(ctx))

	h.clock.Advance(11 * time.Minute)
	assert.Equal(t, SweepStats{Synced: 2}, s.Sweep(ctx))
}

func TestSweep_QuietOrdersDoNotStarveTheBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id := uint64(20); id < 25; id++ {
		h.mirrorSingle(id, true)
	}
	s := h.sweeper(SweeperConfig{BatchSize: 2})

	total := 0
	for range 3 {
		total += s.Sweep(ctx).Synced
	}
	assert.Equal(t, 5, total, "each pass moves on to orders not yet checked")
	assert.Equal(t, SweepStats{}, s.Sweep(ctx))
}

func TestSweep_PendingReceiptLeavesTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.mirror()
	_, err := h.svc.LogTransaction(ctx, LogTransactionRequest{
		OrderID: a.ID, TransactionType: TxApprove, MilestoneIndex: intPtr(0), TxHash: txHashB,
	})
	require.NoError(t, err)

	stats := h.sweeper(SweeperConfig{}).Sweep(ctx)
	assert.Equal(t, SweepStats{}, stats, "order with a pending tx is left to the watcher")

	tx, err := h.store.GetTransaction(ctx, txHashB)
	require.NoError(t, err)
	assert.Equal(t, TxPending, tx.Status)
}

func TestSweep_FailedTransactionRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.mirror()
	_, err := h.svc.LogTransaction(ctx, LogTransactionRequest{
		OrderID: a.ID, TransactionType: TxRelease, MilestoneIndex: intPtr(0), TxHash: txHashC,
	})
	require.NoError(t, err)
	h.fake.SetReceipt(txHashC, false, 95)

	stats := h.sweeper(SweeperConfig{}).Sweep(ctx)
	assert.Equal(t, 1, stats.Confirmed)

	tx, err := h.store.GetTransaction(ctx, txHashC)
	require.NoError(t, err)
	assert.Equal(t, TxFailed, tx.Status)
	assert.Equal(t, "transaction reverted on chain", tx.ErrorMessage)
	assert.Nil(t, tx.ConfirmedAt)
}

func TestSweep_CountsFailures(t *testing.T) {
	h := newHarness(t)
	h.mirror()
	h.mirrorSingle(9, false)

	stats := h.sweeper(SweeperConfig{}).Sweep(context.Background())
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 1, stats.Failed)
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	s := h.sweeper(SweeperConfig{Interval: 5 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, s.Running())
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	s := h.sweeper(SweeperConfig{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
