package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/chain/chaintest"
	"github.com/mbd888/milestonepay/internal/units"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockTime(n uint64) time.Time {
	return time.Unix(int64(chaintest.BlockTime(n)), 0).UTC() //nolint:gosec // test fixture
}

func TestSyncOrder_SingleStep(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) {
		m.Status = chain.MilestoneSubmitted
		m.SubmittedAt = chaintest.BlockTime(20)
	})
	h.clock.Advance(time.Minute)

	res, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []int{0}, res.ChangedMilestones)
	assert.Equal(t, uint64(100), res.BlockNumber)

	ms := h.milestones(o.ID)
	assert.Equal(t, MilestoneSubmitted, ms[0].EscrowStatus)
	require.NotNil(t, ms[0].SubmittedAt)
	assert.Equal(t, blockTime(20), *ms[0].SubmittedAt)
	assert.Equal(t, h.clock.Now(), ms[0].UpdatedAt)
	assert.Equal(t, MilestonePending, ms[1].EscrowStatus)

	got := h.order(o.ID)
	assert.Equal(t, uint64(100), got.LastSyncedBlock)
	require.NotNil(t, got.LastSyncedAt)
	assert.Equal(t, h.clock.Now(), *got.LastSyncedAt)
	assert.Equal(t, int64(2), got.Version)
}

func TestSyncOrder_Idempotent(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })

	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	first := h.order(o.ID)
	firstMs := h.milestones(o.ID)

	h.clock.Advance(time.Hour)
	res, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.ChangedMilestones)

	second := h.order(o.ID)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, firstMs, h.milestones(o.ID))
}

func TestSyncOrder_MultiStepNeedsEvents(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) {
		m.Status = chain.MilestonePaid
		m.PaidAt = chaintest.BlockTime(20)
	})
	h.release("390")

	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.ErrorIs(t, err, ErrTransitionNotObserved)

	// Nothing was written.
	assert.Equal(t, MilestonePending, h.milestones(o.ID)[0].EscrowStatus)
	got := h.order(o.ID)
	assert.Equal(t, "0", got.ReleasedAmount)
	assert.Equal(t, int64(1), got.Version)

	h.fake.Emit(12, chain.EventMilestoneSubmitted, chainOrderID, 0)
	h.fake.Emit(15, chain.EventMilestoneApproved, chainOrderID, 0, false)
	h.fake.Emit(20, chain.EventPaymentReleased, chainOrderID, 0, units.MustParse("390"))

	res, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	ms := h.milestones(o.ID)[0]
	assert.Equal(t, MilestonePaid, ms.EscrowStatus)
	require.NotNil(t, ms.SubmittedAt)
	require.NotNil(t, ms.ApprovedAt)
	require.NotNil(t, ms.PaidAt)
	assert.Equal(t, blockTime(12), *ms.SubmittedAt, "event block time when the chain has none")
	assert.Equal(t, blockTime(15), *ms.ApprovedAt)
	assert.Equal(t, blockTime(20), *ms.PaidAt, "chain timestamp wins")
	assert.False(t, ms.AutoApproved)
	assert.Equal(t, "390", h.order(o.ID).ReleasedAmount)
}

func TestSyncOrder_EventsBeforeCheckpointIgnored(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.fake.Emit(5, chain.EventMilestoneSubmitted, chainOrderID, 0)
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneApproved })

	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrTransitionNotObserved)
}

func TestSyncOrder_TimestampsNeverOverwritten(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) {
		m.Status = chain.MilestoneSubmitted
		m.SubmittedAt = chaintest.BlockTime(20)
	})
	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)

	h.chainMilestone(0, func(m *chaintest.Milestone) { m.SubmittedAt = chaintest.BlockTime(30) })
	res, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, blockTime(20), *h.milestones(o.ID)[0].SubmittedAt)
}

func TestSyncOrder_FallsBackToSnapshotTime(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })

	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	ms := h.milestones(o.ID)[0]
	require.NotNil(t, ms.SubmittedAt)
	assert.Equal(t, blockTime(100), *ms.SubmittedAt)
}

func TestSyncOrder_RegressionRejected(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })
	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)

	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestonePending })
	_, err = h.rec.SyncOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, MilestoneSubmitted, h.milestones(o.ID)[0].EscrowStatus)
}

func TestSyncOrder_TransientFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })
	refused := errors.New("dial tcp: connection refused")
	h.fake.FailNext(refused, refused, refused)

	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.Error(t, err)
	assert.True(t, chain.IsTransient(err))
	assert.Equal(t, int64(1), h.order(o.ID).Version)
	assert.Equal(t, MilestonePending, h.milestones(o.ID)[0].EscrowStatus)

	// Safe to retry.
	res, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestSyncOrder_CancelledContext(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.rec.SyncOrder(ctx, o.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, chain.IsTransient(err))
	assert.Equal(t, int64(1), h.order(o.ID).Version)
}

func TestSyncOrder_InvariantViolation(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.release("980")

	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, "0", h.order(o.ID).ReleasedAmount)
}

func TestSyncOrder_MilestoneCountMismatch(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.fake.SetOrder(chainOrderID, chaintest.Order{
		Client: clientAddr, Builder: builderAddr,
		Total: units.MustParse("1000"), Fee: units.MustParse("25"), Status: chain.OrderActive,
	}, chaintest.Milestone{Amount: units.MustParse("975"), Status: chain.MilestonePending})

	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestSyncOrder_NotOnChain(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.CreateOrder(context.Background(), standardRequest())
	require.NoError(t, err)

	_, err = h.rec.SyncOrder(context.Background(), res.Order.ID)
	assert.ErrorIs(t, err, chain.ErrOrderNotOnChain)
}

func TestSyncOrder_UnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.SyncOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSyncOrder_TerminalIsNoop(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	o.EscrowStatus = OrderCompleted
	require.NoError(t, h.store.ApplySync(context.Background(), o, nil))
	calls := h.fake.Calls()

	res, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, calls, h.fake.Calls(), "no chain reads for terminal orders")
}

func TestSyncOrder_AllPaidCompletes(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	for i := range 3 {
		h.chainMilestone(i, func(m *chaintest.Milestone) { m.Status = chain.MilestoneApproved })
		h.fake.Emit(uint64(11+i), chain.EventMilestoneSubmitted, chainOrderID, i) //nolint:gosec // small
	}
	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)

	for i := range 3 {
		h.chainMilestone(i, func(m *chaintest.Milestone) { m.Status = chain.MilestonePaid })
	}
	h.release("975")
	h.fake.UpdateOrder(chainOrderID, func(co *chaintest.Order) { co.Status = chain.OrderCompleted })

	res, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, res.Order.EscrowStatus)
	assert.True(t, h.order(o.ID).IsTerminal())
}

func TestSyncMilestone(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	for i := range 2 {
		h.chainMilestone(i, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })
	}

	res, err := h.rec.SyncMilestone(context.Background(), o.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.ChangedMilestones)

	ms := h.milestones(o.ID)
	assert.Equal(t, MilestonePending, ms[0].EscrowStatus)
	assert.Equal(t, MilestoneSubmitted, ms[1].EscrowStatus)
	assert.Equal(t, uint64(10), h.order(o.ID).LastSyncedBlock, "checkpoint only moves on full syncs")

	_, err = h.rec.SyncMilestone(context.Background(), o.ID, 5)
	assert.ErrorIs(t, err, ErrMilestoneNotFound)
	_, err = h.rec.SyncMilestone(context.Background(), o.ID, -1)
	assert.ErrorIs(t, err, ErrMilestoneNotFound)
}

func TestSyncOrder_ConcurrentSyncsSerialize(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.rec.SyncOrder(context.Background(), o.ID)
			if !assert.NoError(t, err) {
				return
			}
			if res.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, changed)
	assert.Equal(t, int64(2), h.order(o.ID).Version)
}

// conflictStore fails the first n ApplySync calls with a version conflict.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *conflictStore) ApplySync(ctx context.Context, o *Order, ms []*Milestone) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.conflicts
	s.mu.Unlock()
	if fail {
		return ErrVersionConflict
	}
	return s.MemoryStore.ApplySync(ctx, o, ms)
}

func TestSyncOrder_VersionConflictRetriedOnce(t *testing.T) {
	for _, tt := range []struct {
		name      string
		conflicts int
		wantErr   error
		wantCalls int
	}{
		{"recovers", 1, nil, 2},
		{"gives up", 5, ErrVersionConflict, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			o := h.mirror()
			h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })

			store := &conflictStore{MemoryStore: h.store, conflicts: tt.conflicts}
			rec := NewReconciler(store, h.chains, nil)
			_, err := rec.SyncOrder(context.Background(), o.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, store.calls)
		})
	}
}

func TestSyncOrder_OpenDisputeOverridesAutoApproval(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	ctx := context.Background()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })
	_, err := h.rec.SyncOrder(ctx, o.ID)
	require.NoError(t, err)

	_, err = h.svc.RaiseDispute(ctx, RaiseDisputeRequest{
		OrderID: o.ID, InitiatedBy: clientUser, InitiatorType: InitiatorClient,
		MilestoneIndex: intPtr(0), Reason: "work incomplete",
	})
	require.NoError(t, err)

	h.chainMilestone(0, func(m *chaintest.Milestone) {
		m.Status = chain.MilestoneApproved
		m.AutoApproved = true
		m.ApprovedAt = chaintest.BlockTime(40)
	})
	before := testutil.ToFloat64(autoApprovalOverrides)

	_, err = h.rec.SyncOrder(ctx, o.ID)
	require.NoError(t, err)

	ms := h.milestones(o.ID)[0]
	assert.Equal(t, MilestoneSubmitted, ms.EscrowStatus)
	assert.False(t, ms.AutoApproved)
	assert.Nil(t, ms.ApprovedAt)
	assert.Equal(t, before+1, testutil.ToFloat64(autoApprovalOverrides))

	got := h.order(o.ID)
	assert.True(t, got.InDispute)
	assert.Equal(t, OrderDisputed, got.EscrowStatus)
}

func TestSyncOrder_AutoApprovalWithoutDispute(t *testing.T) {
	h := newHarness(t)
	o := h.mirror()
	h.chainMilestone(0, func(m *chaintest.Milestone) { m.Status = chain.MilestoneSubmitted })
	_, err := h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)

	h.chainMilestone(0, func(m *chaintest.Milestone) {
		m.Status = chain.MilestoneApproved
		m.AutoApproved = true
	})
	_, err = h.rec.SyncOrder(context.Background(), o.ID)
	require.NoError(t, err)

	ms := h.milestones(o.ID)[0]
	assert.Equal(t, MilestoneApproved, ms.EscrowStatus)
	assert.True(t, ms.AutoApproved)
}
