package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/syncutil"
	"github.com/mbd888/milestonepay/internal/traces"
	"github.com/mbd888/milestonepay/internal/units"
)

// Sync triggers, used as a metric label.
const (
	triggerRequest = "request"
	triggerWatcher = "watcher"
	triggerSweep   = "sweep"
)

// allMilestones selects every milestone of an order for a sync.
const allMilestones = -1

// SyncResult is the ledger state after a sync.
type SyncResult struct {
	Order             *Order       `json:"order"`
	Milestones        []*Milestone `json:"milestones"`
	Changed           bool         `json:"changed"`
	ChangedMilestones []int        `json:"changedMilestones,omitempty"`
	BlockNumber       uint64       `json:"blockNumber"`
}

// Reconciler merges the contract's view of an order into the local ledger.
// Syncs of one order are serialized; different orders sync in parallel.
type Reconciler struct {
	store  Store
	chains *chain.Registry
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler over store and the configured networks.
func NewReconciler(store Store, chains *chain.Registry, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		chains: chains,
		locks:  syncutil.NewKeyedMutex(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SyncOrder reconciles an order and all of its milestones with the chain.
func (r *Reconciler) SyncOrder(ctx context.Context, orderID string) (*SyncResult, error) {
	return r.sync(ctx, orderID, allMilestones, triggerRequest)
}

// SyncMilestone reconciles one milestone plus the order-level amounts and
// status. The event checkpoint is left where it was, since other milestones
// were not examined.
func (r *Reconciler) SyncMilestone(ctx context.Context, orderID string, index int) (*SyncResult, error) {
	if index < 0 {
		return nil, ErrMilestoneNotFound
	}
	return r.sync(ctx, orderID, index, triggerRequest)
}

func (r *Reconciler) sync(ctx context.Context, orderID string, only int, trigger string) (res *SyncResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Sync", traces.OrderID(orderID))
	start := time.Now()
	defer func() {
		traces.End(span, err)
		syncDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			syncsTotal.WithLabelValues(trigger, "error").Inc()
		case res.Changed:
			syncsTotal.WithLabelValues(trigger, "changed").Inc()
		default:
			syncsTotal.WithLabelValues(trigger, "unchanged").Inc()
		}
	}()

	unlock, err := r.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		milestones, err := r.store.ListMilestones(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return &SyncResult{Order: order, Milestones: milestones, BlockNumber: order.LastSyncedBlock}, nil
	}

	reader, err := r.chains.Get(order.Network)
	if err != nil {
		return nil, err
	}
	snap, err := reader.Snapshot(ctx, order.EscrowOrderID)
	if err != nil {
		return nil, err
	}

	proof := &eventProof{reader: reader, escrowOrderID: order.EscrowOrderID, toBlock: snap.BlockNumber}
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if order, err = r.store.GetOrder(ctx, orderID); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err = r.apply(ctx, order, snap, proof, only)
		if errors.Is(err, ErrVersionConflict) && attempt == 0 {
			r.logger.Info("escrow sync raced a concurrent write, retrying", "orderId", orderID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if res.Changed {
			logger := r.logger.With("orderId", orderID, "block", snap.BlockNumber)
			logger.Info("escrow order synced",
				"status", res.Order.EscrowStatus,
				"inDispute", res.Order.InDispute,
				"milestonesChanged", len(res.ChangedMilestones))
		}
		return res, nil
	}
}

// apply merges snap into the local rows and writes the difference.
func (r *Reconciler) apply(ctx context.Context, order *Order, snap *chain.Snapshot, proof *eventProof, only int) (*SyncResult, error) {
	local, err := r.store.ListMilestones(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if len(snap.Milestones) != len(local) {
		return nil, fmt.Errorf("%w: order %s has %d milestones locally, %d on chain",
			ErrInvariantViolation, order.ID, len(local), len(snap.Milestones))
	}
	if only != allMilestones && only >= len(local) {
		return nil, ErrMilestoneNotFound
	}
	disputes, err := r.store.ListDisputes(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	var open *Dispute
	for _, d := range disputes {
		if d.Status == DisputeOpen {
			open = d
		}
	}

	now := r.now()
	merged := make([]*Milestone, len(local))
	var (
		changed    []*Milestone
		changedIdx []int
	)
	for i, ms := range local {
		if only != allMilestones && i != only {
			merged[i] = ms
			continue
		}
		next, err := r.mergeMilestone(ctx, order, ms, snap.Milestones[i], snap, proof, open)
		if err != nil {
			return nil, err
		}
		merged[i] = next
		if !milestoneEqual(ms, next) {
			next.UpdatedAt = now
			changed = append(changed, next)
			changedIdx = append(changedIdx, i)
			if ms.EscrowStatus != next.EscrowStatus {
				milestoneTransitions.WithLabelValues(string(ms.EscrowStatus), string(next.EscrowStatus)).Inc()
			}
		}
	}

	next := order.clone()
	next.TotalAmount = units.Format(snap.Order.TotalAmount)
	next.PlatformFeeAmount = units.Format(snap.Order.PlatformFee)
	next.ReleasedAmount = units.Format(snap.Order.ReleasedAmount)
	facts := DisputeFacts{
		PayoutConfirmed: func(d *Dispute) bool { return r.payoutConfirmed(ctx, d) },
		Flagged:         order.InDispute,
	}
	if hasResolution(disputes) && showsDispute(snap.Order.Status, merged) {
		events, err := proof.load(ctx, order.LastSyncedBlock)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.Name == chain.EventDisputeRaised {
				facts.Raised = append(facts.Raised, ev.BlockTime)
			}
		}
	}
	agg := Aggregate(snap.Order.Status, merged, disputes, facts)
	next.EscrowStatus = agg.Status
	next.InDispute = agg.InDispute

	if err := checkInvariants(snap, merged); err != nil {
		return nil, fmt.Errorf("order %s: %w", order.ID, err)
	}

	result := &SyncResult{Order: next, Milestones: merged, ChangedMilestones: changedIdx, BlockNumber: snap.BlockNumber}
	if orderEqual(order, next) && len(changed) == 0 {
		result.Order = order
		return result, nil
	}

	if only == allMilestones {
		next.LastSyncedBlock = snap.BlockNumber
		next.LastSyncedAt = &now
	}
	next.UpdatedAt = now
	if err := r.store.ApplySync(ctx, next, changed); err != nil {
		return nil, err
	}
	result.Changed = true
	return result, nil
}

func (r *Reconciler) mergeMilestone(ctx context.Context, order *Order, local *Milestone, cm chain.ChainMilestone,
	snap *chain.Snapshot, proof *eventProof, open *Dispute) (*Milestone, error) {
	next := local.clone()
	next.Amount = units.Format(cm.Amount)
	if cm.Deadline != nil {
		next.Deadline = cloneTime(cm.Deadline)
	}

	target := cm.Status
	overridden := open != nil && open.Covers(local.MilestoneIndex) && cm.AutoApproved &&
		(target == MilestoneApproved || target == MilestonePaid) &&
		local.EscrowStatus != MilestoneApproved && local.EscrowStatus != MilestonePaid
	if overridden {
		autoApprovalOverrides.Inc()
		r.logger.Warn("on-chain auto-approval held back by open dispute",
			"orderId", order.ID, "milestone", local.MilestoneIndex,
			"disputeId", open.ID, "chainStatus", target, "localStatus", local.EscrowStatus)
		return next, nil
	}
	next.AutoApproved = cm.AutoApproved

	if local.EscrowStatus != target {
		path, err := PathTo(local.EscrowStatus, target)
		if err != nil {
			return nil, fmt.Errorf("order %s milestone %d: %w", order.ID, local.MilestoneIndex, err)
		}
		var events []chain.Event
		if len(path) > 1 {
			if events, err = proof.load(ctx, order.LastSyncedBlock); err != nil {
				return nil, err
			}
			if _, err := Advance(local.EscrowStatus, target, ObservedFromEvents(events, local.MilestoneIndex)); err != nil {
				return nil, fmt.Errorf("order %s milestone %d: %w", order.ID, local.MilestoneIndex, err)
			}
		}
		next.EscrowStatus = target

		for _, step := range path {
			switch step {
			case MilestoneSubmitted:
				setOnce(&next.SubmittedAt, cm.SubmittedAt, eventTime(events, chain.EventMilestoneSubmitted, local.MilestoneIndex), snap.BlockTime)
			case MilestoneApproved:
				setOnce(&next.ApprovedAt, cm.ApprovedAt, eventTime(events, chain.EventMilestoneApproved, local.MilestoneIndex), snap.BlockTime)
			case MilestonePaid:
				setOnce(&next.PaidAt, cm.PaidAt, eventTime(events, chain.EventPaymentReleased, local.MilestoneIndex), snap.BlockTime)
			}
		}
	}

	// First observation of a timestamp the chain already carries.
	setOnce(&next.SubmittedAt, cm.SubmittedAt, nil, time.Time{})
	setOnce(&next.ApprovedAt, cm.ApprovedAt, nil, time.Time{})
	setOnce(&next.PaidAt, cm.PaidAt, nil, time.Time{})
	return next, nil
}

// payoutConfirmed reports whether a resolved dispute's payout replay has
// confirmed on chain.
func (r *Reconciler) payoutConfirmed(ctx context.Context, d *Dispute) bool {
	if d.EscrowTxHash == "" {
		return false
	}
	tx, err := r.store.GetTransaction(ctx, d.EscrowTxHash)
	if err != nil {
		return false
	}
	return tx.Status == TxConfirmed
}

func hasResolution(disputes []*Dispute) bool {
	for _, d := range disputes {
		if d.Status == DisputeResolved {
			return true
		}
	}
	return false
}

func showsDispute(status OrderStatus, milestones []*Milestone) bool {
	if status == OrderDisputed {
		return true
	}
	for _, ms := range milestones {
		if ms.EscrowStatus == MilestoneDisputed {
			return true
		}
	}
	return false
}

// eventProof loads an order's events at most once per sync.
type eventProof struct {
	reader        *chain.Reader
	escrowOrderID uint64
	toBlock       uint64

	loaded bool
	events []chain.Event
}

func (p *eventProof) load(ctx context.Context, fromBlock uint64) ([]chain.Event, error) {
	if p.loaded {
		return p.events, nil
	}
	for from := fromBlock; from <= p.toBlock; {
		page, err := p.reader.QueryEvents(ctx, p.escrowOrderID, nil, from)
		if err != nil {
			return nil, err
		}
		p.events = append(p.events, page.Events...)
		if page.Complete || page.NextFromBlock <= from {
			break
		}
		from = page.NextFromBlock
	}
	p.loaded = true
	return p.events, nil
}

func eventTime(events []chain.Event, name string, index int) *time.Time {
	for _, ev := range events {
		if ev.Name == name && ev.MilestoneIndex != nil && *ev.MilestoneIndex == index {
			t := ev.BlockTime
			return &t
		}
	}
	return nil
}

// setOnce fills *dst from the first non-empty source. An existing value is
// never replaced.
func setOnce(dst **time.Time, chainTime, eventTime *time.Time, fallback time.Time) {
	if *dst != nil {
		return
	}
	switch {
	case chainTime != nil:
		*dst = cloneTime(chainTime)
	case eventTime != nil:
		*dst = cloneTime(eventTime)
	case !fallback.IsZero():
		t := fallback
		*dst = &t
	}
}

func checkInvariants(snap *chain.Snapshot, milestones []*Milestone) error {
	net := new(big.Int).Sub(snap.Order.TotalAmount, snap.Order.PlatformFee)
	if snap.Order.ReleasedAmount.Cmp(net) > 0 {
		return fmt.Errorf("%w: released %s exceeds escrowed %s", ErrInvariantViolation,
			units.Format(snap.Order.ReleasedAmount), units.Format(net))
	}
	sum := new(big.Int)
	for i, ms := range milestones {
		if ms.MilestoneIndex != i {
			return fmt.Errorf("%w: milestone indices not contiguous at %d", ErrInvariantViolation, i)
		}
		amt, err := units.Parse(ms.Amount)
		if err != nil {
			return fmt.Errorf("%w: milestone %d amount %q", ErrInvariantViolation, i, ms.Amount)
		}
		sum.Add(sum, amt)
	}
	if sum.Cmp(net) != 0 {
		return fmt.Errorf("%w: milestones sum to %s, escrowed %s", ErrInvariantViolation,
			units.Format(sum), units.Format(net))
	}
	return nil
}

func orderEqual(a, b *Order) bool {
	return units.Equal(a.TotalAmount, b.TotalAmount) &&
		units.Equal(a.PlatformFeeAmount, b.PlatformFeeAmount) &&
		units.Equal(a.ReleasedAmount, b.ReleasedAmount) &&
		a.EscrowStatus == b.EscrowStatus &&
		a.InDispute == b.InDispute
}

func milestoneEqual(a, b *Milestone) bool {
	return units.Equal(a.Amount, b.Amount) &&
		a.EscrowStatus == b.EscrowStatus &&
		a.AutoApproved == b.AutoApproved &&
		timeEqual(a.Deadline, b.Deadline) &&
		timeEqual(a.SubmittedAt, b.SubmittedAt) &&
		timeEqual(a.ApprovedAt, b.ApprovedAt) &&
		timeEqual(a.PaidAt, b.PaidAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
