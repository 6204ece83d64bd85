package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for development mode and tests. One
// mutex guards everything, which gives every method the same atomicity the
// Postgres store gets from transactions.
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]*Order
	chainIDs     map[string]string // network/escrowOrderId -> order id
	milestones   map[string][]*Milestone
	transactions map[string]*Transaction // by tx hash
	disputes     map[string]*Dispute
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*Order),
		chainIDs:     make(map[string]string),
		milestones:   make(map[string][]*Milestone),
		transactions: make(map[string]*Transaction),
		disputes:     make(map[string]*Dispute),
	}
}

func chainKey(network string, escrowOrderID uint64) string {
	return fmt.Sprintf("%s/%d", network, escrowOrderID)
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *Order, milestones []*Milestone, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chainKey(order.Network, order.EscrowOrderID)
	if _, ok := m.chainIDs[key]; ok {
		return ErrOrderExists
	}
	if _, ok := m.orders[order.ID]; ok {
		return ErrOrderExists
	}
	if tx != nil {
		if _, ok := m.transactions[tx.TxHash]; ok {
			return ErrDuplicateTx
		}
		m.transactions[tx.TxHash] = tx.clone()
	}

	m.orders[order.ID] = order.clone()
	m.chainIDs[key] = order.ID
	rows := make([]*Milestone, len(milestones))
	for i, ms := range milestones {
		rows[i] = ms.clone()
	}
	m.milestones[order.ID] = rows
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) ListMilestones(_ context.Context, orderID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.orders[orderID]; !ok {
		return nil, ErrOrderNotFound
	}
	rows := m.milestones[orderID]
	out := make([]*Milestone, len(rows))
	for i, ms := range rows {
		out[i] = ms.clone()
	}
	return out, nil
}

func (m *MemoryStore) ApplySync(_ context.Context, order *Order, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return ErrVersionConflict
	}
	rows := m.milestones[order.ID]
	for _, ms := range milestones {
		if ms.MilestoneIndex < 0 || ms.MilestoneIndex >= len(rows) {
			return ErrMilestoneNotFound
		}
	}

	next := stored.clone()
	next.TotalAmount = order.TotalAmount
	next.PlatformFeeAmount = order.PlatformFeeAmount
	next.ReleasedAmount = order.ReleasedAmount
	next.EscrowStatus = order.EscrowStatus
	next.InDispute = order.InDispute
	next.LastSyncedBlock = order.LastSyncedBlock
	next.LastSyncedAt = cloneTime(order.LastSyncedAt)
	next.UpdatedAt = order.UpdatedAt
	next.Version = stored.Version + 1
	m.orders[order.ID] = next

	for _, ms := range milestones {
		rows[ms.MilestoneIndex] = ms.clone()
	}
	order.Version = next.Version
	return nil
}

func (m *MemoryStore) ListStaleOrders(_ context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.IsTerminal() {
			continue
		}
		if o.LastSyncedAt != nil && !o.LastSyncedAt.Before(before) {
			continue
		}
		result = append(result, o.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return syncedBefore(result[i], result[j])
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// syncedBefore orders never-synced orders first, then by last sync time.
func syncedBefore(a, b *Order) bool {
	switch {
	case a.LastSyncedAt == nil && b.LastSyncedAt == nil:
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	case a.LastSyncedAt == nil:
		return true
	case b.LastSyncedAt == nil:
		return false
	}
	return a.LastSyncedAt.Before(*b.LastSyncedAt)
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[tx.OrderID]; !ok {
		return ErrOrderNotFound
	}
	if _, ok := m.transactions[tx.TxHash]; ok {
		return ErrDuplicateTx
	}
	m.transactions[tx.TxHash] = tx.clone()
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, txHash string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[txHash]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.clone(), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, orderID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.OrderID == orderID {
			result = append(result, tx.clone())
		}
	}
	sortTransactions(result)
	return result, nil
}

func (m *MemoryStore) ListPendingTransactions(_ context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.Status == TxPending {
			result = append(result, tx.clone())
		}
	}
	sortTransactions(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortTransactions(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].TxHash < txs[j].TxHash
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}

func (m *MemoryStore) FinalizeTransaction(_ context.Context, f Finalization) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[f.TxHash]
	if !ok {
		return nil, false, ErrTransactionNotFound
	}
	if tx.Status == f.Status {
		return tx.clone(), false, nil
	}
	if tx.Status != TxPending || !f.Status.Terminal() {
		return tx.clone(), false, ErrTransactionFinalized
	}

	next := tx.clone()
	next.Status = f.Status
	next.ErrorMessage = f.ErrorMessage
	next.BlockNumber = f.BlockNumber
	next.UpdatedAt = f.At
	if f.Status == TxConfirmed {
		at := f.At
		next.ConfirmedAt = &at
	}
	m.transactions[f.TxHash] = next
	return next.clone(), true, nil
}

func (m *MemoryStore) CreateDispute(_ context.Context, d *Dispute, tx *Transaction) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[d.OrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.IsTerminal() {
		return nil, ErrOrderTerminal
	}
	for _, existing := range m.disputes {
		if existing.OrderID == d.OrderID && existing.Status == DisputeOpen {
			return nil, ErrDisputeAlreadyOpen
		}
	}
	if tx != nil {
		if _, ok := m.transactions[tx.TxHash]; ok {
			return nil, ErrDuplicateTx
		}
		m.transactions[tx.TxHash] = tx.clone()
	}

	m.disputes[d.ID] = d.clone()
	next := order.clone()
	next.InDispute = true
	next.EscrowStatus = OrderDisputed
	next.UpdatedAt = d.CreatedAt
	next.Version++
	m.orders[order.ID] = next
	return next.clone(), nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.OrderID == orderID {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) AppendEvidence(_ context.Context, disputeID string, entry EvidenceEntry) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status != DisputeOpen {
		return nil, ErrDisputeClosed
	}
	next := d.clone()
	entry.URLs = append([]string(nil), entry.URLs...)
	next.Evidence = append(next.Evidence, entry)
	next.UpdatedAt = entry.SubmittedAt
	m.disputes[disputeID] = next
	return next.clone(), nil
}

func (m *MemoryStore) ResolveDispute(_ context.Context, r Resolution, tx *Transaction) (*Dispute, *Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[r.DisputeID]
	if !ok {
		return nil, nil, ErrDisputeNotFound
	}
	if d.Status != DisputeOpen {
		return nil, nil, ErrDisputeClosed
	}
	order, ok := m.orders[d.OrderID]
	if !ok {
		return nil, nil, ErrOrderNotFound
	}
	if tx != nil {
		if _, ok := m.transactions[tx.TxHash]; ok {
			return nil, nil, ErrDuplicateTx
		}
		m.transactions[tx.TxHash] = tx.clone()
	}

	next := d.clone()
	applyResolution(next, r)
	m.disputes[d.ID] = next

	o := order.clone()
	clearDispute(o, r)
	m.orders[o.ID] = o
	return next.clone(), o.clone(), nil
}

func applyResolution(d *Dispute, r Resolution) {
	outcome := r.Outcome
	cp, bp := r.ClientPercentage, r.BuilderPercentage
	at := r.ResolvedAt
	d.Status = DisputeResolved
	d.Outcome = &outcome
	d.ClientPercentage = &cp
	d.BuilderPercentage = &bp
	d.ResolvedBy = r.ResolvedBy
	d.ResolvedAt = &at
	d.ResolutionNotes = r.Notes
	d.EscrowTxHash = r.EscrowTxHash
	d.UpdatedAt = at
}

func clearDispute(o *Order, r Resolution) {
	outcome := r.Outcome
	o.InDispute = false
	if o.EscrowStatus == OrderDisputed {
		o.EscrowStatus = OrderActive
	}
	o.DisputeOutcome = &outcome
	o.UpdatedAt = r.ResolvedAt
	o.Version++
}

var _ Store = (*MemoryStore)(nil)
