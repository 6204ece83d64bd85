package escrow

import (
	"context"
	"time"
)

// Store persists the escrow ledger. Every method is a single atomic write or
// read; implementations must never leave an order half-updated.
type Store interface {
	// CreateOrder inserts an order with its milestones and, when tx is not
	// nil, the pending create transaction. ErrOrderExists if the
	// (network, escrowOrderId) pair is already mirrored.
	CreateOrder(ctx context.Context, order *Order, milestones []*Milestone, tx *Transaction) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListMilestones(ctx context.Context, orderID string) ([]*Milestone, error)
	// ApplySync writes the order's synced fields and the given milestones if
	// the stored version still equals order.Version, then bumps the version.
	// ErrVersionConflict otherwise.
	ApplySync(ctx context.Context, order *Order, milestones []*Milestone) error
	// ListStaleOrders returns non-terminal orders not synced since before,
	// least recently synced first.
	ListStaleOrders(ctx context.Context, before time.Time, limit int) ([]*Order, error)

	// CreateTransaction logs a pending transaction. ErrDuplicateTx if the
	// hash exists.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txHash string) (*Transaction, error)
	ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]*Transaction, error)
	// FinalizeTransaction moves a pending transaction to status. Repeating the
	// same terminal status is a no-op (changed=false); asking for the other
	// terminal status returns ErrTransactionFinalized.
	FinalizeTransaction(ctx context.Context, f Finalization) (tx *Transaction, changed bool, err error)

	// CreateDispute inserts an open dispute, flags the order as in dispute
	// and logs tx when not nil, all in one write.
	CreateDispute(ctx context.Context, d *Dispute, tx *Transaction) (*Order, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error)
	AppendEvidence(ctx context.Context, disputeID string, entry EvidenceEntry) (*Dispute, error)
	// ResolveDispute closes an open dispute, clears the order's dispute flag,
	// records the outcome on the order and logs tx when not nil.
	ResolveDispute(ctx context.Context, r Resolution, tx *Transaction) (*Dispute, *Order, error)
}

// Finalization is the terminal state observed for a transaction.
type Finalization struct {
	TxHash       string
	Status       TxStatus
	ErrorMessage string
	BlockNumber  uint64
	At           time.Time
}
