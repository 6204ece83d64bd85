// Package escrow keeps the off-chain ledger of milestone escrow orders in
// step with the escrow contract.
//
// Flow:
//  1. The client funds an order on-chain; the marketplace mirrors it here
//     (CreateOrder), which computes the platform fee and per-milestone amounts.
//  2. Every chain action (submit, approve, release, dispute) is signed by a
//     wallet elsewhere; its tx hash is logged here as a pending transaction.
//  3. The TxWatcher confirms pending transactions from receipts and the
//     Reconciler merges the contract's view into local rows, advancing
//     milestones only on chain-confirmed transitions.
//  4. Disputes are raised and resolved locally; the payout replay is another
//     chain transaction that closes the dispute once it confirms.
package escrow

import (
	"errors"
	"time"

	"github.com/mbd888/milestonepay/internal/chain"
)

var (
	ErrOrderNotFound       = errors.New("escrow: order not found")
	ErrOrderExists         = errors.New("escrow: order already mirrored")
	ErrOrderTerminal       = errors.New("escrow: order is completed or cancelled")
	ErrMilestoneNotFound   = errors.New("escrow: milestone not found")
	ErrVersionConflict     = errors.New("escrow: order was modified concurrently")
	ErrInvariantViolation  = errors.New("escrow: ledger invariant violated")
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	ErrDuplicateTx         = errors.New("escrow: transaction hash already logged")
	// ErrTransactionFinalized is returned when a confirmed or failed
	// transaction is asked to move to the other terminal status.
	ErrTransactionFinalized = errors.New("escrow: transaction already finalized")
	ErrDisputeNotFound      = errors.New("escrow: dispute not found")
	ErrDisputeAlreadyOpen   = errors.New("escrow: order already has an open dispute")
	ErrDisputeClosed        = errors.New("escrow: dispute is already resolved")
	ErrNotParty             = errors.New("escrow: caller is not a party to this order")
)

// OrderStatus and MilestoneStatus are the chain package's named statuses; the
// ledger stores exactly what the contract reports.
type (
	OrderStatus     = chain.OrderStatus
	MilestoneStatus = chain.MilestoneStatus
)

const (
	OrderActive    = chain.OrderActive
	OrderCompleted = chain.OrderCompleted
	OrderCancelled = chain.OrderCancelled
	OrderDisputed  = chain.OrderDisputed

	MilestonePending   = chain.MilestonePending
	MilestoneSubmitted = chain.MilestoneSubmitted
	MilestoneApproved  = chain.MilestoneApproved
	MilestonePaid      = chain.MilestonePaid
	MilestoneDisputed  = chain.MilestoneDisputed
)

// Outcome is how an admin resolved a dispute.
type Outcome string

const (
	OutcomeClientFavor  Outcome = "client_favor"
	OutcomeBuilderFavor Outcome = "builder_favor"
	OutcomeSplit        Outcome = "split"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeClientFavor, OutcomeBuilderFavor, OutcomeSplit:
		return true
	}
	return false
}

// Order is the aggregate root for one escrowed purchase.
// Amounts are decimal strings with six places of precision.
type Order struct {
	ID                string      `json:"id"`
	Network           string      `json:"network"`
	EscrowOrderID     uint64      `json:"escrowOrderId"`
	ClientID          string      `json:"clientId"`
	BuilderID         string      `json:"builderId"`
	ClientAddress     string      `json:"clientAddress"`
	BuilderAddress    string      `json:"builderAddress,omitempty"`
	TotalAmount       string      `json:"totalAmount"`
	PlatformFeeAmount string      `json:"platformFeeAmount"`
	FeeRateBps        int64       `json:"feeRateBps"`
	ReleasedAmount    string      `json:"releasedAmount"`
	EscrowStatus      OrderStatus `json:"escrowStatus"`
	InDispute         bool        `json:"inDispute"`
	DisputeOutcome    *Outcome    `json:"disputeOutcome,omitempty"`
	// LastSyncedBlock is the block of the last applied snapshot and the
	// checkpoint for event replay.
	LastSyncedBlock uint64     `json:"lastSyncedBlock"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true once the order is completed or cancelled.
func (o *Order) IsTerminal() bool {
	return o.EscrowStatus.Terminal()
}

func (o *Order) clone() *Order {
	cp := *o
	if o.DisputeOutcome != nil {
		v := *o.DisputeOutcome
		cp.DisputeOutcome = &v
	}
	cp.LastSyncedAt = cloneTime(o.LastSyncedAt)
	return &cp
}

// Milestone is one contracted payment unit of an order.
type Milestone struct {
	OrderID        string          `json:"orderId"`
	MilestoneIndex int             `json:"milestoneIndex"`
	Amount         string          `json:"amount"`
	Description    string          `json:"description,omitempty"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	EscrowStatus   MilestoneStatus `json:"escrowStatus"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
	ApprovedAt     *time.Time      `json:"approvedAt,omitempty"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	AutoApproved   bool            `json:"autoApproved"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (m *Milestone) clone() *Milestone {
	cp := *m
	cp.Deadline = cloneTime(m.Deadline)
	cp.SubmittedAt = cloneTime(m.SubmittedAt)
	cp.ApprovedAt = cloneTime(m.ApprovedAt)
	cp.PaidAt = cloneTime(m.PaidAt)
	return &cp
}

// TxType is the kind of chain interaction a transaction records.
type TxType string

const (
	TxCreate         TxType = "create"
	TxSubmit         TxType = "submit"
	TxApprove        TxType = "approve"
	TxRelease        TxType = "release"
	TxDispute        TxType = "dispute"
	TxResolveDispute TxType = "resolve_dispute"
	TxRefund         TxType = "refund"
	TxCancel         TxType = "cancel"
)

// TxTypes lists every transaction type.
var TxTypes = []TxType{TxCreate, TxSubmit, TxApprove, TxRelease, TxDispute, TxResolveDispute, TxRefund, TxCancel}

// TxStatus moves one way: pending to confirmed or failed.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Terminal reports whether s is confirmed or failed.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// Transaction is one entry in an order's append-only chain audit trail.
type Transaction struct {
	ID              string            `json:"id"`
	OrderID         string            `json:"orderId"`
	TransactionType TxType            `json:"transactionType"`
	MilestoneIndex  *int              `json:"milestoneIndex,omitempty"`
	Amount          string            `json:"amount,omitempty"`
	TxHash          string            `json:"txHash"`
	FromAddress     string            `json:"fromAddress,omitempty"`
	ToAddress       string            `json:"toAddress,omitempty"`
	Status          TxStatus          `json:"status"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	BlockNumber     uint64            `json:"blockNumber,omitempty"`
	ConfirmedAt     *time.Time        `json:"confirmedAt,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.MilestoneIndex = cloneInt(t.MilestoneIndex)
	cp.ConfirmedAt = cloneTime(t.ConfirmedAt)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// InitiatorType is the party that raised a dispute.
type InitiatorType string

const (
	InitiatorClient  InitiatorType = "client"
	InitiatorBuilder InitiatorType = "builder"
)

// DisputeStatus is open until an admin resolves it.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// EvidenceEntry is one submission appended to an open dispute.
type EvidenceEntry struct {
	SubmittedBy string    `json:"submittedBy"`
	Description string    `json:"description,omitempty"`
	URLs        []string  `json:"urls,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Dispute is a disagreement over an order's funds.
type Dispute struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"orderId"`
	MilestoneIndex    *int            `json:"milestoneIndex,omitempty"`
	InitiatedBy       string          `json:"initiatedBy"`
	InitiatorType     InitiatorType   `json:"initiatorType"`
	Reason            string          `json:"reason"`
	Description       string          `json:"description,omitempty"`
	EvidenceURLs      []string        `json:"evidenceUrls,omitempty"`
	Evidence          []EvidenceEntry `json:"evidence,omitempty"`
	Status            DisputeStatus   `json:"status"`
	Outcome           *Outcome        `json:"outcome,omitempty"`
	ClientPercentage  *int            `json:"clientPercentage,omitempty"`
	BuilderPercentage *int            `json:"builderPercentage,omitempty"`
	ResolvedBy        string          `json:"resolvedBy,omitempty"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
	ResolutionNotes   string          `json:"resolutionNotes,omitempty"`
	EscrowTxHash      string          `json:"escrowTxHash,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Covers reports whether the dispute concerns milestone index. A dispute
// without a milestone covers the whole order.
func (d *Dispute) Covers(index int) bool {
	return d.MilestoneIndex == nil || *d.MilestoneIndex == index
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.MilestoneIndex = cloneInt(d.MilestoneIndex)
	cp.ClientPercentage = cloneInt(d.ClientPercentage)
	cp.BuilderPercentage = cloneInt(d.BuilderPercentage)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	if d.Outcome != nil {
		v := *d.Outcome
		cp.Outcome = &v
	}
	if d.EvidenceURLs != nil {
		cp.EvidenceURLs = append([]string(nil), d.EvidenceURLs...)
	}
	if d.Evidence != nil {
		cp.Evidence = make([]EvidenceEntry, len(d.Evidence))
		for i, e := range d.Evidence {
			e.URLs = append([]string(nil), e.URLs...)
			cp.Evidence[i] = e
		}
	}
	return &cp
}

// Resolution is the admin decision applied to an open dispute.
type Resolution struct {
	DisputeID         string
	Outcome           Outcome
	ClientPercentage  int
	BuilderPercentage int
	ResolvedBy        string
	Notes             string
	EscrowTxHash      string
	ResolvedAt        time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
