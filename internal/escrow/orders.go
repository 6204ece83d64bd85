package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/fees"
	"github.com/mbd888/milestonepay/internal/idgen"
	"github.com/mbd888/milestonepay/internal/traces"
	"github.com/mbd888/milestonepay/internal/units"
	"github.com/mbd888/milestonepay/internal/validation"
)

// Service implements the ledger operations behind the HTTP API: mirroring
// orders, logging chain transactions and the dispute workflow.
type Service struct {
	store  Store
	chains *chain.Registry
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, chains *chain.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		chains: chains,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MilestoneInput is one contracted milestone, with its gross amount.
type MilestoneInput struct {
	Amount      string     `json:"amount"`
	Description string     `json:"description"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// CreateOrderRequest mirrors an order that was funded on chain.
type CreateOrderRequest struct {
	Network        string           `json:"network"`
	EscrowOrderID  uint64           `json:"escrowOrderId"`
	ClientID       string           `json:"clientId"`
	BuilderID      string           `json:"builderId"`
	ClientAddress  string           `json:"clientAddress"`
	BuilderAddress string           `json:"builderAddress"`
	// BlockNumber is the block the order was created in; event replay for
	// the first sync starts there.
	BlockNumber uint64           `json:"blockNumber"`
	TxHash      string           `json:"txHash,omitempty"`
	Milestones  []MilestoneInput `json:"milestones"`
}

const maxMilestones = 50

// Validate checks the request fields.
func (r *CreateOrderRequest) Validate() validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.Check("escrowOrderId", r.EscrowOrderID > 0, "must be positive"),
		validation.Required("clientId", r.ClientID),
		validation.Required("builderId", r.BuilderID),
		validation.Required("clientAddress", r.ClientAddress),
		validation.ValidAddress("clientAddress", r.ClientAddress),
		validation.Check("blockNumber", r.BlockNumber > 0, "must be positive"),
		validation.Check("milestones", len(r.Milestones) > 0, "at least one milestone is required"),
		validation.Check("milestones", len(r.Milestones) <= maxMilestones, fmt.Sprintf("at most %d milestones", maxMilestones)),
	}
	if r.BuilderAddress != "" {
		checks = append(checks, validation.ValidAddress("builderAddress", r.BuilderAddress))
	}
	if r.TxHash != "" {
		checks = append(checks, validation.ValidTxHash("txHash", r.TxHash))
	}
	for i, m := range r.Milestones {
		field := fmt.Sprintf("milestones[%d]", i)
		checks = append(checks,
			validation.Required(field+".amount", m.Amount),
			validation.PositiveAmount(field+".amount", m.Amount),
			validation.MaxLength(field+".description", m.Description, 2000),
		)
	}
	return validation.Validate(checks...)
}

// FeeQuote is a fee computation rendered in decimal units.
type FeeQuote struct {
	Network   string `json:"network"`
	Amount    string `json:"amount"`
	RateBps   int64  `json:"rateBps"`
	FeeAmount string `json:"feeAmount"`
	NetAmount string `json:"netAmount"`
	Discount  bool   `json:"discount"`
	// BalanceUnknown is set when the discount token balances could not be
	// read and the standard rate was applied.
	BalanceUnknown bool `json:"balanceUnknown"`
}

// OrderView is an order with its milestones.
type OrderView struct {
	Order      *Order       `json:"order"`
	Milestones []*Milestone `json:"milestones"`
}

// CreateOrderResult is the mirrored order and the fee applied to it.
type CreateOrderResult struct {
	OrderView
	Fee FeeQuote `json:"fee"`
}

// CreateOrder mirrors an on-chain order. The platform fee is computed from
// the client's discount token holdings and deducted per milestone.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (_ *CreateOrderResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateOrder", traces.Network(req.Network), traces.EscrowOrderID(req.EscrowOrderID))
	defer func() { traces.End(span, err) }()

	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}
	reader, err := s.reader(req.Network)
	if err != nil {
		return nil, err
	}

	gross := make([]*big.Int, len(req.Milestones))
	for i, m := range req.Milestones {
		if gross[i], err = units.Parse(m.Amount); err != nil {
			return nil, err
		}
	}
	total := units.Sum(gross...)

	q, quote, err := s.quote(ctx, reader, total, req.ClientAddress)
	if err != nil {
		return nil, err
	}
	nets, err := fees.Allocate(gross, q)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &Order{
		ID:                idgen.New(),
		Network:           reader.Network(),
		EscrowOrderID:     req.EscrowOrderID,
		ClientID:          req.ClientID,
		BuilderID:         req.BuilderID,
		ClientAddress:     validation.NormalizeHex(req.ClientAddress),
		BuilderAddress:    validation.NormalizeHex(req.BuilderAddress),
		TotalAmount:       units.Format(total),
		PlatformFeeAmount: quote.FeeAmount,
		FeeRateBps:        quote.RateBps,
		ReleasedAmount:    "0",
		EscrowStatus:      OrderActive,
		LastSyncedBlock:   req.BlockNumber,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	milestones := make([]*Milestone, len(req.Milestones))
	for i, m := range req.Milestones {
		milestones[i] = &Milestone{
			OrderID:        order.ID,
			MilestoneIndex: i,
			Amount:         units.Format(nets[i]),
			Description:    validation.SanitizeString(m.Description, 2000),
			Deadline:       cloneTime(m.Deadline),
			EscrowStatus:   MilestonePending,
			UpdatedAt:      now,
		}
	}

	var tx *Transaction
	if req.TxHash != "" {
		tx = &Transaction{
			ID:              idgen.New(),
			OrderID:         order.ID,
			TransactionType: TxCreate,
			Amount:          order.TotalAmount,
			TxHash:          validation.NormalizeHex(req.TxHash),
			FromAddress:     order.ClientAddress,
			Status:          TxPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	if err := s.store.CreateOrder(ctx, order, milestones, tx); err != nil {
		return nil, err
	}

	s.logger.Info("escrow order mirrored",
		"orderId", order.ID,
		"network", order.Network,
		"escrowOrderId", order.EscrowOrderID,
		"total", order.TotalAmount,
		"fee", order.PlatformFeeAmount,
		"rateBps", order.FeeRateBps,
		"balanceUnknown", quote.BalanceUnknown)

	return &CreateOrderResult{
		OrderView: OrderView{Order: order, Milestones: milestones},
		Fee:       *quote,
	}, nil
}

// QuoteFee prices amount for address on network without writing anything.
func (s *Service) QuoteFee(ctx context.Context, network, amount, address string) (*FeeQuote, error) {
	if errs := validation.Validate(
		validation.Required("amount", amount),
		validation.PositiveAmount("amount", amount),
		validation.Required("address", address),
		validation.ValidAddress("address", address),
	); len(errs) > 0 {
		return nil, errs
	}
	reader, err := s.reader(network)
	if err != nil {
		return nil, err
	}
	total, err := units.Parse(amount)
	if err != nil {
		return nil, err
	}
	_, quote, err := s.quote(ctx, reader, total, address)
	return quote, err
}

// reader resolves a caller-supplied network. Unknown names are a request
// error here, not an operator one.
func (s *Service) reader(network string) (*chain.Reader, error) {
	r, err := s.chains.Get(network)
	if errors.Is(err, chain.ErrNetworkNotConfigured) {
		return nil, validation.ValidationErrors{{Field: "network", Message: "unknown network " + network}}
	}
	return r, err
}

func (s *Service) quote(ctx context.Context, reader *chain.Reader, total *big.Int, holder string) (fees.Quote, *FeeQuote, error) {
	q, err := fees.Compute(total, reader.TokenBalances(ctx, holder))
	unknown := errors.Is(err, fees.ErrBalanceUnknown)
	if err != nil && !unknown {
		return fees.Quote{}, nil, err
	}
	if unknown {
		s.logger.Warn("discount token balance unknown, standard fee applied",
			"network", reader.Network(), "holder", holder)
	}
	return q, &FeeQuote{
		Network:        reader.Network(),
		Amount:         units.Format(total),
		RateBps:        q.RateBps,
		FeeAmount:      units.Format(q.FeeAmount),
		NetAmount:      units.Format(q.NetAmount),
		Discount:       q.Discount,
		BalanceUnknown: unknown,
	}, nil
}

// GetOrder returns an order with its milestones.
func (s *Service) GetOrder(ctx context.Context, id string) (*OrderView, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	milestones, err := s.store.ListMilestones(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Milestones: milestones}, nil
}

// LogTransactionRequest records a chain transaction sent by a wallet.
type LogTransactionRequest struct {
	OrderID         string            `json:"orderId"`
	TransactionType TxType            `json:"transactionType"`
	MilestoneIndex  *int              `json:"milestoneIndex,omitempty"`
	Amount          string            `json:"amount,omitempty"`
	TxHash          string            `json:"txHash"`
	FromAddress     string            `json:"fromAddress,omitempty"`
	ToAddress       string            `json:"toAddress,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request fields.
func (r *LogTransactionRequest) Validate() validation.ValidationErrors {
	types := make([]string, len(TxTypes))
	for i, t := range TxTypes {
		types[i] = string(t)
	}
	checks := []func() *validation.ValidationError{
		validation.Required("orderId", r.OrderID),
		validation.Required("transactionType", string(r.TransactionType)),
		validation.OneOf("transactionType", string(r.TransactionType), types...),
		validation.Required("txHash", r.TxHash),
		validation.ValidTxHash("txHash", r.TxHash),
		validation.Check("metadata", len(r.Metadata) <= 20, "at most 20 entries"),
	}
	if r.Amount != "" {
		checks = append(checks, validation.Amount("amount", r.Amount))
	}
	if r.FromAddress != "" {
		checks = append(checks, validation.ValidAddress("fromAddress", r.FromAddress))
	}
	if r.ToAddress != "" {
		checks = append(checks, validation.ValidAddress("toAddress", r.ToAddress))
	}
	if r.MilestoneIndex != nil {
		checks = append(checks, validation.Check("milestoneIndex", *r.MilestoneIndex >= 0, "must not be negative"))
	}
	return validation.Validate(checks...)
}

// LogTransaction records a pending chain transaction against an order.
func (s *Service) LogTransaction(ctx context.Context, req LogTransactionRequest) (*Transaction, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}
	if _, err := s.store.GetOrder(ctx, req.OrderID); err != nil {
		return nil, err
	}
	if req.MilestoneIndex != nil {
		milestones, err := s.store.ListMilestones(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if *req.MilestoneIndex >= len(milestones) {
			return nil, ErrMilestoneNotFound
		}
	}

	now := s.now()
	tx := &Transaction{
		ID:              idgen.New(),
		OrderID:         req.OrderID,
		TransactionType: req.TransactionType,
		MilestoneIndex:  cloneInt(req.MilestoneIndex),
		TxHash:          validation.NormalizeHex(req.TxHash),
		FromAddress:     validation.NormalizeHex(req.FromAddress),
		ToAddress:       validation.NormalizeHex(req.ToAddress),
		Status:          TxPending,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Amount != "" {
		amt, err := units.Parse(req.Amount)
		if err != nil {
			return nil, err
		}
		tx.Amount = units.Format(amt)
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	s.logger.Info("escrow transaction logged",
		"orderId", tx.OrderID, "txHash", tx.TxHash, "type", tx.TransactionType)
	return tx, nil
}

// FinalizeRequest reports the outcome of a transaction observed elsewhere.
type FinalizeRequest struct {
	Status       TxStatus `json:"status"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	BlockNumber  uint64   `json:"blockNumber,omitempty"`
}

// FinalizeTransaction moves a pending transaction to confirmed or failed.
// Reporting the status it already has is a no-op.
func (s *Service) FinalizeTransaction(ctx context.Context, txHash string, req FinalizeRequest) (*Transaction, error) {
	if errs := validation.Validate(
		validation.ValidTxHash("txHash", txHash),
		validation.Required("status", string(req.Status)),
		validation.OneOf("status", string(req.Status), string(TxConfirmed), string(TxFailed)),
		validation.MaxLength("errorMessage", req.ErrorMessage, 1000),
	); len(errs) > 0 {
		return nil, errs
	}
	tx, changed, err := s.store.FinalizeTransaction(ctx, Finalization{
		TxHash:       validation.NormalizeHex(txHash),
		Status:       req.Status,
		ErrorMessage: req.ErrorMessage,
		BlockNumber:  req.BlockNumber,
		At:           s.now(),
	})
	if err != nil {
		return nil, err
	}
	if changed {
		txFinalized.WithLabelValues(string(tx.TransactionType), string(tx.Status)).Inc()
		s.logger.Info("escrow transaction finalized by report",
			"txHash", tx.TxHash, "orderId", tx.OrderID, "status", tx.Status)
	}
	return tx, nil
}

// ListTransactions returns an order's transactions, oldest first.
func (s *Service) ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, orderID)
}

// QueryEvents reads one page of an order's chain events starting at
// fromBlock. names filters by event name; empty means all.
func (s *Service) QueryEvents(ctx context.Context, orderID string, names []string, fromBlock uint64) (*chain.EventPage, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if errs := validation.Validate(validation.OneOf("events", n, chain.EventNames...)); len(errs) > 0 {
			return nil, errs
		}
	}
	reader, err := s.chains.Get(order.Network)
	if err != nil {
		return nil, err
	}
	return reader.QueryEvents(ctx, order.EscrowOrderID, names, fromBlock)
}

// partyAddress returns the wallet of the given party, when known.
func partyAddress(o *Order, who InitiatorType) string {
	if who == InitiatorBuilder {
		return o.BuilderAddress
	}
	return o.ClientAddress
}

// isParty reports whether userID is the order's client or builder in the
// claimed role.
func isParty(o *Order, userID string, who InitiatorType) bool {
	switch who {
	case InitiatorClient:
		return userID != "" && userID == o.ClientID
	case InitiatorBuilder:
		return userID != "" && userID == o.BuilderID
	}
	return false
}

// roleOf returns the party role userID holds on the order, if any.
func roleOf(o *Order, userID string) (InitiatorType, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == o.ClientID:
		return InitiatorClient, true
	case userID == o.BuilderID:
		return InitiatorBuilder, true
	}
	return "", false
}
