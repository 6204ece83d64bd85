package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/milestonepay/internal/idgen"
	"github.com/mbd888/milestonepay/internal/traces"
	"github.com/mbd888/milestonepay/internal/validation"
)

const maxEvidenceURLs = 20

// RaiseDisputeRequest opens a dispute on an order. InitiatedBy is the
// authenticated caller and must be the order's party of InitiatorType.
type RaiseDisputeRequest struct {
	OrderID        string        `json:"-"`
	InitiatedBy    string        `json:"-"`
	InitiatorType  InitiatorType `json:"initiatorType"`
	MilestoneIndex *int          `json:"milestoneIndex,omitempty"`
	Reason         string        `json:"reason"`
	Description    string        `json:"description,omitempty"`
	EvidenceURLs   []string      `json:"evidenceUrls,omitempty"`
	// TxHash is the on-chain raiseDispute transaction, when already sent.
	TxHash string `json:"txHash,omitempty"`
}

// Validate checks the request fields.
func (r *RaiseDisputeRequest) Validate() validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.Required("initiatorType", string(r.InitiatorType)),
		validation.OneOf("initiatorType", string(r.InitiatorType), string(InitiatorClient), string(InitiatorBuilder)),
		validation.Required("reason", r.Reason),
		validation.MaxLength("reason", r.Reason, 500),
		validation.MaxLength("description", r.Description, 5000),
		validation.Check("evidenceUrls", len(r.EvidenceURLs) <= maxEvidenceURLs, fmt.Sprintf("at most %d urls", maxEvidenceURLs)),
	}
	if r.MilestoneIndex != nil {
		checks = append(checks, validation.Check("milestoneIndex", *r.MilestoneIndex >= 0, "must not be negative"))
	}
	if r.TxHash != "" {
		checks = append(checks, validation.ValidTxHash("txHash", r.TxHash))
	}
	return validation.Validate(checks...)
}

// RaiseDispute opens a dispute and flags the order as in dispute in one
// write. An order holds at most one open dispute.
func (s *Service) RaiseDispute(ctx context.Context, req RaiseDisputeRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute", traces.OrderID(req.OrderID))
	defer func() { traces.End(span, err) }()

	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}
	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !isParty(order, req.InitiatedBy, req.InitiatorType) {
		return nil, ErrNotParty
	}
	if order.IsTerminal() {
		return nil, ErrOrderTerminal
	}
	if req.MilestoneIndex != nil {
		milestones, err := s.store.ListMilestones(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if *req.MilestoneIndex >= len(milestones) {
			return nil, ErrMilestoneNotFound
		}
	}

	now := s.now()
	d := &Dispute{
		ID:             idgen.WithPrefix("dsp_"),
		OrderID:        order.ID,
		MilestoneIndex: cloneInt(req.MilestoneIndex),
		InitiatedBy:    req.InitiatedBy,
		InitiatorType:  req.InitiatorType,
		Reason:         validation.SanitizeString(req.Reason, 500),
		Description:    validation.SanitizeString(req.Description, 5000),
		EvidenceURLs:   append([]string(nil), req.EvidenceURLs...),
		Status:         DisputeOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var tx *Transaction
	if req.TxHash != "" {
		tx = &Transaction{
			ID:              idgen.New(),
			OrderID:         order.ID,
			TransactionType: TxDispute,
			MilestoneIndex:  cloneInt(req.MilestoneIndex),
			TxHash:          validation.NormalizeHex(req.TxHash),
			FromAddress:     partyAddress(order, req.InitiatorType),
			Status:          TxPending,
			Metadata:        map[string]string{"disputeId": d.ID},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	if _, err := s.store.CreateDispute(ctx, d, tx); err != nil {
		return nil, err
	}
	disputesTotal.WithLabelValues("raised", "").Inc()
	s.logger.Info("escrow dispute raised",
		"disputeId", d.ID,
		"orderId", order.ID,
		"initiator", d.InitiatorType,
		"milestone", d.MilestoneIndex)
	return d, nil
}

// AddEvidenceRequest appends evidence to an open dispute.
type AddEvidenceRequest struct {
	SubmittedBy string   `json:"-"`
	Description string   `json:"description"`
	URLs        []string `json:"urls,omitempty"`
}

// AddEvidence appends an evidence entry from one of the order's parties.
func (s *Service) AddEvidence(ctx context.Context, disputeID string, req AddEvidenceRequest) (*Dispute, error) {
	if errs := validation.Validate(
		validation.Check("description", req.Description != "" || len(req.URLs) > 0, "description or urls required"),
		validation.MaxLength("description", req.Description, 5000),
		validation.Check("urls", len(req.URLs) <= maxEvidenceURLs, fmt.Sprintf("at most %d urls", maxEvidenceURLs)),
	); len(errs) > 0 {
		return nil, errs
	}
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if _, ok := roleOf(order, req.SubmittedBy); !ok {
		return nil, ErrNotParty
	}

	return s.store.AppendEvidence(ctx, disputeID, EvidenceEntry{
		SubmittedBy: req.SubmittedBy,
		Description: validation.SanitizeString(req.Description, 5000),
		URLs:        append([]string(nil), req.URLs...),
		SubmittedAt: s.now(),
	})
}

// ResolveDisputeRequest is an admin's decision on an open dispute.
type ResolveDisputeRequest struct {
	Outcome           Outcome `json:"outcome"`
	ClientPercentage  *int    `json:"clientPercentage,omitempty"`
	BuilderPercentage *int    `json:"builderPercentage,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	// EscrowTxHash is the payout replay on chain, when already sent.
	EscrowTxHash string `json:"escrowTxHash,omitempty"`
	ResolvedBy   string `json:"-"`
}

// percentages returns the client and builder shares implied by the request.
// Favor outcomes fix the split; an explicit contradicting split is rejected.
func (r *ResolveDisputeRequest) percentages() (int, int, validation.ValidationErrors) {
	fixed := func(client, builder int) (int, int, validation.ValidationErrors) {
		if (r.ClientPercentage != nil && *r.ClientPercentage != client) ||
			(r.BuilderPercentage != nil && *r.BuilderPercentage != builder) {
			return 0, 0, validation.ValidationErrors{{
				Field:   "clientPercentage",
				Message: fmt.Sprintf("%s implies %d/%d", r.Outcome, client, builder),
			}}
		}
		return client, builder, nil
	}

	switch r.Outcome {
	case OutcomeClientFavor:
		return fixed(100, 0)
	case OutcomeBuilderFavor:
		return fixed(0, 100)
	case OutcomeSplit:
		if r.ClientPercentage == nil || r.BuilderPercentage == nil {
			return 0, 0, validation.ValidationErrors{{Field: "clientPercentage", Message: "split requires both percentages"}}
		}
		c, b := *r.ClientPercentage, *r.BuilderPercentage
		errs := validation.Validate(
			validation.Check("clientPercentage", c >= 0 && c <= 100, "must be between 0 and 100"),
			validation.Check("builderPercentage", b >= 0 && b <= 100, "must be between 0 and 100"),
			validation.Check("builderPercentage", c+b == 100, "percentages must sum to 100"),
		)
		if len(errs) > 0 {
			return 0, 0, errs
		}
		return c, b, nil
	}
	return 0, 0, validation.ValidationErrors{{
		Field:   "outcome",
		Message: "must be one of client_favor, builder_favor, split",
	}}
}

// ResolveDispute records the admin decision, clears the order's dispute
// flag and, when given, logs the payout replay as a pending transaction.
// Nothing is written if the request is invalid.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, req ResolveDisputeRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()

	clientPct, builderPct, errs := req.percentages()
	if req.EscrowTxHash != "" {
		errs = append(errs, validation.Validate(validation.ValidTxHash("escrowTxHash", req.EscrowTxHash))...)
	}
	errs = append(errs, validation.Validate(
		validation.Required("resolvedBy", req.ResolvedBy),
		validation.MaxLength("notes", req.Notes, 5000),
	)...)
	if len(errs) > 0 {
		return nil, errs
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, ErrDisputeClosed
	}

	now := s.now()
	res := Resolution{
		DisputeID:         disputeID,
		Outcome:           req.Outcome,
		ClientPercentage:  clientPct,
		BuilderPercentage: builderPct,
		ResolvedBy:        req.ResolvedBy,
		Notes:             validation.SanitizeString(req.Notes, 5000),
		EscrowTxHash:      validation.NormalizeHex(req.EscrowTxHash),
		ResolvedAt:        now,
	}
	var tx *Transaction
	if res.EscrowTxHash != "" {
		tx = &Transaction{
			ID:              idgen.New(),
			OrderID:         d.OrderID,
			TransactionType: TxResolveDispute,
			MilestoneIndex:  cloneInt(d.MilestoneIndex),
			TxHash:          res.EscrowTxHash,
			Status:          TxPending,
			Metadata: map[string]string{
				"disputeId":         d.ID,
				"outcome":           string(res.Outcome),
				"clientPercentage":  fmt.Sprint(clientPct),
				"builderPercentage": fmt.Sprint(builderPct),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	resolved, _, err := s.store.ResolveDispute(ctx, res, tx)
	if err != nil {
		return nil, err
	}
	disputesTotal.WithLabelValues("resolved", string(res.Outcome)).Inc()
	s.logger.Info("escrow dispute resolved",
		"disputeId", resolved.ID,
		"orderId", resolved.OrderID,
		"outcome", res.Outcome,
		"clientPercentage", clientPct,
		"builderPercentage", builderPct,
		"resolvedBy", res.ResolvedBy)
	return resolved, nil
}

// Payout statuses of a resolved dispute.
const (
	PayoutNone      = "none"
	PayoutPending   = "pending"
	PayoutConfirmed = "confirmed"
	PayoutFailed    = "failed"
)

// DisputeView is a dispute with the state of its payout replay.
type DisputeView struct {
	*Dispute
	PayoutStatus string `json:"payoutStatus"`
	// Closed is true once the dispute is resolved and its payout, if any,
	// has confirmed on chain.
	Closed bool `json:"closed"`
}

// ListDisputes returns an order's disputes, oldest first.
func (s *Service) ListDisputes(ctx context.Context, orderID string) ([]*DisputeView, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	disputes, err := s.store.ListDisputes(ctx, orderID)
	if err != nil {
		return nil, err
	}

	views := make([]*DisputeView, 0, len(disputes))
	for _, d := range disputes {
		payout := PayoutNone
		if d.EscrowTxHash != "" {
			tx, err := s.store.GetTransaction(ctx, d.EscrowTxHash)
			switch {
			case errors.Is(err, ErrTransactionNotFound):
				payout = PayoutPending
			case err != nil:
				return nil, err
			default:
				payout = string(tx.Status)
			}
		}
		views = append(views, &DisputeView{
			Dispute:      d,
			PayoutStatus: payout,
			Closed:       d.Status == DisputeResolved && (payout == PayoutNone || payout == PayoutConfirmed),
		})
	}
	return views, nil
}
