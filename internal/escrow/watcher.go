package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/traces"
)

// TxWatcher confirms pending ledger transactions from chain receipts.
type TxWatcher struct {
	store      Store
	chains     *chain.Registry
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewTxWatcher creates a watcher. After a transaction finalizes, its order
// is synced through reconciler.
func NewTxWatcher(store Store, chains *chain.Registry, reconciler *Reconciler, logger *slog.Logger) *TxWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TxWatcher{
		store:      store,
		chains:     chains,
		reconciler: reconciler,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Confirm looks up the receipt of one pending transaction and records its
// outcome. A transaction that is not mined yet is returned unchanged.
func (w *TxWatcher) Confirm(ctx context.Context, tx *Transaction) (_ *Transaction, changed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmTransaction", traces.TxHash(tx.TxHash), traces.OrderID(tx.OrderID))
	defer func() { traces.End(span, err) }()

	if tx.Status != TxPending {
		return tx, false, nil
	}
	order, err := w.store.GetOrder(ctx, tx.OrderID)
	if err != nil {
		return nil, false, err
	}
	reader, err := w.chains.Get(order.Network)
	if err != nil {
		return nil, false, err
	}
	rcpt, err := reader.Receipt(ctx, tx.TxHash)
	if err != nil {
		return nil, false, err
	}

	f := Finalization{TxHash: tx.TxHash, BlockNumber: rcpt.BlockNumber, At: w.now()}
	switch rcpt.Status {
	case chain.ReceiptConfirmed:
		f.Status = TxConfirmed
	case chain.ReceiptFailed:
		f.Status = TxFailed
		f.ErrorMessage = "transaction reverted on chain"
	default:
		return tx, false, nil
	}

	final, changed, err := w.store.FinalizeTransaction(ctx, f)
	if err != nil {
		return nil, false, fmt.Errorf("finalize %s: %w", tx.TxHash, err)
	}
	if !changed {
		return final, false, nil
	}
	txFinalized.WithLabelValues(string(final.TransactionType), string(final.Status)).Inc()
	w.logger.Info("escrow transaction finalized",
		"txHash", final.TxHash,
		"orderId", final.OrderID,
		"type", final.TransactionType,
		"status", final.Status,
		"block", final.BlockNumber)

	// Sync failure leaves the order stale; the sweeper picks it up again.
	if _, err := w.reconciler.sync(ctx, final.OrderID, allMilestones, triggerWatcher); err != nil {
		w.logger.Warn("sync after transaction finality failed",
			"orderId", final.OrderID, "txHash", final.TxHash, "error", err)
	}
	return final, true, nil
}
