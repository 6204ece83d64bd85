package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/milestonepay/internal/units"
)

// PostgresStore persists the escrow ledger in PostgreSQL. Multi-row writes run
// in one database transaction; order rows carry an optimistic version.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgUniqueViolation = "23505"

// uniqueViolation maps an insert conflict on a known unique index to its
// sentinel error, or returns err unchanged.
func uniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pgUniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "idx_escrow_transactions_hash":
		return ErrDuplicateTx
	case "idx_escrow_disputes_one_open":
		return ErrDisputeAlreadyOpen
	case "idx_escrow_orders_chain_id", "escrow_orders_pkey":
		return ErrOrderExists
	}
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const orderColumns = `id, network, escrow_order_id, client_id, builder_id, client_address, builder_address,
	total_amount, platform_fee_amount, fee_rate_bps, released_amount,
	escrow_status, in_dispute, dispute_outcome, last_synced_block, last_synced_at,
	version, created_at, updated_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order, milestones []*Milestone, tx *Transaction) error {
	return p.inTx(ctx, func(q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO escrow_orders (
				id, network, escrow_order_id, client_id, builder_id, client_address, builder_address,
				total_amount, platform_fee_amount, fee_rate_bps, released_amount,
				escrow_status, in_dispute, last_synced_block, version, created_at, updated_at
			) VALUES (
				$1, $2, $3::NUMERIC, $4, $5, $6, $7,
				$8::NUMERIC(20,6), $9::NUMERIC(20,6), $10, $11::NUMERIC(20,6),
				$12, $13, $14, $15, $16, $17
			)`,
			o.ID, o.Network, strconv.FormatUint(o.EscrowOrderID, 10), o.ClientID, o.BuilderID,
			o.ClientAddress, o.BuilderAddress,
			o.TotalAmount, o.PlatformFeeAmount, o.FeeRateBps, o.ReleasedAmount,
			string(o.EscrowStatus), o.InDispute, int64(o.LastSyncedBlock), o.Version, //nolint:gosec // block heights fit in int64
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return uniqueViolation(err)
		}

		for _, ms := range milestones {
			_, err := q.ExecContext(ctx, `
				INSERT INTO escrow_milestones (
					order_id, milestone_index, amount, description, deadline, escrow_status,
					submitted_at, approved_at, paid_at, auto_approved, updated_at
				) VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7, $8, $9, $10, $11)`,
				ms.OrderID, ms.MilestoneIndex, ms.Amount, ms.Description, nullTime(ms.Deadline),
				string(ms.EscrowStatus), nullTime(ms.SubmittedAt), nullTime(ms.ApprovedAt),
				nullTime(ms.PaidAt), ms.AutoApproved, ms.UpdatedAt,
			)
			if err != nil {
				return err
			}
		}

		if tx != nil {
			return insertTransaction(ctx, q, tx)
		}
		return nil
	})
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM escrow_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

const milestoneColumns = `order_id, milestone_index, amount, description, deadline, escrow_status,
	submitted_at, approved_at, paid_at, auto_approved, updated_at`

func (p *PostgresStore) ListMilestones(ctx context.Context, orderID string) ([]*Milestone, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrOrderNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM escrow_milestones
		WHERE order_id = $1
		ORDER BY milestone_index`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ms)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ApplySync(ctx context.Context, o *Order, milestones []*Milestone) error {
	var version int64
	err := p.inTx(ctx, func(q *sql.Tx) error {
		err := q.QueryRowContext(ctx, `
			UPDATE escrow_orders SET
				total_amount = $1::NUMERIC(20,6), platform_fee_amount = $2::NUMERIC(20,6),
				released_amount = $3::NUMERIC(20,6), escrow_status = $4, in_dispute = $5,
				last_synced_block = $6, last_synced_at = $7, updated_at = $8,
				version = version + 1
			WHERE id = $9 AND version = $10
			RETURNING version`,
			o.TotalAmount, o.PlatformFeeAmount, o.ReleasedAmount, string(o.EscrowStatus), o.InDispute,
			int64(o.LastSyncedBlock), nullTime(o.LastSyncedAt), o.UpdatedAt, //nolint:gosec // block heights fit in int64
			o.ID, o.Version,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := q.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM escrow_orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrOrderNotFound
			}
			return ErrVersionConflict
		}
		if err != nil {
			return err
		}

		for _, ms := range milestones {
			res, err := q.ExecContext(ctx, `
				UPDATE escrow_milestones SET
					amount = $1::NUMERIC(20,6), deadline = $2, escrow_status = $3,
					submitted_at = $4, approved_at = $5, paid_at = $6,
					auto_approved = $7, updated_at = $8
				WHERE order_id = $9 AND milestone_index = $10`,
				ms.Amount, nullTime(ms.Deadline), string(ms.EscrowStatus),
				nullTime(ms.SubmittedAt), nullTime(ms.ApprovedAt), nullTime(ms.PaidAt),
				ms.AutoApproved, ms.UpdatedAt, ms.OrderID, ms.MilestoneIndex,
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return ErrMilestoneNotFound
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.Version = version
	return nil
}

func (p *PostgresStore) ListStaleOrders(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE escrow_status IN ('active', 'disputed')
		  AND (last_synced_at IS NULL OR last_synced_at < $1)
		ORDER BY last_synced_at ASC NULLS FIRST, created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

const transactionColumns = `id, order_id, transaction_type, milestone_index, amount, tx_hash,
	from_address, to_address, status, error_message, block_number, confirmed_at,
	metadata, created_at, updated_at`

func insertTransaction(ctx context.Context, q queryer, tx *Transaction) error {
	meta := []byte("{}")
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, order_id, transaction_type, milestone_index, amount, tx_hash,
			from_address, to_address, status, error_message, block_number, confirmed_at,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tx.ID, tx.OrderID, string(tx.TransactionType), nullInt(tx.MilestoneIndex), nullString(tx.Amount),
		tx.TxHash, tx.FromAddress, tx.ToAddress, string(tx.Status), tx.ErrorMessage,
		int64(tx.BlockNumber), nullTime(tx.ConfirmedAt), meta, tx.CreatedAt, tx.UpdatedAt, //nolint:gosec // block heights fit in int64
	)
	return uniqueViolation(err)
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_orders WHERE id = $1)`, tx.OrderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return insertTransaction(ctx, p.db, tx)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, txHash string) (*Transaction, error) {
	return getTransaction(ctx, p.db, txHash)
}

func getTransaction(ctx context.Context, q queryer, txHash string) (*Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE tx_hash = $1`, txHash)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	return p.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE order_id = $1
		ORDER BY created_at, tx_hash`, orderID)
}

func (p *PostgresStore) ListPendingTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	return p.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE status = 'pending'
		ORDER BY created_at, tx_hash
		LIMIT $1`, limit)
}

func (p *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) FinalizeTransaction(ctx context.Context, f Finalization) (*Transaction, bool, error) {
	if !f.Status.Terminal() {
		return nil, false, ErrTransactionFinalized
	}
	var confirmedAt *time.Time
	if f.Status == TxConfirmed {
		at := f.At
		confirmedAt = &at
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1, error_message = $2, block_number = $3, confirmed_at = $4, updated_at = $5
		WHERE tx_hash = $6 AND status = 'pending'
		RETURNING `+transactionColumns,
		string(f.Status), f.ErrorMessage, int64(f.BlockNumber), nullTime(confirmedAt), f.At, f.TxHash, //nolint:gosec // block heights fit in int64
	)
	tx, err := scanTransaction(row)
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	existing, err := getTransaction(ctx, p.db, f.TxHash)
	if err != nil {
		return nil, false, err
	}
	if existing.Status == f.Status {
		return existing, false, nil
	}
	return existing, false, ErrTransactionFinalized
}

const disputeColumns = `id, order_id, milestone_index, initiated_by, initiator_type, reason, description,
	evidence_urls, evidence, status, outcome, client_percentage, builder_percentage,
	resolved_by, resolved_at, resolution_notes, escrow_tx_hash, created_at, updated_at`

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute, tx *Transaction) (*Order, error) {
	var order *Order
	err := p.inTx(ctx, func(q *sql.Tx) error {
		var status string
		err := q.QueryRowContext(ctx,
			`SELECT escrow_status FROM escrow_orders WHERE id = $1 FOR UPDATE`, d.OrderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if OrderStatus(status).Terminal() {
			return ErrOrderTerminal
		}

		urls, err := json.Marshal(nonNilStrings(d.EvidenceURLs))
		if err != nil {
			return err
		}
		evidence, err := json.Marshal(nonNilEvidence(d.Evidence))
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO escrow_disputes (
				id, order_id, milestone_index, initiated_by, initiator_type, reason, description,
				evidence_urls, evidence, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			d.ID, d.OrderID, nullInt(d.MilestoneIndex), d.InitiatedBy, string(d.InitiatorType),
			d.Reason, d.Description, urls, evidence, string(d.Status), d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			return uniqueViolation(err)
		}

		row := q.QueryRowContext(ctx, `
			UPDATE escrow_orders SET
				in_dispute = TRUE, escrow_status = 'disputed', updated_at = $1, version = version + 1
			WHERE id = $2
			RETURNING `+orderColumns, d.CreatedAt, d.OrderID)
		if order, err = scanOrder(row); err != nil {
			return err
		}

		if tx != nil {
			return insertTransaction(ctx, q, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM escrow_disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM escrow_disputes
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendEvidence(ctx context.Context, disputeID string, entry EvidenceEntry) (*Dispute, error) {
	entryJSON, err := json.Marshal([]EvidenceEntry{entry})
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_disputes SET evidence = evidence || $1::JSONB, updated_at = $2
		WHERE id = $3 AND status = 'open'
		RETURNING `+disputeColumns, entryJSON, entry.SubmittedAt, disputeID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.GetDispute(ctx, disputeID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrDisputeClosed
	}
	return d, err
}

func (p *PostgresStore) ResolveDispute(ctx context.Context, r Resolution, tx *Transaction) (*Dispute, *Order, error) {
	var (
		dispute *Dispute
		order   *Order
	)
	err := p.inTx(ctx, func(q *sql.Tx) error {
		row := q.QueryRowContext(ctx, `
			UPDATE escrow_disputes SET
				status = 'resolved', outcome = $1, client_percentage = $2, builder_percentage = $3,
				resolved_by = $4, resolved_at = $5, resolution_notes = $6, escrow_tx_hash = $7,
				updated_at = $5
			WHERE id = $8 AND status = 'open'
			RETURNING `+disputeColumns,
			string(r.Outcome), r.ClientPercentage, r.BuilderPercentage,
			r.ResolvedBy, r.ResolvedAt, r.Notes, r.EscrowTxHash, r.DisputeID,
		)
		var err error
		dispute, err = scanDispute(row)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := q.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM escrow_disputes WHERE id = $1)`, r.DisputeID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrDisputeNotFound
			}
			return ErrDisputeClosed
		}
		if err != nil {
			return err
		}

		row = q.QueryRowContext(ctx, `
			UPDATE escrow_orders SET
				in_dispute = FALSE,
				escrow_status = CASE WHEN escrow_status = 'disputed' THEN 'active' ELSE escrow_status END,
				dispute_outcome = $1, updated_at = $2, version = version + 1
			WHERE id = $3
			RETURNING `+orderColumns, string(r.Outcome), r.ResolvedAt, dispute.OrderID)
		if order, err = scanOrder(row); err != nil {
			return err
		}

		if tx != nil {
			return insertTransaction(ctx, q, tx)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return dispute, order, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status        string
		outcome       sql.NullString
		lastBlock     int64
		lastSyncedAt  sql.NullTime
		total         string
		fee           string
		released      string
		escrowOrderID string
	)
	err := s.Scan(
		&o.ID, &o.Network, &escrowOrderID, &o.ClientID, &o.BuilderID, &o.ClientAddress, &o.BuilderAddress,
		&total, &fee, &o.FeeRateBps, &released,
		&status, &o.InDispute, &outcome, &lastBlock, &lastSyncedAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if o.EscrowOrderID, err = strconv.ParseUint(escrowOrderID, 10, 64); err != nil {
		return nil, fmt.Errorf("escrow order id %q: %w", escrowOrderID, err)
	}
	o.TotalAmount = normalizeAmount(total)
	o.PlatformFeeAmount = normalizeAmount(fee)
	o.ReleasedAmount = normalizeAmount(released)
	o.EscrowStatus = OrderStatus(status)
	o.LastSyncedBlock = uint64(lastBlock) //nolint:gosec // stored from a uint64
	if outcome.Valid {
		v := Outcome(outcome.String)
		o.DisputeOutcome = &v
	}
	if lastSyncedAt.Valid {
		o.LastSyncedAt = &lastSyncedAt.Time
	}
	return o, nil
}

func scanMilestone(s scanner) (*Milestone, error) {
	ms := &Milestone{}
	var (
		amount                         string
		status                         string
		deadline, sub, approved, paidT sql.NullTime
	)
	err := s.Scan(
		&ms.OrderID, &ms.MilestoneIndex, &amount, &ms.Description, &deadline, &status,
		&sub, &approved, &paidT, &ms.AutoApproved, &ms.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ms.Amount = normalizeAmount(amount)
	ms.EscrowStatus = MilestoneStatus(status)
	ms.Deadline = timePtr(deadline)
	ms.SubmittedAt = timePtr(sub)
	ms.ApprovedAt = timePtr(approved)
	ms.PaidAt = timePtr(paidT)
	return ms, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		txType      string
		status      string
		index       sql.NullInt64
		amount      sql.NullString
		block       int64
		confirmedAt sql.NullTime
		meta        []byte
	)
	err := s.Scan(
		&tx.ID, &tx.OrderID, &txType, &index, &amount, &tx.TxHash,
		&tx.FromAddress, &tx.ToAddress, &status, &tx.ErrorMessage, &block, &confirmedAt,
		&meta, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.TransactionType = TxType(txType)
	tx.Status = TxStatus(status)
	tx.BlockNumber = uint64(block) //nolint:gosec // stored from a uint64
	tx.ConfirmedAt = timePtr(confirmedAt)
	if index.Valid {
		i := int(index.Int64)
		tx.MilestoneIndex = &i
	}
	if amount.Valid {
		tx.Amount = normalizeAmount(amount.String)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &tx.Metadata)
		if len(tx.Metadata) == 0 {
			tx.Metadata = nil
		}
	}
	return tx, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		index         sql.NullInt64
		initiatorType string
		status        string
		urls          []byte
		evidence      []byte
		outcome       sql.NullString
		clientPct     sql.NullInt64
		builderPct    sql.NullInt64
		resolvedAt    sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.OrderID, &index, &d.InitiatedBy, &initiatorType, &d.Reason, &d.Description,
		&urls, &evidence, &status, &outcome, &clientPct, &builderPct,
		&d.ResolvedBy, &resolvedAt, &d.ResolutionNotes, &d.EscrowTxHash, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.InitiatorType = InitiatorType(initiatorType)
	d.Status = DisputeStatus(status)
	d.ResolvedAt = timePtr(resolvedAt)
	if index.Valid {
		i := int(index.Int64)
		d.MilestoneIndex = &i
	}
	if outcome.Valid {
		v := Outcome(outcome.String)
		d.Outcome = &v
	}
	if clientPct.Valid {
		v := int(clientPct.Int64)
		d.ClientPercentage = &v
	}
	if builderPct.Valid {
		v := int(builderPct.Int64)
		d.BuilderPercentage = &v
	}
	if len(urls) > 0 {
		_ = json.Unmarshal(urls, &d.EvidenceURLs)
	}
	if len(evidence) > 0 {
		_ = json.Unmarshal(evidence, &d.Evidence)
	}
	if len(d.EvidenceURLs) == 0 {
		d.EvidenceURLs = nil
	}
	if len(d.Evidence) == 0 {
		d.Evidence = nil
	}
	return d, nil
}

// normalizeAmount turns NUMERIC text ("975.000000") into the minimal form
// the rest of the service uses ("975").
func normalizeAmount(s string) string {
	v, err := units.Parse(s)
	if err != nil {
		return s
	}
	return units.Format(v)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilEvidence(e []EvidenceEntry) []EvidenceEntry {
	if e == nil {
		return []EvidenceEntry{}
	}
	return e
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
