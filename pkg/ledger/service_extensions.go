package ledger

import (
	"context"
	"fmt"
)

// CreditPurchase runs the coupon purchase flow: the debt policy is evaluated
// against the locked account, the clips are granted to the cached credit
// right away, the DKK cost is added to the debt counter, and the ledger row
// is left pending until the institution confirms payment (MarkPaid). Credit
// grant and ledger posting are deliberately decoupled here.
func (service *Service) CreditPurchase(ctx context.Context, userID int64, clips int, costDKK int, source string, note string, actorID int64) (Transaction, error) {
	var created Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if clips <= 0 {
			return WrapError(operationPurchase, "draft", "validate", fmt.Errorf("%w: non-positive clip count %d", ErrInvalidDraft, clips))
		}
		account, err := txStore.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		if err := service.debtPolicy.Check(account.Owes, costDKK); err != nil {
			return WrapError(operationPurchase, "debt", "ceiling", err)
		}
		amountOre := int64(costDKK) * 100
		record, err := txStore.InsertTransaction(ctx, Transaction{
			UserID:    userID,
			Delta:     clips,
			Kind:      KindPurchase,
			Status:    StatusPending,
			CreatedAt: service.nowFn(),
			AmountOre: &amountOre,
			Source:    source,
			ActorID:   actorID,
			Note:      note,
		})
		if err != nil {
			return err
		}
		if err := txStore.SaveBalances(ctx, userID, account.Credit+clips, account.Owes+costDKK); err != nil {
			return err
		}
		created = record
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationPurchase,
		UserID:        userID,
		TransactionID: created.ID,
		Delta:         clips,
		Kind:          KindPurchase,
		Source:        source,
		Error:         operationError,
	})
	return created, operationError
}

// MarkPaid clears the user's debt and flips the pending coupon purchases to
// posted. Credit is untouched: coupon purchases granted their clips at
// creation. Zero-delta gateway placeholders stay pending; capture is their
// only path to posted. Returns the number of purchases posted.
func (service *Service) MarkPaid(ctx context.Context, userID int64, actorID int64) (int, error) {
	posted := 0
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		pending, err := txStore.ListPendingPurchases(ctx, userID)
		if err != nil {
			return err
		}
		postedAt := service.nowFn()
		for _, record := range pending {
			if record.Delta == 0 {
				continue
			}
			changed, err := txStore.UpdateTransactionStatus(ctx, record.ID, StatusPending, StatusPosted, &postedAt)
			if err != nil {
				return err
			}
			if changed {
				posted++
			}
		}
		return txStore.SaveBalances(ctx, userID, account.Credit, 0)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationMarkPaid,
		UserID:    userID,
		Status:    fmt.Sprintf("posted_%d", posted),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return posted, nil
}

// CompleteCapture finalizes a gateway purchase: the purchased delta replaces
// the zero placeholder on the pending row, the raw capture payload is kept
// for audit, and the row is posted with the credit grant in the same unit of
// work. Duplicate capture confirmations land on a terminal row and return
// its state without a second balance mutation.
func (service *Service) CompleteCapture(ctx context.Context, transactionID int64, delta int, note string, gateway []byte) (Outcome, error) {
	var outcome Outcome
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if terminal, done := terminalOutcome(record); done {
			outcome = terminal
			return nil
		}
		if delta <= 0 {
			return WrapError(operationCapture, "transaction", "validate", fmt.Errorf("%w: captured delta %d", ErrInvalidDraft, delta))
		}
		if record.Kind != KindPurchase || record.Delta != 0 {
			return WrapError(operationCapture, "transaction", "not_placeholder", fmt.Errorf("%w: capture target must be a zero-delta purchase", ErrInvalidDraft))
		}
		account, err := txStore.LockAccount(ctx, record.UserID)
		if err != nil {
			return err
		}
		if err := txStore.SetPurchasedDelta(ctx, transactionID, delta, note, gateway); err != nil {
			return err
		}
		postedAt := service.nowFn()
		changed, err := txStore.UpdateTransactionStatus(ctx, transactionID, StatusPending, StatusPosted, &postedAt)
		if err != nil {
			return err
		}
		if !changed {
			current, err := txStore.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			terminal, _ := terminalOutcome(current)
			outcome = terminal
			return nil
		}
		if err := txStore.SaveBalances(ctx, record.UserID, account.Credit+delta, account.Owes); err != nil {
			return err
		}
		record.Delta = delta
		record.Status = StatusPosted
		record.PostedAt = &postedAt
		record.Note = note
		outcome = Outcome{Code: OutcomeApplied, Transaction: record}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCapture,
		UserID:        outcome.Transaction.UserID,
		TransactionID: transactionID,
		Delta:         delta,
		Kind:          KindPurchase,
		Status:        string(outcome.Code),
		Error:         operationError,
	})
	return outcome, operationError
}

// FindPendingBySourcePrefix recovers the most recent in-flight transaction
// whose source starts with the given prefix, e.g. after a payment-gateway
// redirect loses the concrete reference.
func (service *Service) FindPendingBySourcePrefix(ctx context.Context, userID int64, prefix string) (*Transaction, error) {
	return service.store.FindPendingBySourcePrefix(ctx, userID, prefix)
}

// ListTransactions returns one page of the user's ledger, newest first,
// along with the total row count for the filter.
func (service *Service) ListTransactions(ctx context.Context, userID int64, filter Filter, page Page) ([]Transaction, int64, error) {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.PerPage < 1 {
		page.PerPage = defaultLedgerPageSize
	}
	return service.store.ListTransactions(ctx, userID, filter, page)
}

// Debtors lists the accounts carrying outstanding DKK debt.
func (service *Service) Debtors(ctx context.Context) ([]Account, error) {
	return service.store.ListDebtors(ctx)
}

// EnsureAccount creates the balance row for a user if it does not exist yet.
func (service *Service) EnsureAccount(ctx context.Context, userID int64) (Account, error) {
	return service.store.EnsureAccount(ctx, userID)
}

const defaultLedgerPageSize = 20
