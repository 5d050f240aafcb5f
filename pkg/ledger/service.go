package ledger

import (
	"context"
	"fmt"
	"time"
)

// Service is the posting engine: it creates transactions, validates them
// against the locked account balance, and moves them between states. It is
// the only writer of transaction status, posted time, and the cached credit.
type Service struct {
	store      Store
	nowFn      func() time.Time
	logger     OperationLogger
	debtPolicy DebtPolicy
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, debtPolicy: DefaultDebtPolicy()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// DebtCeilingDKK exposes the configured ceiling for display.
func (service *Service) DebtCeilingDKK() int {
	return service.debtPolicy.CeilingDKK
}

// CreatePending appends a new transaction in the pending state. No balance
// is touched; posting happens later, in Post.
func (service *Service) CreatePending(ctx context.Context, draft Draft) (Transaction, error) {
	var created Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := draft.Validate(StatusPending); err != nil {
			return WrapError(operationCreatePending, "draft", "validate", err)
		}
		if _, err := txStore.GetAccount(ctx, draft.UserID); err != nil {
			return err
		}
		record, err := txStore.InsertTransaction(ctx, service.recordFromDraft(draft, StatusPending, nil))
		if err != nil {
			return err
		}
		created = record
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreatePending,
		UserID:        draft.UserID,
		TransactionID: created.ID,
		Delta:         draft.Delta,
		Kind:          draft.Kind,
		Source:        draft.Source,
		Error:         operationError,
	})
	return created, operationError
}

// CreatePosted appends a transaction directly in the posted state and applies
// its delta to the cached credit in the same unit of work. Used by flows that
// compute and apply the delta in one operation, such as lunch spends and
// refunds. The negative-balance check still applies unless the draft allows
// a negative result.
func (service *Service) CreatePosted(ctx context.Context, draft Draft) (Transaction, error) {
	var created Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := draft.Validate(StatusPosted); err != nil {
			return WrapError(operationCreatePosted, "draft", "validate", err)
		}
		account, err := txStore.LockAccount(ctx, draft.UserID)
		if err != nil {
			return err
		}
		if err := checkProjectedCredit(account.Credit, draft.Delta, draft.AllowNegative); err != nil {
			return WrapError(operationCreatePosted, "balance", "projected_negative", err)
		}
		postedAt := service.nowFn()
		record := service.recordFromDraft(draft, StatusPosted, &postedAt)
		record, err = txStore.InsertTransaction(ctx, record)
		if err != nil {
			return err
		}
		if err := txStore.SaveBalances(ctx, draft.UserID, account.Credit+draft.Delta, account.Owes); err != nil {
			return err
		}
		created = record
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreatePosted,
		UserID:        draft.UserID,
		TransactionID: created.ID,
		Delta:         draft.Delta,
		Kind:          draft.Kind,
		Source:        draft.Source,
		Error:         operationError,
	})
	return created, operationError
}

// Post moves a pending transaction to posted and applies its delta to the
// cached credit, all while holding the user's row lock. The transaction row
// is read without locking: every writer takes the account lock before
// writing transaction rows, so lock acquisition is ordered the same way in
// all flows. Calling Post on an already-terminal transaction is a no-op
// returning the existing state; this is the idempotency contract that
// protects against duplicate delivery of the same external event.
func (service *Service) Post(ctx context.Context, transactionID int64) (Outcome, error) {
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
		if record.Delta == 0 {
			return WrapError(operationPost, "transaction", "zero_delta", ErrZeroDelta)
		}
		account, err := txStore.LockAccount(ctx, record.UserID)
		if err != nil {
			return err
		}
		if err := checkProjectedCredit(account.Credit, record.Delta, false); err != nil {
			return WrapError(operationPost, "balance", "projected_negative", err)
		}
		postedAt := service.nowFn()
		changed, err := txStore.UpdateTransactionStatus(ctx, transactionID, StatusPending, StatusPosted, &postedAt)
		if err != nil {
			return err
		}
		if !changed {
			// Lost a race with a concurrent transition; report the winner.
			current, err := txStore.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			terminal, _ := terminalOutcome(current)
			outcome = terminal
			return nil
		}
		if err := txStore.SaveBalances(ctx, record.UserID, account.Credit+record.Delta, account.Owes); err != nil {
			return err
		}
		record.Status = StatusPosted
		record.PostedAt = &postedAt
		outcome = Outcome{Code: OutcomeApplied, Transaction: record}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationPost,
		UserID:        outcome.Transaction.UserID,
		TransactionID: transactionID,
		Delta:         outcome.Transaction.Delta,
		Kind:          outcome.Transaction.Kind,
		Status:        string(outcome.Code),
		Error:         operationError,
	})
	return outcome, operationError
}

// Cancel moves a pending transaction to canceled. No balance changes. Like
// Post, it is an idempotent no-op on terminal transactions. Purchases that
// already granted credit at creation cannot be canceled: the row is the only
// record backing that credit.
func (service *Service) Cancel(ctx context.Context, transactionID int64) (Outcome, error) {
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
		if record.Kind == KindPurchase && record.Delta != 0 {
			return WrapError(operationCancel, "transaction", "credit_granted", ErrPurchaseGranted)
		}
		changed, err := txStore.UpdateTransactionStatus(ctx, transactionID, StatusPending, StatusCanceled, nil)
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
		record.Status = StatusCanceled
		outcome = Outcome{Code: OutcomeApplied, Transaction: record}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		UserID:        outcome.Transaction.UserID,
		TransactionID: transactionID,
		Status:        string(outcome.Code),
		Error:         operationError,
	})
	return outcome, operationError
}

// Balance returns the cached credit, the sum of pending deltas, and the
// outstanding DKK debt for display.
func (service *Service) Balance(ctx context.Context, userID int64) (Balance, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	pendingDelta, err := service.store.SumDeltas(ctx, userID, StatusPending)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Credit:       account.Credit,
		PendingDelta: pendingDelta,
		Owes:         account.Owes,
	}, nil
}

func (service *Service) recordFromDraft(draft Draft, status Status, postedAt *time.Time) Transaction {
	return Transaction{
		UserID:    draft.UserID,
		Delta:     draft.Delta,
		Kind:      draft.Kind,
		Status:    status,
		CreatedAt: service.nowFn(),
		PostedAt:  postedAt,
		AmountOre: draft.AmountOre,
		Source:    draft.Source,
		ActorID:   draft.ActorID,
		Note:      draft.Note,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func terminalOutcome(record Transaction) (Outcome, bool) {
	switch record.Status {
	case StatusPosted:
		return Outcome{Code: OutcomeAlreadyPosted, Transaction: record}, true
	case StatusCanceled:
		return Outcome{Code: OutcomeAlreadyCanceled, Transaction: record}, true
	}
	return Outcome{}, false
}

func checkProjectedCredit(credit int, delta int, allowNegative bool) error {
	if delta >= 0 || allowNegative {
		return nil
	}
	if projected := credit + delta; projected < 0 {
		return fmt.Errorf("%w: credit %d, delta %d", ErrInsufficientCredit, credit, delta)
	}
	return nil
}
