package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for service tests. A single mutex held for
// the duration of WithTx stands in for the per-user row lock: units of work
// run one at a time, the same serialization the database lock provides.
type memStore struct {
	mu           sync.Mutex
	accounts     map[int64]Account
	transactions map[int64]Transaction
	nextID       int64
	ops          []string

	insertError     error
	getAccountError error
	sumError        error
}

func newMemStore(test *testing.T) *memStore {
	test.Helper()
	return &memStore{
		accounts:     make(map[int64]Account),
		transactions: make(map[int64]Transaction),
		nextID:       1,
	}
}

func (store *memStore) seedAccount(test *testing.T, userID int64, credit int, owes int) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[userID] = Account{UserID: userID, Credit: credit, Owes: owes}
}

// takeOps drains the recorded account-lock and transaction-write sequence.
func (store *memStore) takeOps() []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	ops := store.ops
	store.ops = nil
	return ops
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, (*lockedMemStore)(store))
}

func (store *memStore) EnsureAccount(ctx context.Context, userID int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).EnsureAccount(ctx, userID)
}

func (store *memStore) GetAccount(ctx context.Context, userID int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).GetAccount(ctx, userID)
}

func (store *memStore) LockAccount(ctx context.Context, userID int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).LockAccount(ctx, userID)
}

func (store *memStore) SaveBalances(ctx context.Context, userID int64, credit int, owes int) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).SaveBalances(ctx, userID, credit, owes)
}

func (store *memStore) InsertTransaction(ctx context.Context, record Transaction) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).InsertTransaction(ctx, record)
}

func (store *memStore) GetTransaction(ctx context.Context, transactionID int64) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).GetTransaction(ctx, transactionID)
}

func (store *memStore) UpdateTransactionStatus(ctx context.Context, transactionID int64, from Status, to Status, postedAt *time.Time) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).UpdateTransactionStatus(ctx, transactionID, from, to, postedAt)
}

func (store *memStore) SetPurchasedDelta(ctx context.Context, transactionID int64, delta int, note string, gateway []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).SetPurchasedDelta(ctx, transactionID, delta, note, gateway)
}

func (store *memStore) FindPendingBySourcePrefix(ctx context.Context, userID int64, prefix string) (*Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).FindPendingBySourcePrefix(ctx, userID, prefix)
}

func (store *memStore) ListPendingPurchases(ctx context.Context, userID int64) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).ListPendingPurchases(ctx, userID)
}

func (store *memStore) SumDeltas(ctx context.Context, userID int64, status Status) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).SumDeltas(ctx, userID, status)
}

func (store *memStore) ListTransactions(ctx context.Context, userID int64, filter Filter, page Page) ([]Transaction, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).ListTransactions(ctx, userID, filter, page)
}

func (store *memStore) ListDebtors(ctx context.Context) ([]Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedMemStore)(store).ListDebtors(ctx)
}

// lockedMemStore is the view handed to WithTx closures: same data, mutex
// already held by the caller.
type lockedMemStore memStore

func (store *lockedMemStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *lockedMemStore) EnsureAccount(_ context.Context, userID int64) (Account, error) {
	if account, ok := store.accounts[userID]; ok {
		return account, nil
	}
	account := Account{UserID: userID}
	store.accounts[userID] = account
	return account, nil
}

func (store *lockedMemStore) GetAccount(_ context.Context, userID int64) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *lockedMemStore) LockAccount(ctx context.Context, userID int64) (Account, error) {
	store.ops = append(store.ops, "lock_account")
	return store.GetAccount(ctx, userID)
}

func (store *lockedMemStore) SaveBalances(_ context.Context, userID int64, credit int, owes int) error {
	account, ok := store.accounts[userID]
	if !ok {
		return ErrUnknownAccount
	}
	account.Credit = credit
	account.Owes = owes
	store.accounts[userID] = account
	return nil
}

func (store *lockedMemStore) InsertTransaction(_ context.Context, record Transaction) (Transaction, error) {
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	record.ID = store.nextID
	store.nextID++
	store.transactions[record.ID] = record
	return record, nil
}

func (store *lockedMemStore) GetTransaction(_ context.Context, transactionID int64) (Transaction, error) {
	record, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	return record, nil
}

func (store *lockedMemStore) UpdateTransactionStatus(_ context.Context, transactionID int64, from Status, to Status, postedAt *time.Time) (bool, error) {
	store.ops = append(store.ops, "update_status")
	record, ok := store.transactions[transactionID]
	if !ok {
		return false, ErrUnknownTransaction
	}
	if record.Status != from {
		return false, nil
	}
	record.Status = to
	if postedAt != nil {
		record.PostedAt = postedAt
	}
	store.transactions[transactionID] = record
	return true, nil
}

func (store *lockedMemStore) SetPurchasedDelta(_ context.Context, transactionID int64, delta int, note string, gateway []byte) error {
	store.ops = append(store.ops, "set_delta")
	record, ok := store.transactions[transactionID]
	if !ok {
		return ErrUnknownTransaction
	}
	if record.Status != StatusPending {
		return nil
	}
	record.Delta = delta
	record.Note = note
	record.Gateway = gateway
	store.transactions[transactionID] = record
	return nil
}

func (store *lockedMemStore) FindPendingBySourcePrefix(_ context.Context, userID int64, prefix string) (*Transaction, error) {
	var newest *Transaction
	for _, record := range store.transactions {
		if record.UserID != userID || record.Status != StatusPending {
			continue
		}
		if !strings.HasPrefix(record.Source, prefix) {
			continue
		}
		candidate := record
		if newest == nil || candidate.ID > newest.ID {
			newest = &candidate
		}
	}
	return newest, nil
}

func (store *lockedMemStore) ListPendingPurchases(_ context.Context, userID int64) ([]Transaction, error) {
	var pending []Transaction
	for _, record := range store.transactions {
		if record.UserID == userID && record.Status == StatusPending && record.Kind == KindPurchase {
			pending = append(pending, record)
		}
	}
	sort.Slice(pending, func(left, right int) bool { return pending[left].ID < pending[right].ID })
	return pending, nil
}

func (store *lockedMemStore) SumDeltas(_ context.Context, userID int64, status Status) (int, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	sum := 0
	for _, record := range store.transactions {
		if record.UserID == userID && record.Status == status {
			sum += record.Delta
		}
	}
	return sum, nil
}

func (store *lockedMemStore) ListTransactions(_ context.Context, userID int64, filter Filter, page Page) ([]Transaction, int64, error) {
	var matched []Transaction
	for _, record := range store.transactions {
		if record.UserID != userID {
			continue
		}
		if filter.Kind != nil && record.Kind != *filter.Kind {
			continue
		}
		if filter.Status != nil && record.Status != *filter.Status {
			continue
		}
		if filter.From != nil && record.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && record.CreatedAt.After(*filter.To) {
			continue
		}
		if filter.Query != "" && !strings.Contains(record.Note, filter.Query) && !strings.Contains(record.Source, filter.Query) {
			continue
		}
		matched = append(matched, record)
	}
	sort.Slice(matched, func(left, right int) bool { return matched[left].ID > matched[right].ID })
	total := int64(len(matched))
	offset := (page.Number - 1) * page.PerPage
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + page.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (store *lockedMemStore) ListDebtors(_ context.Context) ([]Account, error) {
	var debtors []Account
	for _, account := range store.accounts {
		if account.Owes > 0 {
			debtors = append(debtors, account)
		}
	}
	sort.Slice(debtors, func(left, right int) bool { return debtors[left].UserID < debtors[right].UserID })
	return debtors, nil
}
