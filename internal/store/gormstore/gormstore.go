package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nordvang/kantine/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgLockNotAvailableCode = "55P03"
	pgDeadlockDetectedCode = "40P01"
	postgresDialect        = "postgres"
	errorOperationStore    = "store"
	errorSubjectAccount    = "account"
	errorSubjectBalance    = "balance"
	errorSubjectTx         = "transaction"
	errorCodeEnsure        = "ensure"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeList          = "list"
	errorCodeLock          = "lock"
	errorCodeLookup        = "lookup"
	errorCodeSave          = "save"
	errorCodeSetDelta      = "set_delta"
	errorCodeSum           = "sum"
	errorCodeUpdateStatus  = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema. Intended for SQLite development databases;
// PostgreSQL deployments manage their schema outside the daemon.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserAccount{}, &CreditTransaction{})
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	account := UserAccount{UserID: userID}
	err := store.db.WithContext(ctx).FirstOrCreate(&account, UserAccount{UserID: userID}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return mapAccount(account), nil
}

func (store *Store) GetAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	var account UserAccount
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account), nil
}

// LockAccount acquires the exclusive per-user row lock. On PostgreSQL this
// is SELECT ... FOR UPDATE; SQLite serializes writers natively and rejects
// the clause, so it is applied only on the PostgreSQL dialect.
func (store *Store) LockAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == postgresDialect {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account UserAccount
	err := query.Where("user_id = ?", userID).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return mapAccount(account), nil
}

func (store *Store) SaveBalances(ctx context.Context, userID int64, credit int, owes int) error {
	result := store.db.WithContext(ctx).
		Model(&UserAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"credit": credit, "owes": owes})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, record ledger.Transaction) (ledger.Transaction, error) {
	row := CreditTransaction{
		UserID:    record.UserID,
		Delta:     record.Delta,
		Kind:      record.Kind.String(),
		Status:    record.Status.String(),
		CreatedAt: record.CreatedAt,
		PostedAt:  record.PostedAt,
		AmountOre: record.AmountOre,
		Source:    record.Source,
		ActorID:   record.ActorID,
		Note:      record.Note,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if len(record.Gateway) > 0 {
		row.Gateway = datatypes.JSON(record.Gateway)
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return mapTransaction(row), nil
}

// GetTransaction reads a single row without locking it. Writers serialize on
// the account row lock instead; taking a row lock here first would invert the
// lock order against flows that lock the account before touching transaction
// rows. Concurrent transitions are caught by the status-guarded update.
func (store *Store) GetTransaction(ctx context.Context, transactionID int64) (ledger.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).Where("id = ?", transactionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, ledger.ErrUnknownTransaction)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	return mapTransaction(row), nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID int64, from ledger.Status, to ledger.Status, postedAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"status": to.String()}
	if postedAt != nil {
		updates["posted_at"] = *postedAt
	}
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND status = ?", transactionID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) SetPurchasedDelta(ctx context.Context, transactionID int64, delta int, note string, gateway []byte) error {
	updates := map[string]interface{}{"delta": delta}
	if note != "" {
		updates["note"] = note
	}
	if len(gateway) > 0 {
		updates["gateway"] = datatypes.JSON(gateway)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND status = ?", transactionID, ledger.StatusPending.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTx, errorCodeSetDelta, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTx, errorCodeSetDelta, ledger.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) FindPendingBySourcePrefix(ctx context.Context, userID int64, prefix string) (*ledger.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND source LIKE ?", userID, ledger.StatusPending.String(), prefix+"%").
		Order("created_at DESC").
		Order("id DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	record := mapTransaction(row)
	return &record, nil
}

func (store *Store) ListPendingPurchases(ctx context.Context, userID int64) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND status = ?", userID, ledger.KindPurchase.String(), ledger.StatusPending.String()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows), nil
}

func (store *Store) SumDeltas(ctx context.Context, userID int64, status ledger.Status) (int, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(delta),0) as total").
		Where("user_id = ? AND status = ?", userID, status.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return int(sum.Total), nil
}

func (store *Store) ListTransactions(ctx context.Context, userID int64, filter ledger.Filter, page ledger.Page) ([]ledger.Transaction, int64, error) {
	query := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ?", userID)
	if filter.Kind != nil {
		query = query.Where("kind = ?", filter.Kind.String())
	}
	if filter.Status != nil {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}
	if filter.Query != "" {
		like := "%" + filter.Query + "%"
		query = query.Where("source LIKE ? OR note LIKE ?", like, like)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	var rows []CreditTransaction
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page.Number - 1) * page.PerPage).
		Limit(page.PerPage).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows), total, nil
}

func (store *Store) ListDebtors(ctx context.Context) ([]ledger.Account, error) {
	var rows []UserAccount
	err := store.db.WithContext(ctx).
		Where("owes > 0").
		Order("owes DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, mapAccount(row))
	}
	return accounts, nil
}

type sqlSum struct {
	Total int64
}

func mapAccount(row UserAccount) ledger.Account {
	return ledger.Account{
		UserID: row.UserID,
		Credit: row.Credit,
		Owes:   row.Owes,
	}
}

func mapTransaction(row CreditTransaction) ledger.Transaction {
	return ledger.Transaction{
		ID:        row.ID,
		UserID:    row.UserID,
		Delta:     row.Delta,
		Kind:      ledger.Kind(row.Kind),
		Status:    ledger.Status(row.Status),
		CreatedAt: row.CreatedAt,
		PostedAt:  row.PostedAt,
		AmountOre: row.AmountOre,
		Source:    row.Source,
		ActorID:   row.ActorID,
		Note:      row.Note,
		Gateway:   []byte(row.Gateway),
	}
}

func mapTransactions(rows []CreditTransaction) []ledger.Transaction {
	records := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		records = append(records, mapTransaction(row))
	}
	return records
}

func wrapStoreError(subject string, code string, err error) error {
	if isLockTimeout(err) {
		err = ledger.ErrLockTimeout
	}
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// isLockTimeout recognizes the transient lock failures PostgreSQL reports:
// lock_timeout expiry and deadlock aborts. Both resolve on retry.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}
