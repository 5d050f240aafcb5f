package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nordvang/kantine/pkg/ledger"
)

const (
	pgLockNotAvailableCode = "55P03"
	pgDeadlockDetectedCode = "40P01"
	errorOperationStore    = "store"
	errorSubjectAccount    = "account"
	errorSubjectBalance    = "balance"
	errorSubjectTx         = "transaction"
	errorCodeBegin         = "begin"
	errorCodeCommit        = "commit"
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

	defaultLockTimeout = 5 * time.Second

	sqlEnsureAccount = `
		insert into user_accounts(user_id, credit, owes, created_at, updated_at)
		values($1, 0, 0, now(), now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id, credit, owes
	`

	sqlGetAccount = `
		select user_id, credit, owes from user_accounts where user_id = $1
	`

	sqlLockAccount = `
		select user_id, credit, owes from user_accounts where user_id = $1 for update
	`

	sqlSaveBalances = `
		update user_accounts set credit = $2, owes = $3, updated_at = now() where user_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			user_id, delta, kind, status, created_at, posted_at, amount_ore, source, actor_id, note, gateway
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, nullif($11,'')::jsonb)
		returning id
	`

	sqlSelectTransaction = `
		select id, user_id, delta, kind, status, created_at, posted_at, amount_ore,
			coalesce(source,''), actor_id, coalesce(note,''), coalesce(gateway::text,'')
		from credit_transactions
		where id = $1
	`

	sqlUpdateTransactionStatus = `
		update credit_transactions
		set status = $4, posted_at = coalesce($3, posted_at)
		where id = $1 and status = $2
	`

	sqlSetPurchasedDelta = `
		update credit_transactions
		set delta = $2,
			note = case when $3 <> '' then $3 else note end,
			gateway = case when $4 <> '' then $4::jsonb else gateway end
		where id = $1 and status = 'pending'
	`

	sqlFindPendingBySourcePrefix = `
		select id, user_id, delta, kind, status, created_at, posted_at, amount_ore,
			coalesce(source,''), actor_id, coalesce(note,''), coalesce(gateway::text,'')
		from credit_transactions
		where user_id = $1 and status = 'pending' and source like $2 || '%'
		order by created_at desc, id desc
		limit 1
	`

	sqlListPendingPurchases = `
		select id, user_id, delta, kind, status, created_at, posted_at, amount_ore,
			coalesce(source,''), actor_id, coalesce(note,''), coalesce(gateway::text,'')
		from credit_transactions
		where user_id = $1 and kind = 'purchase' and status = 'pending'
		order by created_at asc, id asc
	`

	sqlSumDeltas = `
		select coalesce(sum(delta),0) from credit_transactions
		where user_id = $1 and status = $2
	`

	sqlListDebtors = `
		select user_id, credit, owes from user_accounts where owes > 0 order by owes desc
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. Inside WithTx
// all queries run on the active transaction; the per-user lock is plain
// SELECT ... FOR UPDATE with a transaction-scoped lock_timeout so blocked
// callers fail fast with a retryable error instead of queueing forever.
type Store struct {
	pool        *pgxpool.Pool
	q           querier
	lockTimeout time.Duration
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool, lockTimeout: defaultLockTimeout}
}

// WithLockTimeout overrides how long a transaction waits for the row lock.
func (store *Store) WithLockTimeout(timeout time.Duration) *Store {
	if timeout > 0 {
		store.lockTimeout = timeout
	}
	return store
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; postgres has no nesting to add.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("set local lock_timeout = '%dms'", store.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx, lockTimeout: store.lockTimeout}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	var account ledger.Account
	err := store.q.QueryRow(ctx, sqlEnsureAccount, userID).Scan(&account.UserID, &account.Credit, &account.Owes)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return account, nil
}

func (store *Store) GetAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	var account ledger.Account
	err := store.q.QueryRow(ctx, sqlGetAccount, userID).Scan(&account.UserID, &account.Credit, &account.Owes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) LockAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	var account ledger.Account
	err := store.q.QueryRow(ctx, sqlLockAccount, userID).Scan(&account.UserID, &account.Credit, &account.Owes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return account, nil
}

func (store *Store) SaveBalances(ctx context.Context, userID int64, credit int, owes int) error {
	tag, err := store.q.Exec(ctx, sqlSaveBalances, userID, credit, owes)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, record ledger.Transaction) (ledger.Transaction, error) {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err := store.q.QueryRow(ctx, sqlInsertTransaction,
		record.UserID,
		record.Delta,
		record.Kind.String(),
		record.Status.String(),
		createdAt,
		record.PostedAt,
		record.AmountOre,
		record.Source,
		record.ActorID,
		record.Note,
		string(record.Gateway),
	).Scan(&record.ID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	record.CreatedAt = createdAt
	return record, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID int64) (ledger.Transaction, error) {
	record, err := scanTransaction(store.q.QueryRow(ctx, sqlSelectTransaction, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, ledger.ErrUnknownTransaction)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	return record, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID int64, from ledger.Status, to ledger.Status, postedAt *time.Time) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlUpdateTransactionStatus, transactionID, from.String(), postedAt, to.String())
	if err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeUpdateStatus, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) SetPurchasedDelta(ctx context.Context, transactionID int64, delta int, note string, gateway []byte) error {
	tag, err := store.q.Exec(ctx, sqlSetPurchasedDelta, transactionID, delta, note, string(gateway))
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeSetDelta, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTx, errorCodeSetDelta, ledger.ErrUnknownTransaction)
	}
	return nil
}

func (store *Store) FindPendingBySourcePrefix(ctx context.Context, userID int64, prefix string) (*ledger.Transaction, error) {
	record, err := scanTransaction(store.q.QueryRow(ctx, sqlFindPendingBySourcePrefix, userID, prefix))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	return &record, nil
}

func (store *Store) ListPendingPurchases(ctx context.Context, userID int64) ([]ledger.Transaction, error) {
	rows, err := store.q.Query(ctx, sqlListPendingPurchases, userID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return records, nil
}

func (store *Store) SumDeltas(ctx context.Context, userID int64, status ledger.Status) (int, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumDeltas, userID, status.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return int(sum), nil
}

func (store *Store) ListTransactions(ctx context.Context, userID int64, filter ledger.Filter, page ledger.Page) ([]ledger.Transaction, int64, error) {
	where := "user_id = $1"
	args := []any{userID}
	if filter.Kind != nil {
		args = append(args, filter.Kind.String())
		where += fmt.Sprintf(" and kind = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, filter.Status.String())
		where += fmt.Sprintf(" and status = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where += fmt.Sprintf(" and created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where += fmt.Sprintf(" and created_at <= $%d", len(args))
	}
	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		where += fmt.Sprintf(" and (source ilike $%d or note ilike $%d)", len(args), len(args))
	}

	var total int64
	countSQL := "select count(*) from credit_transactions where " + where
	if err := store.q.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}

	args = append(args, page.PerPage, (page.Number-1)*page.PerPage)
	listSQL := fmt.Sprintf(`
		select id, user_id, delta, kind, status, created_at, posted_at, amount_ore,
			coalesce(source,''), actor_id, coalesce(note,''), coalesce(gateway::text,'')
		from credit_transactions
		where %s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, where, len(args)-1, len(args))
	rows, err := store.q.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return records, total, nil
}

func (store *Store) ListDebtors(ctx context.Context) ([]ledger.Account, error) {
	rows, err := store.q.Query(ctx, sqlListDebtors)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]ledger.Account, 0, 16)
	for rows.Next() {
		var account ledger.Account
		if err := rows.Scan(&account.UserID, &account.Credit, &account.Owes); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		record  ledger.Transaction
		kind    string
		status  string
		gateway string
	)
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.Delta,
		&kind,
		&status,
		&record.CreatedAt,
		&record.PostedAt,
		&record.AmountOre,
		&record.Source,
		&record.ActorID,
		&record.Note,
		&gateway,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	record.Kind = ledger.Kind(kind)
	record.Status = ledger.Status(status)
	if gateway != "" {
		record.Gateway = []byte(gateway)
	}
	return record, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	records := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
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
