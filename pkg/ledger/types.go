package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a transaction. It never changes posting mechanics.
type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindSpend      Kind = "spend"
	KindAdjustment Kind = "adjustment"
	KindRefund     Kind = "refund"
)

// String returns the wire form of the kind.
func (kind Kind) String() string {
	return string(kind)
}

// ParseKind validates a raw kind value.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindPurchase:
		return KindPurchase, nil
	case KindSpend:
		return KindSpend, nil
	case KindAdjustment:
		return KindAdjustment, nil
	case KindRefund:
		return KindRefund, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// Status is the lifecycle state of a transaction. Pending is the only
// non-terminal state; posted and canceled are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPosted   Status = "posted"
	StatusCanceled Status = "canceled"
)

// String returns the wire form of the status.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether the status permits no further transition.
func (status Status) Terminal() bool {
	return status == StatusPosted || status == StatusCanceled
}

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusPosted:
		return StatusPosted, nil
	case StatusCanceled:
		return StatusCanceled, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Transaction is a single line in the ledger. Once terminal it is immutable;
// while pending only status, posted time, and the gateway-purchased delta
// may still change.
type Transaction struct {
	ID        int64
	UserID    int64
	Delta     int
	Kind      Kind
	Status    Status
	CreatedAt time.Time
	PostedAt  *time.Time
	AmountOre *int64
	Source    string
	ActorID   int64
	Note      string
	Gateway   []byte
}

// Draft is the input shape for creating a transaction. AllowNegative relaxes
// the negative-balance check for immediate-posted refund style entries.
type Draft struct {
	UserID        int64
	Delta         int
	Kind          Kind
	AmountOre     *int64
	Source        string
	ActorID       int64
	Note          string
	AllowNegative bool
}

// Validate checks the draft for caller bugs. A zero delta is tolerated only
// for pending purchases, where the payment gateway supplies the purchased
// amount at capture time.
func (draft Draft) Validate(initial Status) error {
	if draft.UserID <= 0 {
		return fmt.Errorf("%w: user id %d", ErrInvalidDraft, draft.UserID)
	}
	if _, err := ParseKind(draft.Kind.String()); err != nil {
		return err
	}
	if draft.Delta == 0 {
		if initial == StatusPending && draft.Kind == KindPurchase {
			return nil
		}
		return ErrZeroDelta
	}
	return nil
}

// Account is the balance view of a user: the cached credit count kept equal
// to the ledger, and the cumulative DKK debt tracked beside it.
type Account struct {
	UserID int64
	Credit int
	Owes   int
}

// Balance is the display view returned to callers.
type Balance struct {
	Credit       int
	PendingDelta int
	Owes         int
}

// OutcomeCode tags the result of an idempotent state transition.
type OutcomeCode string

const (
	OutcomeApplied         OutcomeCode = "applied"
	OutcomeAlreadyPosted   OutcomeCode = "already_posted"
	OutcomeAlreadyCanceled OutcomeCode = "already_canceled"
)

// Outcome reports what a post or cancel call did, so callers can tell
// "nothing to do" apart from a genuine failure.
type Outcome struct {
	Code        OutcomeCode
	Transaction Transaction
}

// Applied reports whether the transition actually ran in this call.
func (outcome Outcome) Applied() bool {
	return outcome.Code == OutcomeApplied
}

// Filter narrows a ledger listing.
type Filter struct {
	Kind   *Kind
	Status *Status
	From   *time.Time
	To     *time.Time
	Query  string
}

// Page selects a listing window. Page numbers start at 1.
type Page struct {
	Number  int
	PerPage int
}

// Store is the persistence contract used by Service. Implementations must
// provide atomic multi-row commits through WithTx and an exclusive per-user
// row lock through LockAccount; transactions for a user are ordered by
// created_at with the id as tiebreak.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, userID int64) (Account, error)
	GetAccount(ctx context.Context, userID int64) (Account, error)
	LockAccount(ctx context.Context, userID int64) (Account, error)
	SaveBalances(ctx context.Context, userID int64, credit int, owes int) error
	InsertTransaction(ctx context.Context, record Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, transactionID int64) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID int64, from Status, to Status, postedAt *time.Time) (bool, error)
	SetPurchasedDelta(ctx context.Context, transactionID int64, delta int, note string, gateway []byte) error
	FindPendingBySourcePrefix(ctx context.Context, userID int64, prefix string) (*Transaction, error)
	ListPendingPurchases(ctx context.Context, userID int64) ([]Transaction, error)
	SumDeltas(ctx context.Context, userID int64, status Status) (int, error)
	ListTransactions(ctx context.Context, userID int64, filter Filter, page Page) ([]Transaction, int64, error)
	ListDebtors(ctx context.Context) ([]Account, error)
}
