package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// UserAccount holds the one denormalized balance row per user: the cached
// credit count and the cumulative DKK debt.
type UserAccount struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false"`
	Credit    int       `gorm:"not null;default:0"`
	Owes      int       `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UserAccount) TableName() string { return "user_accounts" }

// CreditTransaction mirrors the credit_transactions table. Rows are append
// only; after creation nothing but status, posted_at, and the gateway
// purchase fields may change, and only while the row is pending.
type CreditTransaction struct {
	ID        int64      `gorm:"primaryKey"`
	UserID    int64      `gorm:"not null;index:idx_tx_user_created,priority:1"`
	Delta     int        `gorm:"not null"`
	Kind      string     `gorm:"size:16;not null"`
	Status    string     `gorm:"size:16;not null;index:idx_tx_user_status"`
	CreatedAt time.Time  `gorm:"not null;index:idx_tx_user_created,priority:2"`
	PostedAt  *time.Time `gorm:""`
	AmountOre *int64     `gorm:""`
	Source    string     `gorm:"size:120;index:idx_tx_source"`
	ActorID   int64      `gorm:"not null;default:0"`
	Note      string     `gorm:"size:255"`
	Gateway   datatypes.JSON
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
