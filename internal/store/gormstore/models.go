package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance represents the credit_balances table: one row per
// (user, credit type), created lazily on first grant.
type CreditBalance struct {
	UserID     string    `gorm:"primaryKey"`
	CreditType string    `gorm:"primaryKey"`
	Balance    int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditHistory mirrors the append-only credit_history table.
type CreditHistory struct {
	EntryID           string     `gorm:"type:uuid;primaryKey"`
	UserID            string     `gorm:"not null;index:idx_history_user_created,priority:1"`
	CreditType        string     `gorm:"not null"`
	Action            string     `gorm:"not null"`
	Amount            int64      `gorm:"not null"`
	Description       string     `gorm:""`
	IdempotencyKey    *string    `gorm:"index:uniq_history_idem,unique"`
	RelatedPurchaseID *string    `gorm:"type:uuid"`
	RelatedEntryID    *string    `gorm:"type:uuid"`
	ExpiresAt         *time.Time `gorm:""`
	CreatedAt         time.Time  `gorm:"not null;index:idx_history_user_created,priority:2"`
}

func (CreditHistory) TableName() string { return "credit_history" }

func (entry *CreditHistory) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// CreditPurchase mirrors the credit_purchases table.
type CreditPurchase struct {
	PurchaseID            string         `gorm:"type:uuid;primaryKey"`
	UserID                string         `gorm:"not null;index:idx_purchases_user_created,priority:1"`
	CreditType            string         `gorm:"not null"`
	Amount                int64          `gorm:"not null"`
	PriceCents            int64          `gorm:"not null"`
	ExternalTransactionID string         `gorm:"not null;index:uniq_purchase_txn,unique"`
	Status                string         `gorm:"not null"`
	Metadata              datatypes.JSON `gorm:"not null"`
	ExpiresAt             *time.Time     `gorm:""`
	CreatedAt             time.Time      `gorm:"not null;index:idx_purchases_user_created,priority:2"`
}

func (CreditPurchase) TableName() string { return "credit_purchases" }

func (purchase *CreditPurchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}
