package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Direction is the side of a double-entry line.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Valid reports whether d is one of the two known sides.
func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

// Signed converts a positive line amount into the signed delta applied
// to the account balance: debits add, credits subtract.
func (d Direction) Signed(amount int64) int64 {
	if d == DirectionCredit {
		return -amount
	}
	return amount
}

// BusinessEntityType names the domain record a posting settles.
type BusinessEntityType string

const (
	BusinessEntityOrder        BusinessEntityType = "order"
	BusinessEntityRefund       BusinessEntityType = "refund"
	BusinessEntityPayout       BusinessEntityType = "payout"
	BusinessEntityAdjustment   BusinessEntityType = "adjustment"
	BusinessEntityPaymentEvent BusinessEntityType = "payment_event"
)

var knownEntityTypes = map[BusinessEntityType]struct{}{
	BusinessEntityOrder:        {},
	BusinessEntityRefund:       {},
	BusinessEntityPayout:       {},
	BusinessEntityAdjustment:   {},
	BusinessEntityPaymentEvent: {},
}

func (t BusinessEntityType) Valid() bool {
	_, ok := knownEntityTypes[t]
	return ok
}

// Transaction is a posted double-entry header. Rows are immutable once
// written; corrections are new transactions.
type Transaction struct {
	ID                 snowflake.ID  `gorm:"primaryKey"`
	OrgID              snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_account_transactions_idem,priority:1"`
	Number             string        `gorm:"type:text;not null"`
	IdempotencyKey     string        `gorm:"type:text;not null;uniqueIndex:ux_account_transactions_idem,priority:2"`
	Description        string        `gorm:"type:text;not null;default:''"`
	BusinessEntityType *string       `gorm:"type:text"`
	BusinessEntityID   *snowflake.ID `gorm:"index"`
	Currency           string        `gorm:"type:text;not null"`
	TotalAmount        int64         `gorm:"not null"`
	PostedAt           time.Time     `gorm:"not null"`
	CreatedAt          time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "account_transactions" }

// TransactionLine is a single side of a posting. Amount is always
// positive; Direction carries the sign.
type TransactionLine struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TransactionID snowflake.ID `gorm:"not null;index"`
	AccountID     snowflake.ID `gorm:"not null;index"`
	Direction     Direction    `gorm:"type:text;not null"`
	Amount        int64        `gorm:"not null"`
	Currency      string       `gorm:"type:text;not null"`
	Memo          string       `gorm:"type:text;not null;default:''"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TransactionLine) TableName() string { return "account_transaction_lines" }

// SignedAmount is the delta this line applies to its account balance.
func (l *TransactionLine) SignedAmount() int64 {
	return l.Direction.Signed(l.Amount)
}
