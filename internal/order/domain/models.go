package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrOrderNotOpen          = errors.New("order_not_open")
	ErrOrderHasNoItems       = errors.New("order_has_no_items")
	ErrOrderTotalsMismatch   = errors.New("order_totals_mismatch")
	ErrPaymentNotFound       = errors.New("payment_not_found")
	ErrPaymentNotCaptured    = errors.New("payment_not_captured")
	ErrPaymentOrderMismatch  = errors.New("payment_order_mismatch")
	ErrPaymentAmountMismatch = errors.New("payment_amount_mismatch")
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFinalized OrderStatus = "finalized"
	OrderStatusCanceled  OrderStatus = "canceled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// PaymentStatus tracks a processor charge attached to an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusSettled  PaymentStatus = "settled"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Order is a commerce order heading toward ledger settlement. Amounts
// are minor units and must satisfy
// total = subtotal - discount + tax once tax is frozen.
type Order struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	OrgID           snowflake.ID `gorm:"not null;index"`
	MemberID        snowflake.ID `gorm:"not null"`
	Number          string       `gorm:"type:text;not null"`
	Status          OrderStatus  `gorm:"type:text;not null;default:'pending'"`
	Currency        string       `gorm:"type:text;not null"`
	SubtotalAmount  int64        `gorm:"not null;default:0"`
	DiscountAmount  int64        `gorm:"not null;default:0"`
	TaxAmount       int64        `gorm:"not null;default:0"`
	TotalAmount     int64        `gorm:"not null;default:0"`
	TaxJurisdiction string       `gorm:"type:text;not null;default:''"`
	TaxCategory     string       `gorm:"type:text;not null;default:''"`
	PlacedAt        time.Time    `gorm:"not null"`
	FinalizedAt     *time.Time
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// OrderItem is one purchased product line.
type OrderItem struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	OrderID        snowflake.ID  `gorm:"not null;index"`
	ProductID      snowflake.ID  `gorm:"not null"`
	PaymentPlanID  *snowflake.ID
	Description    string        `gorm:"type:text;not null;default:''"`
	Quantity       int           `gorm:"not null;default:1"`
	UnitAmount     int64         `gorm:"not null"`
	SubtotalAmount int64         `gorm:"not null"`
	DiscountAmount int64         `gorm:"not null;default:0"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrderItem) TableName() string { return "order_items" }

// NetAmount is the item revenue after its own discount.
func (i *OrderItem) NetAmount() int64 {
	return i.SubtotalAmount - i.DiscountAmount
}

// OrderDiscount is an order-level discount line.
type OrderDiscount struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrderID   snowflake.ID `gorm:"not null;index"`
	Code      string       `gorm:"type:text;not null"`
	Amount    int64        `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrderDiscount) TableName() string { return "order_discounts" }

// OrderPayment is a processor charge for an order.
type OrderPayment struct {
	ID                 snowflake.ID  `gorm:"primaryKey"`
	OrderID            snowflake.ID  `gorm:"not null;index"`
	Provider           string        `gorm:"type:text;not null"`
	Status             PaymentStatus `gorm:"type:text;not null;default:'pending'"`
	Amount             int64         `gorm:"not null"`
	ProcessorFeeAmount int64         `gorm:"not null;default:0"`
	Currency           string        `gorm:"type:text;not null"`
	PaidAt             *time.Time
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrderPayment) TableName() string { return "order_payments" }
