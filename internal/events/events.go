package events

// Ledger event types recorded in the outbox and pushed downstream.
const (
	EventTransactionPosted    = "ledger.transaction_posted"
	EventBalanceSnapshotTaken = "ledger.balance_snapshot_taken"
	EventOrderFinalized       = "order.finalized"
	EventAttributionRecorded  = "attribution.recorded"
)

// TransactionPostedPayload carries the minimal data consumers need to
// roll up a posted transaction.
type TransactionPostedPayload struct {
	TransactionID      string `json:"transaction_id"`
	Number             string `json:"number"`
	BusinessEntityType string `json:"business_entity_type,omitempty"`
	BusinessEntityID   string `json:"business_entity_id,omitempty"`
	Currency           string `json:"currency"`
	TotalAmount        int64  `json:"total_amount"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p TransactionPostedPayload) ToMap() map[string]any {
	payload := map[string]any{
		"transaction_id": p.TransactionID,
		"number":         p.Number,
		"currency":       p.Currency,
		"total_amount":   p.TotalAmount,
	}
	if p.BusinessEntityType != "" {
		payload["business_entity_type"] = p.BusinessEntityType
	}
	if p.BusinessEntityID != "" {
		payload["business_entity_id"] = p.BusinessEntityID
	}
	return payload
}

// SnapshotTakenPayload announces a new balance snapshot row.
type SnapshotTakenPayload struct {
	SnapshotID string `json:"snapshot_id"`
	AccountID  string `json:"account_id"`
	Reason     string `json:"reason"`
	AsOf       string `json:"as_of"`
}

func (p SnapshotTakenPayload) ToMap() map[string]any {
	return map[string]any{
		"snapshot_id": p.SnapshotID,
		"account_id":  p.AccountID,
		"reason":      p.Reason,
		"as_of":       p.AsOf,
	}
}

// OrderFinalizedPayload announces a fully settled order.
type OrderFinalizedPayload struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Currency      string `json:"currency"`
	TotalAmount   int64  `json:"total_amount"`
}

func (p OrderFinalizedPayload) ToMap() map[string]any {
	return map[string]any{
		"order_id":       p.OrderID,
		"transaction_id": p.TransactionID,
		"currency":       p.Currency,
		"total_amount":   p.TotalAmount,
	}
}
