package enums

// PurchaseStatus tracks a one-time credit top-up.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusSucceeded PurchaseStatus = "succeeded"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

var purchaseStatuses = set[PurchaseStatus]{PurchaseStatusPending, PurchaseStatusSucceeded, PurchaseStatusFailed}

func (p PurchaseStatus) IsValid() bool { return purchaseStatuses.has(p) }

// IsFinal reports whether the purchase has been settled either way.
func (p PurchaseStatus) IsFinal() bool {
	return p == PurchaseStatusSucceeded || p == PurchaseStatusFailed
}
