package enums

// AuditStatus is the review state of a claimed billable action.
type AuditStatus string

const (
	AuditStatusPending  AuditStatus = "pending"
	AuditStatusApproved AuditStatus = "approved"
	AuditStatusFlagged  AuditStatus = "flagged"
	AuditStatusRefunded AuditStatus = "refunded"
	AuditStatusSkipped  AuditStatus = "skipped"
)

var auditStatuses = set[AuditStatus]{
	AuditStatusPending,
	AuditStatusApproved,
	AuditStatusFlagged,
	AuditStatusRefunded,
	AuditStatusSkipped,
}

func (a AuditStatus) IsValid() bool { return auditStatuses.has(a) }

func ParseAuditStatus(value string) (AuditStatus, error) {
	return auditStatuses.parse("audit status", value)
}

// DetectionSource records who claimed a billable action.
type DetectionSource string

const (
	DetectionSourceAPI       DetectionSource = "api"
	DetectionSourceAgent     DetectionSource = "agent"
	DetectionSourceWebhook   DetectionSource = "webhook"
	DetectionSourceReconcile DetectionSource = "reconcile"
)

func (d DetectionSource) IsValid() bool {
	switch d {
	case DetectionSourceAPI, DetectionSourceAgent, DetectionSourceWebhook, DetectionSourceReconcile:
		return true
	}
	return false
}
