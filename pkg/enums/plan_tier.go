package enums

// PlanTier is the subscription plan level an organization is on.
type PlanTier string

const (
	PlanTierFree    PlanTier = "free"
	PlanTierStarter PlanTier = "starter"
	PlanTierPro     PlanTier = "pro"
	PlanTierMax     PlanTier = "max"
)

var planTiers = set[PlanTier]{PlanTierFree, PlanTierStarter, PlanTierPro, PlanTierMax}

func (p PlanTier) String() string { return string(p) }

func (p PlanTier) IsValid() bool { return planTiers.has(p) }

// ParsePlanTier matches case-insensitively.
func ParsePlanTier(value string) (PlanTier, error) {
	return planTiers.parse("plan tier", value)
}
