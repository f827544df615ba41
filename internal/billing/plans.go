package billing

import (
	"time"

	"github.com/pixell/agent-billing/pkg/enums"
)

// Allotment is what a plan tier grants for one billing period.
type Allotment struct {
	Features map[enums.FeatureType]int64
	Credits  map[enums.CreditTier]int64
}

var plans = map[enums.PlanTier]Allotment{
	enums.PlanTierFree: {
		Features: map[enums.FeatureType]int64{
			enums.FeatureResearch:    5,
			enums.FeatureIdeation:    10,
			enums.FeatureAutoPosting: 0,
			enums.FeatureMonitors:    1,
		},
		Credits: map[enums.CreditTier]int64{
			enums.CreditTierSmall:  50,
			enums.CreditTierMedium: 10,
			enums.CreditTierLarge:  2,
			enums.CreditTierXL:     0,
		},
	},
	enums.PlanTierStarter: {
		Features: map[enums.FeatureType]int64{
			enums.FeatureResearch:    50,
			enums.FeatureIdeation:    100,
			enums.FeatureAutoPosting: 20,
			enums.FeatureMonitors:    5,
		},
		Credits: map[enums.CreditTier]int64{
			enums.CreditTierSmall:  500,
			enums.CreditTierMedium: 100,
			enums.CreditTierLarge:  20,
			enums.CreditTierXL:     5,
		},
	},
	enums.PlanTierPro: {
		Features: map[enums.FeatureType]int64{
			enums.FeatureResearch:    200,
			enums.FeatureIdeation:    500,
			enums.FeatureAutoPosting: 100,
			enums.FeatureMonitors:    20,
		},
		Credits: map[enums.CreditTier]int64{
			enums.CreditTierSmall:  2000,
			enums.CreditTierMedium: 400,
			enums.CreditTierLarge:  100,
			enums.CreditTierXL:     20,
		},
	},
	enums.PlanTierMax: {
		Features: map[enums.FeatureType]int64{
			enums.FeatureResearch:    1000,
			enums.FeatureIdeation:    2500,
			enums.FeatureAutoPosting: 500,
			enums.FeatureMonitors:    100,
		},
		Credits: map[enums.CreditTier]int64{
			enums.CreditTierSmall:  10000,
			enums.CreditTierMedium: 2000,
			enums.CreditTierLarge:  500,
			enums.CreditTierXL:     100,
		},
	},
}

// PlanAllotment returns the allotment for tier. Unknown tiers get the free plan.
func PlanAllotment(tier enums.PlanTier) Allotment {
	if a, ok := plans[tier]; ok {
		return a
	}
	return plans[enums.PlanTierFree]
}

// PeriodBounds returns the one-month period that begins at start.
func PeriodBounds(start time.Time) (time.Time, time.Time) {
	start = start.UTC()
	return start, start.AddDate(0, 1, 0)
}
