package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/enums"
)

// CreditBalance holds the legacy tier counters, purchased top-up credits and
// the auto-top-up configuration for one organization.
type CreditBalance struct {
	ID                 uuid.UUID `gorm:"column:id;type:varchar(36);primaryKey"`
	OrgID              uuid.UUID `gorm:"column:org_id;type:varchar(36);not null;uniqueIndex"`
	IncludedSmall      int64     `gorm:"column:included_small;not null;default:0"`
	IncludedMedium     int64     `gorm:"column:included_medium;not null;default:0"`
	IncludedLarge      int64     `gorm:"column:included_large;not null;default:0"`
	IncludedXL         int64     `gorm:"column:included_xl;not null;default:0"`
	UsedSmall          int64     `gorm:"column:used_small;not null;default:0"`
	UsedMedium         int64     `gorm:"column:used_medium;not null;default:0"`
	UsedLarge          int64     `gorm:"column:used_large;not null;default:0"`
	UsedXL             int64     `gorm:"column:used_xl;not null;default:0"`
	TopupCredits       int64     `gorm:"column:topup_credits;not null;default:0"`
	TopupCreditsUsed   int64     `gorm:"column:topup_credits_used;not null;default:0"`
	AutoTopupEnabled   bool      `gorm:"column:auto_topup_enabled;not null;default:false"`
	AutoTopupThreshold int64     `gorm:"column:auto_topup_threshold;not null;default:0"`
	AutoTopupAmount    int64     `gorm:"column:auto_topup_amount;not null;default:0"`
	BillingPeriodStart time.Time `gorm:"column:billing_period_start;not null"`
	BillingPeriodEnd   time.Time `gorm:"column:billing_period_end;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *CreditBalance) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

// Included returns the allotment for a legacy tier.
func (c CreditBalance) Included(tier enums.CreditTier) int64 {
	switch tier {
	case enums.CreditTierSmall:
		return c.IncludedSmall
	case enums.CreditTierMedium:
		return c.IncludedMedium
	case enums.CreditTierLarge:
		return c.IncludedLarge
	case enums.CreditTierXL:
		return c.IncludedXL
	}
	return 0
}

// Used returns the consumed count for a legacy tier.
func (c CreditBalance) Used(tier enums.CreditTier) int64 {
	switch tier {
	case enums.CreditTierSmall:
		return c.UsedSmall
	case enums.CreditTierMedium:
		return c.UsedMedium
	case enums.CreditTierLarge:
		return c.UsedLarge
	case enums.CreditTierXL:
		return c.UsedXL
	}
	return 0
}

// TopupRemaining returns purchased credits not yet consumed.
func (c CreditBalance) TopupRemaining() int64 {
	if rem := c.TopupCredits - c.TopupCreditsUsed; rem > 0 {
		return rem
	}
	return 0
}

// UsedColumn and IncludedColumn name the counters for a tier.
func UsedColumn(tier enums.CreditTier) string {
	return "used_" + string(tier)
}

func IncludedColumn(tier enums.CreditTier) string {
	return "included_" + string(tier)
}
