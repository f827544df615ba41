package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/enums"
)

// FeatureQuota is the per-period allotment of one metered feature.
type FeatureQuota struct {
	ID          uuid.UUID         `gorm:"column:id;type:varchar(36);primaryKey"`
	OrgID       uuid.UUID         `gorm:"column:org_id;type:varchar(36);not null;uniqueIndex:uniq_feature_quotas_org_feature"`
	FeatureType enums.FeatureType `gorm:"column:feature_type;type:varchar(32);not null;uniqueIndex:uniq_feature_quotas_org_feature"`
	QuotaLimit  int64             `gorm:"column:quota_limit;not null;default:0"`
	Used        int64             `gorm:"column:used;not null;default:0"`
	PeriodStart time.Time         `gorm:"column:period_start;not null"`
	PeriodEnd   time.Time         `gorm:"column:period_end;not null"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (q *FeatureQuota) TableName() string {
	return "feature_quotas"
}

func (q *FeatureQuota) BeforeCreate(*gorm.DB) error {
	ensureID(&q.ID)
	return nil
}
