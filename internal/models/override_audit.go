package models

import "time"

// OverrideAudit is the permanent record of a manual readiness override.
// Rows are append-only.
type OverrideAudit struct {
	ID            string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Operator      string    `gorm:"type:varchar(100);not null;index" json:"operator"`
	Reason        string    `gorm:"type:text;not null" json:"reason"`
	PreviousState string    `gorm:"type:varchar(20);not null" json:"previous_state"`
	CreatedAt     time.Time `gorm:"type:timestamptz;not null;index" json:"created_at"`
}

func (OverrideAudit) TableName() string {
	return "override_audits"
}
