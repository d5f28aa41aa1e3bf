package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncState tracks incremental sync progress per scope. The reconciliation
// high-water mark lives in the row with Scope = "reconciliation".
type SyncState struct {
	Scope         string         `gorm:"primaryKey;type:text" json:"scope"`
	Cursor        *string        `gorm:"type:text" json:"cursor,omitempty"`
	WatermarkTS   *time.Time     `gorm:"type:timestamptz" json:"watermark_ts,omitempty"`
	LastSuccessAt *time.Time     `gorm:"type:timestamptz" json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time     `gorm:"type:timestamptz" json:"last_attempt_at,omitempty"`
	LastError     *string        `gorm:"type:text" json:"last_error,omitempty"`
	StatsJSON     datatypes.JSON `gorm:"type:jsonb" json:"stats,omitempty" swaggertype:"object"`
}

func (SyncState) TableName() string {
	return "sync_state"
}
