// Package dbstore persists rotation history and usage snapshots for the
// operator status page. Nothing here feeds back into the live
// RotationController state: on restart the controller starts fresh, per
// spec.md's "no persistence of rotation state across restarts" non-goal.
package dbstore

import (
	"time"

	"gorm.io/gorm"
)

// RotationEvent records one credential switch, successful or not.
type RotationEvent struct {
	gorm.Model
	FromIndex int    `json:"from_index"`
	ToIndex   int    `json:"to_index"`
	Reason    string `json:"reason"` // "usage_threshold", "failure_threshold", "immediate_status_<code>", "manual", "fallback"
	Succeeded bool   `json:"succeeded"`
	Detail    string `json:"detail,omitempty"`
}

// UsageSample is a periodic snapshot of a credential's counters. Samples are
// only written; neither /api/status nor the dashboard reads them back.
type UsageSample struct {
	gorm.Model
	CredentialIndex int       `json:"credential_index"`
	SampledAt       time.Time `json:"sampled_at"`
	UsageCount      int       `json:"usage_count"`
	FailureCount    int       `json:"failure_count"`
}

// AutoMigrate creates or updates the gateway.db schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RotationEvent{}, &UsageSample{})
}
