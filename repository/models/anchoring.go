package models

import "time"

// Anchoring statuses, in the only order they may advance
const (
	AnchoringPending          = "pending"
	AnchoringStorageCommitted = "storage_committed"
	AnchoringLedgerCommitted  = "ledger_committed"
	AnchoringFailed           = "permanently_failed"
)

// AnchoringRecord tracks the external commitment of one passport
type AnchoringRecord struct {
	ID             string     `gorm:"column:anchoring_id;primaryKey;type:varchar(50)"`
	PassportHash   string     `gorm:"column:passport_hash;type:varchar(64);uniqueIndex;not null"`
	PassportID     string     `gorm:"column:passport_id;type:varchar(50);index;not null"`
	UnitID         string     `gorm:"column:unit_id;type:varchar(50);not null"`
	ContentHash    string     `gorm:"column:content_hash;type:varchar(64);not null"`
	Locator        *string    `gorm:"column:locator;type:text"`
	TxRef          *string    `gorm:"column:tx_ref;type:varchar(66)"`
	BlockHeight    int64      `gorm:"column:block_height"`
	Status         string     `gorm:"column:status;type:varchar(20);index;not null"`
	Attempts       int        `gorm:"column:attempts;not null;default:0"`
	LastError      string     `gorm:"column:last_error;type:text"`
	Requeued       int        `gorm:"column:requeued;not null;default:0"`
	NextAttemptAt  time.Time  `gorm:"column:next_attempt_at;index;not null"`
	LeaseOwner     *string    `gorm:"column:lease_owner;type:varchar(64)"`
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Terminal reports whether no worker will pick the record up again
func (a *AnchoringRecord) Terminal() bool {
	return a.Status == AnchoringLedgerCommitted || a.Status == AnchoringFailed
}

// StatusRank orders statuses so transitions can be checked to only move forward
func StatusRank(status string) int {
	switch status {
	case AnchoringPending:
		return 0
	case AnchoringStorageCommitted:
		return 1
	case AnchoringLedgerCommitted, AnchoringFailed:
		return 2
	}
	return -1
}
